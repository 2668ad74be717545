// Package submit implements the Change Submitter (spec.md §4.6): template
// composition for the change description, the submit-with-retry against
// the target workspace, and the atomic counter update that follows a
// successful submit.
package submit

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rcowham/p4transfer/journal"
	"github.com/rcowham/p4transfer/p4client"
	"github.com/sirupsen/logrus"
)

// DefaultTemplate is the template spec.md §4.6 falls back to when
// change_description_format is unset: the source description plus the
// embedded recovery marker.
const DefaultTemplate = "$sourceDescription\n\nTransferred from $sourcePort@$sourceChange"

// ComposeDescription substitutes the recognized template variables
// ($sourceChange, $sourceUser, $sourceDescription, $sourcePort).
// Unrecognized variables are left literal (spec.md §4.6 and §6).
func ComposeDescription(template string, rec *p4client.ChangeRecord, sourcePort string) string {
	if template == "" {
		template = DefaultTemplate
	}
	replacer := strings.NewReplacer(
		"$sourceChange", strconv.Itoa(rec.SourceChangeNumber),
		"$sourceUser", rec.SourceUser,
		"$sourceDescription", rec.SourceDescription,
		"$sourcePort", sourcePort,
	)
	return replacer.Replace(template)
}

// Marker returns the recovery marker embedded in every submitted target
// change's description (spec.md §6's "Transferred from <port>@<change>").
func Marker(sourcePort string, sourceChange int) string {
	return fmt.Sprintf("Transferred from %s@%d", sourcePort, sourceChange)
}

// retryablePatterns are the known trigger-rejection error substrings
// spec.md §4.6/§7 call out as the one class worth retrying automatically;
// anything else is a submit failure.
var retryablePatterns = []string{
	"Submit has been rejected by trigger",
	"is locked by",
	"resolve required",
}

func isRetryable(err error) bool {
	msg := err.Error()
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// digestMismatchPattern picks the depot paths out of a submit failure like
// "//depot/foo.txt - digest mismatch, updating" (spec.md §4.5 step 5).
var digestMismatchPattern = regexp.MustCompile(`(?m)^(//\S+)\s*-.*digest mismatch`)

func digestMismatchPaths(msg string) []string {
	var paths []string
	for _, m := range digestMismatchPattern.FindAllStringSubmatch(msg, -1) {
		paths = append(paths, m[1])
	}
	return paths
}

// Submitter submits a staged pending change and advances the counter.
type Submitter struct {
	logger *logrus.Logger
	client p4client.Client
	// MaxRetries bounds the trigger-rejection backoff of spec.md §9
	// ("bounded back-off, not unbounded").
	MaxRetries uint64
	// Nokeywords enables the §4.5 step 5 recovery: on a keyword-expanded
	// digest mismatch, reopen the offending file with keyword expansion
	// disabled and resubmit (the CLI's `--nokeywords` flag).
	Nokeywords bool
}

func NewSubmitter(logger *logrus.Logger, client p4client.Client) *Submitter {
	return &Submitter{logger: logger, client: client, MaxRetries: 5}
}

// Result carries the outcome of one submit attempt.
type Result struct {
	TargetChange int
	Retried      int
}

// Submit submits the given pending change, retrying transient/trigger
// rejections with bounded exponential backoff, and returns the resulting
// target change number (spec.md §4.6's submit failure policy). fileTypes
// maps each opened target path to its file type, needed only for the
// keyword-expanded digest mismatch recovery of spec.md §4.5 step 5; pass
// nil if Nokeywords is false.
func (s *Submitter) Submit(ctx context.Context, pendingChange int, fileTypes map[string]journal.FileType) (Result, error) {
	var result Result
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.MaxRetries)

	op := func() error {
		n, err := s.client.Submit(ctx, pendingChange)
		if err != nil {
			if s.Nokeywords && strings.Contains(err.Error(), "digest mismatch") {
				paths := digestMismatchPaths(err.Error())
				if len(paths) > 0 {
					if rerr := s.reopenWithoutKeywords(ctx, pendingChange, paths, fileTypes); rerr != nil {
						return backoff.Permanent(errors.Wrap(rerr, "submit: reopen without keywords"))
					}
					result.Retried++
					s.logger.Warnf("submit: keyword-expanded digest mismatch on %v, change %d; retrying with keyword expansion disabled",
						paths, pendingChange)
					return err
				}
			}
			if isRetryable(err) {
				result.Retried++
				s.logger.Warnf("submit: retryable failure on change %d: %v", pendingChange, err)
				return err
			}
			return backoff.Permanent(err)
		}
		result.TargetChange = n
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return result, errors.Wrapf(err, "submit: change %d failed after %d retries", pendingChange, result.Retried)
	}
	return result, nil
}

// reopenWithoutKeywords implements the re-open half of spec.md §4.5 step 5:
// each mismatched path is reopened for edit with its +k modifier stripped
// so the server writes the canonical, unexpanded text on the retried submit.
func (s *Submitter) reopenWithoutKeywords(ctx context.Context, change int, paths []string, fileTypes map[string]journal.FileType) error {
	for _, path := range paths {
		ft, ok := fileTypes[path]
		if !ok {
			continue
		}
		if err := s.client.Reopen(ctx, change, path, ft.WithoutKeywords()); err != nil {
			return errors.Wrapf(err, "reopen %s without keywords", path)
		}
	}
	return nil
}

// AdvanceCounter atomically records the high-water mark after a successful
// submit: the target change's description already encodes the source
// change number (via Marker/ComposeDescription), so this write is the
// only additional state spec.md §4.6 requires.
func (s *Submitter) AdvanceCounter(ctx context.Context, counterName string, sourceChange int) error {
	current, err := s.client.Counter(ctx, counterName)
	if err != nil {
		return errors.Wrap(err, "submit: read counter before advance")
	}
	if sourceChange <= current {
		return errors.Errorf("submit: counter precondition violated: have %d, asked to advance to %d", current, sourceChange)
	}
	return s.client.SetCounter(ctx, counterName, sourceChange)
}
