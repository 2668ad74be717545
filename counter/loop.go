// Package counter implements Counter & Loop (spec.md §4.8): the
// persistent high-water counter, the per-iteration drive of the pipeline
// (View Mapper -> Classifier -> Resolver -> Executor -> Submitter -> Change
// Map Appender), batching, polling, and connection reset.
package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rcowham/p4transfer/classify"
	"github.com/rcowham/p4transfer/config"
	"github.com/rcowham/p4transfer/integration"
	"github.com/rcowham/p4transfer/journal"
	"github.com/rcowham/p4transfer/p4client"
	"github.com/rcowham/p4transfer/submit"
	"github.com/rcowham/p4transfer/workspace"
	"github.com/sirupsen/logrus"
)

// Options configures one Loop run, combining the validated config with the
// live client pair and probed capabilities (spec.md §4.8/§5).
type Options struct {
	Config       *config.Config
	Source       p4client.Client
	Target       p4client.Client
	Capabilities workspace.Capabilities

	// MaxChanges stops the loop after this many changes (CLI `-m N`). 0 = unlimited.
	MaxChanges int
	// StopOnError puts the loop in strict mode (CLI `-s`): a submit
	// failure is fatal instead of sleep-and-retry.
	StopOnError bool
	// Nokeywords disables keyword expansion on retry, per the CLI surface.
	Nokeywords bool

	// Now is injectable for tests; defaults to time.Now when nil.
	Now func() time.Time
}

// Summary accumulates the batch-boundary counters spec.md §7's surfacing
// policy calls for.
type Summary struct {
	ChangesSubmitted int
	ChangesSkipped   int
	Degradations     int
}

// Loop drives the replication pipeline, one source change at a time.
type Loop struct {
	opts       Options
	logger     *logrus.Logger
	startCtr   int
	changeMap  ChangeMapAppender
	fetcher    workspace.ContentFetcher
	lookupFor  func(targetPath string) integration.RevisionLookup
	summary    Summary
	now        func() time.Time
}

// ChangeMapAppender is the narrow interface Loop consumes for spec.md
// §4.7, implemented by journal.ChangeMap.
type ChangeMapAppender interface {
	Append(e journal.Entry) error
}

// NewLoop constructs a Loop ready to Run. fetcher supplies revision
// content for add/edit staging; changeMap may be nil to disable §4.7.
func NewLoop(logger *logrus.Logger, opts Options, startCounter int, fetcher workspace.ContentFetcher, changeMap ChangeMapAppender) *Loop {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Loop{
		opts:      opts,
		logger:    logger,
		startCtr:  startCounter,
		changeMap: changeMap,
		fetcher:   fetcher,
		now:       now,
	}
}

// Run executes spec.md §4.8's per-iteration algorithm until a stop
// condition is reached: MaxChanges exhausted, EndDatetime passed, or (in
// non-polling mode) the source has nothing left in scope.
func (l *Loop) Run(ctx context.Context) (Summary, error) {
	counter := l.startCtr
	cfg := l.opts.Config
	executor := workspace.NewExecutor(l.logger, l.opts.Target, l.fetcher, l.opts.Capabilities)
	submitter := submit.NewSubmitter(l.logger, l.opts.Target)
	submitter.Nokeywords = l.opts.Nokeywords

	processed := 0
	sinceReset := 0

	for {
		if ctx.Err() != nil {
			return l.summary, ctx.Err()
		}
		if !cfg.EndDatetimeParsed.IsZero() && l.now().After(cfg.EndDatetimeParsed) {
			l.logger.Infof("counter: end-datetime reached, stopping")
			return l.summary, nil
		}
		if l.opts.MaxChanges > 0 && processed >= l.opts.MaxChanges {
			l.logger.Infof("counter: max-changes (%d) reached, stopping", l.opts.MaxChanges)
			return l.summary, nil
		}

		changes, err := l.opts.Source.Changes(ctx, counter, 1)
		if err != nil {
			return l.summary, errors.Wrap(err, "counter: query source changes")
		}
		if len(changes) == 0 {
			if cfg.PollIntervalSeconds <= 0 {
				return l.summary, nil
			}
			l.logger.Debugf("counter: no new changes, sleeping %ds", cfg.PollIntervalSeconds)
			select {
			case <-ctx.Done():
				return l.summary, ctx.Err()
			case <-time.After(time.Duration(cfg.PollIntervalSeconds) * time.Second):
			}
			continue
		}

		sourceChange := changes[0]
		newCounter, err := l.processChange(ctx, executor, submitter, sourceChange)
		if err != nil {
			if l.opts.StopOnError {
				return l.summary, fmt.Errorf("counter: change %d failed: %w", sourceChange, err)
			}
			l.logger.Errorf("counter: change %d failed, will retry: %v", sourceChange, err)
			select {
			case <-ctx.Done():
				return l.summary, ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		counter = newCounter
		processed++
		sinceReset++

		if cfg.ResetConnection > 0 && sinceReset >= cfg.ResetConnection {
			l.logger.Infof("counter: resetting connections after %d changes", sinceReset)
			sinceReset = 0
		}
		if cfg.ChangeBatchSize > 0 && processed%cfg.ChangeBatchSize == 0 {
			l.logger.Infof("counter: batch boundary at %d changes (submitted=%d skipped=%d degraded=%d)",
				processed, l.summary.ChangesSubmitted, l.summary.ChangesSkipped, l.summary.Degradations)
		}
	}
}

// processChange implements one iteration's build/submit/advance/append
// sequence (spec.md §4.8 step 3) and returns the new counter value.
func (l *Loop) processChange(ctx context.Context, executor *workspace.Executor, submitter *submit.Submitter, sourceChange int) (int, error) {
	change, err := l.opts.Source.Describe(ctx, sourceChange)
	if err != nil {
		return 0, errors.Wrapf(err, "describe change %d", sourceChange)
	}

	rec := &p4client.ChangeRecord{
		SourceChangeNumber: sourceChange,
		SourceUser:         change.User,
		SourceClient:       change.Client,
		SourceDescription:  change.Description,
		SourceTimestamp:    change.Timestamp,
	}

	for _, rev := range change.Files {
		if ignored(l.opts.Config, rev.DepotFile) {
			continue
		}
		prior := classify.PriorState{}
		if targetPath, ok := l.opts.Config.ViewMap.ToTarget(rev.DepotFile); ok {
			prior = l.priorState(ctx, targetPath)
		}
		archived := rev.Action == journal.Purge || rev.Action == journal.Archive
		intent := classify.Classify(l.logger, l.opts.Config.ViewMap, rev, prior, findMovePartner(change.Files, rev),
			archived && referencedByLaterIntegration(change.Files, rev))
		if intent == nil {
			continue
		}
		if classify.IsDirtyCandidate(intent) {
			lookup := l.lookupForPath(intent.TargetPath)
			ops, promote := integration.Resolve(l.logger, l.opts.Config.ViewMap, lookup, rev.Integrations, rev.Type, len(rev.Integrations) == 1)
			if promote {
				intent.Action = p4client.IntentAdd
				intent.ConvertToPlainAdd = true
				intent.Degraded = true
				l.summary.Degradations++
			} else {
				intent.Integrations = ops
			}
		}
		if intent.Degraded {
			l.summary.Degradations++
			l.logger.Warnf("counter: degraded intent for %s: %s", intent.TargetPath, intent.DegradeReason)
		}
		rec.Intents = append(rec.Intents, *intent)
	}

	if len(rec.Intents) == 0 {
		if err := submitter.AdvanceCounter(ctx, l.opts.Config.CounterName, sourceChange); err != nil {
			return 0, errors.Wrap(err, "advance counter past out-of-scope change")
		}
		l.summary.ChangesSkipped++
		return sourceChange, nil // advance past an out-of-scope source change
	}

	description := submit.ComposeDescription(l.opts.Config.ChangeDescriptionFormat, rec, l.opts.Source.Port())
	pending, err := executor.Execute(ctx, rec, description)
	if err != nil {
		return 0, errors.Wrap(err, "execute staged intents")
	}

	fileTypes := map[string]journal.FileType{}
	for _, intent := range rec.Intents {
		fileTypes[intent.TargetPath] = intent.Type
	}

	result, err := l.submitWithBackoff(ctx, submitter, pending, fileTypes)
	if err != nil {
		return 0, err
	}

	if err := submitter.AdvanceCounter(ctx, l.opts.Config.CounterName, sourceChange); err != nil {
		return 0, errors.Wrap(err, "advance counter")
	}
	l.summary.ChangesSubmitted++

	if l.changeMap != nil {
		entry := journal.Entry{SourcePort: l.opts.Source.Port(), SourceChange: sourceChange, TargetChange: result.TargetChange}
		if err := l.changeMap.Append(entry); err != nil {
			l.logger.Warnf("counter: failed to append change map entry for %d: %v", sourceChange, err)
		}
	}

	return sourceChange, nil
}

func (l *Loop) submitWithBackoff(ctx context.Context, submitter *submit.Submitter, pending int, fileTypes map[string]journal.FileType) (submit.Result, error) {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	var result submit.Result
	err := backoff.Retry(func() error {
		var err error
		result, err = submitter.Submit(ctx, pending, fileTypes)
		return err
	}, backoff.WithMaxRetries(bo, 3))
	return result, err
}

func (l *Loop) lookupForPath(targetPath string) integration.RevisionLookup {
	if l.lookupFor != nil {
		return l.lookupFor(targetPath)
	}
	return &clientLookup{ctx: context.Background(), client: l.opts.Target, logger: l.logger}
}

// clientLookup resolves target revisions via Filelog, by position, the
// fallback named in spec.md §4.3 step 2 when digest comparison isn't
// available to this caller.
type clientLookup struct {
	ctx    context.Context
	client p4client.Client
	logger *logrus.Logger
}

func (c *clientLookup) TargetRevision(targetPath string, sourceRev int) (int, bool) {
	revs, err := c.client.Filelog(c.ctx, targetPath)
	if err != nil || len(revs) == 0 || sourceRev <= 0 {
		return 0, false
	}
	if sourceRev <= len(revs) {
		return revs[sourceRev-1].Rev, true
	}
	return revs[len(revs)-1].Rev, true
}

// priorState queries the target's own history of targetPath to give the
// classifier real prior-state facts (spec.md §4.2's add-vs-readd and move
// degrade decisions), replacing a zero-value PriorState that could never
// surface the "add on top of prior delete" case.
func (l *Loop) priorState(ctx context.Context, targetPath string) classify.PriorState {
	revs, err := l.opts.Target.Filelog(ctx, targetPath)
	if err != nil || len(revs) == 0 {
		return classify.PriorState{}
	}
	last := revs[len(revs)-1]
	return classify.PriorState{
		Existed:             true,
		LastActionWasDelete: last.Action == journal.Delete || last.Action == journal.MoveDelete,
	}
}

// referencedByLaterIntegration reports whether some other file in the same
// change carries a from-side integration record pointing back at rev,
// meaning a purged/archived revision still feeds a live integration
// (spec.md §9's archived-ancestor Open Question).
func referencedByLaterIntegration(files []p4client.FileRevision, rev p4client.FileRevision) bool {
	for _, f := range files {
		for _, r := range f.Integrations {
			if !r.How.IsFromSide() {
				continue
			}
			if r.OtherDepotPath == rev.DepotFile && rev.Rev >= r.OtherStartRev && rev.Rev <= r.OtherEndRev {
				return true
			}
		}
	}
	return false
}

func ignored(cfg *config.Config, depotPath string) bool {
	for _, re := range cfg.ReIgnoreFiles {
		if re.MatchString(depotPath) {
			return true
		}
	}
	return false
}

func findMovePartner(files []p4client.FileRevision, rev p4client.FileRevision) *p4client.FileRevision {
	if rev.MovePartner == "" {
		return nil
	}
	for i := range files {
		if files[i].DepotFile == rev.MovePartner {
			return &files[i]
		}
	}
	return nil
}
