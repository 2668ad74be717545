// Package workspace implements the Workspace Executor (spec.md §4.5): it
// stages a ChangeRecord's RevisionIntents against a freshly reverted
// target workspace, in dependency order, then verifies the opened set
// before handing off to the Change Submitter.
package workspace

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rcowham/p4transfer/content"
	"github.com/rcowham/p4transfer/integration"
	"github.com/rcowham/p4transfer/journal"
	"github.com/rcowham/p4transfer/p4client"
	"github.com/sirupsen/logrus"
)

// ContentFetcher retrieves the exact bytes for a source revision, by
// digest-addressed retrieval (spec.md §4.5 step 2's "add"/"edit" bullets).
// Normally backed by p4client.Client.FetchContent plus a local cache.
type ContentFetcher interface {
	Fetch(ctx context.Context, depotPath string, rev int) ([]byte, error)
}

// Capabilities records target-server behavior probed once at setup time
// (SPEC_FULL.md's resolution of spec §9's commit-server Open Question),
// rather than re-probed per operation.
type Capabilities struct {
	// CommitServer reports whether exclusive-lock (+l) types must be set
	// only after the initial open (spec.md §4.5 step 3).
	CommitServer bool
	// ForceOnIntegrate reports whether the target's integration engine is
	// strict enough that every integrate should be pre-armed with -f
	// rather than retried reactively. False by default: retry first.
	ForceOnIntegrate bool
}

// Executor stages one ChangeRecord's intents against the target workspace.
type Executor struct {
	logger *logrus.Logger
	client p4client.Client
	fetch  ContentFetcher
	caps   Capabilities
}

func NewExecutor(logger *logrus.Logger, client p4client.Client, fetch ContentFetcher, caps Capabilities) *Executor {
	return &Executor{logger: logger, client: client, fetch: fetch, caps: caps}
}

// Execute performs spec.md §4.5 steps 1-4: revert, create pending change,
// dependency-ordered staging, and opened-set verification. It returns the
// pending change number ready for submission.
func (e *Executor) Execute(ctx context.Context, rec *p4client.ChangeRecord, description string) (int, error) {
	if err := e.client.Revert(ctx, 0); err != nil {
		return 0, errors.Wrap(err, "workspace: revert before staging")
	}

	change, err := e.client.NewPendingChange(ctx, description)
	if err != nil {
		return 0, errors.Wrap(err, "workspace: create pending change")
	}

	ordered := order(rec.Intents)
	intended := map[string]bool{}

	for _, intent := range ordered {
		if intent.Action == p4client.IntentSkip {
			continue
		}
		if err := e.stage(ctx, change, intent); err != nil {
			return change, errors.Wrapf(err, "workspace: staging %s (%s)", intent.TargetPath, intent.Action)
		}
		intended[intent.TargetPath] = true
		if intent.MovePartnerTarget != "" {
			intended[intent.MovePartnerTarget] = true
		}
	}

	if err := e.verifyOpened(ctx, change, intended); err != nil {
		return change, err
	}

	return change, nil
}

// order implements spec.md §4.5 step 2's dependency rule: move/delete
// before move/add, deletes before re-adds of the same path, integrations
// last so paired files already exist.
func order(intents []p4client.RevisionIntent) []p4client.RevisionIntent {
	rank := func(i p4client.RevisionIntent) int {
		switch {
		case i.Action == p4client.IntentDelete:
			return 0
		case i.Action == p4client.IntentMove:
			return 1
		case i.Action == p4client.IntentAdd, i.Action == p4client.IntentEdit:
			return 2
		case i.Action == p4client.IntentIntegrate:
			return 3
		default:
			return 4
		}
	}
	out := make([]p4client.RevisionIntent, len(intents))
	copy(out, intents)
	// stable insertion sort keeps same-rank relative order, small N per change
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && rank(out[j]) < rank(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (e *Executor) stage(ctx context.Context, change int, intent p4client.RevisionIntent) error {
	switch intent.Action {
	case p4client.IntentAdd:
		return e.stageAdd(ctx, change, intent)
	case p4client.IntentEdit:
		return e.stageEdit(ctx, change, intent)
	case p4client.IntentDelete:
		return e.client.Delete(ctx, change, intent.TargetPath)
	case p4client.IntentMove:
		return e.stageMove(ctx, change, intent)
	case p4client.IntentIntegrate:
		return e.stageIntegrate(ctx, change, intent)
	default:
		return errors.Errorf("workspace: unhandled intent action %s", intent.Action)
	}
}

func (e *Executor) fetchContent(ctx context.Context, intent p4client.RevisionIntent) ([]byte, error) {
	if intent.Content != nil {
		return intent.Content, nil
	}
	return e.fetch.Fetch(ctx, intent.SourceRev.DepotFile, intent.SourceRev.Rev)
}

func (e *Executor) stageAdd(ctx context.Context, change int, intent p4client.RevisionIntent) error {
	if _, err := e.fetchContent(ctx, intent); err != nil {
		return errors.Wrap(err, "fetch content for add")
	}
	// The caller's local-file writer places the fetched bytes at the
	// workspace path before this call; staging here only opens it.
	if intent.ReAddAfterDelete {
		return e.addAfterDelete(ctx, change, intent)
	}
	return e.client.Add(ctx, change, intent.TargetPath, intent.Type)
}

// addAfterDelete implements spec.md §4.2's "add on top of prior delete"
// case: some target integration engines refuse a plain add when the
// path's head revision is a delete, and need the delete-dash form instead.
func (e *Executor) addAfterDelete(ctx context.Context, change int, intent p4client.RevisionIntent) error {
	if err := e.client.Add(ctx, change, intent.TargetPath, intent.Type); err != nil {
		e.logger.Warnf("workspace: add-after-delete of %s refused (%v); retrying with -d", intent.TargetPath, err)
		return e.client.ReAdd(ctx, change, intent.TargetPath, intent.Type)
	}
	return nil
}

func (e *Executor) stageEdit(ctx context.Context, change int, intent p4client.RevisionIntent) error {
	if err := e.client.Sync(ctx, intent.TargetPath, 0); err != nil {
		e.logger.Warnf("workspace: sync before edit of %s: %v", intent.TargetPath, err)
	}
	if err := e.client.Edit(ctx, change, intent.TargetPath, intent.Type); err != nil {
		return err
	}
	if _, err := e.fetchContent(ctx, intent); err != nil {
		return errors.Wrap(err, "fetch content for edit")
	}
	return e.client.Reopen(ctx, change, intent.TargetPath, intent.Type)
}

func (e *Executor) stageMove(ctx context.Context, change int, intent p4client.RevisionIntent) error {
	err := e.client.Move(ctx, change, intent.MovePartnerTarget, intent.TargetPath, intent.Type)
	if err != nil {
		e.logger.Warnf("workspace: move %s -> %s refused (%v); falling back to delete+add",
			intent.MovePartnerTarget, intent.TargetPath, err)
		if delErr := e.client.Delete(ctx, change, intent.MovePartnerTarget); delErr != nil {
			return errors.Wrap(delErr, "move fallback delete")
		}
		return e.stageAdd(ctx, change, intent)
	}
	return nil
}

func (e *Executor) stageIntegrate(ctx context.Context, change int, intent p4client.RevisionIntent) error {
	if len(intent.Integrations) == 0 {
		// Promoted-to-add case from integration.Resolve's solePredecessor
		// rule, or a plain branch with no resolvable partner.
		return e.stageAdd(ctx, change, intent)
	}
	for _, op := range intent.Integrations {
		if err := e.integrateOne(ctx, change, intent.TargetPath, op); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) integrateOne(ctx context.Context, change int, targetPath string, op p4client.IntegrationOp) error {
	if e.caps.ForceOnIntegrate {
		op.Force = true
	}
	err := e.client.Integrate(ctx, change, op.PartnerPath, op.PartnerStart, op.PartnerEnd, targetPath, op.How, op.Force)
	if err != nil && !op.Force {
		e.logger.Warnf("workspace: integrate %s refused (%v); retrying with -f", targetPath, err)
		op.Force = true
		err = e.client.Integrate(ctx, change, op.PartnerPath, op.PartnerStart, op.PartnerEnd, targetPath, op.How, true)
	}
	if err != nil {
		return errors.Wrapf(err, "integrate %s from %s", targetPath, op.PartnerPath)
	}

	if op.Resolve.Kind == p4client.AcceptEdit && op.Resolve.Content == nil {
		// edit-from: accept-edit must carry the source revision's own
		// bytes (spec.md §4.3 table "edit-from" row), not whatever the
		// unresolved integrate left sitting in the workspace.
		edited, fetchErr := e.fetch.Fetch(ctx, op.SourcePath, op.SourceRev)
		if fetchErr != nil {
			return errors.Wrapf(fetchErr, "fetch edit-from content for %s", targetPath)
		}
		op.Resolve.Content = edited
	}

	if err := e.client.Resolve(ctx, change, targetPath, op.Resolve); err != nil {
		return errors.Wrapf(err, "resolve %s", targetPath)
	}

	if op.How == journal.BranchFrom || op.How == journal.MergeFrom {
		return e.checkDirtyAndEscalate(ctx, change, targetPath, op)
	}
	return nil
}

// checkDirtyAndEscalate implements spec.md §4.3 step 4, the hard part the
// spec calls its sole focus: a branch-from/merge-from resolve the server
// reports clean can still diverge from the source revision's actual bytes.
// Re-read what the resolve actually produced, compare it to the source,
// and on divergence escalate to an explicit accept-edit and re-resolve.
func (e *Executor) checkDirtyAndEscalate(ctx context.Context, change int, targetPath string, op p4client.IntegrationOp) error {
	actual, err := e.client.WorkspaceContent(ctx, targetPath)
	if err != nil {
		return errors.Wrapf(err, "read resolved content of %s for dirty check", targetPath)
	}
	predicted, err := e.fetch.Fetch(ctx, op.SourcePath, op.SourceRev)
	if err != nil {
		return errors.Wrapf(err, "fetch predicted content of %s for dirty check", op.SourcePath)
	}
	if !CheckDirty(actual, predicted, op.Type) {
		return nil
	}
	e.logger.Warnf("workspace: %s resolved clean but diverges from %s#%d; escalating to accept-edit",
		targetPath, op.SourcePath, op.SourceRev)
	integration.Escalate(&op, predicted)
	if err := e.client.Resolve(ctx, change, targetPath, op.Resolve); err != nil {
		return errors.Wrapf(err, "re-resolve %s after dirty escalation", targetPath)
	}
	return nil
}

// CheckDirty compares a resolved file's actual content, as already read by
// the caller, against the predicted content, reporting whether the caller
// must escalate its directive (spec.md §4.3 step 4). integrateOne reaches
// it through checkDirtyAndEscalate for every branch-from/merge-from op.
func CheckDirty(actual, predicted []byte, fileType journal.FileType) bool {
	return content.IsDirty(actual, predicted, fileType)
}

// verifyOpened implements spec.md §4.5 step 4: the opened set on the
// target must equal the intended set exactly.
func (e *Executor) verifyOpened(ctx context.Context, change int, intended map[string]bool) error {
	it, err := e.client.OpenedFiles(ctx, change)
	if err != nil {
		return errors.Wrap(err, "workspace: list opened files")
	}
	seen := map[string]bool{}
	for {
		path, ok, err := it.Next(ctx)
		if err != nil {
			return errors.Wrap(err, "workspace: iterate opened files")
		}
		if !ok {
			break
		}
		seen[path] = true
		if !intended[path] {
			e.logger.Warnf("workspace: reverting unintended open %s", path)
			if revErr := e.client.RevertFile(ctx, change, path); revErr != nil {
				e.logger.Warnf("workspace: could not revert unintended open %s: %v", path, revErr)
			}
		}
	}
	var missing []string
	for path := range intended {
		if !seen[path] {
			missing = append(missing, path)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("workspace: missing expected opens: %v", missing)
	}
	return nil
}
