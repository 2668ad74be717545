// Package classify implements the Revision Classifier (spec.md §4.2): the
// table that turns one sparsely-described source FileRevision into the
// target-side action it implies, before the Integration Graph Resolver
// (package integration) fills in the integration operations.
package classify

import (
	"github.com/rcowham/p4transfer/journal"
	"github.com/rcowham/p4transfer/p4client"
	"github.com/rcowham/p4transfer/viewmap"
	"github.com/sirupsen/logrus"
)

// PriorState carries what the classifier needs to know about a depot
// path's prior target-side history, since the classification table
// distinguishes "add" from "add on top of prior delete" and decides move
// pairing purely from already-known facts (spec.md §4.2).
type PriorState struct {
	// Existed reports whether the target already has any revision of this
	// path (false only for genuinely first-seen paths).
	Existed bool
	// LastActionWasDelete reports whether the most recent target revision
	// of this path was a delete.
	LastActionWasDelete bool
}

// Classify produces the RevisionIntent for one source FileRevision, or nil
// if the revision is out of scope and has no cross-scope implications
// (spec.md §4.2). movePartner, when the revision's action is move/add or
// move/delete, is the partner revision on the other half of the pair (may
// be nil if the partner could not be found in the same change).
// archivedReferenced reports whether this revision is an archived/purged
// revision that a later integration record in the same change depends on
// (spec.md §9's obliterated-ancestor-by-archive case); the caller determines
// this by scanning the change's other files for from-side records pointing
// back at rev.
func Classify(logger *logrus.Logger, vm *viewmap.ViewMap, rev p4client.FileRevision, prior PriorState, movePartner *p4client.FileRevision, archivedReferenced bool) *p4client.RevisionIntent {
	if !vm.IsInScope(rev.DepotFile) {
		return nil
	}
	targetPath, ok := vm.ToTarget(rev.DepotFile)
	if !ok {
		return nil
	}

	intent := &p4client.RevisionIntent{
		SourceRev:  rev,
		TargetPath: targetPath,
		Type:       rev.Type,
	}

	switch rev.Action {
	case journal.Add:
		intent.Action = p4client.IntentAdd
		if prior.Existed && prior.LastActionWasDelete {
			intent.ReAddAfterDelete = true
		}

	case journal.Edit:
		intent.Action = p4client.IntentEdit

	case journal.Delete:
		intent.Action = p4client.IntentDelete

	case journal.MoveAdd:
		if movePartner != nil && vm.IsInScope(movePartner.DepotFile) {
			partnerTarget, ok := vm.ToTarget(movePartner.DepotFile)
			if ok {
				intent.Action = p4client.IntentMove
				intent.MovePartnerTarget = partnerTarget
				break
			}
		}
		// Partner out of scope (or missing): degrade to a plain add
		// (spec.md §4.2's "move/add, partner out of scope -> add").
		intent.Action = p4client.IntentAdd
		intent.ConvertToPlainAdd = true
		intent.Degraded = true
		intent.DegradeReason = "move partner out of scope; converted to add"

	case journal.MoveDelete:
		if movePartner != nil && vm.IsInScope(movePartner.DepotFile) {
			partnerTarget, ok := vm.ToTarget(movePartner.DepotFile)
			if ok {
				intent.Action = p4client.IntentMove
				intent.MovePartnerTarget = partnerTarget
				break
			}
		}
		intent.Action = p4client.IntentDelete
		intent.Degraded = true
		intent.DegradeReason = "move partner out of scope; converted to delete"

	case journal.Branch:
		intent.Action = p4client.IntentIntegrate

	case journal.Integrate:
		intent.Action = p4client.IntentIntegrate

	case journal.Purge, journal.Archive:
		intent.Action = p4client.IntentSkip
		if archivedReferenced {
			intent.Degraded = true
			intent.DegradeReason = "archived revision referenced by later integration; treat as obliterated ancestor"
			if logger != nil {
				logger.Warnf("classify: archived revision referenced by later integration; treat as obliterated ancestor: %s#%d",
					rev.DepotFile, rev.Rev)
			}
		}

	case journal.Import:
		intent.Action = p4client.IntentAdd

	default:
		intent.Action = p4client.IntentSkip
		intent.Degraded = true
		intent.DegradeReason = "unrecognized source action"
	}

	return intent
}

// IsDirtyCandidate reports whether a classified integrate intent needs the
// Content Comparator's dirty-merge check (spec.md §4.3 step 4): any
// integrate whose source revision carries integration records at all.
func IsDirtyCandidate(intent *p4client.RevisionIntent) bool {
	return intent.Action == p4client.IntentIntegrate && len(intent.SourceRev.Integrations) > 0
}
