// Package integration implements the Integration Graph Resolver
// (spec.md §4.3): it turns the IntegrationRecords attached to a classified
// revision into the ordered IntegrationOps a RevisionIntent stages.
package integration

import (
	"sort"

	"github.com/rcowham/p4transfer/journal"
	"github.com/rcowham/p4transfer/p4client"
	"github.com/rcowham/p4transfer/viewmap"
	"github.com/sirupsen/logrus"
)

// RevisionLookup resolves a source revision number on a depot path to the
// matching target revision number, by digest where possible and by
// position otherwise (spec.md §4.3 step 2). Implementations typically wrap
// p4client.Client.Filelog plus content.Compute.
type RevisionLookup interface {
	// TargetRevision returns the target-side revision number that
	// corresponds to sourceRev on targetPath, or ok=false if none can be
	// determined (obliterated ancestor).
	TargetRevision(targetPath string, sourceRev int) (targetRev int, ok bool)
}

// Resolve computes the ordered IntegrationOps for one classified revision's
// integration records (spec.md §4.3). solePredecessor indicates the
// revision has no other integration or content source, enabling the
// "promote to add" rule in step 1.
func Resolve(logger *logrus.Logger, vm *viewmap.ViewMap, lookup RevisionLookup, records []p4client.IntegrationRecord, fileType journal.FileType, solePredecessor bool) ([]p4client.IntegrationOp, bool) {
	var ops []p4client.IntegrationOp
	promoteToAdd := false

	for _, rec := range records {
		if !rec.How.IsFromSide() {
			continue // "into" side records describe the partner's own history, not ours
		}

		targetPartnerPath, inScope := vm.ToTarget(rec.OtherDepotPath)
		if !inScope {
			isFromFamily := rec.How == journal.CopyFrom || rec.How == journal.MergeFrom ||
				rec.How == journal.BranchFrom || rec.How == journal.EditFrom ||
				rec.How == journal.AddFrom || rec.How == journal.MovedFrom
			if isFromFamily {
				if solePredecessor {
					logger.Warnf("integration: sole predecessor %s out of scope for %s; promoting to add",
						rec.OtherDepotPath, rec.How)
					promoteToAdd = true
				}
				continue
			}
		}

		startRev, startOK := lookup.TargetRevision(targetPartnerPath, rec.OtherStartRev)
		endRev, endOK := lookup.TargetRevision(targetPartnerPath, rec.OtherEndRev)
		if !startOK {
			startRev = 0
		}
		if !endOK {
			// Obliterated ancestor: no target predecessor exists for the
			// end of the range either. Degrade by skipping this record;
			// the caller materializes the revision from content instead.
			logger.Warnf("integration: could not resolve %s#%d on target; treating as obliterated ancestor",
				rec.OtherDepotPath, rec.OtherEndRev)
			continue
		}

		ops = append(ops, p4client.IntegrationOp{
			How:          rec.How,
			PartnerPath:  targetPartnerPath,
			PartnerStart: startRev,
			PartnerEnd:   endRev,
			Resolve:      directiveFor(rec.How),
			SourcePath:   rec.OtherDepotPath,
			SourceRev:    rec.OtherEndRev,
			Type:         fileType,
		})
	}

	orderOps(ops)
	return ops, promoteToAdd
}

// directiveFor implements the how -> resolve-directive table of spec.md
// §4.3 step 3.
func directiveFor(how journal.IntegHow) p4client.ResolveDirective {
	switch how {
	case journal.BranchFrom, journal.CopyFrom, journal.AddFrom:
		return p4client.ResolveDirective{Kind: p4client.AcceptTheirs}
	case journal.MergeFrom:
		return p4client.ResolveDirective{Kind: p4client.AcceptMerged}
	case journal.EditFrom:
		return p4client.ResolveDirective{Kind: p4client.AcceptEdit}
	case journal.Ignored:
		return p4client.ResolveDirective{Kind: p4client.AcceptYours}
	case journal.DeleteFrom:
		return p4client.ResolveDirective{Kind: p4client.ActionResolve, Action: journal.Delete}
	default:
		return p4client.ResolveDirective{Kind: p4client.AcceptSafe}
	}
}

// howRank implements the ordering rule of spec.md §4.3 step 5: copy/merge/
// branch first, edit variants next, ignored last.
func howRank(how journal.IntegHow) int {
	switch how {
	case journal.CopyFrom, journal.MergeFrom, journal.BranchFrom, journal.AddFrom:
		return 0
	case journal.EditFrom, journal.DeleteFrom, journal.MovedFrom:
		return 1
	case journal.Ignored:
		return 2
	default:
		return 1
	}
}

func orderOps(ops []p4client.IntegrationOp) {
	sort.SliceStable(ops, func(i, j int) bool {
		return howRank(ops[i].How) < howRank(ops[j].How)
	})
}

// Escalate upgrades a "clean" directive to accept-edit with explicit
// source content, for the dirty-merge/dirty-branch case of spec.md §4.3
// step 4.
func Escalate(op *p4client.IntegrationOp, sourceContent []byte) {
	op.Resolve = p4client.ResolveDirective{Kind: p4client.AcceptEdit, Content: sourceContent}
}

// Reforce marks an op for a forced re-resolve after the target's stricter
// integration engine refused the original attempt (spec.md §4.3 step 6).
func Reforce(op *p4client.IntegrationOp) {
	op.Force = true
}
