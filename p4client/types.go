// Package p4client is the external "version-control server client library"
// collaborator described in spec.md §1: everything above this package talks
// to a source or target server only through the Client interface defined
// here, never directly to a transport.
package p4client

import (
	"fmt"
	"time"

	"github.com/rcowham/p4transfer/journal"
)

// FileRevision is one revision of one depot path within a change
// (spec.md §3).
type FileRevision struct {
	DepotFile    string
	Rev          int
	Action       journal.FileAction
	Type         journal.FileType
	Digest       string // hex MD5, uppercase; "" if absent (spec.md §3)
	Size         int64
	MovePartner  string // depotFile of the move/add<->move/delete partner, if any
	Integrations []IntegrationRecord
}

// ID identifies a revision uniquely for logging and caching purposes.
func (f FileRevision) ID() string {
	return fmt.Sprintf("%s#%d", f.DepotFile, f.Rev)
}

// IntegrationRecord is the pairing (thisRev, otherDepotPath, otherStartRev,
// otherEndRev, how) described in spec.md §3.
type IntegrationRecord struct {
	ThisRev        int
	OtherDepotPath string
	OtherStartRev  int
	OtherEndRev    int
	How            journal.IntegHow
}

// Change is one source changelist as returned by the server (the input to
// the View Mapper per spec.md §2's data flow).
type Change struct {
	Number      int
	User        string
	Client      string
	Description string
	Timestamp   time.Time
	Files       []FileRevision
}

// ResolveKind is the tagged sum type named in spec.md §9:
//
//	IntegrationDirective = AcceptTheirs | AcceptYours | AcceptMerged
//	                     | AcceptEdit(bytes) | ActionResolve(action)
type ResolveKind int

const (
	AcceptSafe ResolveKind = iota
	AcceptTheirs
	AcceptYours
	AcceptMerged
	AcceptEdit
	ActionResolve
)

func (k ResolveKind) String() string {
	switch k {
	case AcceptSafe:
		return "-as"
	case AcceptTheirs:
		return "-at"
	case AcceptYours:
		return "-ay"
	case AcceptMerged:
		return "-am"
	case AcceptEdit:
		return "-edit"
	case ActionResolve:
		return "-actionResolve"
	default:
		return "unknown"
	}
}

// ResolveDirective is one staged resolve decision (spec.md §4.3/§4.5).
type ResolveDirective struct {
	Kind ResolveKind
	// Content carries the literal bytes to write when Kind == AcceptEdit.
	Content []byte
	// Action carries the target action when Kind == ActionResolve (e.g.
	// "delete" when resolving a delete-from integration).
	Action journal.FileAction
}

// IntentAction is the target-side action a RevisionIntent stages
// (spec.md §3/§4.2).
type IntentAction int

const (
	IntentAdd IntentAction = iota
	IntentEdit
	IntentDelete
	IntentMove
	IntentIntegrate
	IntentSkip // purge/archive/degraded-no-op
)

func (a IntentAction) String() string {
	switch a {
	case IntentAdd:
		return "add"
	case IntentEdit:
		return "edit"
	case IntentDelete:
		return "delete"
	case IntentMove:
		return "move"
	case IntentIntegrate:
		return "integrate"
	case IntentSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// IntegrationOp is one staged integrate/copy/merge plus its resolve
// directive, targeting a specific source revision range (spec.md §3).
type IntegrationOp struct {
	How          journal.IntegHow
	PartnerPath  string // target-side path of the partner file
	PartnerStart int    // target revision number, translated by the resolver
	PartnerEnd   int
	Resolve      ResolveDirective
	Force        bool

	// SourcePath/SourceRev identify the integration partner on the SOURCE
	// server (rec.OtherDepotPath/OtherEndRev, unmapped), for fetching the
	// partner's actual bytes: edit-from's explicit accept-edit content and
	// the dirty-merge/branch check both need the source's own view of this
	// revision, not the target-translated one (spec.md §4.3 step 4/table).
	SourcePath string
	SourceRev  int
	// Type is the target file's type, needed for the keyword-aware dirty
	// comparison (spec.md §4.4).
	Type journal.FileType
}

// RevisionIntent is the normalized output of the Revision Classifier +
// Integration Graph Resolver: what to do on the target for one source
// revision (spec.md §3).
type RevisionIntent struct {
	SourceRev FileRevision

	Action     IntentAction
	TargetPath string
	// MovePartnerTarget is the target path of the other half of a move
	// pair, set only when Action == IntentMove.
	MovePartnerTarget string

	Type journal.FileType

	Integrations []IntegrationOp

	Force               bool // integrate/move refused by default engine; retry forced
	ReAddAfterDelete     bool // add on top of a delete the target engine won't allow directly
	ConvertToPlainAdd    bool // degrade branch/copy/move to a content-level add
	Degraded             bool // true if this intent resulted from a scope/mapping degradation (spec.md §7)
	DegradeReason        string
	Content              []byte // pre-fetched content for add/edit/accept-edit, when known up front
}

// ChangeRecord is the in-memory, per-source-change staging area
// (spec.md §3). It is built fresh for each source change and discarded once
// the target change is submitted.
type ChangeRecord struct {
	SourceChangeNumber int
	SourceUser         string
	SourceClient       string
	SourceDescription  string
	SourceTimestamp    time.Time
	Intents            []RevisionIntent
}
