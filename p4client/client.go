package p4client

import (
	"context"

	"github.com/rcowham/p4transfer/journal"
)

// Client is the narrow interface every engine component consumes instead of
// talking to a server connection directly (spec.md §1's "version-control
// server client library" collaborator, and §5's "two long-lived client
// connections").
//
// Every method except Port takes a context so the configured per-call timeout of §5 can
// be enforced uniformly; timeouts surface as a plain error, which callers
// escalate per spec.md §7's error policy.
type Client interface {
	// Port returns the configured server address, used for the
	// "Transferred from <sourcePort>@<sourceChange>" marker (spec.md §6).
	Port() string

	// Changes returns changes with number > after, in scope-agnostic order
	// (ascending by change number), up to limit (0 = no limit). The View
	// Mapper filters the result to in-scope revisions.
	Changes(ctx context.Context, after int, limit int) ([]int, error)

	// Describe fetches one change's file revisions with their integration
	// records (spec.md §2's "Revision Classifier" input).
	Describe(ctx context.Context, change int) (Change, error)

	// Filelog returns the full revision history of a depot path, used by
	// the Integration Graph Resolver to map source revisions to
	// already-known target revisions (spec.md §4.3).
	Filelog(ctx context.Context, depotPath string) ([]FileRevision, error)

	// FetchContent retrieves the exact bytes of one revision, addressed by
	// depot path and revision (spec.md §4.5's "content fetched from source
	// by digest-addressed retrieval").
	FetchContent(ctx context.Context, depotPath string, rev int) ([]byte, error)

	// Digest is the hook for a server-computed digest of a local workspace
	// file. Neither CLIClient nor FakeClient computes one: both return an
	// error, and digests are computed locally by the content package
	// (spec.md §4.4's Content Comparator).
	Digest(ctx context.Context, localPath string, fileType journal.FileType) (digest string, size int64, err error)

	// --- workspace mutation, all against the currently opened pending
	// change on this client's target workspace (spec.md §4.5) ---

	Sync(ctx context.Context, depotPath string, rev int) error
	Add(ctx context.Context, change int, localPath string, fileType journal.FileType) error
	// ReAdd re-adds a path the target's integration engine refuses to add
	// plainly because its head revision is a delete (spec.md §4.2's "add
	// on top of prior delete" case). Equivalent to `p4 add -d`.
	ReAdd(ctx context.Context, change int, localPath string, fileType journal.FileType) error
	Edit(ctx context.Context, change int, depotPath string, fileType journal.FileType) error
	Delete(ctx context.Context, change int, depotPath string) error
	Move(ctx context.Context, change int, fromDepotPath, toDepotPath string, fileType journal.FileType) error
	Reopen(ctx context.Context, change int, depotPath string, fileType journal.FileType) error
	Integrate(ctx context.Context, change int, fromDepotPath string, fromStart, fromEnd int, toDepotPath string, how journal.IntegHow, force bool) error
	Resolve(ctx context.Context, change int, depotPath string, d ResolveDirective) error

	// WorkspaceContent reads the actual bytes currently on disk for an
	// opened depot path, used for the post-integrate dirty check of
	// spec.md §4.3 step 4 (the resolve may have written something other
	// than what the integration record predicted).
	WorkspaceContent(ctx context.Context, depotPath string) ([]byte, error)

	// Revert discards all opens in the named pending change (or the
	// default change, if 0), per §4.5 step 1.
	Revert(ctx context.Context, change int) error

	// RevertFile reverts a single opened depot path without touching the
	// rest of the pending change, used to drop unintended opens during
	// §4.5 step 4's verification without submitting them as deletes.
	RevertFile(ctx context.Context, change int, depotPath string) error

	// NewPendingChange creates a pending change with the given description
	// and returns its number.
	NewPendingChange(ctx context.Context, description string) (int, error)

	// OpenedFiles lists depot paths currently opened in a pending change,
	// used for §4.5's verification step. Spec.md §9 calls for this to be a
	// lazy, restartable sequence so large changes don't load every file
	// record into memory; OpenedFiles returns an iterator for that reason.
	OpenedFiles(ctx context.Context, change int) (OpenedIterator, error)

	// Submit submits a pending change and returns the resulting change
	// number (which may differ from the requested one on renumbering
	// servers).
	Submit(ctx context.Context, change int) (int, error)

	// Counter reads/writes the named persistent counter (spec.md §3
	// HighWaterCounter).
	Counter(ctx context.Context, name string) (int, error)
	SetCounter(ctx context.Context, name string, value int) error

	// Configure reads a server configurable, used for the dm.integ.engine
	// capability probe described in SPEC_FULL.md.
	Configure(ctx context.Context, name string) (string, error)

	// Streams/workspace provisioning, used by setup.Validate.
	// ListStreams returns existing stream depot paths matching a wildcard
	// filter (e.g. "//src/*"), used to expand a wildcard stream mapping
	// into one concrete mapping per existing source stream (spec.md §4.1).
	ListStreams(ctx context.Context, filter string) ([]string, error)
	StreamExists(ctx context.Context, stream string) (bool, error)
	CreateStream(ctx context.Context, stream, streamType, parent string) error
	CreateClassicClient(ctx context.Context, name, root string, view [][2]string, caseSensitive bool) error
	CreateStreamClient(ctx context.Context, name, root, stream string) error
}

// OpenedIterator is the lazy, restartable sequence named in spec.md §9.
type OpenedIterator interface {
	// Next returns the next opened depot path, or ok=false when exhausted.
	Next(ctx context.Context) (depotPath string, ok bool, err error)
}

// SliceOpenedIterator adapts a plain slice to OpenedIterator, for clients
// (and tests) that already have the full list in memory.
type SliceOpenedIterator struct {
	paths []string
	pos   int
}

func NewSliceOpenedIterator(paths []string) *SliceOpenedIterator {
	return &SliceOpenedIterator{paths: paths}
}

func (it *SliceOpenedIterator) Next(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if it.pos >= len(it.paths) {
		return "", false, nil
	}
	p := it.paths[it.pos]
	it.pos++
	return p, true, nil
}
