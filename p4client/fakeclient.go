package p4client

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rcowham/p4transfer/journal"
)

// FakeClient is the in-memory test double named in spec.md §9: an engine
// test seeds it with Changes and revision content, then drives the
// component under test against it the same way it would against a real
// CLIClient, without a p4d process. It also supports targeted fault
// injection (FailNextResolve, FailNextAdd, FailNextIntegrate) and workspace
// state seeding (SeedWorkspaceContent) so tests can exercise the
// degraded-integration and dirty-merge paths of spec.md §7/§4.3
// deterministically, plus FailNextSubmitWithError/ReopenCalls for the
// submit-retry and keyword-stripping recovery paths of spec.md §4.6/§4.5.
type FakeClient struct {
	mu sync.Mutex

	port string

	changes          map[int]Change
	content          map[string][]byte // "depotPath#rev" -> bytes
	workspaceContent map[string][]byte // depotPath -> bytes currently on disk in the workspace
	filelog          map[string][]FileRevision
	counters         map[string]int
	configure        map[string]string
	streams          map[string]bool

	pendingChanges map[int]*fakePendingChange
	nextChange     int

	failNextResolve   bool
	failNextAdd       bool
	failNextIntegrate bool
	failNextSubmit    string
	reopenCalls       []reopenCall
	resolveCalls      []ResolveDirective
}

type reopenCall struct {
	depotPath string
	fileType  journal.FileType
}

type fakePendingChange struct {
	description string
	opened      []string
}

// NewFakeClient returns a FakeClient with empty state, ready for seeding.
func NewFakeClient(port string) *FakeClient {
	return &FakeClient{
		port:             port,
		changes:          map[int]Change{},
		content:          map[string][]byte{},
		workspaceContent: map[string][]byte{},
		filelog:          map[string][]FileRevision{},
		counters:         map[string]int{},
		configure:        map[string]string{},
		streams:          map[string]bool{},
		pendingChanges:   map[int]*fakePendingChange{},
		nextChange:       1,
	}
}

func (f *FakeClient) Port() string { return f.port }

// SeedChange registers a source change for Changes/Describe to return.
func (f *FakeClient) SeedChange(c Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes[c.Number] = c
	for _, rev := range c.Files {
		f.filelog[rev.DepotFile] = append(f.filelog[rev.DepotFile], rev)
	}
}

// SeedContent registers the bytes FetchContent returns for one revision.
func (f *FakeClient) SeedContent(depotPath string, rev int, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content[fmt.Sprintf("%s#%d", depotPath, rev)] = data
}

// SeedWorkspaceContent sets what WorkspaceContent reads back for a depot
// path, simulating a resolve (or an uncommitted local edit) that produced
// content other than what an integration record predicted — the "server
// says clean but isn't" scenario of spec.md §4.3 step 4.
func (f *FakeClient) SeedWorkspaceContent(depotPath string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workspaceContent[depotPath] = data
}

// SeedFilelog registers the full revision history Filelog returns for a
// depot path, overwriting any history accumulated via SeedChange. Used to
// give the target side of a test real prior-revision facts (spec.md §4.2's
// add-vs-readd distinction) instead of an empty history.
func (f *FakeClient) SeedFilelog(depotPath string, revs []FileRevision) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filelog[depotPath] = append([]FileRevision(nil), revs...)
}

// SeedConfigure registers the value Configure returns for a server configurable.
func (f *FakeClient) SeedConfigure(name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configure[name] = value
}

// FailNextResolve makes the next Resolve call return an error, modelling a
// trigger rejection (spec.md §9's bounded-retry scenario).
func (f *FakeClient) FailNextResolve() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNextResolve = true
}

// FailNextAdd makes the next Add call return an error, modelling a target
// engine that refuses a plain add over a deleted head revision (spec.md
// §4.2's "add on top of prior delete" case).
func (f *FakeClient) FailNextAdd() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNextAdd = true
}

// FailNextIntegrate makes the next Integrate call return an error,
// modelling a target integration engine that refuses the unforced form.
func (f *FakeClient) FailNextIntegrate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNextIntegrate = true
}

// ResolveCalls returns every ResolveDirective passed to Resolve so far, in
// order, for assertions about directive selection (spec.md §4.3).
func (f *FakeClient) ResolveCalls() []ResolveDirective {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ResolveDirective, len(f.resolveCalls))
	copy(out, f.resolveCalls)
	return out
}

func (f *FakeClient) Changes(ctx context.Context, after int, limit int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for n := range f.changes {
		if n > after {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *FakeClient) Describe(ctx context.Context, change int) (Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.changes[change]
	if !ok {
		return Change{}, errors.Errorf("fakeclient: no such change %d", change)
	}
	return c, nil
}

func (f *FakeClient) Filelog(ctx context.Context, depotPath string) ([]FileRevision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	revs := append([]FileRevision(nil), f.filelog[depotPath]...)
	sort.Slice(revs, func(i, j int) bool { return revs[i].Rev < revs[j].Rev })
	return revs, nil
}

func (f *FakeClient) FetchContent(ctx context.Context, depotPath string, rev int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.content[fmt.Sprintf("%s#%d", depotPath, rev)]
	if !ok {
		return nil, errors.Errorf("fakeclient: no content seeded for %s#%d", depotPath, rev)
	}
	return data, nil
}

func (f *FakeClient) Digest(ctx context.Context, localPath string, fileType journal.FileType) (string, int64, error) {
	return "", 0, errors.New("fakeclient: Digest is computed by the content package, not the server")
}

func (f *FakeClient) Sync(ctx context.Context, depotPath string, rev int) error { return nil }

func (f *FakeClient) ensurePending(change int) *fakePendingChange {
	pc, ok := f.pendingChanges[change]
	if !ok {
		pc = &fakePendingChange{}
		f.pendingChanges[change] = pc
	}
	return pc
}

func (f *FakeClient) open(change int, depotPath string) {
	pc := f.ensurePending(change)
	for _, p := range pc.opened {
		if p == depotPath {
			return
		}
	}
	pc.opened = append(pc.opened, depotPath)
}

func (f *FakeClient) Add(ctx context.Context, change int, localPath string, fileType journal.FileType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextAdd {
		f.failNextAdd = false
		return errors.Errorf("fakeclient: add of %s refused (simulated head-is-delete)", localPath)
	}
	f.open(change, localPath)
	return nil
}

func (f *FakeClient) ReAdd(ctx context.Context, change int, localPath string, fileType journal.FileType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open(change, localPath)
	return nil
}

func (f *FakeClient) Edit(ctx context.Context, change int, depotPath string, fileType journal.FileType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open(change, depotPath)
	return nil
}

func (f *FakeClient) Delete(ctx context.Context, change int, depotPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open(change, depotPath)
	return nil
}

// RevertFile removes one path from the opened set, distinct from Delete
// (which adds to it): the two must never be interchangeable, since a
// revert undoes an open instead of staging a real deletion.
func (f *FakeClient) RevertFile(ctx context.Context, change int, depotPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc, ok := f.pendingChanges[change]
	if !ok {
		return nil
	}
	kept := pc.opened[:0]
	for _, p := range pc.opened {
		if p != depotPath {
			kept = append(kept, p)
		}
	}
	pc.opened = kept
	return nil
}

func (f *FakeClient) Move(ctx context.Context, change int, fromDepotPath, toDepotPath string, fileType journal.FileType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open(change, fromDepotPath)
	f.open(change, toDepotPath)
	return nil
}

func (f *FakeClient) Reopen(ctx context.Context, change int, depotPath string, fileType journal.FileType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open(change, depotPath)
	f.reopenCalls = append(f.reopenCalls, reopenCall{depotPath: depotPath, fileType: fileType})
	return nil
}

// ReopenCalls returns the file types passed to every Reopen call so far,
// used to assert the §4.5 step 5 keyword-stripping recovery reopened the
// right path with the +k modifier actually cleared.
func (f *FakeClient) ReopenCalls() []journal.FileType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]journal.FileType, len(f.reopenCalls))
	for i, c := range f.reopenCalls {
		out[i] = c.fileType
	}
	return out
}

func (f *FakeClient) Integrate(ctx context.Context, change int, fromDepotPath string, fromStart, fromEnd int, toDepotPath string, how journal.IntegHow, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextIntegrate && !force {
		f.failNextIntegrate = false
		return errors.Errorf("fakeclient: integrate of %s refused (simulated engine refusal)", toDepotPath)
	}
	f.open(change, toDepotPath)
	// Simulate the server's auto-resolve writing the partner's content
	// into the workspace, so a dirty-merge test can override it afterward
	// via SeedWorkspaceContent to model divergence.
	if data, ok := f.content[fmt.Sprintf("%s#%d", fromDepotPath, fromEnd)]; ok {
		if _, already := f.workspaceContent[toDepotPath]; !already {
			f.workspaceContent[toDepotPath] = data
		}
	}
	return nil
}

func (f *FakeClient) Resolve(ctx context.Context, change int, depotPath string, d ResolveDirective) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls = append(f.resolveCalls, d)
	if f.failNextResolve {
		f.failNextResolve = false
		return errors.Errorf("fakeclient: resolve of %s rejected (simulated trigger)", depotPath)
	}
	if d.Kind == AcceptEdit && d.Content != nil {
		f.workspaceContent[depotPath] = d.Content
	}
	return nil
}

// WorkspaceContent returns what's currently on disk for depotPath, as set
// by Integrate's simulated auto-resolve, an AcceptEdit Resolve, or a test's
// SeedWorkspaceContent call.
func (f *FakeClient) WorkspaceContent(ctx context.Context, depotPath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.workspaceContent[depotPath]
	if !ok {
		return nil, errors.Errorf("fakeclient: no workspace content for %s", depotPath)
	}
	return data, nil
}

func (f *FakeClient) Revert(ctx context.Context, change int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pendingChanges, change)
	return nil
}

func (f *FakeClient) NewPendingChange(ctx context.Context, description string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.nextChange
	f.nextChange++
	f.pendingChanges[n] = &fakePendingChange{description: description}
	return n, nil
}

func (f *FakeClient) OpenedFiles(ctx context.Context, change int) (OpenedIterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc, ok := f.pendingChanges[change]
	if !ok {
		return NewSliceOpenedIterator(nil), nil
	}
	return NewSliceOpenedIterator(append([]string(nil), pc.opened...)), nil
}

func (f *FakeClient) Submit(ctx context.Context, change int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextSubmit != "" {
		msg := f.failNextSubmit
		f.failNextSubmit = ""
		return 0, errors.New(msg)
	}
	if _, ok := f.pendingChanges[change]; !ok {
		return 0, errors.Errorf("fakeclient: no pending change %d", change)
	}
	delete(f.pendingChanges, change)
	return change, nil
}

// FailNextSubmitWithError arranges for the next Submit call to fail with
// the given error message exactly once, for exercising submit-failure
// recovery paths (trigger rejection retry, §4.5 step 5's digest mismatch
// reopen-and-resubmit) deterministically.
func (f *FakeClient) FailNextSubmitWithError(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNextSubmit = msg
}

func (f *FakeClient) Counter(ctx context.Context, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters[name], nil
}

func (f *FakeClient) SetCounter(ctx context.Context, name string, value int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[name] = value
	return nil
}

func (f *FakeClient) Configure(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.configure[name]
	if !ok {
		return "", errors.Errorf("fakeclient: no configurable %q seeded", name)
	}
	return v, nil
}

// SeedStream registers an existing stream path for ListStreams/StreamExists.
func (f *FakeClient) SeedStream(stream string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[stream] = true
}

func (f *FakeClient) ListStreams(ctx context.Context, filter string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(filter), `\*`, "[^/]*") + "$"
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	var out []string
	for s := range f.streams {
		if re.MatchString(s) {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *FakeClient) StreamExists(ctx context.Context, stream string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[stream], nil
}

func (f *FakeClient) CreateStream(ctx context.Context, stream, streamType, parent string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[stream] = true
	return nil
}

func (f *FakeClient) CreateClassicClient(ctx context.Context, name, root string, view [][2]string, caseSensitive bool) error {
	return nil
}

func (f *FakeClient) CreateStreamClient(ctx context.Context, name, root, stream string) error {
	return nil
}

var _ Client = (*FakeClient)(nil)
