package counter

import (
	"context"
	"io"
	"testing"

	"github.com/rcowham/p4transfer/config"
	"github.com/rcowham/p4transfer/journal"
	"github.com/rcowham/p4transfer/p4client"
	"github.com/rcowham/p4transfer/workspace"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type memFetcher struct{ data map[string][]byte }

func (f *memFetcher) Fetch(ctx context.Context, depotPath string, rev int) ([]byte, error) {
	return f.data[depotPath], nil
}

type memChangeMap struct{ entries []journal.Entry }

func (m *memChangeMap) Append(e journal.Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Unmarshal([]byte(`
source:
  address: ssl:source:1666
  user: bob
  client: bob-source
target:
  address: ssl:target:1667
  user: bob
  client: bob-target
views:
  - src: //depot/inside/...
    targ: //depot/import/...
workspace_root: /tmp/p4transfer
poll_interval: "0"
`))
	require.NoError(t, err)
	return cfg
}

func TestLoopBasicAdd(t *testing.T) {
	source := p4client.NewFakeClient("ssl:source:1666")
	target := p4client.NewFakeClient("ssl:target:1667")
	source.SeedChange(p4client.Change{
		Number: 1,
		User:   "bob",
		Files: []p4client.FileRevision{
			{DepotFile: "//depot/inside/inside_file1", Rev: 1, Action: journal.Add, Type: journal.UText},
		},
	})

	cfg := testConfig(t)
	fetcher := &memFetcher{data: map[string][]byte{"//depot/inside/inside_file1": []byte("hello")}}
	cm := &memChangeMap{}

	opts := Options{Config: cfg, Source: source, Target: target, Capabilities: workspace.Capabilities{}}
	loop := NewLoop(testLogger(), opts, 0, fetcher, cm)

	summary, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ChangesSubmitted)
	assert.Equal(t, 0, summary.ChangesSkipped)

	n, err := target.Counter(context.Background(), cfg.CounterName)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, cm.entries, 1)
	assert.Equal(t, 1, cm.entries[0].SourceChange)
}

func TestLoopOutOfScopeChangeAdvancesCounterWithoutSubmit(t *testing.T) {
	source := p4client.NewFakeClient("ssl:source:1666")
	target := p4client.NewFakeClient("ssl:target:1667")
	source.SeedChange(p4client.Change{
		Number: 1,
		Files: []p4client.FileRevision{
			{DepotFile: "//depot/outside/file.txt", Rev: 1, Action: journal.Add, Type: journal.UText},
		},
	})

	cfg := testConfig(t)
	opts := Options{Config: cfg, Source: source, Target: target}
	loop := NewLoop(testLogger(), opts, 0, &memFetcher{data: map[string][]byte{}}, nil)

	summary, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.ChangesSubmitted)
	assert.Equal(t, 1, summary.ChangesSkipped)

	n, err := target.Counter(context.Background(), cfg.CounterName)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLoopReAddAfterDeleteUsesRealTargetHistory(t *testing.T) {
	source := p4client.NewFakeClient("ssl:source:1666")
	target := p4client.NewFakeClient("ssl:target:1667")
	source.SeedChange(p4client.Change{
		Number: 1,
		Files: []p4client.FileRevision{
			{DepotFile: "//depot/inside/f.txt", Rev: 2, Action: journal.Add, Type: journal.UText},
		},
	})
	// The target already carries this path's history, and its most recent
	// revision there is a delete: classify.Classify must see that via a
	// real Filelog call, not a zero-value PriorState, and mark the add as
	// ReAddAfterDelete so the executor uses `p4 add -d`.
	target.SeedFilelog("//depot/import/f.txt", []p4client.FileRevision{
		{DepotFile: "//depot/import/f.txt", Rev: 1, Action: journal.Add, Type: journal.UText},
		{DepotFile: "//depot/import/f.txt", Rev: 2, Action: journal.Delete, Type: journal.UText},
	})
	// Force the plain add to fail, so only a correctly-set ReAddAfterDelete
	// makes the executor retry with `p4 add -d` instead of surfacing the error.
	target.FailNextAdd()

	cfg := testConfig(t)
	fetcher := &memFetcher{data: map[string][]byte{"//depot/inside/f.txt": []byte("hello again")}}
	opts := Options{Config: cfg, Source: source, Target: target, Capabilities: workspace.Capabilities{}}
	loop := NewLoop(testLogger(), opts, 0, fetcher, nil)

	summary, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ChangesSubmitted)
}

func TestLoopRespectsMaxChanges(t *testing.T) {
	source := p4client.NewFakeClient("ssl:source:1666")
	target := p4client.NewFakeClient("ssl:target:1667")
	for i := 1; i <= 3; i++ {
		source.SeedChange(p4client.Change{
			Number: i,
			Files: []p4client.FileRevision{
				{DepotFile: "//depot/inside/f.txt", Rev: i, Action: journal.Edit, Type: journal.UText},
			},
		})
	}
	source.SeedContent("//depot/inside/f.txt", 1, []byte("v1"))

	cfg := testConfig(t)
	opts := Options{Config: cfg, Source: source, Target: target, MaxChanges: 1}
	fetcher := &memFetcher{data: map[string][]byte{"//depot/inside/f.txt": []byte("v1")}}
	loop := NewLoop(testLogger(), opts, 0, fetcher, nil)

	summary, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ChangesSubmitted)
}
