package p4client

import (
	"context"
	"testing"

	"github.com/rcowham/p4transfer/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClientChangesAndDescribe(t *testing.T) {
	fc := NewFakeClient("ssl:source:1666")
	fc.SeedChange(Change{Number: 10, Description: "first"})
	fc.SeedChange(Change{Number: 12, Description: "second"})

	ctx := context.Background()
	changes, err := fc.Changes(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 12}, changes)

	changes, err = fc.Changes(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{12}, changes)

	c, err := fc.Describe(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, "second", c.Description)

	_, err = fc.Describe(ctx, 999)
	assert.Error(t, err)
}

func TestFakeClientWorkspaceLifecycle(t *testing.T) {
	fc := NewFakeClient("ssl:source:1666")
	ctx := context.Background()

	change, err := fc.NewPendingChange(ctx, "transfer")
	require.NoError(t, err)

	require.NoError(t, fc.Add(ctx, change, "//depot/main/a.txt", journal.UText))
	require.NoError(t, fc.Edit(ctx, change, "//depot/main/b.txt", journal.UText))

	it, err := fc.OpenedFiles(ctx, change)
	require.NoError(t, err)
	var opened []string
	for {
		p, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		opened = append(opened, p)
	}
	assert.ElementsMatch(t, []string{"//depot/main/a.txt", "//depot/main/b.txt"}, opened)

	submitted, err := fc.Submit(ctx, change)
	require.NoError(t, err)
	assert.Equal(t, change, submitted)

	_, err = fc.Submit(ctx, change)
	assert.Error(t, err, "submitting an already-submitted change should fail")
}

func TestFakeClientResolveFailureInjection(t *testing.T) {
	fc := NewFakeClient("ssl:source:1666")
	ctx := context.Background()
	fc.FailNextResolve()

	err := fc.Resolve(ctx, 1, "//depot/main/a.txt", ResolveDirective{Kind: AcceptMerged})
	assert.Error(t, err)

	err = fc.Resolve(ctx, 1, "//depot/main/a.txt", ResolveDirective{Kind: AcceptMerged})
	assert.NoError(t, err)

	calls := fc.ResolveCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, AcceptMerged, calls[0].Kind)
}

func TestFakeClientCounters(t *testing.T) {
	fc := NewFakeClient("ssl:source:1666")
	ctx := context.Background()

	n, err := fc.Counter(ctx, "p4transfer_target")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, fc.SetCounter(ctx, "p4transfer_target", 42))
	n, err = fc.Counter(ctx, "p4transfer_target")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestParseFilelogRevLine(t *testing.T) {
	line := "... #3 change 10 edit on 2024/01/02 by bob@ws (text+k) 'a change'"
	rev := parseFilelogRevLine(line)
	require.NotNil(t, rev)
	assert.Equal(t, 3, rev.Rev)
	assert.Equal(t, journal.Edit, rev.Action)
	assert.True(t, rev.Type.HasKeywords())
}

func TestParseDescribeFileLineAndIntegration(t *testing.T) {
	rev := parseDescribeFileLine("... //depot/main/file.txt#4 integrate")
	require.NotNil(t, rev)
	assert.Equal(t, "//depot/main/file.txt", rev.DepotFile)
	assert.Equal(t, 4, rev.Rev)
	assert.Equal(t, journal.Integrate, rev.Action)

	applyIntegrationLine(rev, "    ... ... merge from //depot/dev/file.txt#2,#3")
	require.Len(t, rev.Integrations, 1)
	assert.Equal(t, journal.MergeFrom, rev.Integrations[0].How)
	assert.Equal(t, 2, rev.Integrations[0].OtherStartRev)
	assert.Equal(t, 3, rev.Integrations[0].OtherEndRev)
}

func TestParseDescribeFull(t *testing.T) {
	out := `Change 10 by bob@ws on 2024/01/02 10:00:00

	a change

Affected files ...

... //depot/main/file.txt#4 integrate
... ... merge from //depot/dev/file.txt#2,#3
... //depot/main/other.txt#1 add
`
	c, err := parseDescribe(out, 10)
	require.NoError(t, err)
	require.Len(t, c.Files, 2)
	assert.Equal(t, "//depot/main/file.txt", c.Files[0].DepotFile)
	require.Len(t, c.Files[0].Integrations, 1)
	assert.Equal(t, "//depot/main/other.txt", c.Files[1].DepotFile)
	assert.Equal(t, journal.Add, c.Files[1].Action)
}
