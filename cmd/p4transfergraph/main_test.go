package main

import (
	"context"
	"io"
	"testing"

	"github.com/rcowham/p4transfer/journal"
	"github.com/rcowham/p4transfer/p4client"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestBuildGraphAddsIntegrationEdge(t *testing.T) {
	fc := p4client.NewFakeClient("ssl:target:1667")
	fc.SeedChange(p4client.Change{
		Number: 1,
		Files: []p4client.FileRevision{
			{
				DepotFile: "//depot/rel/file.txt",
				Rev:       1,
				Action:    journal.Branch,
				Type:      journal.UText,
				Integrations: []p4client.IntegrationRecord{
					{ThisRev: 1, OtherDepotPath: "//depot/main/file.txt", OtherStartRev: 0, OtherEndRev: 3, How: journal.BranchFrom},
				},
			},
		},
	})

	pg, err := buildGraph(context.Background(), testLogger(), fc, []string{"//depot/rel/file.txt"})
	require.NoError(t, err)
	assert.Len(t, pg.nodes, 2)
	assert.Contains(t, pg.graph.String(), "//depot/main/file.txt")
	assert.Contains(t, pg.graph.String(), "//depot/rel/file.txt")
}

func TestBuildGraphSkipsIntoSideRecords(t *testing.T) {
	fc := p4client.NewFakeClient("ssl:target:1667")
	fc.SeedChange(p4client.Change{
		Number: 1,
		Files: []p4client.FileRevision{
			{
				DepotFile: "//depot/main/file.txt",
				Rev:       3,
				Action:    journal.Edit,
				Type:      journal.UText,
				Integrations: []p4client.IntegrationRecord{
					{ThisRev: 3, OtherDepotPath: "//depot/rel/file.txt", OtherStartRev: 0, OtherEndRev: 1, How: journal.BranchInto},
				},
			},
		},
	})

	pg, err := buildGraph(context.Background(), testLogger(), fc, []string{"//depot/main/file.txt"})
	require.NoError(t, err)
	assert.Len(t, pg.nodes, 1) // only the queried path itself, no edge added
}
