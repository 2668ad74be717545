package setup

import (
	"context"
	"io"
	"testing"

	"github.com/rcowham/p4transfer/config"
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

func classicalConfig(t *testing.T) *config.Config {
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
historical_start_change: 100
`))
	require.NoError(t, err)
	return cfg
}

func TestValidateSeedsCounterFromHistoricalStart(t *testing.T) {
	fc := p4client.NewFakeClient("ssl:target:1667")
	sc := p4client.NewFakeClient("ssl:source:1666")
	cfg := classicalConfig(t)

	result, err := Validate(context.Background(), testLogger(), cfg, sc, fc)
	require.NoError(t, err)
	assert.Equal(t, 99, result.StartCounter)

	n, err := fc.Counter(context.Background(), cfg.CounterName)
	require.NoError(t, err)
	assert.Equal(t, 99, n)
}

func TestValidateLeavesExistingCounterAlone(t *testing.T) {
	fc := p4client.NewFakeClient("ssl:target:1667")
	sc := p4client.NewFakeClient("ssl:source:1666")
	require.NoError(t, fc.SetCounter(context.Background(), "p4transfer", 250))
	cfg := classicalConfig(t)

	result, err := Validate(context.Background(), testLogger(), cfg, sc, fc)
	require.NoError(t, err)
	assert.Equal(t, 250, result.StartCounter)
}

func TestValidateProbesIntegEngine(t *testing.T) {
	fc := p4client.NewFakeClient("ssl:target:1667")
	sc := p4client.NewFakeClient("ssl:source:1666")
	fc.SeedConfigure("dm.integ.engine", "2")
	cfg := classicalConfig(t)

	result, err := Validate(context.Background(), testLogger(), cfg, sc, fc)
	require.NoError(t, err)
	assert.False(t, result.Capabilities.ForceOnIntegrate)
}

func TestValidateStreamProvisioning(t *testing.T) {
	fc := p4client.NewFakeClient("ssl:target:1667")
	sc := p4client.NewFakeClient("ssl:source:1666")
	sc.SeedStream("//src/main")
	sc.SeedStream("//src/rel1")
	sc.SeedStream("//src/rel2")

	cfg, err := config.Unmarshal([]byte(`
stream_views:
  - src: //src/*
    targ: //targ/*
    type: mainline
    parent: //targ/main
transfer_target_stream: //targ/transfer
workspace_root: /tmp/p4transfer
target:
  client: bob-target
`))
	require.NoError(t, err)

	_, err = Validate(context.Background(), testLogger(), cfg, sc, fc)
	require.NoError(t, err)

	for _, targ := range []string{"//targ/main", "//targ/rel1", "//targ/rel2"} {
		exists, err := fc.StreamExists(context.Background(), targ)
		require.NoError(t, err)
		assert.True(t, exists, targ)
	}
}
