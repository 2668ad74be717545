package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
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
superuser: "n"
`

func loadOrFail(t *testing.T, cfgString string) *Config {
	t.Helper()
	cfg, err := Unmarshal([]byte(cfgString))
	require.NoError(t, err)
	return cfg
}

func ensureFail(t *testing.T, cfgString string) error {
	t.Helper()
	_, err := Unmarshal([]byte(cfgString))
	require.Error(t, err)
	return err
}

func TestMinimalConfigLoadsWithDefaults(t *testing.T) {
	cfg := loadOrFail(t, minimalConfig)
	assert.Equal(t, "ssl:source:1666", cfg.Source.Address)
	assert.Equal(t, "ssl:target:1667", cfg.Target.Address)
	assert.Equal(t, "p4transfer", cfg.CounterName)
	assert.Equal(t, 1000, cfg.ChangeBatchSize)
	assert.True(t, cfg.CaseSensitive)
	assert.Equal(t, 30, cfg.PollIntervalSeconds)
	assert.Equal(t, 600, cfg.ReportIntervalSeconds)
	require.NotNil(t, cfg.ViewMap)
	assert.True(t, cfg.ViewMap.IsInScope("//depot/inside/file.txt"))
}

func TestMissingViewsFails(t *testing.T) {
	ensureFail(t, `
workspace_root: /tmp/x
`)
}

func TestViewsAndStreamViewsMutuallyExclusive(t *testing.T) {
	ensureFail(t, minimalConfig+`
stream_views:
  - src: //src/*
    targ: //targ/*
    type: mainline
    parent: //targ/main
`)
}

func TestMissingWorkspaceRootFails(t *testing.T) {
	ensureFail(t, `
views:
  - src: //depot/inside/...
    targ: //depot/import/...
`)
}

func TestStreamViewsRequireTransferTargetStream(t *testing.T) {
	ensureFail(t, `
stream_views:
  - src: //src/*
    targ: //targ/*
    type: mainline
    parent: //targ/main
workspace_root: /tmp/x
`)
}

func TestStreamViewsValid(t *testing.T) {
	cfg := loadOrFail(t, `
stream_views:
  - src: //src/*
    targ: //targ/*
    type: mainline
    parent: //targ/main
transfer_target_stream: //targ/transfer
workspace_root: /tmp/x
`)
	require.NotNil(t, cfg.ViewMap)
	assert.Equal(t, "//targ/transfer", cfg.TransferTargetStream)
}

func TestInvalidStreamTypeFails(t *testing.T) {
	ensureFail(t, `
stream_views:
  - src: //src/*
    targ: //targ/*
    type: bogus
    parent: //targ/main
transfer_target_stream: //targ/transfer
workspace_root: /tmp/x
`)
}

func TestIgnoreFilesCompiledAsRegex(t *testing.T) {
	cfg := loadOrFail(t, minimalConfig+`
ignore_files:
  - \.tmp$
  - ^//depot/inside/secret/
`)
	require.Len(t, cfg.ReIgnoreFiles, 2)
	assert.True(t, cfg.ReIgnoreFiles[0].MatchString("foo.tmp"))
}

func TestIgnoreFilesInvalidRegexFails(t *testing.T) {
	ensureFail(t, minimalConfig+`
ignore_files:
  - "[.*"
`)
}

func TestPollIntervalExpression(t *testing.T) {
	cfg := loadOrFail(t, minimalConfig+`
poll_interval: "10 * 5"
`)
	assert.Equal(t, 50, cfg.PollIntervalSeconds)
}

func TestPollIntervalInvalidExpressionFails(t *testing.T) {
	ensureFail(t, minimalConfig+`
poll_interval: "not an expression + +"
`)
}

func TestSuperuserMustBeYOrN(t *testing.T) {
	ensureFail(t, minimalConfig+`
superuser: "maybe"
`)
}

func TestEndDatetimeParsed(t *testing.T) {
	cfg := loadOrFail(t, minimalConfig+`
end_datetime: "2026/3/5 09:30"
`)
	assert.Equal(t, 2026, cfg.EndDatetimeParsed.Year())
	assert.Equal(t, 9, cfg.EndDatetimeParsed.Hour())
}

func TestEndDatetimeInvalidFails(t *testing.T) {
	ensureFail(t, minimalConfig+`
end_datetime: "not a date"
`)
}

func TestCaseInsensitiveFlowsToViewMap(t *testing.T) {
	cfg := loadOrFail(t, minimalConfig+`
case_sensitive: false
`)
	assert.True(t, cfg.ViewMap.IsInScope("//depot/INSIDE/FILE.txt"))
}
