package journal

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTypeString(t *testing.T) {
	assert.Equal(t, "text", UText.String())
	assert.Equal(t, "text+k", (UText | ModKeywords).String())
	assert.Equal(t, "binary+x", (UBinary | ModExec).String())
}

func TestParseFileType(t *testing.T) {
	ft, err := ParseFileType("text+kx")
	require.NoError(t, err)
	assert.True(t, ft.HasKeywords())
	assert.False(t, ft.IsBinary())
	assert.Equal(t, FileType(0), ft&^(UText|ModKeywords|ModExec))

	ft, err = ParseFileType("binary")
	require.NoError(t, err)
	assert.True(t, ft.IsBinary())

	_, err = ParseFileType("bogus")
	assert.Error(t, err)
}

func TestIntegHowIsFromSide(t *testing.T) {
	assert.True(t, MergeFrom.IsFromSide())
	assert.False(t, MergeInto.IsFromSide())
	assert.True(t, Ignored.IsFromSide())
}

func TestChangeMapAppendAndLoad(t *testing.T) {
	dir := t.TempDir()
	fname := dir + "/changemap.csv"

	cm := NewChangeMap(fname)
	require.NoError(t, cm.CreateChangeMap())
	require.NoError(t, cm.WriteHeader())
	require.NoError(t, cm.Append(Entry{SourcePort: "ssl:source:1666", SourceChange: 1, TargetChange: 101}))
	require.NoError(t, cm.Append(Entry{SourcePort: "ssl:source:1666", SourceChange: 2, TargetChange: 102}))

	entries, err := LoadChangeMap(fname)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].SourceChange)
	assert.Equal(t, 102, entries[1].TargetChange)
}

func TestChangeMapSetWriter(t *testing.T) {
	var buf bytes.Buffer
	cm := NewChangeMap("")
	cm.SetWriter(&buf)
	require.NoError(t, cm.WriteHeader())
	require.NoError(t, cm.Append(Entry{SourcePort: "p", SourceChange: 5, TargetChange: 6}))
	assert.Contains(t, buf.String(), Header)
	assert.Contains(t, buf.String(), "p,5,6")
}

func TestTransferredMarker(t *testing.T) {
	m := TransferredMarker("ssl:source:1666", 42)
	assert.Equal(t, "Transferred from ssl:source:1666@42", m)
}
