package content

import (
	"context"
	"io"
	"testing"

	"github.com/rcowham/p4transfer/journal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeCollapsesKeywords(t *testing.T) {
	data := []byte("hello $Id: //depot/main/f.txt#3 $ world")
	got := Canonicalize(data, journal.CText|journal.ModKeywords)
	assert.Equal(t, []byte("hello $Id$ world"), got)
}

func TestCanonicalizeLeavesBinaryUntouched(t *testing.T) {
	data := []byte("$Id: abc $")
	got := Canonicalize(data, journal.Binary|journal.ModKeywords)
	assert.Equal(t, data, got)
}

func TestComputeMatchesAfterCanonicalization(t *testing.T) {
	withKeyword := []byte("$Id: //depot/main/f.txt#3 $ body")
	withBareKeyword := []byte("$Id$ body")
	d1 := Compute(withKeyword, journal.CText|journal.ModKeywords)
	d2 := Compute(withBareKeyword, journal.CText|journal.ModKeywords)
	assert.Equal(t, d2.Digest, d1.Digest)
	assert.Equal(t, d2.Size, d1.Size)
}

func TestComputeDigestIsUppercaseHex(t *testing.T) {
	d := Compute([]byte("abc"), journal.UText)
	assert.Len(t, d.Digest, 32)
	assert.Equal(t, d.Digest, stringsToUpper(d.Digest))
}

func stringsToUpper(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r >= 'a' && r <= 'z' {
			out[i] = r - ('a' - 'A')
		}
	}
	return string(out)
}

func TestIsDirtyDetectsDivergence(t *testing.T) {
	assert.True(t, IsDirty([]byte("actual"), []byte("predicted"), journal.UText))
	assert.False(t, IsDirty([]byte("same"), []byte("same"), journal.UText))
}

func TestSniffTypeTextVsBinary(t *testing.T) {
	assert.Equal(t, journal.UText, SniffType([]byte("plain text content")))
	assert.Equal(t, journal.UBinary, SniffType([]byte("bin\x00ary")))
	assert.Equal(t, journal.UText, SniffType(nil))
}

func TestComputeAllConcurrent(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	items := []Item{
		{Key: "a", Data: []byte("alpha"), FileType: journal.UText},
		{Key: "b", Data: []byte("beta"), FileType: journal.UText},
		{Key: "c", Data: []byte("gamma"), FileType: journal.UText},
	}
	results := ComputeAll(context.Background(), logger, items, 2)
	assert.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, items[i].Key, r.Key)
		assert.NotEmpty(t, r.Digest.Digest)
	}
}
