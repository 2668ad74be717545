package submit

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

func TestComposeDescriptionDefaultTemplate(t *testing.T) {
	rec := &p4client.ChangeRecord{SourceChangeNumber: 42, SourceUser: "bob", SourceDescription: "fix bug"}
	got := ComposeDescription("", rec, "ssl:source:1666")
	assert.Equal(t, "fix bug\n\nTransferred from ssl:source:1666@42", got)
}

func TestComposeDescriptionCustomTemplateLeavesUnknownLiteral(t *testing.T) {
	rec := &p4client.ChangeRecord{SourceChangeNumber: 7, SourceUser: "alice", SourceDescription: "d"}
	got := ComposeDescription("by $sourceUser: $sourceDescription ($fred)", rec, "p")
	assert.Equal(t, "by alice: d ($fred)", got)
}

func TestMarker(t *testing.T) {
	assert.Equal(t, "Transferred from ssl:source:1666@42", Marker("ssl:source:1666", 42))
}

func TestSubmitSucceeds(t *testing.T) {
	fc := p4client.NewFakeClient("ssl:source:1666")
	ctx := context.Background()
	change, err := fc.NewPendingChange(ctx, "desc")
	require.NoError(t, err)

	s := NewSubmitter(testLogger(), fc)
	result, err := s.Submit(ctx, change, nil)
	require.NoError(t, err)
	assert.Equal(t, change, result.TargetChange)
	assert.Equal(t, 0, result.Retried)
}

func TestSubmitPermanentFailureNotRetried(t *testing.T) {
	fc := p4client.NewFakeClient("ssl:source:1666")
	s := NewSubmitter(testLogger(), fc)
	_, err := s.Submit(context.Background(), 999, nil) // no such pending change
	assert.Error(t, err)
}

func TestSubmitRecoversFromKeywordDigestMismatch(t *testing.T) {
	fc := p4client.NewFakeClient("ssl:source:1666")
	ctx := context.Background()
	change, err := fc.NewPendingChange(ctx, "desc")
	require.NoError(t, err)
	fc.FailNextSubmitWithError("Submit failed -- fix problems then use 'p4 submit -c 41'.\n//depot/import/f.txt - digest mismatch, updating")

	s := NewSubmitter(testLogger(), fc)
	s.Nokeywords = true
	fileTypes := map[string]journal.FileType{"//depot/import/f.txt": journal.UText | journal.ModKeywords}

	result, err := s.Submit(ctx, change, fileTypes)
	require.NoError(t, err)
	assert.Equal(t, change, result.TargetChange)
	assert.Equal(t, 1, result.Retried)

	calls := fc.ReopenCalls()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].HasKeywords())
}

func TestSubmitDigestMismatchNotRecoveredWhenNokeywordsDisabled(t *testing.T) {
	fc := p4client.NewFakeClient("ssl:source:1666")
	ctx := context.Background()
	change, err := fc.NewPendingChange(ctx, "desc")
	require.NoError(t, err)
	fc.FailNextSubmitWithError("//depot/import/f.txt - digest mismatch, updating")

	s := NewSubmitter(testLogger(), fc)
	fileTypes := map[string]journal.FileType{"//depot/import/f.txt": journal.UText | journal.ModKeywords}

	_, err = s.Submit(ctx, change, fileTypes)
	assert.Error(t, err, "without --nokeywords the mismatch is a plain submit failure")
}

func TestAdvanceCounterRejectsNonMonotonic(t *testing.T) {
	fc := p4client.NewFakeClient("ssl:source:1666")
	ctx := context.Background()
	require.NoError(t, fc.SetCounter(ctx, "p4transfer", 10))

	s := NewSubmitter(testLogger(), fc)
	err := s.AdvanceCounter(ctx, "p4transfer", 5)
	assert.Error(t, err)

	err = s.AdvanceCounter(ctx, "p4transfer", 11)
	assert.NoError(t, err)

	n, err := fc.Counter(ctx, "p4transfer")
	require.NoError(t, err)
	assert.Equal(t, 11, n)
}

func TestIsRetryableClassifiesKnownPatterns(t *testing.T) {
	assert.True(t, isRetryable(errSubmitRejected()))
	assert.False(t, isRetryable(errPlain()))
}

func errSubmitRejected() error {
	return &simpleErr{"Submit has been rejected by trigger foo"}
}

func errPlain() error {
	return &simpleErr{"no such file"}
}

type simpleErr struct{ msg string }

func (e *simpleErr) Error() string { return e.msg }
