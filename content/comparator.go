// Package content implements the Content Comparator (spec.md §4.4): digest
// and size computation under the target server's keyword-expansion rules,
// used for dirty-merge detection and for disambiguating integration
// partner revisions.
package content

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/alitto/pond"
	"github.com/h2non/filetype"
	"github.com/rcowham/p4transfer/journal"
	"github.com/sirupsen/logrus"
)

// keywordPattern matches "$Keyword: ... $" for every keyword the server
// expands (spec.md §4.4).
var keywordPattern = regexp.MustCompile(`\$(Id|Header|Author|Date|DateTime|Change|File|Revision):[^$]*\$`)

// Canonicalize collapses any expanded RCS-style keyword back to its bare
// "$Keyword$" form, the form the server hashes against (spec.md §4.4).
// Binary-family types are returned unchanged; callers should not call this
// for fileType.IsBinary() == true.
func Canonicalize(data []byte, fileType journal.FileType) []byte {
	if fileType.IsBinary() || !fileType.HasKeywords() {
		return data
	}
	return keywordPattern.ReplaceAll(data, []byte("$$$1$$"))
}

// Digest is the result of comparing one blob of content: its canonical
// size and its hex, uppercase MD5 digest (spec.md §4.4).
type Digest struct {
	Size   int64
	Digest string
}

// Compute hashes data as the target server would for the given file type.
func Compute(data []byte, fileType journal.FileType) Digest {
	canonical := data
	if !fileType.IsBinary() && fileType.HasKeywords() {
		canonical = Canonicalize(data, fileType)
	}
	sum := md5.Sum(canonical)
	return Digest{
		Size:   int64(len(canonical)),
		Digest: strings.ToUpper(hex.EncodeToString(sum[:])),
	}
}

// IsDirty reports whether a resolved workspace file's actual content
// diverges from the content the integration record predicted — the
// "server says clean but content differs" case of spec.md §4.3 step 4/§4.4.
func IsDirty(actual, predicted []byte, fileType journal.FileType) bool {
	return Compute(actual, fileType).Digest != Compute(predicted, fileType).Digest
}

// SniffType guesses a base FileType from content alone, for bytes that
// arrive without a server-reported type. Grounded on the teacher's use of h2non/filetype to
// pick a compression/type class for git blobs.
func SniffType(data []byte) journal.FileType {
	if len(data) == 0 {
		return journal.UText
	}
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		if looksBinary(data) {
			return journal.UBinary
		}
		return journal.UText
	}
	return journal.UBinary
}

// looksBinary applies the conventional "any NUL byte in the first 8000
// bytes" heuristic for content filetype.Match doesn't recognize.
func looksBinary(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	for i := 0; i < n; i++ {
		if data[i] == 0 {
			return true
		}
	}
	return false
}

// Item is one unit of concurrent digest work.
type Item struct {
	Key      string
	Data     []byte
	FileType journal.FileType
}

// Result pairs an Item's key back to its computed Digest.
type Result struct {
	Key    string
	Digest Digest
}

// ComputeAll digests a batch of files concurrently via a bounded worker
// pool, grounded on the teacher's use of alitto/pond to parallelize blob
// compression across a changelist.
func ComputeAll(ctx context.Context, logger *logrus.Logger, items []Item, concurrency int) []Result {
	if concurrency <= 0 {
		concurrency = 1
	}
	pool := pond.New(concurrency, len(items))
	defer pool.StopAndWait()

	results := make([]Result, len(items))
	for i, item := range items {
		i, item := i, item
		pool.Submit(func() {
			if ctx.Err() != nil {
				return
			}
			results[i] = Result{Key: item.Key, Digest: Compute(item.Data, item.FileType)}
			logger.Debugf("content: digested %s -> %s", item.Key, results[i].Digest.Digest)
		})
	}
	return results
}
