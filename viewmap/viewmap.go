// Package viewmap implements the View Mapper (spec.md §4.1): the
// translation between source and target depot paths, and the scope
// predicate every other component consults before touching a revision.
package viewmap

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// StreamType is the stream kind vocabulary spec.md §4.9 restricts stream
// view entries to.
type StreamType string

const (
	Mainline    StreamType = "mainline"
	Release     StreamType = "release"
	Development StreamType = "development"
	Virtual     StreamType = "virtual"
	Task        StreamType = "task"
)

func ValidStreamType(t StreamType) bool {
	switch t {
	case Mainline, Release, Development, Virtual, Task:
		return true
	default:
		return false
	}
}

// ClassicalMapping is one `{src, targ}` line of a classical view. A leading
// "-" on Src marks an exclude rule.
type ClassicalMapping struct {
	Src  string
	Targ string
}

// StreamMapping is one `{src, targ, type, parent}` line of a stream view.
type StreamMapping struct {
	Src    string
	Targ   string
	Type   StreamType
	Parent string
}

// Mode distinguishes the two construction modes of spec.md §4.1.
type Mode int

const (
	Classical Mode = iota
	Stream
)

// token is one piece of a tokenized view pattern: either a literal run of
// characters or a wildcard ("..." or "*").
type token struct {
	literal    string
	isWildcard bool
	kind       byte // '.' for "...", '*' for "*"
}

func tokenize(pattern string) []token {
	var toks []token
	i := 0
	for i < len(pattern) {
		switch {
		case strings.HasPrefix(pattern[i:], "..."):
			toks = append(toks, token{isWildcard: true, kind: '.'})
			i += 3
		case pattern[i] == '*':
			toks = append(toks, token{isWildcard: true, kind: '*'})
			i++
		default:
			j := i
			for j < len(pattern) && pattern[j] != '*' && !strings.HasPrefix(pattern[j:], "...") {
				j++
			}
			toks = append(toks, token{literal: pattern[i:j]})
			i = j
		}
	}
	return toks
}

func wildcardSignature(toks []token) string {
	var sb strings.Builder
	for _, t := range toks {
		if t.isWildcard {
			sb.WriteByte(t.kind)
		}
	}
	return sb.String()
}

func buildRegex(toks []token, caseInsensitive bool) *regexp.Regexp {
	var sb strings.Builder
	sb.WriteString("^")
	if caseInsensitive {
		sb.WriteString("(?i)")
	}
	for _, t := range toks {
		if t.isWildcard {
			if t.kind == '.' {
				sb.WriteString("(.*)")
			} else {
				sb.WriteString("([^/]*)")
			}
		} else {
			sb.WriteString(regexp.QuoteMeta(t.literal))
		}
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String())
}

func substitute(toks []token, groups []string) string {
	var sb strings.Builder
	gi := 0
	for _, t := range toks {
		if t.isWildcard {
			if gi < len(groups) {
				sb.WriteString(groups[gi])
			}
			gi++
		} else {
			sb.WriteString(t.literal)
		}
	}
	return sb.String()
}

// rule is one compiled mapping line, in declaration order.
type rule struct {
	include   bool
	srcToks   []token
	targToks  []token
	srcRegex  *regexp.Regexp
	targRegex *regexp.Regexp

	// streamType/streamParent are set only for rules compiled from a
	// StreamMapping, and read back by ExpandStreamWildcards.
	streamType   StreamType
	streamParent string
}

// ViewMap is the compiled, queryable view (spec.md §4.1).
type ViewMap struct {
	mode            Mode
	rules           []*rule
	streamMappings  []StreamMapping
	caseInsensitive bool
}

// NewClassicalViewMap compiles a list of classical `{src, targ}` mappings.
// Wildcard tokens must appear in matching positions and counts on both
// sides of each mapping (spec.md §4.1).
func NewClassicalViewMap(mappings []ClassicalMapping, caseInsensitive bool) (*ViewMap, error) {
	if len(mappings) == 0 {
		return nil, errors.New("viewmap: at least one classical mapping is required")
	}
	vm := &ViewMap{mode: Classical, caseInsensitive: caseInsensitive}
	for _, m := range mappings {
		src := m.Src
		include := true
		if strings.HasPrefix(src, "-") {
			include = false
			src = src[1:]
		}
		srcToks := tokenize(src)
		targToks := tokenize(m.Targ)
		if wildcardSignature(srcToks) != wildcardSignature(targToks) {
			return nil, errors.Errorf("viewmap: wildcard mismatch between %q and %q", m.Src, m.Targ)
		}
		r := &rule{
			include:  include,
			srcToks:  srcToks,
			targToks: targToks,
			srcRegex: buildRegex(srcToks, caseInsensitive),
		}
		if include {
			r.targRegex = buildRegex(targToks, caseInsensitive)
		}
		vm.rules = append(vm.rules, r)
	}
	return vm, nil
}

// NewStreamViewMap compiles a list of stream mappings. Each entry's src and
// targ must carry the same wildcard signature (spec.md §4.1); type must be
// one of the five recognized stream types (spec.md §4.9).
func NewStreamViewMap(mappings []StreamMapping, caseInsensitive bool) (*ViewMap, error) {
	if len(mappings) == 0 {
		return nil, errors.New("viewmap: at least one stream mapping is required")
	}
	vm := &ViewMap{mode: Stream, caseInsensitive: caseInsensitive, streamMappings: mappings}
	for _, m := range mappings {
		if !ValidStreamType(m.Type) {
			return nil, errors.Errorf("viewmap: invalid stream type %q for %q", m.Type, m.Src)
		}
		if m.Parent == "" {
			return nil, errors.Errorf("viewmap: stream mapping %q requires a parent", m.Src)
		}
		srcToks := tokenize(m.Src)
		targToks := tokenize(m.Targ)
		if wildcardSignature(srcToks) != wildcardSignature(targToks) {
			return nil, errors.Errorf("viewmap: wildcard mismatch between %q and %q", m.Src, m.Targ)
		}
		vm.rules = append(vm.rules, &rule{
			include:      true,
			srcToks:      srcToks,
			targToks:     targToks,
			srcRegex:     buildRegex(srcToks, caseInsensitive),
			targRegex:    buildRegex(targToks, caseInsensitive),
			streamType:   m.Type,
			streamParent: m.Parent,
		})
	}
	return vm, nil
}

// Mode reports which construction mode produced this ViewMap.
func (vm *ViewMap) Mode() Mode { return vm.mode }

// StreamMappings returns the raw stream mapping entries, used by the setup
// package to provision target streams (spec.md §4.9).
func (vm *ViewMap) StreamMappings() []StreamMapping {
	out := make([]StreamMapping, len(vm.streamMappings))
	copy(out, vm.streamMappings)
	return out
}

// winningRule finds the last rule (in declaration order) whose regex
// matches path, implementing the "later rules override earlier ones"
// semantics of spec.md §4.1.
func winningRule(path string, rules []*rule, useTarg bool) (*rule, []string) {
	var won *rule
	var groups []string
	for _, r := range rules {
		re := r.srcRegex
		if useTarg {
			re = r.targRegex
			if re == nil {
				continue // exclude rules have no valid target side
			}
		}
		if m := re.FindStringSubmatch(path); m != nil {
			won = r
			groups = m[1:]
		}
	}
	return won, groups
}

// IsInScope reports whether a decoded source depot path falls within the
// mapped projection.
func (vm *ViewMap) IsInScope(depotPath string) bool {
	r, _ := winningRule(depotPath, vm.rules, false)
	return r != nil && r.include
}

// ToTarget translates a source depot path to its target depot path. ok is
// false if the path is out of scope.
func (vm *ViewMap) ToTarget(depotPath string) (string, bool) {
	r, groups := winningRule(depotPath, vm.rules, false)
	if r == nil || !r.include {
		return "", false
	}
	return substitute(r.targToks, groups), true
}

// ToSource translates a target depot path back to its source depot path.
// Because exclude rules carry no target-side pattern, a target path that
// was only ever reachable through an include rule always resolves; this
// gives the invariant toTarget(toSource(x)) == x for the well-formed view
// lists spec.md §4.1 requires.
func (vm *ViewMap) ToSource(depotPath string) (string, bool) {
	r, groups := winningRule(depotPath, vm.rules, true)
	if r == nil {
		return "", false
	}
	return substitute(r.srcToks, groups), true
}

// wireReplacer and localReplacer implement the percent-encoding rule of
// spec.md §4.1: "@", "%", "#", "*" must be percent-encoded on the wire and
// decoded for local filesystem operations. "%" is encoded first and decoded
// last so it doesn't collide with the escape sequences of the other three.
var wireReplacer = strings.NewReplacer("@", "%40", "#", "%23", "*", "%2A")
var wireUnescapePercent = strings.NewReplacer("%25", "%")

var localUnescape = strings.NewReplacer("%40", "@", "%23", "#", "%2A", "*", "%2a", "*")
var localEscapePercent = strings.NewReplacer("%", "%25")

// EncodeWire percent-encodes a decoded local path for use in a server
// request.
func EncodeWire(localPath string) string {
	escaped := localEscapePercent.Replace(localPath)
	return wireReplacer.Replace(escaped)
}

// DecodeWire decodes a server-returned path for use as a local filesystem
// path.
func DecodeWire(wirePath string) string {
	decoded := localUnescape.Replace(wirePath)
	return wireUnescapePercent.Replace(decoded)
}

// ExpandStreamWildcards realizes a wildcard stream mapping against a
// concrete list of existing source stream paths (spec.md §4.1's "when the
// source-side glob matches multiple existing streams ... a new target
// stream is created per match"). It returns one concrete mapping per
// matching existing stream, preserving Type and Parent from the template.
func (vm *ViewMap) ExpandStreamWildcards(existingSourceStreams []string) ([]StreamMapping, error) {
	if vm.mode != Stream {
		return nil, errors.New("viewmap: ExpandStreamWildcards requires a stream view map")
	}
	var out []StreamMapping
	for _, r := range vm.rules {
		for _, s := range existingSourceStreams {
			m := r.srcRegex.FindStringSubmatch(s)
			if m == nil {
				continue
			}
			groups := m[1:]
			targ := substitute(r.targToks, groups)
			out = append(out, StreamMapping{
				Src:    s,
				Targ:   targ,
				Type:   r.streamType,
				Parent: r.streamParent,
			})
		}
	}
	return out, nil
}
