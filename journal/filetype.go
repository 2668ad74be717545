// Package journal defines the file-type/action vocabulary shared by every
// stage of the transfer pipeline, and the on-disk change-map log described
// in spec.md §4.7.
package journal

import (
	"fmt"
	"strings"
)

// FileType is the Perforce client file type, stored as a bitmask exactly as
// the server represents it (see spec.md §3 and the FileType layout notes
// below).
//
//	0xXXXX
//	  ||||
//	  |||+- storage method
//	  ||+-- storage method modifiers
//	  |+--- client access method + modifiers
//	  +---- client access modifiers known to server
type FileType int

const (
	UText   FileType = 0x00000001 // text+F
	CText   FileType = 0x00000003 // text+C (compressed)
	UBinary FileType = 0x00000101 // binary+F
	Binary  FileType = 0x00000103 // binary (compressed)
	Symlink FileType = 0x00040001
	UTF8    FileType = 0x00080001
	UTF16   FileType = 0x01080001
	Apple   FileType = 0x00090001
)

// Modifier bits, OR'd onto a base FileType.
const (
	ModKeywords  FileType = 0x00000010 // +k
	ModExec      FileType = 0x00000200 // +x
	ModExclusive FileType = 0x00000040 // +l
	ModTempobj   FileType = 0x00000080 // +S (storage, single revision kept)
	ModModtime   FileType = 0x00002000 // +m
)

var baseNames = map[FileType]string{
	UText:   "text",
	CText:   "text",
	UBinary: "binary",
	Binary:  "binary",
	Symlink: "symlink",
	UTF8:    "unicode",
	UTF16:   "utf16",
	Apple:   "apple",
}

// String renders the canonical "text+kx" style type name the server and its
// clients use on the wire and in filelog output.
func (t FileType) String() string {
	base := t &^ (ModKeywords | ModExec | ModExclusive | ModTempobj | ModModtime)
	name, ok := baseNames[base]
	if !ok {
		name = fmt.Sprintf("unknown(0x%04x)", int(t))
	}
	var mods strings.Builder
	if t&ModKeywords != 0 {
		mods.WriteByte('k')
	}
	if t&ModExec != 0 {
		mods.WriteByte('x')
	}
	if t&ModExclusive != 0 {
		mods.WriteByte('l')
	}
	if t&ModTempobj != 0 {
		mods.WriteByte('S')
	}
	if t&ModModtime != 0 {
		mods.WriteByte('m')
	}
	if mods.Len() == 0 {
		return name
	}
	return fmt.Sprintf("%s+%s", name, mods.String())
}

// IsBinary reports whether digests/comparisons for this type should hash raw
// bytes rather than apply keyword canonicalization (spec.md §4.4).
func (t FileType) IsBinary() bool {
	base := t &^ (ModKeywords | ModExec | ModExclusive | ModTempobj | ModModtime)
	switch base {
	case UBinary, Binary, Symlink, UTF16, Apple:
		return true
	default:
		return false
	}
}

// HasKeywords reports whether $Keyword$ expansion applies to this type.
func (t FileType) HasKeywords() bool {
	return t&ModKeywords != 0
}

// WithoutKeywords strips the +k modifier, used for the --nokeywords
// recovery submit of spec.md §4.5 step 5 so the server writes the file
// verbatim instead of re-expanding already-expanded keyword text.
func (t FileType) WithoutKeywords() FileType {
	return t &^ ModKeywords
}

// ParseFileType parses a server type string such as "text+kx" or "binary"
// into a FileType bitmask.
func ParseFileType(s string) (FileType, error) {
	parts := strings.SplitN(s, "+", 2)
	var base FileType
	found := false
	for ft, name := range baseNames {
		// Prefer the canonical (uncompressed) member of each base family;
		// compression is chosen by the caller via CText/Binary, not parsed.
		if name == parts[0] {
			if !found || ft == UText || ft == UBinary {
				base = ft
				found = true
			}
		}
	}
	if !found {
		return 0, fmt.Errorf("journal: unrecognized file type %q", s)
	}
	if len(parts) == 1 {
		return base, nil
	}
	for _, m := range parts[1] {
		switch m {
		case 'k':
			base |= ModKeywords
		case 'x':
			base |= ModExec
		case 'l':
			base |= ModExclusive
		case 'S':
			base |= ModTempobj
		case 'm':
			base |= ModModtime
		default:
			// Storage-size variants (S1..S16, w, etc.) don't affect
			// replication semantics; ignore silently.
		}
	}
	return base, nil
}

// FileAction is the per-revision action recorded in a filelog, and the
// action the classifier decides to perform on the target (spec.md §3/§4.2).
type FileAction int

const (
	Add FileAction = iota
	Edit
	Delete
	Branch
	Integrate
	MoveAdd
	MoveDelete
	Purge
	Archive
	Import
)

func (a FileAction) String() string {
	switch a {
	case Add:
		return "add"
	case Edit:
		return "edit"
	case Delete:
		return "delete"
	case Branch:
		return "branch"
	case Integrate:
		return "integrate"
	case MoveAdd:
		return "move/add"
	case MoveDelete:
		return "move/delete"
	case Purge:
		return "purge"
	case Archive:
		return "archive"
	case Import:
		return "import"
	default:
		return "unknown"
	}
}

// ParseFileAction parses the action string as reported by a filelog entry.
func ParseFileAction(s string) (FileAction, error) {
	switch s {
	case "add":
		return Add, nil
	case "edit":
		return Edit, nil
	case "delete":
		return Delete, nil
	case "branch":
		return Branch, nil
	case "integrate":
		return Integrate, nil
	case "move/add":
		return MoveAdd, nil
	case "move/delete":
		return MoveDelete, nil
	case "purge":
		return Purge, nil
	case "archive":
		return Archive, nil
	case "import":
		return Import, nil
	default:
		return 0, fmt.Errorf("journal: unrecognized file action %q", s)
	}
}

// IntegHow is the integration relationship recorded on an IntegrationRecord
// (spec.md §3).
type IntegHow int

const (
	BranchFrom IntegHow = iota
	BranchInto
	CopyFrom
	CopyInto
	MergeFrom
	MergeInto
	EditFrom
	EditInto
	Ignored
	IgnoredBy
	DeleteFrom
	DeleteInto
	MovedFrom
	MovedInto
	AddFrom
	AddInto
)

func (h IntegHow) String() string {
	names := [...]string{
		"branch from", "branch into", "copy from", "copy into",
		"merge from", "merge into", "edit from", "edit into",
		"ignored", "ignored by", "delete from", "delete into",
		"moved from", "moved into", "add from", "add into",
	}
	if int(h) < 0 || int(h) >= len(names) {
		return "unknown"
	}
	return names[h]
}

// IsFromSide reports whether this how-code is the "from" side of a mirrored
// pair (spec.md §3's IntegrationRecord invariant).
func (h IntegHow) IsFromSide() bool {
	switch h {
	case BranchFrom, CopyFrom, MergeFrom, EditFrom, Ignored, DeleteFrom, MovedFrom, AddFrom:
		return true
	default:
		return false
	}
}
