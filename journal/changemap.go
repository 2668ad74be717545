package journal

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Header is the fixed CSV header for the change-map file (spec.md §4.7/§6).
const Header = "sourceP4Port,sourceChangeNo,targetChangeNo"

// Entry is one row of the change map (spec.md §3 ChangeMapEntry).
type Entry struct {
	SourcePort  string
	SourceChange int
	TargetChange int
}

// ChangeMap is the §4.7 Change Map Appender. It owns a single local CSV
// file; it does not add, edit or submit that file on the target server.
// CreateChangeMap/SetWriter/WriteHeader/Append
// mirror the create-then-write-records shape of the teacher's journal
// writer, repointed at CSV rows instead of p4d journal records.
type ChangeMap struct {
	filename string
	w        io.Writer
	csv      *csv.Writer
}

func NewChangeMap(filename string) *ChangeMap {
	return &ChangeMap{filename: filename}
}

// CreateChangeMap truncates/creates the backing file, matching the
// teacher's Journal.CreateJournal.
func (c *ChangeMap) CreateChangeMap() error {
	f, err := os.Create(c.filename)
	if err != nil {
		return errors.Wrapf(err, "creating change map %s", c.filename)
	}
	c.SetWriter(f)
	return nil
}

// SetWriter points the change map at an arbitrary writer (tests use this to
// capture output without touching the filesystem, as the teacher's
// Journal.SetWriter does).
func (c *ChangeMap) SetWriter(w io.Writer) {
	c.w = w
	c.csv = csv.NewWriter(w)
}

// WriteHeader writes the fixed CSV header line. Idempotent only at the
// file-creation boundary: callers append to an existing file by loading it
// first (see LoadChangeMap) and must not call WriteHeader again.
func (c *ChangeMap) WriteHeader() error {
	if _, err := fmt.Fprintln(c.w, Header); err != nil {
		return errors.Wrap(err, "writing change map header")
	}
	return nil
}

// Append writes one entry and flushes, so a crash mid-batch loses at most
// the in-flight record rather than corrupting the file.
func (c *ChangeMap) Append(e Entry) error {
	row := []string{e.SourcePort, fmt.Sprintf("%d", e.SourceChange), fmt.Sprintf("%d", e.TargetChange)}
	if err := c.csv.Write(row); err != nil {
		return errors.Wrap(err, "appending change map row")
	}
	c.csv.Flush()
	return c.csv.Error()
}

// LoadChangeMap reads the entries of an existing local change-map CSV file
// back. It reads only that file; it does not rebuild entries from the
// target's change descriptions.
func LoadChangeMap(filename string) ([]Entry, error) {
	f, err := os.Open(filename)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening change map %s", filename)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	rows, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "reading change map")
	}
	var entries []Entry
	for i, row := range rows {
		if i == 0 && len(row) > 0 && row[0] == "sourceP4Port" {
			continue // header
		}
		if len(row) != 3 {
			continue
		}
		var e Entry
		e.SourcePort = row[0]
		if _, err := fmt.Sscanf(row[1], "%d", &e.SourceChange); err != nil {
			continue
		}
		if _, err := fmt.Sscanf(row[2], "%d", &e.TargetChange); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// TransferredMarker is the durable description marker every target change
// carries (spec.md §6/§8): "Transferred from <sourcePort>@<sourceChange>".
func TransferredMarker(sourcePort string, sourceChange int) string {
	return fmt.Sprintf("Transferred from %s@%d", sourcePort, sourceChange)
}
