package sshconfig

import (
	"os"
	"strings"

	"github.com/sshharden/sshharden/internal/fsutil"
)

// ChangeKind describes what an upsert did to the document
type ChangeKind string

const (
	ChangeInserted  ChangeKind = "inserted"
	ChangeReplaced  ChangeKind = "replaced"
	ChangeUnchanged ChangeKind = "unchanged"
)

// Change records the outcome of a single upsert
type Change struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Kind     ChangeKind `json:"kind"`
	Previous string     `json:"previous,omitempty"` // prior value when replaced or unchanged
	Line     int        `json:"line"`               // 1-based line of the directive after the upsert
	Removed  int        `json:"removed,omitempty"`  // duplicate active lines dropped
}

// Modified reports whether the upsert changed the document bytes
func (c Change) Modified() bool {
	return c.Kind != ChangeUnchanged || c.Removed > 0
}

// Document is an sshd_config file held as an ordered list of raw lines.
//
// Only the global section is edited: everything from the first active
// Match line onwards is conditional in sshd and is left untouched.
type Document struct {
	lines []string
	crlf  bool // inserted lines end in \r, matching a CRLF file
}

// Load reads the configuration file at path
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOError{Op: "load", Path: path, Err: err}
	}
	return Parse(data), nil
}

// Parse builds a document from raw file content
func Parse(data []byte) *Document {
	if len(data) == 0 {
		return &Document{}
	}
	text := strings.TrimSuffix(string(data), "\n")
	lines := strings.Split(text, "\n")
	return &Document{lines: lines, crlf: strings.HasSuffix(lines[0], "\r")}
}

// Lines returns a copy of the document lines
func (d *Document) Lines() []string {
	out := make([]string, len(d.lines))
	copy(out, d.lines)
	return out
}

// Len returns the number of lines
func (d *Document) Len() int {
	return len(d.lines)
}

// Get returns the value of the active global directive with the given name
func (d *Document) Get(name string) (string, bool) {
	end := d.globalEnd()
	for i := 0; i < end; i++ {
		_, key, value, ok := parseLine(d.lines[i])
		if ok && key == name {
			return value, true
		}
	}
	return "", false
}

// Upsert sets name to value. An existing active line is rewritten in place
// (indentation kept); otherwise "<name> <value>" is added at the end of the
// global section. Comment lines never match. Later duplicates of the same
// directive in the global section are dropped so at most one active line
// remains. name must be a single keyword and value must not contain newlines.
func (d *Document) Upsert(name, value string) Change {
	end := d.globalEnd()
	change := Change{Name: name, Value: value}

	kept := make([]string, 0, len(d.lines)+1)
	for i, line := range d.lines {
		if i >= end {
			kept = append(kept, line)
			continue
		}

		indent, key, current, ok := parseLine(line)
		if !ok || key != name {
			kept = append(kept, line)
			continue
		}

		if change.Line > 0 {
			change.Removed++
			continue
		}

		change.Previous = current
		if current == value {
			change.Kind = ChangeUnchanged
			kept = append(kept, line)
		} else {
			change.Kind = ChangeReplaced
			kept = append(kept, indent+name+" "+value+lineEnding(line))
		}
		change.Line = len(kept)
	}

	if change.Line == 0 {
		// end is still a valid index into kept: nothing was removed
		kept = append(kept, "")
		copy(kept[end+1:], kept[end:])
		kept[end] = name + " " + value
		if d.crlf {
			kept[end] += "\r"
		}
		change.Kind = ChangeInserted
		change.Line = end + 1
	}

	d.lines = kept
	return change
}

// Serialize renders the document with a trailing newline
func (d *Document) Serialize() []byte {
	if len(d.lines) == 0 {
		return []byte{}
	}
	return []byte(strings.Join(d.lines, "\n") + "\n")
}

// Save atomically replaces the file at path with the serialized document
func (d *Document) Save(path string) error {
	if err := fsutil.WriteFileAtomic(path, d.Serialize(), 0600); err != nil {
		return &IOError{Op: "save", Path: path, Err: err}
	}
	return nil
}

// globalEnd returns the index of the first active Match line, or len(lines)
func (d *Document) globalEnd() int {
	for i, line := range d.lines {
		_, key, _, ok := parseLine(line)
		if ok && strings.EqualFold(key, "Match") {
			return i
		}
	}
	return len(d.lines)
}

// lineEnding returns the carriage return a CRLF line carries, if any
func lineEnding(line string) string {
	if strings.HasSuffix(line, "\r") {
		return "\r"
	}
	return ""
}

// parseLine splits an active directive line into indentation, keyword and
// value. ok is false for blank lines, comments and bare keywords.
func parseLine(line string) (indent, key, value string, ok bool) {
	line = strings.TrimRight(line, "\r")
	trimmed := strings.TrimLeft(line, " \t")
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", "", false
	}

	sep := strings.IndexAny(trimmed, " \t")
	if sep <= 0 {
		return "", "", "", false
	}

	indent = line[:len(line)-len(trimmed)]
	key = trimmed[:sep]
	value = strings.TrimSpace(trimmed[sep:])
	return indent, key, value, true
}
