package diff

import "fmt"

// Line is a single line of a document with a stable identity.
type Line struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ChangeKind discriminates the variants of Change.
type ChangeKind string

const (
	KindAdd    ChangeKind = "add"
	KindDelete ChangeKind = "delete"
	KindUpdate ChangeKind = "update"
)

// Change is one step that turns an old line list into a new one.
// Add and Update carry Line; Delete carries LineID.
type Change struct {
	Kind   ChangeKind `json:"kind"`
	Index  int        `json:"index"`
	Line   Line       `json:"line,omitempty"`
	LineID string     `json:"lineId,omitempty"`
}

func Add(index int, line Line) Change    { return Change{Kind: KindAdd, Index: index, Line: line} }
func Update(index int, line Line) Change { return Change{Kind: KindUpdate, Index: index, Line: line} }
func Delete(index int, id string) Change { return Change{Kind: KindDelete, Index: index, LineID: id} }

func (c Change) String() string {
	switch c.Kind {
	case KindDelete:
		return fmt.Sprintf("delete[%d %s]", c.Index, c.LineID)
	default:
		return fmt.Sprintf("%s[%d %q]", c.Kind, c.Index, c.Line.Text)
	}
}

// Diff compares old and new position by position and returns the changes
// that turn old into new, in ascending index order.
//
// The walk is index based, so it runs in O(n) but cannot see a moved line:
// moving a block shows up as updates, or as deletes followed by adds.
func Diff(old, new []Line) []Change {
	var changes []Change
	n := max(len(old), len(new))
	for i := 0; i < n; i++ {
		switch {
		case i >= len(old):
			changes = append(changes, Add(i, new[i]))
		case i >= len(new):
			changes = append(changes, Delete(i, old[i].ID))
		case old[i].Text != new[i].Text:
			changes = append(changes, Update(i, new[i]))
		}
	}
	return changes
}

// Apply returns a copy of lines with changes applied in order.
// Deletes locate their line by ID, taking the match nearest the change's
// index, and fall back to the index when the ID is unknown. Out-of-range adds are appended; out-of-range updates and deletes
// are ignored.
func Apply(lines []Line, changes []Change) []Line {
	out := Clone(lines)
	for _, c := range changes {
		out = ApplyOne(out, c)
	}
	return out
}

// ApplyOne applies a single change to lines, possibly in place.
func ApplyOne(lines []Line, c Change) []Line {
	switch c.Kind {
	case KindAdd:
		if c.Index >= len(lines) || c.Index < 0 {
			return append(lines, c.Line)
		}
		lines = append(lines, Line{})
		copy(lines[c.Index+1:], lines[c.Index:])
		lines[c.Index] = c.Line
	case KindUpdate:
		if c.Index >= 0 && c.Index < len(lines) {
			lines[c.Index] = c.Line
		}
	case KindDelete:
		idx := nearest(lines, c.LineID, c.Index)
		if idx < 0 && c.Index >= 0 && c.Index < len(lines) {
			idx = c.Index
		}
		if idx >= 0 {
			lines = append(lines[:idx], lines[idx+1:]...)
		}
	}
	return lines
}

// IndexOf returns the index of the line with the given ID, or -1.
func IndexOf(lines []Line, id string) int {
	if id == "" {
		return -1
	}
	for i, l := range lines {
		if l.ID == id {
			return i
		}
	}
	return -1
}

// nearest returns the index of the line with the given ID closest to at,
// or -1. Ties go to the lower index.
func nearest(lines []Line, id string, at int) int {
	if id == "" {
		return -1
	}
	best, dist := -1, 0
	for i, l := range lines {
		if l.ID != id {
			continue
		}
		d := i - at
		if d < 0 {
			d = -d
		}
		if best < 0 || d < dist {
			best, dist = i, d
		}
	}
	return best
}

// Clone returns a copy of lines that shares no backing array.
func Clone(lines []Line) []Line {
	if lines == nil {
		return nil
	}
	out := make([]Line, len(lines))
	copy(out, lines)
	return out
}
