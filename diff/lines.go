package diff

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a fresh line identity.
func NewID() string { return uuid.NewString() }

// Split breaks text into lines, one per "\n"-separated segment.
// The empty string is a single empty line, matching what an editor shows.
func Split(text string) []string {
	return strings.Split(text, "\n")
}

// Join is the inverse of Split.
func Join(lines []Line) string {
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.Text)
	}
	return b.String()
}

// FromText builds a fresh line list for text, assigning new identities.
func FromText(text string) []Line {
	return Reconcile(nil, text, NewID)
}

// Reconcile re-splits text and carries identities over from prev by
// position: line i keeps prev[i].ID, lines beyond len(prev) get newID().
func Reconcile(prev []Line, text string, newID func() string) []Line {
	parts := Split(text)
	out := make([]Line, len(parts))
	for i, p := range parts {
		id := ""
		if i < len(prev) {
			id = prev[i].ID
		}
		if id == "" {
			id = newID()
		}
		out[i] = Line{ID: id, Text: p}
	}
	return out
}

// Texts returns the text of each line.
func Texts(lines []Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

// ChangedLineNumbers lists the 1-based line numbers of new that differ from
// old. Lines removed from the end are reported as the last remaining line.
func ChangedLineNumbers(old, new string) []int {
	o, n := Split(old), Split(new)
	var out []int
	for i := 0; i < len(n); i++ {
		if i >= len(o) || o[i] != n[i] {
			out = append(out, i+1)
		}
	}
	if len(o) > len(n) && (len(out) == 0 || out[len(out)-1] != len(n)) {
		out = append(out, len(n))
	}
	return out
}
