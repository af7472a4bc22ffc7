package collab

import "github.com/alimasry/go-collab-notes/diff"

// document is the editing surface's text, caret and focus state.
// It is only touched from the Manager's event loop.
type document struct {
	lines   []diff.Line
	caret   int // rune offset
	focused bool
	newID   func() string
}

func newDocument(newID func() string) *document {
	return &document{lines: diff.Reconcile(nil, "", newID), newID: newID}
}

func (d *document) Text() string { return diff.Join(d.lines) }

// SetText records a local edit. Line identities are kept by position.
func (d *document) SetText(text string, caret int) {
	d.lines = diff.Reconcile(d.lines, text, d.newID)
	d.caret = caret
}

// Replace swaps in text that came from elsewhere and moves the caret to the
// same line and column, clamped to the new text.
func (d *document) Replace(text string) {
	pos := OffsetToPosition(d.Text(), d.caret)
	d.lines = diff.Reconcile(d.lines, text, d.newID)
	d.caret = PositionToOffset(text, pos)
}

// SetLines replaces the document with lines received from a peer.
func (d *document) SetLines(lines []diff.Line) {
	pos := OffsetToPosition(d.Text(), d.caret)
	if len(lines) == 0 {
		lines = diff.Reconcile(nil, "", d.newID)
	}
	d.lines = diff.Clone(lines)
	d.caret = PositionToOffset(d.Text(), pos)
}

func (d *document) Position() Position { return OffsetToPosition(d.Text(), d.caret) }

func (d *document) CaretLine() int { return d.Position().Line }
