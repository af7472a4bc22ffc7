package collab

import (
	"unicode/utf8"

	"github.com/alimasry/go-collab-notes/diff"
	"github.com/alimasry/go-collab-notes/protocol"
)

// Position is a caret location as a line index and a rune column.
type Position struct {
	Line   int
	Column int
}

// OffsetToPosition maps a rune offset in text to its line and column by
// counting the newlines before it. The offset is clamped to the text.
func OffsetToPosition(text string, offset int) Position {
	if offset < 0 {
		offset = 0
	}
	var pos Position
	n := 0
	for _, r := range text {
		if n == offset {
			break
		}
		if r == '\n' {
			pos.Line++
			pos.Column = 0
		} else {
			pos.Column++
		}
		n++
	}
	return pos
}

// PositionToOffset is the inverse of OffsetToPosition. The line is clamped to
// the document and the column to the length of that line.
func PositionToOffset(text string, pos Position) int {
	lines := diff.Split(text)
	line := min(max(pos.Line, 0), len(lines)-1)
	offset := 0
	for i := 0; i < line; i++ {
		offset += utf8.RuneCountInString(lines[i]) + 1
	}
	col := min(max(pos.Column, 0), utf8.RuneCountInString(lines[line]))
	return offset + col
}

// presence broadcasts the local caret line and renders remote carets.
type presence struct {
	s        *Session
	throttle loopTimer
	lastSent int
}

func newPresence(s *Session) *presence {
	return &presence{
		s:        s,
		throttle: loopTimer{clock: s.env.clock, post: s.env.post},
		lastSent: -1,
	}
}

// selectionChanged arms the throttle window if it is not already running.
// Movement inside the window is picked up when the window closes.
func (p *presence) selectionChanged() {
	if p.throttle.Armed() {
		return
	}
	p.throttle.Reset(p.s.env.cursorThrottle, p.broadcast)
}

// broadcast sends the caret line if it moved to a different line.
func (p *presence) broadcast() {
	line := p.s.doc.CaretLine()
	if line == p.lastSent {
		return
	}
	if err := p.s.env.transport.Send(protocol.Cursor{ParticipantID: p.s.ParticipantID, LineIndex: line}); err != nil {
		p.s.env.log.Debug("cursor broadcast failed", "session", p.s.ID, "error", err)
		return
	}
	p.lastSent = line
}

// remote renders a peer's caret.
func (p *presence) remote(msg protocol.Cursor) {
	if msg.ParticipantID == p.s.ParticipantID {
		return
	}
	peer, ok := p.s.Roster[msg.ParticipantID]
	if !ok {
		p.s.env.log.Debug("cursor from unknown participant", "session", p.s.ID, "participant", msg.ParticipantID)
		return
	}
	peer.LastLine = msg.LineIndex
	p.s.env.ui.RenderParticipant(peer.ID, peer.Color, peer.LastLine)
}

func (p *presence) stop() { p.throttle.Stop() }
