package collab

import (
	"context"

	"github.com/alimasry/go-collab-notes/diff"
	"github.com/alimasry/go-collab-notes/protocol"
)

// lineSync is the real-time strategy. Local edits are diffed against the
// last broadcast snapshot after a short debounce; remote diffs are merged
// line by line, except that a remote update never overwrites the line the
// local caret is on while the surface is focused.
//
// Two peers focused on the same line both drop each other's update and stay
// diverged on that line until the next full-sync.
type lineSync struct {
	s             *Session
	lastBroadcast []diff.Line
	debounce      loopTimer
}

func newLineSync(s *Session) *lineSync {
	return &lineSync{
		s:        s,
		debounce: loopTimer{clock: s.env.clock, post: s.env.post},
	}
}

func (l *lineSync) Mode() protocol.Mode { return protocol.ModeLine }

func (l *lineSync) Begin(b bootstrap) {
	if b.awaitFullSync {
		l.lastBroadcast = diff.Clone(l.s.doc.lines)
		return
	}
	l.s.doc.Replace(b.content)
	l.lastBroadcast = diff.Clone(l.s.doc.lines)
	l.s.env.ui.ReplaceContent(b.content)
}

func (l *lineSync) Input(text string, caret int) {
	l.s.doc.SetText(text, caret)
	l.debounce.Reset(l.s.env.lineDebounce, l.flush)
}

// flush broadcasts whatever changed since the last broadcast.
func (l *lineSync) flush() {
	changes := diff.Diff(l.lastBroadcast, l.s.doc.lines)
	if len(changes) == 0 {
		return
	}
	msg := protocol.LineChanges{
		From:        l.s.ParticipantID,
		Changes:     changes,
		EditingLine: l.s.doc.CaretLine(),
	}
	if err := l.s.env.transport.Send(msg); err != nil {
		l.s.env.log.Warn("line changes not sent", "session", l.s.ID, "changes", len(changes), "error", err)
		return
	}
	l.lastBroadcast = diff.Clone(l.s.doc.lines)
}

func (l *lineSync) Handle(msg protocol.Message) bool {
	switch msg := msg.(type) {
	case protocol.LineChanges:
		l.applyRemote(msg)
		return true
	case protocol.FullSync:
		l.s.doc.SetLines(msg.Lines)
		l.lastBroadcast = diff.Clone(l.s.doc.lines)
		l.s.env.ui.ReplaceContent(l.s.doc.Text())
		l.s.env.log.Info("full sync applied", "session", l.s.ID, "from", msg.From, "lines", len(msg.Lines))
		return true
	}
	return false
}

func (l *lineSync) applyRemote(msg protocol.LineChanges) {
	doc := l.s.doc
	pos := doc.Position()
	focusLine := -1
	if doc.focused {
		focusLine = pos.Line
	}

	applied := 0
	for _, c := range msg.Changes {
		switch c.Kind {
		case diff.KindUpdate:
			if c.Index == focusLine {
				l.s.env.log.Warn("remote update to focused line dropped",
					"session", l.s.ID, "from", msg.From, "line", c.Index)
				continue
			}
		case diff.KindAdd:
			if c.Index >= 0 && c.Index <= pos.Line && c.Index < len(doc.lines) {
				pos.Line++
				if focusLine >= 0 {
					focusLine = pos.Line
				}
			}
		case diff.KindDelete:
			idx := diff.IndexOf(doc.lines, c.LineID)
			if idx < 0 && c.Index >= 0 && c.Index < len(doc.lines) {
				idx = c.Index
			}
			if idx >= 0 && idx < pos.Line {
				pos.Line--
				if focusLine >= 0 {
					focusLine = pos.Line
				}
			}
		}
		doc.lines = diff.ApplyOne(doc.lines, c)
		l.lastBroadcast = diff.ApplyOne(l.lastBroadcast, c)
		applied++
	}

	if len(doc.lines) == 0 {
		doc.lines = diff.Reconcile(nil, "", doc.newID)
	}
	if applied > 0 {
		text := doc.Text()
		doc.caret = PositionToOffset(text, pos)
		l.s.env.ui.ReplaceContent(text)
	}

	if peer, ok := l.s.Roster[msg.From]; ok {
		peer.LastLine = msg.EditingLine
		l.s.env.ui.RenderParticipant(peer.ID, peer.Color, peer.LastLine)
	}
}

// PeerJoined sends the joiner the whole document when this side is host.
// Pending local changes go out first so the other peers see them too.
func (l *lineSync) PeerJoined(p protocol.Participant) {
	if !l.s.IsHost {
		return
	}
	l.debounce.Stop()
	l.flush()
	msg := protocol.FullSync{From: l.s.ParticipantID, To: p.ID, Lines: diff.Clone(l.s.doc.lines)}
	if err := l.s.env.transport.Send(msg); err != nil {
		l.s.env.log.Warn("full sync not sent", "session", l.s.ID, "to", p.ID, "error", err)
	}
}

func (l *lineSync) Focus()      {}
func (l *lineSync) Blur()       {}
func (l *lineSync) Background() {}

func (l *lineSync) Stop() func(ctx context.Context) error {
	if l.debounce.Armed() {
		l.debounce.Stop()
		l.flush()
	}
	return nil
}
