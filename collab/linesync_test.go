package collab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-collab-notes/diff"
	"github.com/alimasry/go-collab-notes/protocol"
)

func lineHost() protocol.Joined {
	return protocol.Joined{
		SessionID:     "s1",
		ParticipantID: "p1",
		IsHost:        true,
		Created:       true,
		Mode:          protocol.ModeLine,
		Roster:        []protocol.Participant{{ID: "p1", Name: "Ada", IsHost: true, LastLine: -1}},
	}
}

func peer(id string) protocol.Participant {
	return protocol.Participant{ID: id, Name: "Bea", Color: "#FF6B6B", LastLine: -1}
}

func TestLineSync_HostSendsFullSyncToJoiner(t *testing.T) {
	h := newHarness(t, protocol.ModeLine, lineHost(), "", 0)
	h.start(t, "hello\nworld")

	h.tr.deliver(protocol.PeerJoined{Participant: peer("p2")})
	h.snapshot(t)

	syncs := sentOf[protocol.FullSync](h.tr)
	require.Len(t, syncs, 1)
	assert.Equal(t, "p1", syncs[0].From)
	assert.Equal(t, "p2", syncs[0].To)
	assert.Equal(t, []string{"hello", "world"}, diff.Texts(syncs[0].Lines))
	assert.Equal(t, -1, h.ui.state().carets["p2"])
}

func TestLineSync_JoinerWaitsForFullSync(t *testing.T) {
	joined := protocol.Joined{SessionID: "s1", ParticipantID: "p2", Mode: protocol.ModeLine,
		Roster: []protocol.Participant{{ID: "p1", IsHost: true, LastLine: -1}, peer("p2")}}
	h := newHarness(t, protocol.ModeLine, joined, "server copy", 1)
	h.start(t, "")

	assert.Equal(t, 0, h.auth.fetchCount())
	assert.Equal(t, 0, h.auth.saveCount())
	assert.Empty(t, h.snapshot(t).Text)

	h.tr.deliver(protocol.FullSync{From: "p1", To: "p2", Lines: diff.FromText("x\ny")})
	assert.Equal(t, "x\ny", h.snapshot(t).Text)
	assert.Equal(t, "x\ny", h.ui.state().content)
}

func TestLineSync_FullSyncBeforeJoinReplyIsKept(t *testing.T) {
	joined := protocol.Joined{SessionID: "s1", ParticipantID: "p2", Mode: protocol.ModeLine,
		Roster: []protocol.Participant{{ID: "p1", IsHost: true, LastLine: -1}, peer("p2")}}
	h := newHarness(t, protocol.ModeLine, joined, "", 1)
	h.auth.beforeJoined = func() {
		h.tr.deliver(protocol.PeerJoined{Participant: protocol.Participant{ID: "p3", LastLine: -1}})
		h.tr.deliver(protocol.FullSync{From: "p1", To: "p2", Lines: diff.FromText("x\ny")})
	}
	h.start(t, "")

	snap := h.snapshot(t)
	assert.Equal(t, "x\ny", snap.Text)
	assert.Equal(t, "x\ny", h.ui.state().content)
	assert.Len(t, snap.Roster, 3)
}

func TestLineSync_DebouncedBroadcast(t *testing.T) {
	h := newHarness(t, protocol.ModeLine, lineHost(), "", 0)
	h.start(t, "hello\nworld")
	ids := h.snapshot(t).Lines

	require.NoError(t, h.m.Input("hello\nworld.", 12))
	h.clock.Add(50 * time.Millisecond)
	require.NoError(t, h.m.Input("hello\nworld!", 12))
	h.clock.Add(50 * time.Millisecond)
	require.Never(t, func() bool { return len(sentOf[protocol.LineChanges](h.tr)) > 0 }, 50*time.Millisecond, tick)

	h.clock.Add(50 * time.Millisecond)
	require.Eventually(t, func() bool { return len(sentOf[protocol.LineChanges](h.tr)) == 1 }, wait, tick)

	msg := sentOf[protocol.LineChanges](h.tr)[0]
	assert.Equal(t, "p1", msg.From)
	assert.Equal(t, 1, msg.EditingLine)
	assert.Equal(t, []diff.Change{diff.Update(1, diff.Line{ID: ids[1].ID, Text: "world!"})}, msg.Changes)
}

func TestLineSync_FocusedLineWins(t *testing.T) {
	h := newHarness(t, protocol.ModeLine, lineHost(), "", 0)
	h.start(t, "a\nb\nc")
	h.tr.deliver(protocol.PeerJoined{Participant: peer("p2")})
	ids := h.snapshot(t).Lines

	require.NoError(t, h.m.Focus())
	require.NoError(t, h.m.SelectionChanged(2))

	h.tr.deliver(protocol.LineChanges{
		From: "p2",
		Changes: []diff.Change{
			diff.Update(1, diff.Line{ID: ids[1].ID, Text: "B"}),
			diff.Update(2, diff.Line{ID: ids[2].ID, Text: "C"}),
		},
		EditingLine: 2,
	})

	assert.Equal(t, "a\nb\nC", h.snapshot(t).Text)
	assert.Equal(t, 2, h.ui.state().carets["p2"])
}

func TestLineSync_UnfocusedAppliesEveryUpdate(t *testing.T) {
	h := newHarness(t, protocol.ModeLine, lineHost(), "", 0)
	h.start(t, "a\nb\nc")
	ids := h.snapshot(t).Lines
	require.NoError(t, h.m.SelectionChanged(2))

	h.tr.deliver(protocol.LineChanges{
		From: "p2",
		Changes: []diff.Change{
			diff.Update(1, diff.Line{ID: ids[1].ID, Text: "B"}),
			diff.Update(2, diff.Line{ID: ids[2].ID, Text: "C"}),
		},
	})
	assert.Equal(t, "a\nB\nC", h.snapshot(t).Text)
}

func TestLineSync_RemoteInsertKeepsCaretOnItsLine(t *testing.T) {
	h := newHarness(t, protocol.ModeLine, lineHost(), "", 0)
	h.start(t, "a\nb")
	require.NoError(t, h.m.Focus())
	require.NoError(t, h.m.SelectionChanged(3))

	h.tr.deliver(protocol.LineChanges{
		From:    "p2",
		Changes: []diff.Change{diff.Add(0, diff.Line{ID: "z", Text: "z"})},
	})

	snap := h.snapshot(t)
	assert.Equal(t, "z\na\nb", snap.Text)
	assert.Equal(t, 5, snap.Caret)
}

func TestLineSync_RemoteDeleteAboveCaret(t *testing.T) {
	h := newHarness(t, protocol.ModeLine, lineHost(), "", 0)
	h.start(t, "a\nb\nc")
	ids := h.snapshot(t).Lines
	require.NoError(t, h.m.SelectionChanged(5))

	h.tr.deliver(protocol.LineChanges{
		From:    "p2",
		Changes: []diff.Change{diff.Delete(0, ids[0].ID)},
	})

	snap := h.snapshot(t)
	assert.Equal(t, "b\nc", snap.Text)
	assert.Equal(t, Position{Line: 1, Column: 1}, OffsetToPosition(snap.Text, snap.Caret))
}

func TestLineSync_RemoteChangesAreNotEchoed(t *testing.T) {
	h := newHarness(t, protocol.ModeLine, lineHost(), "", 0)
	h.start(t, "a\nb")
	ids := h.snapshot(t).Lines

	h.tr.deliver(protocol.LineChanges{
		From:    "p2",
		Changes: []diff.Change{diff.Update(1, diff.Line{ID: ids[1].ID, Text: "B"})},
	})
	require.NoError(t, h.m.Input("A\nB", 1))
	h.clock.Add(100 * time.Millisecond)

	require.Eventually(t, func() bool { return len(sentOf[protocol.LineChanges](h.tr)) == 1 }, wait, tick)
	msg := sentOf[protocol.LineChanges](h.tr)[0]
	assert.Equal(t, []diff.Change{diff.Update(0, diff.Line{ID: ids[0].ID, Text: "A"})}, msg.Changes)
}

func TestLineSync_StopFlushesPendingDiff(t *testing.T) {
	h := newHarness(t, protocol.ModeLine, lineHost(), "", 0)
	h.start(t, "a")

	require.NoError(t, h.m.Input("ab", 2))
	require.NoError(t, h.m.Stop(t.Context()))

	changes := sentOf[protocol.LineChanges](h.tr)
	require.Len(t, changes, 1)
	assert.Equal(t, "ab", changes[0].Changes[0].Line.Text)
	assert.Len(t, sentOf[protocol.Leave](h.tr), 1)
}
