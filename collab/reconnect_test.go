package collab

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-collab-notes/protocol"
)

func TestReconnect_SingleAttemptAfterDelay(t *testing.T) {
	h := newHarness(t, protocol.ModeVersioned, versionedJoiner(), "base", 1)
	h.start(t, "")

	h.tr.drop(errors.New("connection reset"))
	snap := h.snapshot(t)

	ui := h.ui.state()
	assert.Equal(t, []bool{false}, ui.connected)
	assert.Equal(t, []string{"p2"}, ui.removed)
	require.Len(t, snap.Roster, 1)
	assert.Equal(t, "p1", snap.Roster[0].ID)

	h.clock.Add(4 * time.Second)
	require.Never(t, func() bool { return h.tr.redialCount() > 0 }, 50*time.Millisecond, tick)

	h.clock.Add(time.Second)
	require.Eventually(t, func() bool { return h.tr.redialCount() == 1 }, wait, tick)
	require.Eventually(t, func() bool {
		return len(h.ui.state().connected) == 2
	}, wait, tick)
	assert.Equal(t, []bool{false, true}, h.ui.state().connected)

	// Reconnecting does not rejoin the session.
	assert.Empty(t, sentOf[protocol.Join](h.tr))
}

func TestReconnect_GivesUpAfterOneFailure(t *testing.T) {
	h := newHarness(t, protocol.ModeVersioned, versionedJoiner(), "base", 1)
	h.tr.redialErr = errors.New("dial refused")

	h.tr.drop(errors.New("eof"))
	h.snapshot(t)

	h.clock.Add(5 * time.Second)
	require.Eventually(t, func() bool { return h.tr.redialCount() == 1 }, wait, tick)

	h.clock.Add(time.Minute)
	require.Never(t, func() bool { return h.tr.redialCount() > 1 }, 100*time.Millisecond, tick)
	assert.Equal(t, []bool{false}, h.ui.state().connected)
}

func TestReconnect_NeedsIdentity(t *testing.T) {
	h := newHarness(t, protocol.ModeVersioned, versionedJoiner(), "base", 1)
	tr := newFakeTransport()
	ui := newRecordingUI()

	m := NewManager(Config{
		Transport:   tr,
		Authority:   h.auth,
		UI:          ui,
		Clock:       h.clock,
		HasIdentity: func() bool { return false },
	})
	ctx := t.Context()
	go func() { _ = m.Run(ctx) }()

	tr.drop(errors.New("eof"))
	_, err := m.Snapshot()
	require.NoError(t, err)

	h.clock.Add(time.Minute)
	require.Never(t, func() bool { return tr.redialCount() > 0 }, 50*time.Millisecond, tick)
	assert.Equal(t, []bool{false}, ui.state().connected)
}
