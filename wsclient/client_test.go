package wsclient_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-collab-notes/collab"
	"github.com/alimasry/go-collab-notes/protocol"
	"github.com/alimasry/go-collab-notes/server"
	"github.com/alimasry/go-collab-notes/store"
	"github.com/alimasry/go-collab-notes/wsclient"
)

const (
	wait = 3 * time.Second
	tick = 10 * time.Millisecond
)

type testServer struct {
	url  string
	stop context.CancelFunc
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	hub := server.NewHub(store.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(server.NewHandler(hub))
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return &testServer{
		url:  "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		stop: func() { cancel(); <-done },
	}
}

func dial(t *testing.T, ts *testServer) *wsclient.Client {
	t.Helper()
	c := wsclient.New(ts.url)
	require.NoError(t, c.Dial(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

// inbox collects notifications delivered to a client.
type inbox struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (b *inbox) add(m protocol.Message) {
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
}

func (b *inbox) has(t protocol.Type) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.msgs {
		if m.MessageType() == t {
			return true
		}
	}
	return false
}

func TestClient_NotConnected(t *testing.T) {
	c := wsclient.New("ws://127.0.0.1:1/ws")

	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Send(protocol.Cursor{}), collab.ErrNotConnected)
	_, err := c.Join(context.Background(), protocol.Join{MemoID: "m"})
	assert.ErrorIs(t, err, collab.ErrNotConnected)
}

func TestClient_JoinSaveFetch(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts)
	ctx := context.Background()

	j, err := c.Join(ctx, protocol.Join{MemoID: "memo", Name: "Ada"})
	require.NoError(t, err)
	assert.True(t, j.IsHost)
	assert.Equal(t, "memo", j.MemoID)

	res, err := c.Save(ctx, protocol.Save{SessionID: j.SessionID, Content: "hi", ExpectedVersion: j.Version})
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	got, err := c.Fetch(ctx, protocol.Fetch{SessionID: j.SessionID})
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Content)
	assert.Equal(t, res.Version, got.Version)
}

func TestClient_ErrorReply(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts)

	_, err := c.Join(context.Background(), protocol.Join{})
	var remote protocol.Error
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Equal(t, "memo id is required", remote.Message)
}

func TestClient_Notifications(t *testing.T) {
	ts := startServer(t)
	c1, c2 := dial(t, ts), dial(t, ts)
	var box inbox
	c1.OnMessage(box.add)

	ctx := context.Background()
	_, err := c1.Join(ctx, protocol.Join{MemoID: "m", Name: "Ada"})
	require.NoError(t, err)
	_, err = c2.Join(ctx, protocol.Join{MemoID: "m", Name: "Bea"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return box.has(protocol.TypePeerJoined) }, wait, tick)

	require.NoError(t, c2.Send(protocol.Cursor{LineIndex: 2}))
	require.Eventually(t, func() bool { return box.has(protocol.TypeCursor) }, wait, tick)
}

func TestClient_DropAndRedial(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts)
	closed := make(chan error, 1)
	c.OnClose(func(err error) { closed <- err })

	_, err := c.Join(context.Background(), protocol.Join{MemoID: "m"})
	require.NoError(t, err)

	// Stopping the hub disconnects every session member.
	ts.stop()
	select {
	case <-closed:
	case <-time.After(wait):
		t.Fatal("close handler not called")
	}
	assert.False(t, c.Connected())

	require.NoError(t, c.Redial(context.Background()))
	assert.True(t, c.Connected())
}

func TestClient_CloseIsSilent(t *testing.T) {
	ts := startServer(t)
	c := dial(t, ts)
	called := make(chan struct{}, 1)
	c.OnClose(func(error) { called <- struct{}{} })

	require.NoError(t, c.Close())
	require.Never(t, func() bool { return len(called) > 0 }, 100*time.Millisecond, tick)
	assert.ErrorIs(t, c.Dial(context.Background()), wsclient.ErrClientClosed)
}

func runManager(t *testing.T, c *wsclient.Client, name string) *collab.Manager {
	t.Helper()
	m := collab.NewManager(collab.Config{
		Transport: c,
		Authority: c,
		Name:      name,
		Mode:      protocol.ModeVersioned,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m
}

func TestManagersOverWebSocket(t *testing.T) {
	ts := startServer(t)
	ada := runManager(t, dial(t, ts), "Ada")
	bea := runManager(t, dial(t, ts), "Bea")
	ctx := context.Background()

	_, err := ada.Start(ctx, "memo", "hello")
	require.NoError(t, err)
	_, err = bea.Start(ctx, "memo", "")
	require.NoError(t, err)

	snap, err := bea.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "hello", snap.Text)
	assert.Len(t, snap.Roster, 2)

	require.NoError(t, ada.Focus())
	require.NoError(t, ada.Input("hello world", 11))
	require.NoError(t, ada.Blur())

	require.Eventually(t, func() bool {
		snap, err := bea.Snapshot()
		return err == nil && snap.Text == "hello world"
	}, wait, tick)
}
