package collab

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-collab-notes/diff"
	"github.com/alimasry/go-collab-notes/protocol"
)

// fakeTransport records outbound messages and lets tests inject inbound ones.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      []protocol.Message
	onMsg     func(protocol.Message)
	onClose   func(error)
	redials   int
	redialErr error
}

func newFakeTransport() *fakeTransport { return &fakeTransport{connected: true} }

func (f *fakeTransport) Send(msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) OnMessage(h func(protocol.Message)) { f.onMsg = h }
func (f *fakeTransport) OnClose(h func(error))              { f.onClose = h }

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Redial(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redials++
	if f.redialErr != nil {
		return f.redialErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) deliver(msg protocol.Message) { f.onMsg(msg) }

func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.onClose(err)
}

func (f *fakeTransport) redialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.redials
}

// sentOf returns the outbound messages of type T.
func sentOf[T protocol.Message](f *fakeTransport) []T {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []T
	for _, m := range f.sent {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// fakeAuthority is a single-memo authority with optimistic concurrency.
type fakeAuthority struct {
	mu      sync.Mutex
	joined  protocol.Joined
	joinErr error
	content string
	version int64
	saves   []protocol.Save
	fetches int
	// conflictLines overrides the changed lines reported on a conflict.
	conflictLines []int
	// block, when set, holds every Save until it is closed.
	block chan struct{}
	held  int
	// beforeJoined runs just before Join replies.
	beforeJoined func()
}

func (a *fakeAuthority) Join(_ context.Context, req protocol.Join) (*protocol.Joined, error) {
	a.mu.Lock()
	if a.joinErr != nil {
		defer a.mu.Unlock()
		return nil, a.joinErr
	}
	j := a.joined
	j.MemoID = req.MemoID
	j.Version = a.version
	hook := a.beforeJoined
	a.mu.Unlock()
	if hook != nil {
		hook()
	}
	return &j, nil
}

func (a *fakeAuthority) Save(ctx context.Context, req protocol.Save) (*protocol.SaveResult, error) {
	a.mu.Lock()
	block := a.block
	if block != nil {
		a.held++
	}
	a.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.saves = append(a.saves, req)
	if req.ExpectedVersion != a.version {
		changed := a.conflictLines
		if changed == nil {
			changed = diff.ChangedLineNumbers(req.Content, a.content)
		}
		return &protocol.SaveResult{
			Version:      a.version,
			Content:      a.content,
			ChangedLines: changed,
		}, nil
	}
	a.version++
	a.content = req.Content
	return &protocol.SaveResult{Accepted: true, Version: a.version}, nil
}

func (a *fakeAuthority) Fetch(context.Context, protocol.Fetch) (*protocol.Content, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches++
	return &protocol.Content{Version: a.version, Content: a.content}, nil
}

// advance simulates a save by another participant.
func (a *fakeAuthority) advance(content string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.version++
	a.content = content
	return a.version
}

// hold makes every later Save wait until the returned func is called.
func (a *fakeAuthority) hold() (release func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	block := make(chan struct{})
	a.block = block
	return func() { close(block) }
}

func (a *fakeAuthority) heldCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.held
}

func (a *fakeAuthority) current() (string, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.content, a.version
}

func (a *fakeAuthority) saveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.saves)
}

func (a *fakeAuthority) lastSave() protocol.Save {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saves[len(a.saves)-1]
}

func (a *fakeAuthority) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

// uiState is what recordingUI last rendered.
type uiState struct {
	content    string
	banner     string
	highlights []int
	carets     map[string]int
	removed    []string
	connected  []bool
}

type recordingUI struct {
	mu sync.Mutex
	s  uiState
}

func newRecordingUI() *recordingUI { return &recordingUI{s: uiState{carets: map[string]int{}}} }

func (u *recordingUI) ReplaceContent(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.s.content = text
}

func (u *recordingUI) HighlightLines(lines []int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.s.highlights = append([]int(nil), lines...)
}

func (u *recordingUI) ShowBanner(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.s.banner = text
}

func (u *recordingUI) RenderParticipant(id, _ string, line int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.s.carets[id] = line
}

func (u *recordingUI) RemoveParticipant(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.s.carets, id)
	u.s.removed = append(u.s.removed, id)
}

func (u *recordingUI) ConnectionChanged(c bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.s.connected = append(u.s.connected, c)
}

func (u *recordingUI) state() uiState {
	u.mu.Lock()
	defer u.mu.Unlock()
	carets := make(map[string]int, len(u.s.carets))
	for k, v := range u.s.carets {
		carets[k] = v
	}
	return uiState{
		content:    u.s.content,
		banner:     u.s.banner,
		highlights: append([]int(nil), u.s.highlights...),
		carets:     carets,
		removed:    append([]string(nil), u.s.removed...),
		connected:  append([]bool(nil), u.s.connected...),
	}
}

// memStore is an in-memory ContentStore.
type memStore struct {
	mu       sync.Mutex
	contents map[string]string
	versions map[string]int64
}

func newMemStore() *memStore {
	return &memStore{contents: map[string]string{}, versions: map[string]int64{}}
}

func (s *memStore) Load(_ context.Context, memoID string) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contents[memoID]
	if !ok {
		return "", 0, errors.New("not found")
	}
	return c, s.versions[memoID], nil
}

func (s *memStore) Save(_ context.Context, memoID, content string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents[memoID] = content
	s.versions[memoID] = version
	return nil
}

type harness struct {
	m     *Manager
	tr    *fakeTransport
	auth  *fakeAuthority
	ui    *recordingUI
	store *memStore
	clock *clock.Mock
	// stop cancels Run and waits for it to return.
	stop func()
}

// newHarness builds a running Manager. The authority starts with the given
// content and version and answers joins with joined.
func newHarness(t *testing.T, mode protocol.Mode, joined protocol.Joined, content string, version int64) *harness {
	t.Helper()
	h := &harness{
		tr:    newFakeTransport(),
		auth:  &fakeAuthority{joined: joined, content: content, version: version},
		ui:    newRecordingUI(),
		store: newMemStore(),
		clock: clock.NewMock(),
	}
	h.m = NewManager(Config{
		Transport: h.tr,
		Authority: h.auth,
		Store:     h.store,
		UI:        h.ui,
		Clock:     h.clock,
		Name:      "Ada",
		Mode:      mode,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.m.Run(ctx)
	}()
	h.stop = func() {
		cancel()
		<-done
	}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) start(t *testing.T, initial string) string {
	t.Helper()
	id, err := h.m.Start(context.Background(), "memo-1", initial)
	require.NoError(t, err)
	return id
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.m.Snapshot()
	require.NoError(t, err)
	return snap
}
