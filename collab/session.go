package collab

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/alimasry/go-collab-notes/protocol"
)

// SyncStrategy is how a session turns local edits into messages and applies
// what peers send. A strategy is chosen when the session starts.
// All methods run on the Manager's event loop.
type SyncStrategy interface {
	Mode() protocol.Mode
	// Begin installs the state the session started from.
	Begin(b bootstrap)
	// Input records a local edit of the whole text with the caret after it.
	Input(text string, caret int)
	// Handle applies an inbound message and reports whether it was used.
	Handle(msg protocol.Message) bool
	PeerJoined(p protocol.Participant)
	Focus()
	Blur()
	Background()
	// Stop cancels timers. The returned func, if any, finishes pending work
	// and is run off the event loop after the session is detached.
	Stop() func(ctx context.Context) error
}

// bootstrap is the document state a strategy starts from.
type bootstrap struct {
	content       string
	version       int64
	awaitFullSync bool
}

// env is what a session needs from its Manager.
type env struct {
	transport Transport
	authority Authority
	store     ContentStore
	ui        UISink
	clock     clock.Clock
	log       *slog.Logger
	post      func(func()) bool

	idleSaveDelay  time.Duration
	lineDebounce   time.Duration
	cursorThrottle time.Duration
	rpcTimeout     time.Duration
}

// Session is one live collaboration context. It is owned by the Manager and
// handed to the strategy and presence tracker.
type Session struct {
	ID            string
	MemoID        string
	ParticipantID string
	Color         string
	IsHost        bool
	Mode          protocol.Mode
	Roster        map[string]*protocol.Participant
	Strategy      SyncStrategy

	doc      *document
	env      *env
	presence *presence
	closed   bool
}

func (s *Session) active() bool { return !s.closed }

func (s *Session) addParticipant(p protocol.Participant) *protocol.Participant {
	cp := p
	s.Roster[p.ID] = &cp
	return &cp
}

func (s *Session) removeParticipant(id string) bool {
	if _, ok := s.Roster[id]; !ok {
		return false
	}
	delete(s.Roster, id)
	return true
}

// peers returns the roster without the local participant, ordered by ID.
func (s *Session) peers() []*protocol.Participant {
	out := make([]*protocol.Participant, 0, len(s.Roster))
	for id, p := range s.Roster {
		if id != s.ParticipantID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Session) colorOf(id string) string {
	if p, ok := s.Roster[id]; ok {
		return p.Color
	}
	return ""
}

func (s *Session) nameOf(id string) string {
	if p, ok := s.Roster[id]; ok {
		return p.Name
	}
	return ""
}

// rpcContext bounds an authority call.
func (s *Session) rpcContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.env.rpcTimeout)
}

// persist writes content to the local store, if there is one.
func (s *Session) persist(content string, version int64) {
	if s.env.store == nil {
		return
	}
	ctx, cancel := s.rpcContext()
	defer cancel()
	if err := s.env.store.Save(ctx, s.MemoID, content, version); err != nil {
		s.env.log.Warn("local store save failed", "memo", s.MemoID, "version", version, "error", err)
	}
}

// keepUnsaved writes the current text to the local store at the version it
// was last in step with the authority.
func (s *Session) keepUnsaved() {
	var version int64
	if v, ok := s.Strategy.(*versionedSync); ok {
		version = v.state.LocalVersion
	}
	s.persist(s.doc.Text(), version)
}

// loopTimer is a restartable timer whose callback runs on the event loop.
// A callback from a timer that was stopped or reset after it fired is dropped.
type loopTimer struct {
	clock clock.Clock
	post  func(func()) bool
	t     *clock.Timer
	gen   uint64
}

func (lt *loopTimer) Reset(d time.Duration, fn func()) {
	lt.Stop()
	gen := lt.gen
	lt.t = lt.clock.AfterFunc(d, func() {
		lt.post(func() {
			if lt.gen != gen {
				return
			}
			lt.t = nil
			fn()
		})
	})
}

func (lt *loopTimer) Stop() {
	lt.gen++
	if lt.t != nil {
		lt.t.Stop()
		lt.t = nil
	}
}

func (lt *loopTimer) Armed() bool { return lt.t != nil }
