package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alimasry/go-collab-notes/diff"
	"github.com/alimasry/go-collab-notes/protocol"
)

// Manager owns one editing surface and at most one collaboration session.
// All state is serialized through the goroutine running Run; the exported
// methods hand work to it and wait for the result.
type Manager struct {
	cfg Config
	log *slog.Logger

	events chan func()
	done   chan struct{}

	// Owned by the Run goroutine.
	doc       *document
	session   *Session
	starting  bool
	queued    []protocol.Message
	reconnect *reconnector
}

// NewManager creates a Manager and subscribes it to the transport.
// Run must be started before any other method is used.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	newID := cfg.NewLineID
	if newID == nil {
		newID = diff.NewID
	}
	m := &Manager{
		cfg:    cfg,
		log:    cfg.Logger,
		events: make(chan func(), 256),
		done:   make(chan struct{}),
		doc:    newDocument(newID),
	}
	m.reconnect = newReconnector(m)
	cfg.Transport.OnMessage(func(msg protocol.Message) {
		m.post(func() { m.dispatch(msg) })
	})
	cfg.Transport.OnClose(func(err error) {
		m.post(func() { m.reconnect.closed(err) })
	})
	return m
}

// Run is the Manager's event loop. When ctx is done it runs the final save
// of an active session and returns.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)
	for {
		select {
		case fn := <-m.events:
			fn()
		case <-ctx.Done():
			m.reconnect.stop()
			if s := m.session; s != nil {
				flush := s.Strategy.Stop()
				m.teardown(s)
				if flush != nil {
					fctx, cancel := context.WithTimeout(context.Background(), m.cfg.RPCTimeout)
					if err := flush(fctx); err != nil {
						m.log.Warn("final save on shutdown failed", "session", s.ID, "error", err)
					}
					cancel()
				}
			}
			return ctx.Err()
		}
	}
}

// post queues fn on the event loop. It reports false once Run has exited.
func (m *Manager) post(fn func()) bool {
	select {
	case m.events <- fn:
		return true
	case <-m.done:
		return false
	}
}

// do runs fn on the event loop and waits for it.
func (m *Manager) do(fn func()) error {
	finished := make(chan struct{})
	if !m.post(func() { defer close(finished); fn() }) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// Start creates or joins the session for memoID. A new session's host pushes
// initialContent (or the locally stored copy when it is empty); a joiner
// takes the authority's content instead.
func (m *Manager) Start(ctx context.Context, memoID, initialContent string) (string, error) {
	if !m.cfg.Transport.Connected() {
		return "", ErrNotConnected
	}
	var busy bool
	if err := m.do(func() {
		if m.session != nil || m.starting {
			busy = true
			return
		}
		m.starting = true
	}); err != nil {
		return "", err
	}
	if busy {
		return "", ErrAlreadyInSession
	}

	id, err := m.start(ctx, memoID, initialContent)
	if err != nil {
		_ = m.do(func() {
			m.starting = false
			m.queued = nil
		})
		return "", err
	}
	return id, nil
}

func (m *Manager) start(ctx context.Context, memoID, initialContent string) (string, error) {
	joined, err := m.cfg.Authority.Join(ctx, protocol.Join{
		MemoID: memoID,
		Name:   m.cfg.Name,
		Avatar: m.cfg.Avatar,
		Mode:   m.cfg.Mode,
	})
	if err != nil {
		var rejected protocol.Error
		if errors.As(err, &rejected) {
			return "", &SessionCreateError{Message: rejected.Message}
		}
		return "", err
	}
	mode := joined.Mode
	if !mode.Valid() {
		mode = m.cfg.Mode
	}

	boot, err := m.bootstrap(ctx, joined, mode, initialContent)
	if err != nil {
		_ = m.cfg.Transport.Send(protocol.Leave{SessionID: joined.SessionID})
		return "", err
	}

	err = m.do(func() {
		m.starting = false
		m.install(joined, mode, boot)
		queued := m.queued
		m.queued = nil
		for _, msg := range queued {
			m.dispatch(msg)
		}
	})
	if err != nil {
		return "", err
	}
	m.log.Info("collaboration started", "session", joined.SessionID, "memo", memoID,
		"mode", mode, "host", joined.IsHost, "created", joined.Created)
	return joined.SessionID, nil
}

// bootstrap fetches or pushes the starting content before the session is
// installed, so the strategy starts from a known version.
func (m *Manager) bootstrap(ctx context.Context, j *protocol.Joined, mode protocol.Mode, initial string) (bootstrap, error) {
	if j.Created {
		if initial == "" && m.cfg.Store != nil {
			if stored, _, err := m.cfg.Store.Load(ctx, j.MemoID); err == nil {
				initial = stored
			}
		}
	}
	if j.Created && initial != "" {
		res, err := m.cfg.Authority.Save(ctx, protocol.Save{
			SessionID:       j.SessionID,
			Content:         initial,
			ExpectedVersion: j.Version,
		})
		if err != nil {
			return bootstrap{}, fmt.Errorf("push initial content: %w", err)
		}
		if !res.Accepted {
			return bootstrap{content: res.Content, version: res.Version}, nil
		}
		return bootstrap{content: initial, version: res.Version}, nil
	}

	// A joiner in line mode gets the document from the host. A new session
	// with nothing to push starts from the authority's copy.
	if mode == protocol.ModeLine && !j.Created {
		return bootstrap{awaitFullSync: true, version: j.Version}, nil
	}
	c, err := m.cfg.Authority.Fetch(ctx, protocol.Fetch{SessionID: j.SessionID})
	if err != nil {
		return bootstrap{}, fmt.Errorf("fetch content: %w", err)
	}
	return bootstrap{content: c.Content, version: c.Version}, nil
}

func (m *Manager) install(j *protocol.Joined, mode protocol.Mode, boot bootstrap) {
	s := &Session{
		ID:            j.SessionID,
		MemoID:        j.MemoID,
		ParticipantID: j.ParticipantID,
		Color:         j.Color,
		IsHost:        j.IsHost,
		Mode:          mode,
		Roster:        make(map[string]*protocol.Participant, len(j.Roster)),
		doc:           m.doc,
		env: &env{
			transport:      m.cfg.Transport,
			authority:      m.cfg.Authority,
			store:          m.cfg.Store,
			ui:             m.cfg.UI,
			clock:          m.cfg.Clock,
			log:            m.log,
			post:           m.post,
			idleSaveDelay:  m.cfg.IdleSaveDelay,
			lineDebounce:   m.cfg.LineDebounce,
			cursorThrottle: m.cfg.CursorThrottle,
			rpcTimeout:     m.cfg.RPCTimeout,
		},
	}
	for _, p := range j.Roster {
		s.addParticipant(p)
	}
	if mode == protocol.ModeLine {
		s.Strategy = newLineSync(s)
	} else {
		s.Strategy = newVersionedSync(s)
	}
	s.presence = newPresence(s)
	m.session = s

	s.Strategy.Begin(boot)
	for _, p := range s.peers() {
		m.cfg.UI.RenderParticipant(p.ID, p.Color, p.LastLine)
	}
}

// Stop leaves the session. Timers are cancelled and any unsaved work is
// flushed before the authority is told.
func (m *Manager) Stop(ctx context.Context) error {
	var (
		s     *Session
		flush func(context.Context) error
	)
	if err := m.do(func() {
		s = m.session
		if s == nil {
			return
		}
		flush = s.Strategy.Stop()
		m.teardown(s)
	}); err != nil {
		return err
	}
	if s == nil {
		return ErrNoSession
	}

	var flushErr error
	if flush != nil {
		flushErr = flush(ctx)
	}
	if err := m.cfg.Transport.Send(protocol.Leave{SessionID: s.ID}); err != nil {
		m.log.Debug("leave not sent", "session", s.ID, "error", err)
	}
	m.log.Info("collaboration stopped", "session", s.ID)
	return flushErr
}

// teardown detaches s from the Manager and clears its presence indicators.
func (m *Manager) teardown(s *Session) {
	s.presence.stop()
	for _, p := range s.peers() {
		m.cfg.UI.RemoveParticipant(p.ID)
	}
	s.closed = true
	if m.session == s {
		m.session = nil
	}
}

// Input records a local edit: the full new text and the caret after it.
func (m *Manager) Input(text string, caret int) error {
	return m.do(func() {
		if s := m.session; s != nil {
			s.Strategy.Input(text, caret)
			return
		}
		m.doc.SetText(text, caret)
	})
}

// SelectionChanged records caret movement and schedules a presence update.
func (m *Manager) SelectionChanged(caret int) error {
	return m.do(func() {
		m.doc.caret = caret
		if s := m.session; s != nil {
			s.presence.selectionChanged()
		}
	})
}

// SendCursor broadcasts the caret line at once, unless it is the line
// last broadcast.
func (m *Manager) SendCursor(caret int) error {
	var err error
	if derr := m.do(func() {
		m.doc.caret = caret
		s := m.session
		if s == nil {
			err = ErrNoSession
			return
		}
		s.presence.throttle.Stop()
		s.presence.broadcast()
	}); derr != nil {
		return derr
	}
	return err
}

// SendUpdate sends an arbitrary session message to the peers.
func (m *Manager) SendUpdate(msg protocol.Message) error {
	var err error
	if derr := m.do(func() {
		if m.session == nil {
			err = ErrNoSession
			return
		}
		err = m.cfg.Transport.Send(msg)
	}); derr != nil {
		return derr
	}
	return err
}

// Kick removes a participant. Only the host may kick.
func (m *Manager) Kick(participantID string) error {
	var err error
	if derr := m.do(func() {
		s := m.session
		switch {
		case s == nil:
			err = ErrNoSession
		case !s.IsHost:
			err = ErrNotHost
		default:
			err = m.cfg.Transport.Send(protocol.Kick{ParticipantID: participantID})
		}
	}); derr != nil {
		return derr
	}
	return err
}

// Focus marks the editing surface focused.
func (m *Manager) Focus() error {
	return m.do(func() {
		m.doc.focused = true
		if s := m.session; s != nil {
			s.Strategy.Focus()
		}
	})
}

// Blur marks the editing surface unfocused.
func (m *Manager) Blur() error {
	return m.do(func() {
		m.doc.focused = false
		if s := m.session; s != nil {
			s.Strategy.Blur()
		}
	})
}

// Background is called when the application moves to the background.
func (m *Manager) Background() error {
	return m.do(func() {
		if s := m.session; s != nil {
			s.Strategy.Background()
		}
	})
}

// dispatch routes an inbound message.
func (m *Manager) dispatch(msg protocol.Message) {
	s := m.session
	if s == nil {
		if m.starting {
			// Peers may talk to us between the join reply and install.
			m.queued = append(m.queued, msg)
			return
		}
		m.log.Debug("message without session dropped", "type", msg.MessageType())
		return
	}

	switch msg := msg.(type) {
	case protocol.PeerJoined:
		p := s.addParticipant(msg.Participant)
		m.cfg.UI.RenderParticipant(p.ID, p.Color, p.LastLine)
		s.Strategy.PeerJoined(*p)
	case protocol.PeerLeft:
		if s.removeParticipant(msg.ParticipantID) {
			m.cfg.UI.RemoveParticipant(msg.ParticipantID)
		}
	case protocol.Kicked:
		m.log.Info("removed from session by host", "session", s.ID, "by", msg.By)
		if s.Strategy.Stop() != nil {
			// The authority no longer takes our saves.
			s.keepUnsaved()
		}
		m.teardown(s)
		m.cfg.UI.ShowBanner("You were removed from the session")
	case protocol.HostChanged:
		for id, p := range s.Roster {
			p.IsHost = id == msg.ParticipantID
		}
		s.IsHost = msg.ParticipantID == s.ParticipantID
		if s.IsHost {
			m.log.Info("became session host", "session", s.ID)
		}
	case protocol.Cursor:
		s.presence.remote(msg)
	case protocol.LineChanges, protocol.FullSync, protocol.MemoChanged:
		if !s.Strategy.Handle(msg) {
			m.log.Debug("message not used by strategy", "type", msg.MessageType(), "mode", s.Mode)
		}
	case protocol.Error:
		m.log.Warn("authority error", "session", s.ID, "message", msg.Message)
	case protocol.Join, protocol.Joined, protocol.Leave, protocol.Kick,
		protocol.Save, protocol.SaveResult, protocol.Fetch, protocol.Content:
		m.log.Debug("unexpected message", "type", msg.MessageType())
	default:
		m.log.Debug("unknown message", "type", fmt.Sprintf("%T", msg))
	}
}

// Snapshot is a copy of the Manager's state.
type Snapshot struct {
	SessionID     string
	MemoID        string
	ParticipantID string
	IsHost        bool
	Mode          protocol.Mode
	Color         string
	Text          string
	Lines         []diff.Line
	Caret         int
	Focused       bool
	Roster        []protocol.Participant
	Versioned     *VersionedState
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := m.do(func() {
		snap.Text = m.doc.Text()
		snap.Lines = diff.Clone(m.doc.lines)
		snap.Caret = m.doc.caret
		snap.Focused = m.doc.focused
		s := m.session
		if s == nil {
			return
		}
		snap.SessionID = s.ID
		snap.MemoID = s.MemoID
		snap.ParticipantID = s.ParticipantID
		snap.IsHost = s.IsHost
		snap.Mode = s.Mode
		snap.Color = s.Color
		for _, p := range s.Roster {
			snap.Roster = append(snap.Roster, *p)
		}
		sort.Slice(snap.Roster, func(i, j int) bool { return snap.Roster[i].ID < snap.Roster[j].ID })
		if v, ok := s.Strategy.(*versionedSync); ok {
			st := v.State()
			snap.Versioned = &st
		}
	})
	return snap, err
}
