package server

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/alimasry/go-collab-notes/diff"
	"github.com/alimasry/go-collab-notes/protocol"
	"github.com/alimasry/go-collab-notes/store"
)

// Session manages collaboration on a single memo.
// All state changes are serialized through a single goroutine.
type Session struct {
	id      string
	memoID  string
	mode    protocol.Mode
	content string
	version int64

	hub     *Hub
	store   store.DocumentStore
	log     *slog.Logger
	members []*member // in join order
	hostID  string

	// joining counts join requests handed to this session but not yet
	// processed. A session with pending joins is never retired.
	joining atomic.Int32

	incoming chan inbound
	join     chan joinRequest
	leave    chan *Client
	stop     chan struct{}
	done     chan struct{}
}

func newSession(hub *Hub, info *store.DocumentInfo) *Session {
	id := uuid.NewString()
	return &Session{
		id:       id,
		memoID:   info.ID,
		content:  info.Content,
		version:  info.Version,
		hub:      hub,
		store:    hub.store,
		log:      hub.log.With("session", id, "memo", info.ID),
		incoming: make(chan inbound, 64),
		join:     make(chan joinRequest, 16),
		leave:    make(chan *Client, 16),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run is the session's main loop. It returns once the last member leaves
// or the session is stopped.
func (s *Session) Run() {
	defer close(s.done)
	for {
		select {
		case req := <-s.join:
			s.handleJoin(req)
			s.joining.Add(-1)
		case c := <-s.leave:
			s.handleLeave(c, "")
		case in := <-s.incoming:
			s.handle(in)
		case <-s.stop:
			for _, m := range s.members {
				m.client.setSession(nil)
				m.client.disconnect()
			}
			return
		}
		if len(s.members) == 0 && s.hub.retire(s) {
			s.log.Info("session closed")
			return
		}
	}
}

func (s *Session) submit(in inbound) {
	select {
	case s.incoming <- in:
	case <-s.done:
		in.client.sendError(in.id, "session closed")
	}
}

func (s *Session) submitLeave(c *Client) {
	select {
	case s.leave <- c:
	case <-s.done:
	}
}

func (s *Session) find(id string) (int, *member) {
	for i, m := range s.members {
		if m.ID == id {
			return i, m
		}
	}
	return -1, nil
}

func (s *Session) roster() []protocol.Participant {
	out := make([]protocol.Participant, len(s.members))
	for i, m := range s.members {
		out[i] = m.Participant
	}
	return out
}

func (s *Session) broadcast(msg protocol.Message, except string) {
	for _, m := range s.members {
		if m.ID != except {
			m.client.sendMsg("", msg)
		}
	}
}

func (s *Session) handleJoin(req joinRequest) {
	c := req.client
	if cur := c.currentSession(); cur != nil {
		c.sendError(req.id, "already in a session")
		return
	}

	created := len(s.members) == 0 && s.mode == ""
	if s.mode == "" {
		s.mode = req.req.Mode
		if !s.mode.Valid() {
			s.mode = protocol.ModeVersioned
		}
	}

	name := req.req.Name
	if name == "" {
		name = randomName()
	}
	m := &member{
		client: c,
		Participant: protocol.Participant{
			ID:       c.ID,
			Name:     name,
			Avatar:   req.req.Avatar,
			Color:    pickColor(s.members),
			LastLine: -1,
		},
	}
	if s.hostID == "" {
		s.hostID = m.ID
		m.IsHost = true
	}
	s.members = append(s.members, m)
	c.setSession(s)

	c.sendMsg(req.id, protocol.Joined{
		SessionID:     s.id,
		MemoID:        s.memoID,
		ParticipantID: m.ID,
		IsHost:        m.IsHost,
		Created:       created,
		Color:         m.Color,
		Mode:          s.mode,
		Version:       s.version,
		Roster:        s.roster(),
	})
	s.broadcast(protocol.PeerJoined{Participant: m.Participant}, m.ID)
	s.log.Info("participant joined", "participant", m.ID, "name", m.Name, "host", m.IsHost, "members", len(s.members))
}

// handleLeave removes c. kickedBy is the host's ID when c was removed.
func (s *Session) handleLeave(c *Client, kickedBy string) {
	i, m := s.find(c.ID)
	if m == nil {
		return
	}
	s.members = append(s.members[:i], s.members[i+1:]...)
	c.setSession(nil)

	if kickedBy != "" {
		c.sendMsg("", protocol.Kicked{By: kickedBy})
	}
	s.broadcast(protocol.PeerLeft{ParticipantID: m.ID, Kicked: kickedBy != ""}, "")
	s.log.Info("participant left", "participant", m.ID, "kicked", kickedBy != "", "members", len(s.members))

	if m.ID == s.hostID {
		s.hostID = ""
		if len(s.members) > 0 {
			next := s.members[0]
			next.IsHost = true
			s.hostID = next.ID
			s.broadcast(protocol.HostChanged{ParticipantID: next.ID}, "")
			s.log.Info("host changed", "participant", next.ID)
		}
	}
}

func (s *Session) handle(in inbound) {
	_, from := s.find(in.client.ID)
	if from == nil {
		in.client.sendError(in.id, "not in this session")
		return
	}

	switch msg := in.msg.(type) {
	case protocol.Leave:
		s.handleLeave(in.client, "")
	case protocol.Kick:
		s.handleKick(in, from, msg)
	case protocol.LineChanges:
		msg.From = from.ID
		from.LastLine = msg.EditingLine
		s.broadcast(msg, from.ID)
	case protocol.FullSync:
		msg.From = from.ID
		if msg.To == "" {
			s.broadcast(msg, from.ID)
			return
		}
		if _, to := s.find(msg.To); to != nil {
			to.client.sendMsg("", msg)
		}
	case protocol.Cursor:
		msg.ParticipantID = from.ID
		from.LastLine = msg.LineIndex
		s.broadcast(msg, from.ID)
	case protocol.Save:
		s.handleSave(in, from, msg)
	case protocol.Fetch:
		in.client.sendMsg(in.id, protocol.Content{Version: s.version, Content: s.content})
	default:
		in.client.sendError(in.id, "unexpected message type: "+string(in.msg.MessageType()))
	}
}

func (s *Session) handleKick(in inbound, from *member, msg protocol.Kick) {
	if from.ID != s.hostID {
		in.client.sendError(in.id, "only the host can remove participants")
		return
	}
	if msg.ParticipantID == from.ID {
		in.client.sendError(in.id, "the host cannot remove itself")
		return
	}
	_, target := s.find(msg.ParticipantID)
	if target == nil {
		in.client.sendError(in.id, "no such participant")
		return
	}
	s.handleLeave(target.client, from.ID)
}

// handleSave accepts a save only when it was made against the current
// version.
func (s *Session) handleSave(in inbound, from *member, req protocol.Save) {
	if req.ExpectedVersion != s.version {
		s.log.Debug("save conflict", "participant", from.ID, "expected_version", req.ExpectedVersion, "version", s.version)
		in.client.sendMsg(in.id, protocol.SaveResult{
			Version:      s.version,
			Content:      s.content,
			ChangedLines: diff.ChangedLineNumbers(req.Content, s.content),
		})
		return
	}

	version := s.version + 1
	ctx := context.Background()
	if err := s.store.UpdateContent(ctx, s.memoID, req.Content, version); err != nil {
		s.log.Error("persist save failed", "version", version, "error", err)
		in.client.sendError(in.id, "save failed")
		return
	}
	rev := store.Revision{Version: version, Content: req.Content, EditorID: from.ID, EditorName: from.Name}
	if err := s.store.AppendRevision(ctx, s.memoID, rev); err != nil {
		s.log.Warn("revision not recorded", "version", version, "error", err)
	}

	changed := diff.ChangedLineNumbers(s.content, req.Content)
	s.content = req.Content
	s.version = version

	in.client.sendMsg(in.id, protocol.SaveResult{Accepted: true, Version: version})
	s.broadcast(protocol.MemoChanged{
		Version:      version,
		ChangedLines: changed,
		EditorID:     from.ID,
		EditorName:   from.Name,
	}, from.ID)
	s.log.Debug("save accepted", "participant", from.ID, "version", version, "changed", len(changed))
}
