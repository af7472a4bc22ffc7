package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/alimasry/go-collab-notes/store"
)

// Hub manages memo sessions and routes clients to the right one.
type Hub struct {
	store    store.DocumentStore
	log      *slog.Logger
	msgRate  rate.Limit
	msgBurst int

	mu       sync.Mutex
	sessions map[string]*Session // by memo ID

	joins chan joinRequest
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// WithRateLimit caps inbound messages per connection. A zero rate disables
// the limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(h *Hub) {
		h.msgRate = rate.Limit(perSecond)
		h.msgBurst = max(burst, 1)
	}
}

func NewHub(st store.DocumentStore, opts ...Option) *Hub {
	h := &Hub{
		store:    st,
		log:      slog.Default(),
		sessions: make(map[string]*Session),
		joins:    make(chan joinRequest, 64),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With("component", "hub")
	return h
}

// Run is the hub's main loop. It returns when ctx is done, after stopping
// every session.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case req := <-h.joins:
			h.handleJoin(ctx, req)
		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

func (h *Hub) submitJoin(req joinRequest) {
	select {
	case h.joins <- req:
	default:
		req.client.sendError(req.id, "server busy, try again")
	}
}

func (h *Hub) handleJoin(ctx context.Context, req joinRequest) {
	if req.req.MemoID == "" {
		req.client.sendError(req.id, "memo id is required")
		return
	}

	h.mu.Lock()
	s, ok := h.sessions[req.req.MemoID]
	if !ok {
		info, err := h.loadOrCreate(ctx, req.req.MemoID)
		if err != nil {
			h.mu.Unlock()
			h.log.Error("memo unavailable", "memo", req.req.MemoID, "error", err)
			req.client.sendError(req.id, "failed to load memo")
			return
		}
		s = newSession(h, info)
		h.sessions[req.req.MemoID] = s
		go s.Run()
	}
	// Counted under the lock so the session cannot retire before it sees
	// this join.
	s.joining.Add(1)
	h.mu.Unlock()

	s.join <- req
}

func (h *Hub) loadOrCreate(ctx context.Context, memoID string) (*store.DocumentInfo, error) {
	info, err := h.store.Get(ctx, memoID)
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err := h.store.Create(ctx, memoID, ""); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return nil, err
	}
	return h.store.Get(ctx, memoID)
}

// retire removes an empty session unless a join is on its way to it.
func (h *Hub) retire(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.joining.Load() > 0 {
		return false
	}
	if h.sessions[s.memoID] == s {
		delete(h.sessions, s.memoID)
	}
	return true
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for id, s := range h.sessions {
		sessions = append(sessions, s)
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		close(s.stop)
		<-s.done
	}
	h.log.Info("hub stopped", "sessions", len(sessions))
}

// GetSession returns the session for a memo, if active.
func (h *Hub) GetSession(memoID string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[memoID]
}

// Store returns the hub's document store.
func (h *Hub) Store() store.DocumentStore { return h.store }
