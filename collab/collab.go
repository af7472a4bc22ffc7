// Package collab keeps one editing surface in sync with the other members of
// a collaboration session. A Manager owns the document and the session; it
// hands inbound messages to the active sync strategy (real-time line diffs or
// idle-triggered versioned saves) and to the presence tracker.
package collab

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/alimasry/go-collab-notes/protocol"
)

// Transport carries session messages to and from the authority.
// Handlers are invoked from the transport's own goroutine.
type Transport interface {
	Send(msg protocol.Message) error
	OnMessage(handler func(protocol.Message))
	OnClose(handler func(error))
	Connected() bool
}

// Redialer is implemented by transports that can re-establish a dropped link.
type Redialer interface {
	Redial(ctx context.Context) error
}

// Authority is the request/response side of the service of record.
type Authority interface {
	Join(ctx context.Context, req protocol.Join) (*protocol.Joined, error)
	Save(ctx context.Context, req protocol.Save) (*protocol.SaveResult, error)
	Fetch(ctx context.Context, req protocol.Fetch) (*protocol.Content, error)
}

// ContentStore is the local copy of a memo's text and version.
type ContentStore interface {
	Load(ctx context.Context, memoID string) (content string, version int64, err error)
	Save(ctx context.Context, memoID, content string, version int64) error
}

// UISink renders document and presence state. Methods are called from the
// Manager's event loop and must not call back into the Manager.
type UISink interface {
	ReplaceContent(text string)
	HighlightLines(lines []int)
	ShowBanner(text string)
	RenderParticipant(id, color string, lineIndex int)
	RemoveParticipant(id string)
	ConnectionChanged(connected bool)
}

const (
	DefaultIdleSaveDelay  = 5 * time.Second
	DefaultLineDebounce   = 100 * time.Millisecond
	DefaultCursorThrottle = 150 * time.Millisecond
	DefaultReconnectDelay = 5 * time.Second
	DefaultRPCTimeout     = 10 * time.Second
)

// Config wires a Manager to its collaborators. Transport and Authority are
// required; everything else has a default.
type Config struct {
	Transport Transport
	Authority Authority
	Store     ContentStore
	UI        UISink
	Clock     clock.Clock
	Logger    *slog.Logger

	Name   string
	Avatar string
	Mode   protocol.Mode

	// HasIdentity reports whether a previously authenticated identity is
	// still available. Reconnects are only attempted when it returns true.
	HasIdentity func() bool

	IdleSaveDelay  time.Duration
	LineDebounce   time.Duration
	CursorThrottle time.Duration
	ReconnectDelay time.Duration
	RPCTimeout     time.Duration

	// NewLineID overrides line identity generation.
	NewLineID func() string
}

func (c Config) withDefaults() Config {
	if c.UI == nil {
		c.UI = nopSink{}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if !c.Mode.Valid() {
		c.Mode = protocol.ModeVersioned
	}
	if c.HasIdentity == nil {
		name := c.Name
		c.HasIdentity = func() bool { return name != "" }
	}
	if c.IdleSaveDelay <= 0 {
		c.IdleSaveDelay = DefaultIdleSaveDelay
	}
	if c.LineDebounce <= 0 {
		c.LineDebounce = DefaultLineDebounce
	}
	if c.CursorThrottle <= 0 {
		c.CursorThrottle = DefaultCursorThrottle
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}
	return c
}

type nopSink struct{}

func (nopSink) ReplaceContent(string)                 {}
func (nopSink) HighlightLines([]int)                  {}
func (nopSink) ShowBanner(string)                     {}
func (nopSink) RenderParticipant(string, string, int) {}
func (nopSink) RemoveParticipant(string)              {}
func (nopSink) ConnectionChanged(bool)                {}
