// Package wsclient connects a collab.Manager to the authority over a
// WebSocket. One connection carries both the request/response calls (Join,
// Save, Fetch) and the session notifications.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alimasry/go-collab-notes/collab"
	"github.com/alimasry/go-collab-notes/protocol"
)

const writeWait = 10 * time.Second

var (
	// ErrConnectionLost is returned by calls still waiting when the
	// connection drops.
	ErrConnectionLost = errors.New("connection lost")

	// ErrUnexpectedReply means the authority answered with the wrong message.
	ErrUnexpectedReply = errors.New("unexpected reply")

	// ErrClientClosed is returned by Dial after Close.
	ErrClientClosed = errors.New("client closed")
)

// Client is a WebSocket link to the authority.
type Client struct {
	url    string
	dialer *websocket.Dialer
	log    *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan protocol.Message
	onMsg   func(protocol.Message)
	onClose func(error)
	closed  bool
}

var (
	_ collab.Transport = (*Client)(nil)
	_ collab.Authority = (*Client)(nil)
	_ collab.Redialer  = (*Client)(nil)
)

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// New returns an unconnected client for the authority at url
// (e.g. "ws://localhost:8080/ws").
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:     url,
		dialer:  websocket.DefaultDialer,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		pending: make(map[string]chan protocol.Message),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "wsclient")
	return c
}

// Dial connects to the authority. It is a no-op while connected.
func (c *Client) Dial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		if c.closed {
			return ErrClientClosed
		}
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("connected", "url", c.url)
	go c.readLoop(conn)
	return nil
}

// Redial re-establishes a dropped connection.
func (c *Client) Redial(ctx context.Context) error { return c.Dial(ctx) }

// Close drops the connection without notifying the close handler.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// OnMessage sets the handler for notifications, i.e. every inbound message
// that is not a reply to a pending call.
func (c *Client) OnMessage(h func(protocol.Message)) {
	c.mu.Lock()
	c.onMsg = h
	c.mu.Unlock()
}

// OnClose sets the handler run when the connection drops unexpectedly.
func (c *Client) OnClose(h func(error)) {
	c.mu.Lock()
	c.onClose = h
	c.mu.Unlock()
}

// Send writes a notification.
func (c *Client) Send(msg protocol.Message) error { return c.write("", msg) }

func (c *Client) Join(ctx context.Context, req protocol.Join) (*protocol.Joined, error) {
	return call[protocol.Joined](ctx, c, req)
}

func (c *Client) Save(ctx context.Context, req protocol.Save) (*protocol.SaveResult, error) {
	return call[protocol.SaveResult](ctx, c, req)
}

func (c *Client) Fetch(ctx context.Context, req protocol.Fetch) (*protocol.Content, error) {
	return call[protocol.Content](ctx, c, req)
}

func (c *Client) write(id string, msg protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return collab.ErrNotConnected
	}

	data, err := protocol.Encode(id, msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.MessageType(), err)
	}
	return nil
}

// call sends req and waits for the reply carrying the same ID. An error reply
// is returned as a protocol.Error.
func call[T protocol.Message](ctx context.Context, c *Client, req protocol.Message) (*T, error) {
	id := uuid.NewString()
	ch := make(chan protocol.Message, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, collab.ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(id, req); err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: %w", req.MessageType(), ErrConnectionLost)
		}
		if e, isErr := reply.(protocol.Error); isErr {
			return nil, e
		}
		v, ok := reply.(T)
		if !ok {
			return nil, fmt.Errorf("%s: %w %s", req.MessageType(), ErrUnexpectedReply, reply.MessageType())
		}
		return &v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropped(conn, err)
			return
		}

		id, msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("undecodable message dropped", "error", err)
			continue
		}

		c.mu.Lock()
		ch, isReply := c.pending[id]
		if isReply {
			delete(c.pending, id)
		}
		h := c.onMsg
		c.mu.Unlock()

		switch {
		case isReply:
			ch <- msg
		case h != nil:
			h(msg)
		default:
			c.log.Debug("notification without handler", "type", msg.MessageType())
		}
	}
}

// dropped fails the pending calls and reports the loss, unless Close caused it.
func (c *Client) dropped(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan protocol.Message)
	closed := c.closed
	h := c.onClose
	c.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	if closed {
		return
	}
	c.log.Warn("connection lost", "error", err)
	if h != nil {
		h(err)
	}
}
