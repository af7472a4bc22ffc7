package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/alimasry/go-collab-notes/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20
)

// Client represents a single WebSocket connection.
type Client struct {
	ID string

	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	log     *slog.Logger

	// The session this client is currently in (nil if not joined).
	mu      sync.Mutex
	session *Session
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	id := uuid.NewString()
	c := &Client{
		ID:   id,
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
		log:  hub.log.With("client", id),
	}
	if hub.msgRate > 0 {
		c.limiter = rate.NewLimiter(hub.msgRate, hub.msgBurst)
	}
	return c
}

func (c *Client) currentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) setSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// ReadPump reads messages from the WebSocket and routes them.
func (c *Client) ReadPump() {
	defer func() {
		if s := c.currentSession(); s != nil {
			s.submitLeave(c)
		}
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("read failed", "error", err)
			}
			return
		}

		id, msg, err := protocol.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				c.sendError(id, err.Error())
			} else {
				c.sendError(id, "invalid message format")
			}
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.log.Debug("message over rate limit dropped", "type", msg.MessageType())
			c.sendError(id, "rate limit exceeded")
			continue
		}

		switch msg := msg.(type) {
		case protocol.Join:
			c.hub.submitJoin(joinRequest{client: c, id: id, req: msg})
		case protocol.Leave, protocol.Kick, protocol.LineChanges, protocol.FullSync,
			protocol.Cursor, protocol.Save, protocol.Fetch:
			s := c.currentSession()
			if s == nil {
				c.sendError(id, "not in a session")
				continue
			}
			s.submit(inbound{client: c, id: id, msg: msg})
		default:
			c.sendError(id, "unexpected message type: "+string(msg.MessageType()))
		}
	}
}

// WritePump writes messages from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// sendMsg queues msg for writing. id ties a reply to its request.
func (c *Client) sendMsg(id string, msg protocol.Message) {
	data, err := protocol.Encode(id, msg)
	if err != nil {
		c.log.Error("encode failed", "type", msg.MessageType(), "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("client too slow, message dropped", "type", msg.MessageType())
	}
}

func (c *Client) sendError(id, message string) {
	c.sendMsg(id, protocol.Error{Message: message})
}

// disconnect closes the connection; ReadPump then cleans up.
func (c *Client) disconnect() {
	if c.conn != nil {
		c.conn.Close()
	}
}
