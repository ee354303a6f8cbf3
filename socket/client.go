package socket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gridcollab/internal/collab"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// membership is the session group a client currently belongs to. It is
// guarded by the hub lock.
type membership struct {
	id     string
	userID string
}

type Client struct {
	Hub  *Hub
	Conn *websocket.Conn
	ID   string
	// UserID is the authenticated user, empty when the socket carries no token.
	UserID    string
	Anonymous bool

	send    chan []byte
	session membership

	mu     sync.Mutex
	closed bool
}

// ServeWs upgrades the request and starts the pumps for the new connection.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, userID string, anonymous bool) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Errorf("Websocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		Hub:       hub,
		Conn:      conn,
		ID:        uuid.NewString(),
		UserID:    userID,
		Anonymous: anonymous,
		send:      make(chan []byte, hub.sendBuffer),
	}
	hub.register(client)
	hub.log.Debugw("connection opened", "connection_id", client.ID, "user_id", userID)

	go client.writePump()
	go client.readPump(r.Context())
}

// readPump decodes frames and hands them to the dispatcher until the socket
// fails. It reports the disconnect exactly once.
func (c *Client) readPump(parent context.Context) {
	ctx := context.WithoutCancel(parent)
	defer func() {
		c.Hub.handler.Disconnect(c.ID)
		c.Hub.unregister(c)
		c.close()
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.Hub.log.Warnf("Unexpected close for connection %s: %v", c.ID, err)
			}
			return
		}

		msg, err := c.Hub.codec.Decode(raw, c.UserID, c.Anonymous)
		if err != nil {
			c.Hub.log.Warnw("dropping inbound message", "connection_id", c.ID, "error", err)
			continue
		}

		if err := c.Hub.handler.Handle(ctx, c.ID, msg); err != nil {
			log := c.Hub.log.Warnw
			if errors.Is(err, collab.ErrConflictUnresolvable) {
				log = c.Hub.log.Debugw
			}
			log("rejected inbound message", "connection_id", c.ID, "error", err)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue reports false when the send buffer is full.
func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// close stops the write pump after it has flushed what is queued.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
