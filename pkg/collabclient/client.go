// Package collabclient is a Go client for the collaboration broker. It sends
// the grid intents over a WebSocket and keeps a local mirror of who is in
// the session and where their cursors and selections are.
package collabclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gridcollab/internal/collab"
	"gridcollab/pkg/logger"
	"gridcollab/socket"
)

var ErrNotJoined = errors.New("collabclient: not joined to a session")

const writeWait = 10 * time.Second

type Option func(*Client)

// WithToken authenticates the handshake with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) { c.log = l }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

type Client struct {
	conn   *websocket.Conn
	dialer *websocket.Dialer
	token  string
	log    *zap.SugaredLogger

	writeMu sync.Mutex

	mu        sync.RWMutex
	sessionID string
	userID    string
	mirror    *Mirror

	subMu  sync.Mutex
	nextID int
	subs   map[collab.EventType]map[int]func(collab.Event)

	done chan struct{}
	err  error
}

// Dial connects to the broker's /ws endpoint and starts reading events.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		dialer: websocket.DefaultDialer,
		log:    logger.Named("collabclient"),
		mirror: NewMirror(),
		subs:   make(map[collab.EventType]map[int]func(collab.Event)),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := c.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.conn = conn

	go c.readLoop()
	return c, nil
}

// Join enters a session. Events for it start arriving asynchronously; the
// first one is the active-users snapshot.
func (c *Client) Join(sessionID, userID, userName string) error {
	c.mu.Lock()
	c.sessionID = sessionID
	c.userID = userID
	c.mu.Unlock()

	return c.send(map[string]any{
		"type":      socket.JoinSessionType,
		"sessionId": sessionID,
		"userId":    userID,
		"userName":  userName,
	})
}

func (c *Client) Leave() error {
	sessionID, err := c.session()
	if err != nil {
		return err
	}
	if err := c.send(map[string]any{"type": socket.LeaveSessionType, "sessionId": sessionID}); err != nil {
		return err
	}
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
	c.mirror.Reset()
	return nil
}

func (c *Client) ChangeCell(pos collab.Position, oldValue, newValue any) error {
	sessionID, err := c.session()
	if err != nil {
		return err
	}
	return c.send(map[string]any{
		"type":      socket.GridChangeType,
		"sessionId": sessionID,
		"position":  pos,
		"oldValue":  oldValue,
		"newValue":  newValue,
	})
}

func (c *Client) MoveCursor(pos collab.Position) error {
	sessionID, err := c.session()
	if err != nil {
		return err
	}
	return c.send(map[string]any{"type": socket.CursorMoveType, "sessionId": sessionID, "position": pos})
}

// ChangeSelection sends the current selection; nil clears it.
func (c *Client) ChangeSelection(sel *collab.Selection) error {
	sessionID, err := c.session()
	if err != nil {
		return err
	}
	return c.send(map[string]any{"type": socket.SelectionChangeType, "sessionId": sessionID, "selection": sel})
}

// ResolveConflict settles a conflict held for manual resolution.
func (c *Client) ResolveConflict(conflictID string, value any) error {
	sessionID, err := c.session()
	if err != nil {
		return err
	}
	return c.send(map[string]any{
		"type":       socket.ResolveConflictType,
		"sessionId":  sessionID,
		"conflictId": conflictID,
		"value":      value,
	})
}

// Mirror exposes the local presence state.
func (c *Client) Mirror() *Mirror { return c.mirror }

// Subscribe registers fn for events of type t. An empty type receives every
// event. Callbacks run on the read goroutine after the mirror is updated.
func (c *Client) Subscribe(t collab.EventType, fn func(collab.Event)) (cancel func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextID
	c.nextID++
	if c.subs[t] == nil {
		c.subs[t] = make(map[int]func(collab.Event))
	}
	c.subs[t][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			delete(c.subs[t], id)
		})
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, once Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Close sends a close frame and waits for the read loop to finish.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(writeWait):
	}
	return c.conn.Close()
}

func (c *Client) session() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sessionID == "" {
		return "", ErrNotJoined
	}
	return c.sessionID, nil
}

func (c *Client) send(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.err = err
			}
			return
		}

		var ev collab.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.log.Warnw("dropping undecodable event", "error", err)
			continue
		}

		if ev.Type() == collab.EventSessionDestroyed {
			c.mu.Lock()
			c.sessionID = ""
			c.mu.Unlock()
		}
		c.mirror.Apply(ev)
		c.publish(ev)
	}
}

func (c *Client) publish(ev collab.Event) {
	c.subMu.Lock()
	fns := make([]func(collab.Event), 0, len(c.subs[ev.Type()])+len(c.subs[""]))
	for _, fn := range c.subs[ev.Type()] {
		fns = append(fns, fn)
	}
	for _, fn := range c.subs[""] {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
