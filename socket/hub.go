package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gridcollab/internal/collab"
	"gridcollab/pkg/logger"
)

// Handler receives the lifecycle and messages of every connection.
type Handler interface {
	Connect(connID string)
	Handle(ctx context.Context, connID string, msg collab.Inbound) error
	Disconnect(connID string)
}

type group struct {
	mu      sync.RWMutex
	members map[string]*Client
}

// Hub owns the live websocket connections and the per-session broadcast
// groups. It implements collab.Broadcaster.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]*Client
	userConns map[string]string // userID -> newest connection id
	groups    map[string]*group

	handler    Handler
	codec      *Codec
	upgrader   websocket.Upgrader
	sendBuffer int
	log        *zap.SugaredLogger
}

type HubOption func(*Hub)

// WithAllowedOrigins restricts which browser origins may open a socket.
// An empty list or "*" allows any origin.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = checkOrigin(origins)
	}
}

func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

func WithLogger(log *zap.SugaredLogger) HubOption {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients:   make(map[string]*Client),
		userConns: make(map[string]string),
		groups:    make(map[string]*group),
		codec:     NewCodec(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(nil),
		},
		sendBuffer: 256,
		log:        logger.Named("socket"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetHandler wires the dispatcher. It must be called before serving.
func (h *Hub) SetHandler(handler Handler) { h.handler = handler }

// ConnectionCount reports how many sockets are open.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SessionCount reports how many sessions have at least one subscriber.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.handler.Connect(c.ID)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.clients, c.ID)
	if h.userConns[c.session.userID] == c.ID {
		delete(h.userConns, c.session.userID)
	}
	h.removeLocked(c.session.id, c)
}

// Subscribe adds a connection to a session group. A newer connection of the
// same user supersedes the older one, which is closed.
func (h *Hub) Subscribe(sessionID, connID, userID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if !ok {
		h.mu.Unlock()
		return
	}

	var stale *Client
	if prev, ok := h.userConns[userID]; ok && prev != connID {
		stale = h.clients[prev]
	}
	h.userConns[userID] = connID

	if c.session.id != "" && c.session.id != sessionID {
		h.removeLocked(c.session.id, c)
	}
	g, ok := h.groups[sessionID]
	if !ok {
		g = &group{members: make(map[string]*Client)}
		h.groups[sessionID] = g
	}
	g.mu.Lock()
	g.members[connID] = c
	g.mu.Unlock()
	c.session = membership{id: sessionID, userID: userID}
	h.mu.Unlock()

	if stale != nil {
		h.log.Infow("closing superseded connection", "user_id", userID, "connection_id", stale.ID)
		stale.close()
	}
}

func (h *Hub) Unsubscribe(sessionID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		if g, ok := h.groups[sessionID]; ok {
			c = g.members[connID]
		}
	}
	if c == nil {
		return
	}
	h.removeLocked(sessionID, c)
	if c.session.id == sessionID {
		c.session.id = ""
	}
}

// Send delivers an event to one connection.
func (h *Hub) Send(connID string, ev collab.Event) {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Errorf("Error marshalling %s event: %v", ev.Type(), err)
		return
	}
	h.enqueue(c, payload)
}

// Broadcast delivers an event to every member of a session except one
// connection. The member list is copied so no lock is held during I/O.
func (h *Hub) Broadcast(sessionID string, ev collab.Event, exceptConnID string) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Errorf("Error marshalling %s event: %v", ev.Type(), err)
		return
	}

	for _, c := range h.members(sessionID, exceptConnID) {
		h.enqueue(c, payload)
	}
}

// Evict drops a session group and closes its sockets once the messages
// already queued for them have been written.
func (h *Hub) Evict(sessionID string) {
	h.mu.Lock()
	g, ok := h.groups[sessionID]
	delete(h.groups, sessionID)
	var evicted []*Client
	if ok {
		g.mu.Lock()
		for _, c := range g.members {
			evicted = append(evicted, c)
			if c.session.id == sessionID {
				c.session.id = ""
			}
		}
		g.members = make(map[string]*Client)
		g.mu.Unlock()
	}
	h.mu.Unlock()

	for _, c := range evicted {
		c.close()
	}
	if len(evicted) > 0 {
		h.log.Infow("evicted session", "session_id", sessionID, "connections", len(evicted))
	}
}

// Close shuts every connection down.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) members(sessionID, except string) []*Client {
	h.mu.RLock()
	g, ok := h.groups[sessionID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Client, 0, len(g.members))
	for id, c := range g.members {
		if id != except {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) removeLocked(sessionID string, c *Client) {
	g, ok := h.groups[sessionID]
	if !ok {
		return
	}
	g.mu.Lock()
	delete(g.members, c.ID)
	empty := len(g.members) == 0
	g.mu.Unlock()
	if empty {
		delete(h.groups, sessionID)
	}
}

func (h *Hub) enqueue(c *Client, payload []byte) {
	if !c.enqueue(payload) {
		// The client is lagging; drop it rather than block the session.
		h.log.Warnf("Client %s's send buffer is full. Closing connection.", c.ID)
		c.close()
	}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[strings.ToLower(o)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}
