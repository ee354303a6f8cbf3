package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridcollab/pkg/logger"
)

// Broadcaster delivers events to connections. Implementations must not block
// on slow consumers.
type Broadcaster interface {
	Subscribe(sessionID, connID, userID string)
	Unsubscribe(sessionID, connID string)
	Send(connID string, ev Event)
	Broadcast(sessionID string, ev Event, exceptConnID string)
	Evict(sessionID string)
}

// PermissionSource resolves what a user may do on a schema.
type PermissionSource interface {
	Permissions(ctx context.Context, schemaID, userID string) ([]Permission, error)
}

// GrantAll grants every action to everyone.
type GrantAll struct{}

func (GrantAll) Permissions(context.Context, string, string) ([]Permission, error) {
	return []Permission{{Action: ActionView, Granted: true}, {Action: ActionEdit, Granted: true}}, nil
}

type ConnState int

const (
	StateUnjoined ConnState = iota
	StateJoined
	StateLeft
	StateDisconnected
	StateEvicted
)

func (s ConnState) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoined:
		return "joined"
	case StateLeft:
		return "left"
	case StateDisconnected:
		return "disconnected"
	case StateEvicted:
		return "evicted"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s ConnState) Terminal() bool { return s >= StateLeft }

type connection struct {
	mu          sync.Mutex
	id          string
	state       ConnState
	sessionID   string
	userID      string
	color       string
	permissions []Permission
}

type DispatcherConfig struct {
	Store       *Store
	Detector    *Detector
	Resolver    *Resolver
	Permissions PermissionSource
	Broadcaster Broadcaster
	Logger      *zap.SugaredLogger
	Now         func() time.Time
}

// Dispatcher runs the per-connection state machine and turns inbound
// messages into session broadcasts.
type Dispatcher struct {
	store    *Store
	detector *Detector
	resolver *Resolver
	perms    PermissionSource
	out      Broadcaster
	log      *zap.SugaredLogger
	now      func() time.Time

	mu     sync.Mutex
	conns  map[string]*connection
	byUser map[string]presence
}

// presence records which connection currently speaks for a user.
type presence struct {
	connID    string
	sessionID string
	anonymous bool
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		store:    cfg.Store,
		detector: cfg.Detector,
		resolver: cfg.Resolver,
		perms:    cfg.Permissions,
		out:      cfg.Broadcaster,
		log:      cfg.Logger,
		now:      cfg.Now,
		conns:    make(map[string]*connection),
		byUser:   make(map[string]presence),
	}
	if d.store == nil {
		d.store = NewStore(NewColorAllocator())
	}
	if d.detector == nil {
		d.detector = NewDetector()
	}
	if d.resolver == nil {
		d.resolver = NewResolver(d.store)
	}
	if d.perms == nil {
		d.perms = GrantAll{}
	}
	if d.log == nil {
		d.log = logger.Named("dispatcher")
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

func (d *Dispatcher) Store() *Store       { return d.store }
func (d *Dispatcher) Detector() *Detector { return d.detector }

// Connect registers a connection in the unjoined state.
func (d *Dispatcher) Connect(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.conns[connID]; !ok {
		d.conns[connID] = &connection{id: connID}
	}
}

// State reports the state of a connection. Unknown connections are reported
// as disconnected.
func (d *Dispatcher) State(connID string) ConnState {
	c, ok := d.lookup(connID)
	if !ok {
		return StateDisconnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Handle applies one inbound message. Returned errors are for the caller to
// log; nothing is broadcast for a rejected message.
func (d *Dispatcher) Handle(ctx context.Context, connID string, msg Inbound) error {
	switch m := msg.(type) {
	case JoinSession:
		return d.join(ctx, connID, m)
	case LeaveSession:
		return d.leave(connID, m)
	case ChangeCell:
		return d.change(connID, m)
	case MoveCursor:
		return d.moveCursor(connID, m)
	case ChangeSelection:
		return d.changeSelection(connID, m)
	case ResolveConflict:
		return d.resolveFromConnection(connID, m)
	default:
		return fmt.Errorf("connection %s: unsupported message %T: %w", connID, msg, ErrInvalidTransition)
	}
}

func (d *Dispatcher) join(ctx context.Context, connID string, m JoinSession) error {
	c, ok := d.lookup(connID)
	if !ok {
		return fmt.Errorf("join %s: unknown connection %s: %w", m.SessionID, connID, ErrInvalidTransition)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A connection that left may join again; that starts a new session pair.
	if c.state != StateUnjoined && c.state != StateLeft {
		return fmt.Errorf("join %s: connection %s is %s: %w", m.SessionID, connID, c.state, ErrInvalidTransition)
	}

	// An unauthenticated socket may not take over an authenticated user's id.
	if m.Anonymous {
		d.mu.Lock()
		held, ok := d.byUser[m.UserID]
		d.mu.Unlock()
		if ok && held.connID != connID && !held.anonymous {
			return fmt.Errorf("join %s as %s: %w", m.SessionID, m.UserID, ErrIdentityInUse)
		}
	}

	schemaID := m.SchemaID
	if schemaID == "" {
		schemaID = m.SessionID
	}
	perms, err := d.perms.Permissions(ctx, schemaID, m.UserID)
	if err != nil {
		return fmt.Errorf("join %s: load permissions for %s: %w", m.SessionID, m.UserID, err)
	}

	res, err := d.store.Join(m.SessionID, m.UserID, JoinParams{
		Name:        m.UserName,
		SchemaID:    schemaID,
		Anonymous:   m.Anonymous,
		Permissions: perms,
	})
	if err != nil {
		return err
	}

	c.state = StateJoined
	c.sessionID = m.SessionID
	c.userID = m.UserID
	c.color = res.User.Color
	c.permissions = res.User.Permissions

	d.mu.Lock()
	previous, hadPrevious := d.byUser[m.UserID]
	d.byUser[m.UserID] = presence{connID: connID, sessionID: m.SessionID, anonymous: m.Anonymous}
	d.mu.Unlock()

	now := d.now()
	if hadPrevious && previous.connID != connID {
		d.out.Unsubscribe(previous.sessionID, previous.connID)
	}
	if res.Previous != "" {
		d.out.Broadcast(res.Previous, NewEvent(res.Previous, m.UserID, now, UserLeft{UserID: m.UserID}), "")
	}

	d.out.Subscribe(m.SessionID, connID, m.UserID)
	d.out.Send(connID, NewEvent(m.SessionID, m.UserID, now, ActiveUsersSnapshot(res.Session.ActiveUsers)))
	d.out.Broadcast(m.SessionID, NewEvent(m.SessionID, m.UserID, now, UserJoined{res.User}), connID)

	d.log.Infow("user joined session",
		"session_id", m.SessionID,
		"user_id", m.UserID,
		"connection_id", connID,
		"outcome", res.Outcome.String(),
		"reactivated", res.Reactivated,
	)
	return nil
}

func (d *Dispatcher) leave(connID string, m LeaveSession) error {
	c, err := d.joined(connID, m.SessionID, "leave-session")
	if err != nil {
		return err
	}
	defer c.mu.Unlock()

	d.finish(c, StateLeft)
	return nil
}

// Disconnect handles loss of the transport. It is idempotent.
func (d *Dispatcher) Disconnect(connID string) {
	d.mu.Lock()
	c, ok := d.conns[connID]
	delete(d.conns, connID)
	d.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateJoined {
		d.finish(c, StateDisconnected)
		return
	}
	if !c.state.Terminal() {
		c.state = StateDisconnected
	}
}

// finish moves a joined connection to a terminal state. c.mu must be held.
func (d *Dispatcher) finish(c *connection, state ConnState) {
	sessionID, userID := c.sessionID, c.userID
	c.state = state
	d.out.Unsubscribe(sessionID, c.id)

	if !d.release(userID, c.id) {
		// A newer connection of the same user owns the presence now.
		d.log.Debugw("superseded connection closed", "session_id", sessionID, "user_id", userID, "connection_id", c.id)
		return
	}

	left, err := d.store.Leave(sessionID, userID)
	if err != nil {
		d.log.Debugw("leave after session end", "session_id", sessionID, "user_id", userID, "error", err)
		return
	}
	if !left {
		return
	}

	var payload Payload = UserLeft{UserID: userID}
	if state == StateDisconnected {
		payload = UserDisconnected{UserID: userID}
	}
	d.out.Broadcast(sessionID, NewEvent(sessionID, userID, d.now(), payload), c.id)

	d.log.Infow("user left session",
		"session_id", sessionID,
		"user_id", userID,
		"connection_id", c.id,
		"reason", state.String(),
	)
}

func (d *Dispatcher) change(connID string, m ChangeCell) error {
	c, err := d.joined(connID, m.SessionID, "grid-change")
	if err != nil {
		return err
	}
	defer c.mu.Unlock()

	if !Allows(c.permissions, ActionEdit) {
		return fmt.Errorf("grid-change by %s in %s: %w", c.userID, c.sessionID, ErrPermissionDenied)
	}

	sessionID, userID := c.sessionID, c.userID
	change, conflict, err := d.detector.Ingest(sessionID, func() (GridChange, error) {
		ts, seq, err := d.store.Stamp(sessionID, userID)
		if err != nil {
			return GridChange{}, err
		}
		return GridChange{
			SessionID: sessionID,
			UserID:    userID,
			Position:  m.Position,
			OldValue:  m.OldValue,
			NewValue:  m.NewValue,
			Timestamp: ts,
			Seq:       seq,
		}, nil
	})
	if err != nil {
		return fmt.Errorf("grid-change in %s: %w", sessionID, err)
	}

	if conflict == nil {
		d.out.Broadcast(sessionID, NewEvent(sessionID, userID, change.Timestamp, GridChanged{change}), connID)
		return nil
	}

	d.out.Broadcast(sessionID, NewEvent(sessionID, userID, change.Timestamp, ConflictDetected{*conflict}), "")
	d.log.Infow("edit conflict detected",
		"session_id", sessionID,
		"conflict_id", conflict.ID,
		"row", conflict.Position.Row,
		"col", conflict.Position.Col,
		"changes", len(conflict.ConflictingChanges),
	)

	res, err := d.resolver.Resolve(sessionID, *conflict)
	if errors.Is(err, ErrConflictUnresolvable) {
		return nil
	}
	if err != nil {
		return err
	}
	d.closeConflict(sessionID, userID, res)
	return nil
}

func (d *Dispatcher) moveCursor(connID string, m MoveCursor) error {
	c, err := d.joined(connID, m.SessionID, "cursor-move")
	if err != nil {
		return err
	}
	defer c.mu.Unlock()

	if s, ok := d.store.Settings(c.sessionID); ok && !s.EnableCursorSync {
		return nil
	}
	if err := d.store.Touch(c.sessionID, c.userID); err != nil {
		return err
	}
	ev := NewEvent(c.sessionID, c.userID, d.now(), CursorMoved{UserID: c.userID, Color: c.color, Position: m.Position})
	d.out.Broadcast(c.sessionID, ev, connID)
	return nil
}

func (d *Dispatcher) changeSelection(connID string, m ChangeSelection) error {
	c, err := d.joined(connID, m.SessionID, "selection-change")
	if err != nil {
		return err
	}
	defer c.mu.Unlock()

	if s, ok := d.store.Settings(c.sessionID); ok && !s.EnableSelectionSync {
		return nil
	}
	if err := d.store.Touch(c.sessionID, c.userID); err != nil {
		return err
	}
	ev := NewEvent(c.sessionID, c.userID, d.now(), SelectionChanged{UserID: c.userID, Color: c.color, Selection: m.Selection})
	d.out.Broadcast(c.sessionID, ev, connID)
	return nil
}

func (d *Dispatcher) resolveFromConnection(connID string, m ResolveConflict) error {
	c, err := d.joined(connID, m.SessionID, "resolve-conflict")
	if err != nil {
		return err
	}
	sessionID, userID, perms := c.sessionID, c.userID, c.permissions
	c.mu.Unlock()

	if !Allows(perms, ActionEdit) {
		return fmt.Errorf("resolve-conflict by %s in %s: %w", userID, sessionID, ErrPermissionDenied)
	}
	_, err = d.ResolveConflict(sessionID, m.ConflictID, m.Value, userID)
	return err
}

// ResolveConflict settles a conflict that is waiting for manual resolution
// and broadcasts the outcome.
func (d *Dispatcher) ResolveConflict(sessionID, conflictID string, value any, resolvedBy string) (ConflictResolution, error) {
	conflict, ok := d.detector.Pending(sessionID, conflictID)
	if !ok {
		return ConflictResolution{}, fmt.Errorf("resolve %s in %s: %w", conflictID, sessionID, ErrConflictNotFound)
	}
	res := d.resolver.ResolveManual(conflict, value, resolvedBy)
	if !d.closeConflict(sessionID, resolvedBy, res) {
		return ConflictResolution{}, fmt.Errorf("resolve %s in %s: %w", conflictID, sessionID, ErrConflictNotFound)
	}
	return res, nil
}

// PendingConflicts lists conflicts still waiting for manual resolution.
func (d *Dispatcher) PendingConflicts(sessionID string) []EditConflict {
	return d.detector.PendingConflicts(sessionID)
}

func (d *Dispatcher) closeConflict(sessionID, userID string, res ConflictResolution) bool {
	if _, ok := d.detector.Close(sessionID, res.ConflictID); !ok {
		return false
	}
	d.out.Broadcast(sessionID, NewEvent(sessionID, userID, res.Timestamp, ConflictResolved{res}), "")
	d.log.Infow("edit conflict resolved",
		"session_id", sessionID,
		"conflict_id", res.ConflictID,
		"resolution", string(res.Resolution),
	)
	return true
}

// DestroySession tears a session down, telling every member first. Unknown
// sessions are ignored.
func (d *Dispatcher) DestroySession(sessionID string) bool {
	evicted, ok := d.store.Destroy(sessionID)
	d.detector.Drop(sessionID)
	if !ok {
		return false
	}

	d.out.Broadcast(sessionID, NewEvent(sessionID, "", d.now(), SessionDestroyed{SessionID: sessionID}), "")

	d.mu.Lock()
	conns := make([]*connection, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		if c.state == StateJoined && c.sessionID == sessionID {
			c.state = StateEvicted
			d.release(c.userID, c.id)
		}
		c.mu.Unlock()
	}
	d.out.Evict(sessionID)

	d.log.Infow("session destroyed", "session_id", sessionID, "evicted", len(evicted))
	return true
}

// joined returns the connection locked when it is joined to sessionID.
func (d *Dispatcher) joined(connID, sessionID, action string) (*connection, error) {
	c, ok := d.lookup(connID)
	if !ok {
		return nil, fmt.Errorf("%s: unknown connection %s: %w", action, connID, ErrInvalidTransition)
	}
	c.mu.Lock()
	if c.state != StateJoined {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: connection %s is %s: %w", action, connID, state, ErrInvalidTransition)
	}
	if sessionID != "" && sessionID != c.sessionID {
		joinedTo := c.sessionID
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: connection %s joined %s, not %s: %w", action, connID, joinedTo, sessionID, ErrInvalidTransition)
	}
	if !d.owns(c.userID, c.id) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: connection %s was superseded: %w", action, connID, ErrInvalidTransition)
	}
	return c, nil
}

func (d *Dispatcher) lookup(connID string) (*connection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[connID]
	return c, ok
}

func (d *Dispatcher) owns(userID, connID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byUser[userID].connID == connID
}

// release drops the user mapping if connID still owns it.
func (d *Dispatcher) release(userID, connID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.byUser[userID]; !ok || p.connID != connID {
		return false
	}
	delete(d.byUser, userID)
	return true
}
