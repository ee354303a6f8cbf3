package collab

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type JoinOutcome int

const (
	JoinJoined JoinOutcome = iota
	JoinCreated
)

func (o JoinOutcome) String() string {
	if o == JoinCreated {
		return "created"
	}
	return "joined"
}

// JoinParams carries what the caller knows about the joining user.
type JoinParams struct {
	Name        string
	SchemaID    string
	Anonymous   bool
	Permissions []Permission
}

// JoinResult tells the caller what a join actually did.
type JoinResult struct {
	Outcome     JoinOutcome
	Reactivated bool
	// Previous is the session the user was moved out of, if any.
	Previous string
	User     ActiveUser
	Session  Session
}

type SessionOption func(*Session)

func WithSchema(schemaID string) SessionOption {
	return func(s *Session) {
		if schemaID != "" {
			s.SchemaID = schemaID
		}
	}
}

func WithName(name string) SessionOption {
	return func(s *Session) {
		if name != "" {
			s.Name = name
		}
	}
}

func WithSettings(settings Settings) SessionOption {
	return func(s *Session) { s.Settings = settings }
}

type StoreOption func(*Store)

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func WithDefaultSettings(settings Settings) StoreOption {
	return func(s *Store) { s.defaults = settings }
}

type sessionEntry struct {
	mu        sync.Mutex
	session   Session
	members   map[string]*ActiveUser
	order     []string
	seq       uint64
	lastStamp time.Time
	destroyed bool
}

// Store is the in-memory session registry. The table lock only guards
// inserting and deleting sessions; members of each session are guarded by
// that session's own lock.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	usersMu     sync.Mutex
	userSession map[string]string

	colors   *ColorAllocator
	defaults Settings
	now      func() time.Time
}

func NewStore(colors *ColorAllocator, opts ...StoreOption) *Store {
	s := &Store{
		sessions:    make(map[string]*sessionEntry),
		userSession: make(map[string]string),
		colors:      colors,
		defaults:    DefaultSettings(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.colors == nil {
		s.colors = NewColorAllocator()
	}
	return s
}

// Colors exposes the allocator shared by every session of this store.
func (s *Store) Colors() *ColorAllocator { return s.colors }

// CreateSession registers a session, or returns the existing one with the same id.
func (s *Store) CreateSession(id, createdBy string, opts ...SessionOption) (Session, JoinOutcome) {
	e, created := s.getOrCreate(id, createdBy, opts)
	e.mu.Lock()
	defer e.mu.Unlock()

	outcome := JoinJoined
	if created {
		outcome = JoinCreated
	}
	return e.snapshotLocked(), outcome
}

// Join adds userID to the session, creating the session when it does not exist.
// A user online in another session is moved out of it.
func (s *Store) Join(sessionID, userID string, p JoinParams, opts ...SessionOption) (JoinResult, error) {
	previous, _ := s.sessionOf(userID)

	var (
		res JoinResult
		e   *sessionEntry
	)
	for {
		var created bool
		e, created = s.getOrCreate(sessionID, userID, append([]SessionOption{WithSchema(p.SchemaID)}, opts...))
		e.mu.Lock()
		if e.destroyed {
			e.mu.Unlock()
			continue
		}
		if created {
			res.Outcome = JoinCreated
		}
		break
	}

	now := s.now()
	u, exists := e.members[userID]
	if !exists || !u.IsOnline {
		if p.Anonymous && !e.session.Settings.AllowAnonymous {
			e.mu.Unlock()
			if res.Outcome == JoinCreated {
				s.discardIfEmpty(sessionID, e)
			}
			return res, fmt.Errorf("join %s: %w", sessionID, ErrAnonymousNotAllowed)
		}
		if max := e.session.Settings.MaxUsers; max > 0 && e.onlineLocked() >= max {
			e.mu.Unlock()
			return res, fmt.Errorf("join %s: %w", sessionID, ErrSessionFull)
		}
	}

	color := s.colors.Assign(userID)
	if exists {
		res.Reactivated = !u.IsOnline
		u.IsOnline = true
		u.Color = color
		u.LastActivity = now
		if p.Name != "" {
			u.Name = p.Name
		}
		if p.Permissions != nil {
			u.Permissions = p.Permissions
		}
	} else {
		name := p.Name
		if name == "" {
			name = userID
		}
		u = &ActiveUser{
			ID:           userID,
			Name:         name,
			Color:        color,
			JoinedAt:     now,
			LastActivity: now,
			Permissions:  p.Permissions,
			IsOnline:     true,
		}
		e.members[userID] = u
		e.order = append(e.order, userID)
	}
	e.session.LastActivity = now
	s.setSessionOf(userID, sessionID)

	res.User = copyUser(u)
	res.Session = e.snapshotLocked()
	e.mu.Unlock()

	if previous != "" && previous != sessionID {
		if s.detach(previous, userID) {
			res.Previous = previous
		}
	}
	return res, nil
}

// Leave marks the user offline and gives the color back. It reports false
// when the user was not online in the session.
func (s *Store) Leave(sessionID, userID string) (bool, error) {
	e := s.get(sessionID)
	if e == nil {
		return false, fmt.Errorf("leave %s: %w", sessionID, ErrSessionNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return false, fmt.Errorf("leave %s: %w", sessionID, ErrSessionNotFound)
	}
	u, ok := e.members[userID]
	if !ok || !u.IsOnline {
		return false, nil
	}

	now := s.now()
	u.IsOnline = false
	u.LastActivity = now
	e.session.LastActivity = now

	if s.clearSessionOf(userID, sessionID) {
		s.colors.Release(userID)
	}
	return true, nil
}

// Destroy removes the session and evicts everyone in it. It returns the
// members that were online; unknown ids are a no-op.
func (s *Store) Destroy(sessionID string) ([]ActiveUser, bool) {
	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.destroyed = true
	e.session.IsActive = false

	var evicted []ActiveUser
	for _, id := range e.order {
		u := e.members[id]
		if !u.IsOnline {
			continue
		}
		u.IsOnline = false
		evicted = append(evicted, copyUser(u))
		if s.clearSessionOf(id, sessionID) {
			s.colors.Release(id)
		}
	}
	return evicted, true
}

// Stamp assigns the server timestamp and sequence number for an event
// ingested from userID. Timestamps never go backwards within a session.
func (s *Store) Stamp(sessionID, userID string) (time.Time, uint64, error) {
	e := s.get(sessionID)
	if e == nil {
		return time.Time{}, 0, fmt.Errorf("stamp %s: %w", sessionID, ErrSessionNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return time.Time{}, 0, fmt.Errorf("stamp %s: %w", sessionID, ErrSessionNotFound)
	}

	now := s.now()
	if !now.After(e.lastStamp) {
		now = e.lastStamp.Add(time.Nanosecond)
	}
	e.lastStamp = now
	e.seq++
	e.touchLocked(userID, now)
	return now, e.seq, nil
}

// Touch records presence activity for userID.
func (s *Store) Touch(sessionID, userID string) error {
	e := s.get(sessionID)
	if e == nil {
		return fmt.Errorf("touch %s: %w", sessionID, ErrSessionNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return fmt.Errorf("touch %s: %w", sessionID, ErrSessionNotFound)
	}
	e.touchLocked(userID, s.now())
	return nil
}

// UpdateSettings replaces the settings of an existing session.
func (s *Store) UpdateSettings(sessionID string, settings Settings) error {
	if !settings.ConflictResolution.Valid() {
		return fmt.Errorf("update settings: unknown conflict resolution %q", settings.ConflictResolution)
	}
	if settings.MaxUsers < 0 {
		return fmt.Errorf("update settings: negative maxUsers")
	}

	e := s.get(sessionID)
	if e == nil {
		return fmt.Errorf("update settings %s: %w", sessionID, ErrSessionNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return fmt.Errorf("update settings %s: %w", sessionID, ErrSessionNotFound)
	}
	e.session.Settings = settings
	e.session.LastActivity = s.now()
	return nil
}

// PruneOffline forgets members that have been offline for longer than retention.
func (s *Store) PruneOffline(retention time.Duration) int {
	cutoff := s.now().Add(-retention)
	removed := 0
	for _, e := range s.entries() {
		e.mu.Lock()
		kept := e.order[:0]
		for _, id := range e.order {
			u := e.members[id]
			if !u.IsOnline && u.LastActivity.Before(cutoff) {
				delete(e.members, id)
				removed++
				continue
			}
			kept = append(kept, id)
		}
		e.order = kept
		e.mu.Unlock()
	}
	return removed
}

// Session returns a snapshot of the session.
func (s *Store) Session(sessionID string) (Session, bool) {
	e := s.get(sessionID)
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return Session{}, false
	}
	return e.snapshotLocked(), true
}

// ActiveSessions returns snapshots of every session, oldest first.
func (s *Store) ActiveSessions() []Session {
	entries := s.entries()
	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.destroyed {
			out = append(out, e.snapshotLocked())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveUsers lists the members of a session. Unknown sessions yield an empty list.
func (s *Store) ActiveUsers(sessionID string) []ActiveUser {
	sess, ok := s.Session(sessionID)
	if !ok {
		return []ActiveUser{}
	}
	return sess.ActiveUsers
}

// Member returns one member of a session.
func (s *Store) Member(sessionID, userID string) (ActiveUser, bool) {
	e := s.get(sessionID)
	if e == nil {
		return ActiveUser{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.members[userID]
	if !ok || e.destroyed {
		return ActiveUser{}, false
	}
	return copyUser(u), true
}

// Settings returns the settings of a session.
func (s *Store) Settings(sessionID string) (Settings, bool) {
	e := s.get(sessionID)
	if e == nil {
		return Settings{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Settings, !e.destroyed
}

func (s *Store) get(sessionID string) *sessionEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

func (s *Store) entries() []*sessionEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*sessionEntry, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e)
	}
	return out
}

func (s *Store) getOrCreate(id, createdBy string, opts []SessionOption) (*sessionEntry, bool) {
	if e := s.get(id); e != nil {
		return e, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.sessions[id]; ok {
		return e, false
	}

	now := s.now()
	sess := Session{
		ID:           id,
		SchemaID:     id,
		Name:         id,
		CreatedBy:    createdBy,
		CreatedAt:    now,
		IsActive:     true,
		LastActivity: now,
		Settings:     s.defaults,
	}
	for _, opt := range opts {
		opt(&sess)
	}

	e := &sessionEntry{session: sess, members: make(map[string]*ActiveUser)}
	s.sessions[id] = e
	return e, true
}

// discardIfEmpty drops a session that was implicitly created by a join that
// then failed.
func (s *Store) discardIfEmpty(sessionID string, e *sessionEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions[sessionID] != e {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.members) == 0 {
		e.destroyed = true
		delete(s.sessions, sessionID)
	}
}

// detach marks a user offline in a session it moved away from, keeping the
// color it now holds in the new session.
func (s *Store) detach(sessionID, userID string) bool {
	e := s.get(sessionID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	u, ok := e.members[userID]
	if !ok || !u.IsOnline || e.destroyed {
		return false
	}
	now := s.now()
	u.IsOnline = false
	u.LastActivity = now
	e.session.LastActivity = now
	return true
}

func (s *Store) sessionOf(userID string) (string, bool) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	id, ok := s.userSession[userID]
	return id, ok
}

func (s *Store) setSessionOf(userID, sessionID string) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	s.userSession[userID] = sessionID
}

// clearSessionOf drops the mapping only if it still points at sessionID.
func (s *Store) clearSessionOf(userID, sessionID string) bool {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	if s.userSession[userID] != sessionID {
		return false
	}
	delete(s.userSession, userID)
	return true
}

func (e *sessionEntry) onlineLocked() int {
	n := 0
	for _, u := range e.members {
		if u.IsOnline {
			n++
		}
	}
	return n
}

func (e *sessionEntry) touchLocked(userID string, now time.Time) {
	e.session.LastActivity = now
	if u, ok := e.members[userID]; ok {
		u.LastActivity = now
	}
}

func (e *sessionEntry) snapshotLocked() Session {
	out := e.session
	out.ActiveUsers = make([]ActiveUser, 0, len(e.order))
	for _, id := range e.order {
		out.ActiveUsers = append(out.ActiveUsers, copyUser(e.members[id]))
	}
	return out
}

func copyUser(u *ActiveUser) ActiveUser {
	out := *u
	if u.Permissions != nil {
		out.Permissions = append([]Permission(nil), u.Permissions...)
	}
	return out
}
