package collabclient

import (
	"sort"
	"sync"
	"time"

	"gridcollab/internal/collab"
)

// Mirror is the client's view of a session: members, their cursors and
// selections, and conflicts still waiting for resolution.
type Mirror struct {
	mu         sync.RWMutex
	users      map[string]collab.ActiveUser
	cursors    map[string]collab.Position
	selections map[string]collab.Selection
	conflicts  map[string]collab.EditConflict
	cells      map[collab.Position]any
}

func NewMirror() *Mirror {
	m := &Mirror{}
	m.Reset()
	return m
}

// Reset forgets everything, as after leaving or losing the session.
func (m *Mirror) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = make(map[string]collab.ActiveUser)
	m.cursors = make(map[string]collab.Position)
	m.selections = make(map[string]collab.Selection)
	m.conflicts = make(map[string]collab.EditConflict)
	m.cells = make(map[collab.Position]any)
}

// Apply folds one event into the mirror.
func (m *Mirror) Apply(ev collab.Event) {
	if ev.Type() == collab.EventSessionDestroyed {
		m.Reset()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch data := ev.Data.(type) {
	case collab.ActiveUsersSnapshot:
		m.users = make(map[string]collab.ActiveUser, len(data))
		for _, u := range data {
			m.users[u.ID] = u
		}
	case collab.UserJoined:
		m.users[data.ID] = data.ActiveUser
	case collab.UserLeft:
		m.offlineLocked(data.UserID, ev.Timestamp)
	case collab.UserDisconnected:
		m.offlineLocked(data.UserID, ev.Timestamp)
	case collab.CursorMoved:
		m.cursors[data.UserID] = data.Position
	case collab.SelectionChanged:
		if data.Selection == nil {
			delete(m.selections, data.UserID)
		} else {
			m.selections[data.UserID] = *data.Selection
		}
	case collab.GridChanged:
		m.cells[data.Position] = data.NewValue
	case collab.ConflictDetected:
		m.conflicts[data.ID] = data.EditConflict
	case collab.ConflictResolved:
		if c, ok := m.conflicts[data.ConflictID]; ok && data.ResolvedValue != nil {
			m.cells[c.Position] = data.ResolvedValue
		}
		delete(m.conflicts, data.ConflictID)
	}
}

// offlineLocked keeps the member, marked offline, so recent departures stay
// visible. Their cursor and selection are dropped.
func (m *Mirror) offlineLocked(userID string, at time.Time) {
	if u, ok := m.users[userID]; ok {
		u.IsOnline = false
		u.LastActivity = at
		m.users[userID] = u
	}
	delete(m.cursors, userID)
	delete(m.selections, userID)
}

// Users lists known members, online or not, ordered by join time.
func (m *Mirror) Users() []collab.ActiveUser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]collab.ActiveUser, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Online lists the members currently online, ordered by join time.
func (m *Mirror) Online() []collab.ActiveUser {
	all := m.Users()
	out := all[:0]
	for _, u := range all {
		if u.IsOnline {
			out = append(out, u)
		}
	}
	return out
}

func (m *Mirror) User(userID string) (collab.ActiveUser, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	return u, ok
}

func (m *Mirror) Cursor(userID string) (collab.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.cursors[userID]
	return p, ok
}

func (m *Mirror) Selection(userID string) (collab.Selection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.selections[userID]
	return s, ok
}

// Cell returns the last value seen for a cell from remote edits or
// resolutions.
func (m *Mirror) Cell(pos collab.Position) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.cells[pos]
	return v, ok
}

func (m *Mirror) PendingConflicts() []collab.EditConflict {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]collab.EditConflict, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
