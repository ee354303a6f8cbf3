package collab

import "time"

type ConflictPolicy string

const (
	PolicyLastWriteWins ConflictPolicy = "last-write-wins"
	PolicyMerge         ConflictPolicy = "merge"
	PolicyManual        ConflictPolicy = "manual"
)

// Valid reports whether p is one of the known policies.
func (p ConflictPolicy) Valid() bool {
	switch p {
	case PolicyLastWriteWins, PolicyMerge, PolicyManual:
		return true
	}
	return false
}

type ResolutionKind string

const (
	ResolutionAcceptLocal ResolutionKind = "accept-local"
	ResolutionMerge       ResolutionKind = "merge"
	ResolutionManual      ResolutionKind = "manual"
)

// Actions checked against ActiveUser.Permissions.
const (
	ActionView = "view"
	ActionEdit = "edit"
)

type Settings struct {
	MaxUsers                int            `json:"maxUsers"`
	AllowAnonymous          bool           `json:"allowAnonymous"`
	AutoSave                bool           `json:"autoSave"`
	AutoSaveIntervalSeconds int            `json:"autoSaveIntervalSeconds"`
	ConflictResolution      ConflictPolicy `json:"conflictResolution" validate:"omitempty,oneof=last-write-wins merge manual"`
	EnableCursorSync        bool           `json:"enableCursorSync"`
	EnableSelectionSync     bool           `json:"enableSelectionSync"`
}

// DefaultSettings is used for sessions created without explicit settings.
func DefaultSettings() Settings {
	return Settings{
		MaxUsers:                50,
		AllowAnonymous:          true,
		AutoSave:                true,
		AutoSaveIntervalSeconds: 30,
		ConflictResolution:      PolicyLastWriteWins,
		EnableCursorSync:        true,
		EnableSelectionSync:     true,
	}
}

type Permission struct {
	Action  string `json:"action"`
	Granted bool   `json:"granted"`
}

// Allows reports whether action is granted. An empty permission list allows everything.
func Allows(perms []Permission, action string) bool {
	if len(perms) == 0 {
		return true
	}
	for _, p := range perms {
		if p.Action == action {
			return p.Granted
		}
	}
	return false
}

type ActiveUser struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Color        string       `json:"color"`
	JoinedAt     time.Time    `json:"joinedAt"`
	LastActivity time.Time    `json:"lastActivity"`
	Permissions  []Permission `json:"permissions"`
	IsOnline     bool         `json:"isOnline"`
}

type Session struct {
	ID           string       `json:"id"`
	SchemaID     string       `json:"schemaId"`
	Name         string       `json:"name"`
	CreatedBy    string       `json:"createdBy"`
	CreatedAt    time.Time    `json:"createdAt"`
	ActiveUsers  []ActiveUser `json:"activeUsers"`
	IsActive     bool         `json:"isActive"`
	LastActivity time.Time    `json:"lastActivity"`
	Settings     Settings     `json:"settings"`
}

// OnlineCount returns the number of members currently marked online.
func (s Session) OnlineCount() int {
	n := 0
	for _, u := range s.ActiveUsers {
		if u.IsOnline {
			n++
		}
	}
	return n
}

type Position struct {
	Row int `json:"row" validate:"gte=0"`
	Col int `json:"col" validate:"gte=0"`
}

type Selection struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// GridChange is immutable once built by the dispatcher. Timestamp and Seq are
// assigned by the server on ingestion.
type GridChange struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Position  Position  `json:"position"`
	OldValue  any       `json:"oldValue"`
	NewValue  any       `json:"newValue"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// After reports whether c was ingested later than other in the session order.
func (c GridChange) After(other GridChange) bool {
	if c.Timestamp.Equal(other.Timestamp) {
		return c.Seq > other.Seq
	}
	return c.Timestamp.After(other.Timestamp)
}

type EditConflict struct {
	ID                 string       `json:"id"`
	SessionID          string       `json:"sessionId"`
	Position           Position     `json:"position"`
	ConflictingChanges []GridChange `json:"conflictingChanges"`
	Timestamp          time.Time    `json:"timestamp"`
}

// Latest returns the chronologically last change by server order.
func (c EditConflict) Latest() (GridChange, bool) {
	if len(c.ConflictingChanges) == 0 {
		return GridChange{}, false
	}
	latest := c.ConflictingChanges[0]
	for _, ch := range c.ConflictingChanges[1:] {
		if ch.After(latest) {
			latest = ch
		}
	}
	return latest, true
}

func (c EditConflict) clone() EditConflict {
	out := c
	out.ConflictingChanges = append([]GridChange(nil), c.ConflictingChanges...)
	return out
}

type ConflictResolution struct {
	ConflictID    string         `json:"conflictId"`
	Resolution    ResolutionKind `json:"resolution"`
	ResolvedValue any            `json:"resolvedValue,omitempty"`
	ResolvedBy    string         `json:"resolvedBy,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}
