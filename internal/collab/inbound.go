package collab

// Inbound is the closed set of messages a connection can send to the dispatcher.
type Inbound interface {
	inbound()
}

type JoinSession struct {
	SessionID string `json:"sessionId" validate:"required,max=256"`
	UserID    string `json:"userId" validate:"required,max=256"`
	UserName  string `json:"userName,omitempty" validate:"max=256"`
	SchemaID  string `json:"schemaId,omitempty" validate:"max=256"`
	// Anonymous is set by the transport, never by the client.
	Anonymous bool `json:"-"`
}

type LeaveSession struct {
	SessionID string `json:"sessionId" validate:"required"`
	UserID    string `json:"userId"`
}

type ChangeCell struct {
	SessionID string   `json:"sessionId" validate:"required"`
	UserID    string   `json:"userId"`
	Position  Position `json:"position"`
	OldValue  any      `json:"oldValue"`
	NewValue  any      `json:"newValue"`
}

type MoveCursor struct {
	SessionID string   `json:"sessionId" validate:"required"`
	UserID    string   `json:"userId"`
	Position  Position `json:"position"`
}

type ChangeSelection struct {
	SessionID string     `json:"sessionId" validate:"required"`
	UserID    string     `json:"userId"`
	Selection *Selection `json:"selection"`
}

// ResolveConflict is the follow-up that settles a conflict held for manual resolution.
type ResolveConflict struct {
	SessionID  string `json:"sessionId" validate:"required"`
	UserID     string `json:"userId"`
	ConflictID string `json:"conflictId" validate:"required"`
	Value      any    `json:"value"`
}

func (JoinSession) inbound()     {}
func (LeaveSession) inbound()    {}
func (ChangeCell) inbound()      {}
func (MoveCursor) inbound()      {}
func (ChangeSelection) inbound() {}
func (ResolveConflict) inbound() {}
