package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventUserJoined       EventType = "user-joined"
	EventUserLeft         EventType = "user-left"
	EventUserDisconnected EventType = "user-disconnected"
	EventGridChange       EventType = "grid-change"
	EventCursorMove       EventType = "cursor-move"
	EventSelectionChange  EventType = "selection-change"
	EventConflictDetected EventType = "conflict-detected"
	EventConflictResolved EventType = "conflict-resolved"
	EventSessionDestroyed EventType = "session-destroyed"

	// EventActiveUsers is pushed only to a connection that has just joined.
	EventActiveUsers EventType = "active-users"
)

// Payload is the closed set of event bodies. Only types in this package
// implement it.
type Payload interface {
	Type() EventType
	payload()
}

type UserJoined struct{ ActiveUser }

type UserLeft struct {
	UserID string `json:"userId"`
}

type UserDisconnected struct {
	UserID string `json:"userId"`
}

type GridChanged struct{ GridChange }

type CursorMoved struct {
	UserID   string   `json:"userId"`
	Color    string   `json:"color,omitempty"`
	Position Position `json:"position"`
}

type SelectionChanged struct {
	UserID    string     `json:"userId"`
	Color     string     `json:"color,omitempty"`
	Selection *Selection `json:"selection"`
}

type ConflictDetected struct{ EditConflict }

type ConflictResolved struct{ ConflictResolution }

type SessionDestroyed struct {
	SessionID string `json:"sessionId"`
}

type ActiveUsersSnapshot []ActiveUser

func (UserJoined) Type() EventType          { return EventUserJoined }
func (UserLeft) Type() EventType            { return EventUserLeft }
func (UserDisconnected) Type() EventType    { return EventUserDisconnected }
func (GridChanged) Type() EventType         { return EventGridChange }
func (CursorMoved) Type() EventType         { return EventCursorMove }
func (SelectionChanged) Type() EventType    { return EventSelectionChange }
func (ConflictDetected) Type() EventType    { return EventConflictDetected }
func (ConflictResolved) Type() EventType    { return EventConflictResolved }
func (SessionDestroyed) Type() EventType    { return EventSessionDestroyed }
func (ActiveUsersSnapshot) Type() EventType { return EventActiveUsers }

func (UserJoined) payload()          {}
func (UserLeft) payload()            {}
func (UserDisconnected) payload()    {}
func (GridChanged) payload()         {}
func (CursorMoved) payload()         {}
func (SelectionChanged) payload()    {}
func (ConflictDetected) payload()    {}
func (ConflictResolved) payload()    {}
func (SessionDestroyed) payload()    {}
func (ActiveUsersSnapshot) payload() {}

// Event is the CollaborationEvent envelope, the only shape that crosses the
// transport boundary.
type Event struct {
	SessionID string
	UserID    string
	Timestamp time.Time
	Data      Payload
}

func NewEvent(sessionID, userID string, ts time.Time, data Payload) Event {
	return Event{SessionID: sessionID, UserID: userID, Timestamp: ts, Data: data}
}

// Type returns the kind of the carried payload.
func (e Event) Type() EventType {
	if e.Data == nil {
		return ""
	}
	return e.Data.Type()
}

type envelope struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Data == nil {
		return nil, fmt.Errorf("collab: event without payload")
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Type:      e.Data.Type(),
		SessionID: e.SessionID,
		UserID:    e.UserID,
		Timestamp: e.Timestamp.UnixMilli(),
		Data:      data,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var env envelope
	err := json.Unmarshal(b, &env)
	if err != nil {
		return err
	}

	var data Payload
	switch env.Type {
	case EventUserJoined:
		data = decodeAs[UserJoined](env.Data, &err)
	case EventUserLeft:
		data = decodeAs[UserLeft](env.Data, &err)
	case EventUserDisconnected:
		data = decodeAs[UserDisconnected](env.Data, &err)
	case EventGridChange:
		data = decodeAs[GridChanged](env.Data, &err)
	case EventCursorMove:
		data = decodeAs[CursorMoved](env.Data, &err)
	case EventSelectionChange:
		data = decodeAs[SelectionChanged](env.Data, &err)
	case EventConflictDetected:
		data = decodeAs[ConflictDetected](env.Data, &err)
	case EventConflictResolved:
		data = decodeAs[ConflictResolved](env.Data, &err)
	case EventSessionDestroyed:
		data = decodeAs[SessionDestroyed](env.Data, &err)
	case EventActiveUsers:
		data = decodeAs[ActiveUsersSnapshot](env.Data, &err)
	default:
		return fmt.Errorf("collab: unknown event type %q", env.Type)
	}
	if err != nil {
		return fmt.Errorf("collab: decode %s: %w", env.Type, err)
	}

	*e = Event{
		SessionID: env.SessionID,
		UserID:    env.UserID,
		Timestamp: time.UnixMilli(env.Timestamp),
		Data:      data,
	}
	return nil
}

func decodeAs[T Payload](raw json.RawMessage, errp *error) Payload {
	var v T
	if len(raw) > 0 && string(raw) != "null" {
		*errp = json.Unmarshal(raw, &v)
	}
	return v
}
