package socket

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"gridcollab/internal/collab"
)

// Inbound message types sent by the grid client.
const (
	JoinSessionType     = "join-session"
	LeaveSessionType    = "leave-session"
	GridChangeType      = "grid-change"
	CursorMoveType      = "cursor-move"
	SelectionChangeType = "selection-change"
	ResolveConflictType = "resolve-conflict"
)

var ErrMalformedMessage = errors.New("malformed message")

type messageHeader struct {
	Type string `json:"type"`
}

// Codec turns raw frames into validated inbound messages.
type Codec struct {
	validate *validator.Validate
}

func NewCodec() *Codec {
	return &Codec{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Decode parses one frame. A non-empty userID is the authenticated identity
// and replaces whatever the frame claims; anonymous marks a join made
// without one.
func (c *Codec) Decode(raw []byte, userID string, anonymous bool) (collab.Inbound, error) {
	var head messageHeader
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var (
		msg collab.Inbound
		err error
	)
	switch head.Type {
	case JoinSessionType:
		var m collab.JoinSession
		err = json.Unmarshal(raw, &m)
		if userID != "" {
			m.UserID = userID
		}
		m.Anonymous = anonymous
		msg = m
	case LeaveSessionType:
		var m collab.LeaveSession
		err = json.Unmarshal(raw, &m)
		msg = m
	case GridChangeType:
		var m collab.ChangeCell
		err = json.Unmarshal(raw, &m)
		msg = m
	case CursorMoveType:
		var m collab.MoveCursor
		err = json.Unmarshal(raw, &m)
		msg = m
	case SelectionChangeType:
		var m collab.ChangeSelection
		err = json.Unmarshal(raw, &m)
		msg = m
	case ResolveConflictType:
		var m collab.ResolveConflict
		err = json.Unmarshal(raw, &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, head.Type, err)
	}

	if err := c.validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, head.Type, err)
	}
	return msg, nil
}
