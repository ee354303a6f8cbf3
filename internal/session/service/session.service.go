package service

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"gridcollab/internal/collab"
	"gridcollab/internal/session/model"
)

// SessionService is the query and admin surface over the live sessions.
type SessionService struct {
	Dispatcher *collab.Dispatcher
	validate   *validator.Validate
}

func NewSessionService(d *collab.Dispatcher) *SessionService {
	return &SessionService{Dispatcher: d, validate: validator.New()}
}

func (s *SessionService) ListSessions() []model.SessionSummary {
	sessions := s.Dispatcher.Store().ActiveSessions()
	out := make([]model.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, model.SessionSummary{
			ID:               sess.ID,
			SchemaID:         sess.SchemaID,
			Name:             sess.Name,
			CreatedBy:        sess.CreatedBy,
			CreatedAt:        sess.CreatedAt,
			LastActivity:     sess.LastActivity,
			OnlineUsers:      sess.OnlineCount(),
			TotalUsers:       len(sess.ActiveUsers),
			PendingConflicts: len(s.Dispatcher.PendingConflicts(sess.ID)),
		})
	}
	return out
}

func (s *SessionService) GetSession(sessionID string) (collab.Session, error) {
	sess, ok := s.Dispatcher.Store().Session(sessionID)
	if !ok {
		return collab.Session{}, fmt.Errorf("get session %s: %w", sessionID, collab.ErrSessionNotFound)
	}
	return sess, nil
}

// ActiveUsers never fails; unknown sessions have no users.
func (s *SessionService) ActiveUsers(sessionID string) []collab.ActiveUser {
	return s.Dispatcher.Store().ActiveUsers(sessionID)
}

func (s *SessionService) PendingConflicts(sessionID string) []collab.EditConflict {
	return s.Dispatcher.PendingConflicts(sessionID)
}

func (s *SessionService) UpdateSettings(sessionID string, req model.UpdateSettingsRequest) (collab.Settings, error) {
	if err := s.validate.Struct(req); err != nil {
		return collab.Settings{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	current, ok := s.Dispatcher.Store().Settings(sessionID)
	if !ok {
		return collab.Settings{}, fmt.Errorf("update settings %s: %w", sessionID, collab.ErrSessionNotFound)
	}
	next := req.Apply(current)
	if err := s.Dispatcher.Store().UpdateSettings(sessionID, next); err != nil {
		return collab.Settings{}, err
	}
	return next, nil
}

func (s *SessionService) DestroySession(sessionID string) bool {
	return s.Dispatcher.DestroySession(sessionID)
}

func (s *SessionService) ResolveConflict(req model.ResolveConflictRequest, resolvedBy string) (collab.ConflictResolution, error) {
	if err := s.validate.Struct(req); err != nil {
		return collab.ConflictResolution{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return s.Dispatcher.ResolveConflict(req.SessionID, req.ConflictID, req.Value, resolvedBy)
}
