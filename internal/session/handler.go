package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"gridcollab/internal/collab"
	"gridcollab/internal/session/model"
	"gridcollab/internal/session/service"
	"gridcollab/middleware"
	"gridcollab/pkg/logger"
)

type SessionHandler struct {
	Service *service.SessionService
}

func NewSessionHandler(service *service.SessionService) *SessionHandler {
	return &SessionHandler{Service: service}
}

func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Service.ListSessions())
}

func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := requireSessionID(w, r)
	if !ok {
		return
	}

	sess, err := h.Service.GetSession(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionHandler) GetActiveUsers(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := requireSessionID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.Service.ActiveUsers(sessionID))
}

func (h *SessionHandler) GetPendingConflicts(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := requireSessionID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.Service.PendingConflicts(sessionID))
}

func (h *SessionHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := requireSessionID(w, r)
	if !ok {
		return
	}

	var req model.UpdateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	settings, err := h.Service.UpdateSettings(sessionID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *SessionHandler) DestroySession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := requireSessionID(w, r)
	if !ok {
		return
	}

	destroyed := h.Service.DestroySession(sessionID)
	if destroyed {
		logger.Sugar.Infof("Session %s destroyed by %s", sessionID, requester(r))
	}
	writeJSON(w, http.StatusOK, model.DestroyResponse{SessionID: sessionID, Destroyed: destroyed})
}

func (h *SessionHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req model.ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.Service.ResolveConflict(req, requester(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func requireSessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "Missing sessionId parameter", http.StatusBadRequest)
		return "", false
	}
	return sessionID, true
}

// requester names whoever issued the request; "admin" when auth is disabled.
func requester(r *http.Request) string {
	if userID, ok := middleware.UserIDFromContext(r.Context()); ok {
		return userID
	}
	return "admin"
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, collab.ErrSessionNotFound), errors.Is(err, collab.ErrConflictNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logger.Sugar.Errorf("Handler: request failed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Sugar.Errorf("Handler: failed to encode response: %v", err)
	}
}
