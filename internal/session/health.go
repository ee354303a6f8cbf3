package handler

import (
	"context"
	"net/http"
	"time"

	"gridcollab/internal/session/model"
	"gridcollab/internal/session/repository"
	"gridcollab/internal/session/service"
	"gridcollab/pkg/logger"
)

// ConnectionCounter reports how many sockets are open.
type ConnectionCounter interface {
	ConnectionCount() int
}

type HealthHandler struct {
	Conns    ConnectionCounter
	Sessions *service.SessionService
	// Repo is nil when no database is configured.
	Repo *repository.PermissionRepository
}

func NewHealthHandler(conns ConnectionCounter, sessions *service.SessionService, repo *repository.PermissionRepository) *HealthHandler {
	return &HealthHandler{Conns: conns, Sessions: sessions, Repo: repo}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:      "ok",
		Connections: h.Conns.ConnectionCount(),
		Sessions:    len(h.Sessions.ListSessions()),
		Database:    "disabled",
	}

	if h.Repo != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Repo.Ping(ctx); err != nil {
			logger.Sugar.Warnf("Health: database ping failed: %v", err)
			resp.Status = "degraded"
			resp.Database = "unavailable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Database = "ok"
	}
	writeJSON(w, http.StatusOK, resp)
}
