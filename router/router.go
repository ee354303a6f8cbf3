package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	sessionHandler "gridcollab/internal/session"
	"gridcollab/internal/session/repository"
	"gridcollab/internal/session/service"
	"gridcollab/middleware"
	"gridcollab/socket"
)

type Deps struct {
	Hub            *socket.Hub
	Sessions       *service.SessionService
	Auth           *middleware.Authenticator
	AllowedOrigins []string
	// Repo is nil when no database is configured.
	Repo *repository.PermissionRepository
}

func Setup(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.AccessLog)
	r.Use(middleware.CORS(deps.AllowedOrigins))

	auth := deps.Auth

	// WebSocket
	r.With(auth.Optional).Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.UserIDFromContext(r.Context())
		socket.ServeWs(deps.Hub, w, r, userID, auth.Enabled() && !ok)
	})

	// REST API
	sessions := sessionHandler.NewSessionHandler(deps.Sessions)
	health := sessionHandler.NewHealthHandler(deps.Hub, deps.Sessions, deps.Repo)

	r.Get("/health", health.Health)
	r.Route("/api/sessions", func(r chi.Router) {
		r.Use(auth.Require)
		r.Get("/", sessions.ListSessions)
		r.Get("/get", sessions.GetSession)
		r.Get("/users", sessions.GetActiveUsers)
		r.Get("/conflicts", sessions.GetPendingConflicts)
		r.Put("/settings", sessions.UpdateSettings)
		r.Delete("/destroy", sessions.DestroySession)
		r.Post("/conflicts/resolve", sessions.ResolveConflict)
	})

	return r
}
