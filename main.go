package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridcollab/config"
	"gridcollab/config/database"
	"gridcollab/internal/collab"
	"gridcollab/internal/session/repository"
	"gridcollab/internal/session/service"
	"gridcollab/middleware"
	"gridcollab/pkg/logger"
	"gridcollab/router"
	"gridcollab/socket"
)

func main() {
	cfg, err := config.Load()
	logger.Init(cfg.LogLevel)
	defer logger.Log.Sync()
	if err != nil {
		logger.Sugar.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The database only backs permission lookups, so it is optional.
	var (
		db   *sql.DB
		repo *repository.PermissionRepository
	)
	if cfg.DB.Enabled() {
		db, err = database.Connect(ctx, cfg.DB)
		if err != nil {
			logger.Sugar.Fatalf("Could not connect to database: %v", err)
		}
		defer db.Close()
		repo = repository.NewPermissionRepository(db)
	} else {
		logger.Sugar.Infof("No database configured, everyone joins as %s", cfg.DefaultRole)
	}

	store := collab.NewStore(collab.NewColorAllocator(), collab.WithDefaultSettings(cfg.Session))
	detector := collab.NewDetector(
		collab.WithConflictWindow(cfg.ConflictWindow),
		collab.WithWindowCapacity(cfg.WindowCapacity),
	)

	hub := socket.NewHub(socket.WithAllowedOrigins(cfg.AllowedOrigins))
	dispatcher := collab.NewDispatcher(collab.DispatcherConfig{
		Store:       store,
		Detector:    detector,
		Resolver:    collab.NewResolver(store),
		Permissions: service.NewPermissionService(repo, cfg.DefaultRole),
		Broadcaster: hub,
	})
	hub.SetHandler(dispatcher)

	janitor := &collab.Janitor{
		Store:     store,
		Detector:  detector,
		Retention: cfg.OfflineRetention,
		Interval:  cfg.SweepInterval,
	}
	go janitor.Run(ctx)

	handler := router.Setup(router.Deps{
		Hub:            hub,
		Sessions:       service.NewSessionService(dispatcher),
		Auth:           middleware.NewAuthenticator(cfg.JWTSecret),
		AllowedOrigins: cfg.AllowedOrigins,
		Repo:           repo,
	})
	if cfg.JWTSecret == "" {
		logger.Sugar.Warn("JWT_SECRET is empty, authentication is disabled")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Sugar.Infof("Collaboration broker listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Sugar.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Sugar.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Sugar.Errorf("Graceful shutdown failed: %v", err)
	}
}
