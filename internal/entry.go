// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/nordahl/raido/internal/api"
	"github.com/nordahl/raido/internal/appstate"
	"github.com/nordahl/raido/internal/attach"
	"github.com/nordahl/raido/internal/bridge"
	"github.com/nordahl/raido/internal/bus"
	"github.com/nordahl/raido/internal/mcpserver"
	"github.com/nordahl/raido/internal/models"
	"github.com/nordahl/raido/internal/sse"
	"github.com/nordahl/raido/internal/store"
	"github.com/nordahl/raido/internal/vault"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("store_path", cfg.Store.Path),
		slog.String("media_path", cfg.Media.Path),
		slog.Int("editor_instances", cfg.Editor.Instances),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Persistence.
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	v, err := vault.New(cfg.Vault.Passphrase)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}

	states, err := appstate.NewStore(cfg.Editor.StatePath)
	if err != nil {
		return fmt.Errorf("init app state: %w", err)
	}

	materializer, err := attach.New(db, cfg.Media.Path, cfg.Editor.AttachmentDelay.Std(), logger)
	if err != nil {
		return fmt.Errorf("init attachments: %w", err)
	}

	// Event bus and transport hub.
	evbus := bus.New()
	defer evbus.Close()

	registry := bridge.NewRegistry()
	hub := sse.NewHub(func(editorID, subscribers int) {
		if b, ok := registry.Get(editorID); ok {
			b.ViewAttached(subscribers)
		}
	})
	defer hub.Close()

	// One bridge per editor instance.
	for i := 1; i <= cfg.Editor.Instances; i++ {
		registry.Add(bridge.New(bridge.Config{
			EditorID:    i,
			Debounce:    cfg.Editor.Debounce.Std(),
			ReadOnly:    cfg.Editor.ReadOnly,
			Placeholder: cfg.Editor.Placeholder,
		}, db, v, hub, evbus, materializer, logger))
	}
	defer registry.CloseAll()

	// Crash recovery: replay a suspended session into editor 1.
	if b, ok := registry.Get(1); ok {
		if b.Restore(states, cfg.Editor.RestoreWindow.Std()) {
			logger.Info("Restored previous editing session")
		}
	}

	// Build API router.
	h := api.NewHandler(registry, db, hub, materializer)
	apiRouter := api.NewRouter(h, cfg.Auth.AuthEnabled(), cfg.Auth.Token)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Forward bus events to the application SSE stream and dispatch load
	// requests published by other components (MCP tools, future panes).
	g.Go(func() error {
		events := evbus.Subscribe()
		defer evbus.Unsubscribe(events)
		for {
			select {
			case <-gCtx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				hub.PublishEvent(ev)
				if ev.Type == bus.EventLoadNote {
					if b, ok := registry.Get(ev.EditorID); ok {
						if err := b.LoadNote(gCtx, ev.NoteID, false); err != nil {
							logger.Warn("load request failed",
								slog.Int("editor_id", ev.EditorID),
								slog.String("note_id", ev.NoteID),
								slog.String("error", err.Error()))
						}
					}
				}
			}
		}
	})

	// Watch the media directory for materialized attachments.
	g.Go(func() error {
		return materializer.Watch(gCtx)
	})

	// Watch the app-state blob for external suspend snapshots.
	g.Go(func() error {
		return states.Watch(gCtx, logger, func(snap models.AppStateSnapshot) {
			if snap.Editing && snap.Note != nil {
				logger.Debug("client suspended while editing", slog.String("note_id", snap.Note.ID))
			}
		})
	})

	// Optional MCP stdio server.
	if app.mcpStdio {
		g.Go(func() error {
			mcp := mcpserver.New(db, evbus)
			logger.Info("MCP server starting on stdio")
			return mcp.ServeStdio()
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}
