// Package api serves the agent's operator endpoints: health, dispatcher
// status, the activity feed, prometheus metrics and the audit trail.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/pwgo-agent/internal/dispatch"
	"github.com/mattjoyce/pwgo-agent/internal/eventlog"
	"github.com/mattjoyce/pwgo-agent/internal/events"
)

// StatusSource reports the dispatcher's current state.
type StatusSource interface {
	Snapshot() dispatch.Snapshot
}

// AuditReader lists audited envelopes.
type AuditReader interface {
	Recent(ctx context.Context, limit int, status eventlog.Status) ([]eventlog.Entry, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Token, when set, is required as a bearer token on everything but /healthz.
	Token string
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	status    StatusSource
	hub       *events.Hub
	audit     AuditReader
	metrics   http.Handler
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server. audit and metrics may be nil; their endpoints
// then answer 404.
func New(config Config, status StatusSource, hub *events.Hub, audit AuditReader, metrics http.Handler, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		status:    status,
		hub:       hub,
		audit:     audit,
		metrics:   metrics,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// /events streams indefinitely, so no write timeout.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/audit", s.handleAudit)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
