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

	"github.com/mattjoyce/bouncer-worker/internal/broker"
	"github.com/mattjoyce/bouncer-worker/internal/monitor"
)

// BrokerStatus reports the broker connection state.
type BrokerStatus interface {
	State() broker.State
	ConnectedSince() (time.Time, bool)
}

// ProcessLister returns the records of currently tracked tool processes.
type ProcessLister interface {
	Snapshot() []monitor.Record
}

// StatsReader returns recently finalized process records.
type StatsReader interface {
	Recent(ctx context.Context, limit int) ([]monitor.Record, error)
}

// Config holds API server configuration
type Config struct {
	Listen      string
	Fingerprint string
}

// Server is the status HTTP server.
type Server struct {
	config    Config
	broker    BrokerStatus
	processes ProcessLister
	stats     StatsReader
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. processes and stats may be nil.
func New(config Config, status BrokerStatus, processes ProcessLister, stats StatsReader, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		broker:    status,
		processes: processes,
		stats:     stats,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/monitor", s.handleMonitor)
	r.Get("/stats/recent", s.handleRecentStats)

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
