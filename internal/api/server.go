// Package api exposes the router over HTTP: inbound requests, worker
// inspection and control, config reload, metrics and an SSE event stream.
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/toolbridge/internal/app"
	"github.com/mattjoyce/toolbridge/internal/descriptor"
	"github.com/mattjoyce/toolbridge/internal/events"
	"github.com/mattjoyce/toolbridge/internal/metrics"
	"github.com/mattjoyce/toolbridge/internal/router"
)

// Router serves routed requests.
type Router interface {
	Route(ctx context.Context, req router.Request) router.Result
}

// WorkerView lists and controls workers.
type WorkerView interface {
	Workers() []app.WorkerStatus
	Worker(id string) (app.WorkerStatus, bool)
	ResetWorker(id string) error
	Descriptors() []descriptor.Descriptor
}

// Reloader re-reads the configuration.
type Reloader interface {
	Reload(ctx context.Context) (app.ReloadResult, error)
}

// MetricsSource provides the JSON metrics view.
type MetricsSource interface {
	Snapshot() metrics.Snapshot
}

// EventSource feeds the SSE stream.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Token is the bearer token required on /v1. Empty disables auth.
	Token        string
	MaxBodyBytes int64
	// MaxRouteTimeout caps client supplied timeouts.
	MaxRouteTimeout time.Duration
	// RateLimitPerMinute bounds routed requests per client address. Zero
	// disables the limit.
	RateLimitPerMinute int
	RateLimitBurst     int
}

// Deps are the components the server fronts.
type Deps struct {
	Router   Router
	Workers  WorkerView
	Reloader Reloader
	Metrics  MetricsSource
	Events   EventSource
	Gatherer prometheus.Gatherer
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	limiter   *clientLimiter
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}
	if config.MaxRouteTimeout <= 0 {
		config.MaxRouteTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
	if config.RateLimitPerMinute > 0 {
		s.limiter = newClientLimiter(config.RateLimitPerMinute, config.RateLimitBurst)
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: routed calls run up to their own deadline and SSE
		// streams are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.config.Token != "")

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

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		if s.config.Token != "" {
			r.Use(s.authMiddleware)
		}
		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.rateLimitMiddleware)
			}
			r.Post("/route", s.handleRoute)
			r.Post("/capabilities/{capability}", s.handleCapability)
		})
		r.Get("/capabilities", s.handleListCapabilities)
		r.Get("/workers", s.handleListWorkers)
		r.Get("/workers/{id}", s.handleGetWorker)
		r.Post("/workers/{id}/reset", s.handleResetWorker)
		r.Post("/reload", s.handleReload)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
