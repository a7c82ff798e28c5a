package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lodestone-ai/lodestone/internal/notify"
	"github.com/lodestone-ai/lodestone/internal/owners"
	"github.com/lodestone-ai/lodestone/internal/ratelimit"
	"github.com/lodestone-ai/lodestone/internal/search"
	"github.com/lodestone-ai/lodestone/internal/storage"
	"github.com/lodestone-ai/lodestone/internal/workflow"
)

// Server is the Lodestone HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a
// Server.
type ServerConfig struct {
	DB       *storage.DB
	Runner   *workflow.Runner
	Owners   *owners.Store
	Index    search.Index
	Notifier notify.Notifier
	Logger   *slog.Logger

	// Limiter is optional; nil disables rate limiting.
	Limiter ratelimit.Limiter

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Runner:              cfg.Runner,
		Owners:              cfg.Owners,
		Index:               cfg.Index,
		Notifier:            cfg.Notifier,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Rate limit writes and queries per client IP. Read endpoints stay
	// unthrottled.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	limit := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Ingestion trigger: accept and process asynchronously.
	mux.Handle("POST /v1/links", limit(http.HandlerFunc(h.HandleAddLink)))

	// Owner link set.
	mux.HandleFunc("GET /v1/links/{owner}", h.HandleListLinks)
	mux.Handle("DELETE /v1/links/{owner}/{link_id}", limit(http.HandlerFunc(h.HandleDeleteLink)))

	// Similarity query.
	mux.Handle("POST /v1/query", limit(http.HandlerFunc(h.HandleQuery)))

	// Run status introspection.
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
