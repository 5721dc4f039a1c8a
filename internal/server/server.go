package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tasuki/internal/analytics"
	"github.com/ashita-ai/tasuki/internal/engine"
	"github.com/ashita-ai/tasuki/internal/publish"
	"github.com/ashita-ai/tasuki/internal/ratelimit"
	"github.com/ashita-ai/tasuki/internal/store"
)

// Server is the Tasuki HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): SubmitLimiter, QueryLimiter, MCPServer,
// ExtraRoutes.
type ServerConfig struct {
	// Required dependencies.
	Gateway   *engine.Gateway
	Executor  *engine.Executor
	Publisher *publish.Publisher
	Usage     *analytics.Usage
	Store     store.Store
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	SubmitLimiter ratelimit.Limiter
	QueryLimiter  ratelimit.Limiter
	MCPServer     *mcpserver.MCPServer
	ExtraRoutes   map[string]http.Handler // pattern → handler, mounted as-is
	// Middlewares wrap the root handler outside the built-in chain, in
	// order: the first entry is outermost.
	Middlewares []func(http.Handler) http.Handler
	// OpenAPISpec, when non-empty, is served at GET /openapi.yaml.
	OpenAPISpec []byte

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	StoreName           string
	MaxRequestBodyBytes int64
	SSEKeepalive        time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Gateway:      cfg.Gateway,
		Executor:     cfg.Executor,
		Publisher:    cfg.Publisher,
		Usage:        cfg.Usage,
		Store:        cfg.Store,
		Logger:       cfg.Logger,
		Version:      cfg.Version,
		StoreName:    cfg.StoreName,
		MaxBodyBytes: cfg.MaxRequestBodyBytes,
		SSEKeepalive: cfg.SSEKeepalive,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	submitRL := ratelimit.Middleware(cfg.SubmitLimiter, ratelimit.PrefixedIPKeyFunc("submit"), reqIDFunc)
	queryRL := ratelimit.Middleware(cfg.QueryLimiter, ratelimit.PrefixedIPKeyFunc("query"), reqIDFunc)

	mux := http.NewServeMux()

	// Run lifecycle (submit rate limit on the write path).
	mux.Handle("POST /v1/runs", submitRL(http.HandlerFunc(h.HandleSubmitRun)))
	mux.Handle("POST /v1/runs/{run_id}/cancel", submitRL(http.HandlerFunc(h.HandleCancelRun)))

	// Status reads (query rate limit).
	mux.Handle("GET /v1/runs", queryRL(http.HandlerFunc(h.HandleListRuns)))
	mux.Handle("GET /v1/runs/{run_id}", queryRL(http.HandlerFunc(h.HandleGetRun)))

	// Live stream (no rate limit — long-lived connection).
	mux.Handle("GET /v1/runs/{run_id}/stream", http.HandlerFunc(h.HandleStreamRun))

	// Usage analytics (query rate limit).
	mux.Handle("GET /v1/usage/summary", queryRL(http.HandlerFunc(h.HandleUsageSummary)))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	if len(cfg.OpenAPISpec) > 0 {
		mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(cfg.OpenAPISpec)
		})
	}

	for pattern, handler := range cfg.ExtraRoutes {
		mux.Handle(pattern, handler)
	}

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

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
