package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/argus-obs/argus/internal/correlate"
	"github.com/argus-obs/argus/internal/hub"
	"github.com/argus-obs/argus/internal/storage"
)

// Server is the Argus HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	Store      *storage.Store
	Correlator *correlate.Correlator
	Hub        *hub.Hub
	Logger     *slog.Logger

	Host                 string
	Port                 int
	ReadTimeout          time.Duration
	APIKeys              []string
	SessionIdleThreshold time.Duration
	MaxRequestBodyBytes  int64
	Version              string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:                cfg.Store,
		Correlator:           cfg.Correlator,
		Hub:                  cfg.Hub,
		Logger:               cfg.Logger,
		APIKeys:              cfg.APIKeys,
		SessionIdleThreshold: cfg.SessionIdleThreshold,
		MaxRequestBodyBytes:  cfg.MaxRequestBodyBytes,
		Version:              cfg.Version,
	})

	mux := http.NewServeMux()

	// Ingestion.
	mux.HandleFunc("POST /events", h.HandleCreateEvent)

	// Query and discovery.
	mux.HandleFunc("GET /events", h.HandleQueryEvents)
	mux.HandleFunc("GET /sources", h.HandleListSources)
	mux.HandleFunc("GET /event-types", h.HandleListEventTypes)

	// Lifecycle views.
	mux.HandleFunc("GET /sessions", h.HandleListSessions)
	mux.HandleFunc("GET /sessions/{session_id}", h.HandleGetSession)
	mux.HandleFunc("GET /agents", h.HandleListAgents)
	mux.HandleFunc("GET /agents/{agent_id}", h.HandleGetAgent)

	// Live channel (authenticates in-protocol).
	mux.HandleFunc("GET /ws", h.HandleWS)

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(h.apiKeys, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		// Read/write timeouts stay unset: /ws connections are long-lived
		// and a server-wide deadline would sever them. Per-frame write
		// deadlines are enforced in the websocket handler instead.
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadTimeout,
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
