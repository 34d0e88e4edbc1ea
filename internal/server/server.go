package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/liqbot/internal/crypto"
	"github.com/alanyoungcy/liqbot/internal/domain"
	"github.com/alanyoungcy/liqbot/internal/server/handler"
	"github.com/alanyoungcy/liqbot/internal/server/middleware"
	"github.com/alanyoungcy/liqbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string              // if empty, authentication is disabled
	AdminAuth   *crypto.RequestAuth // if nil, admin endpoints reject everything
	// RateLimiter applies a per-client request budget to the API; nil
	// disables limiting.
	RateLimiter     domain.RateLimiter
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Status      *handler.StatusHandler
	Records     *handler.RecordHandler
	Divergences *handler.DivergenceHandler
	Events      *handler.EventHandler
	Admin       *handler.AdminHandler
}

// Server is the headless HTTP + WebSocket operator API for the liquidation
// engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches
// the WebSocket hub. Admin endpoints additionally require an HMAC request
// signature.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Engine status.
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Execution audit trail.
	mux.HandleFunc("GET /api/records", handlers.Records.ListRecords)
	mux.HandleFunc("GET /api/records/{id}", handlers.Records.GetRecord)

	// Reconciliation divergences.
	mux.HandleFunc("GET /api/divergences", handlers.Divergences.ListDivergences)

	// Availability transitions and performance snapshots.
	mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)
	mux.HandleFunc("GET /api/snapshots", handlers.Events.ListSnapshots)

	// Operator controls, behind the HMAC signature check. Absent when no
	// governor is running (server-only mode).
	if handlers.Admin != nil {
		signed := middleware.Signed(cfg.AdminAuth)
		mux.Handle("POST /api/admin/resume", signed(http.HandlerFunc(handlers.Admin.Resume)))
		mux.Handle("POST /api/admin/pause", signed(http.HandlerFunc(handlers.Admin.Pause)))
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply per-client rate limiting when configured.
	if cfg.RateLimiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Second
		}
		h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit, window)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
