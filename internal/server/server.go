package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kweston/loopvault/internal/domain"
	"github.com/kweston/loopvault/internal/server/handler"
	"github.com/kweston/loopvault/internal/server/middleware"
	"github.com/kweston/loopvault/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // if empty, authentication is disabled
	RateLimitPerMin int    // requests per client IP per minute; 0 disables
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Positions *handler.PositionHandler
	Risk      *handler.RiskHandler
}

// Server is the headless HTTP + WebSocket API for the leverage engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain (rate limiting, auth, request logging, CORS) wired
// around it. limiter may be nil when rate limiting is disabled.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check, reachable without a key so probes work.
	mux.HandleFunc("GET /health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/v1/health", handlers.Health.HealthCheck)

	// Component status.
	mux.HandleFunc("GET /api/v1/status", handlers.Status.GetStatus)

	// Position lifecycle.
	mux.HandleFunc("POST /api/v1/positions", handlers.Positions.Create)
	mux.HandleFunc("GET /api/v1/positions", handlers.Positions.List)
	mux.HandleFunc("GET /api/v1/positions/{id}", handlers.Positions.Get)
	mux.HandleFunc("POST /api/v1/positions/{id}/loops", handlers.Positions.ExecuteLoops)
	mux.HandleFunc("POST /api/v1/positions/{id}/unwind", handlers.Positions.Unwind)
	mux.HandleFunc("POST /api/v1/positions/{id}/close", handlers.Positions.Close)
	mux.HandleFunc("PUT /api/v1/positions/{id}/config", handlers.Positions.UpdateConfig)
	mux.HandleFunc("GET /api/v1/positions/{id}/events", handlers.Positions.ListEvents)

	// Risk overview.
	mux.HandleFunc("GET /api/v1/risk/summary", handlers.Risk.GetSummary)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux

	// Rate limiting sits inside auth so rejected requests consume no quota.
	h = middleware.RateLimit(limiter, cfg.RateLimitPerMin, time.Minute)(h)

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey, "/health", "/api/v1/health")(h)

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// CORS outermost so preflight requests short-circuit before auth.
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
