// Package server assembles the HTTP API: order admission, position and
// sub-order queries, the event journal, and the WebSocket push channel.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/at6132/com/internal/domain"
	"github.com/at6132/com/internal/server/handler"
	"github.com/at6132/com/internal/server/middleware"
	"github.com/at6132/com/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, HTTP authentication is disabled

	// RateLimit throttles requests per client IP when a limiter is wired.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Orders    *handler.OrderHandler
	Positions *handler.PositionHandler
	Events    *handler.EventHandler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain (rate limit, auth, logging, CORS) applied. limiter
// may be nil to disable per-IP throttling.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Order admission and lifecycle.
	mux.HandleFunc("POST /api/v1/orders", handlers.Orders.PlaceOrder)
	mux.HandleFunc("GET /api/v1/orders/{ref}", handlers.Orders.GetOrder)
	mux.HandleFunc("DELETE /api/v1/orders/{ref}", handlers.Orders.CancelOrder)

	// Positions and sub-orders.
	mux.HandleFunc("GET /api/v1/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/v1/positions/{ref}", handlers.Positions.GetPosition)
	mux.HandleFunc("DELETE /api/v1/positions/{ref}", handlers.Positions.ClosePosition)
	mux.HandleFunc("GET /api/v1/positions/{ref}/suborders", handlers.Positions.ListSubOrders)
	mux.HandleFunc("PUT /api/v1/positions/{ref}/plan", handlers.Positions.AmendPlan)

	// Event journal.
	mux.HandleFunc("GET /api/v1/events", handlers.Events.ListEvents)

	// Push channel. The hub does its own HMAC handshake, so it sits outside
	// the static-key auth middleware.
	if wsHub != nil {
		mux.HandleFunc("GET /api/v1/ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/api/v1/ws")(h)
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
	}
	h = middleware.Logging(logger)(h)
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
