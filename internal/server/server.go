// Package server exposes the operational HTTP surface of tradecored: health,
// halt/resume control, recent data reads, and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/metrics"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port         int
	APIKey       string // if empty, authentication is disabled
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Controller is the halt/resume surface of the orchestrator.
type Controller interface {
	IsHalted() bool
	Halt(ctx context.Context, reason string) error
	Resume(ctx context.Context, reason string) error
}

// BrokerStatus reports execution-venue connectivity for the health check.
type BrokerStatus interface {
	Name() string
	IsConnected() bool
}

// BufferStats reports the pending hot-buffer depth for the health check.
type BufferStats interface {
	Len() int
}

// Deps aggregates everything the handlers need.
type Deps struct {
	Control Controller
	Broker  BrokerStatus
	Buffer  BufferStats
	Bars    domain.BarStore
	Trades  domain.TradeStore
}

// Server is the operational HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and wires the auth and logging middleware.
// Health and metrics stay reachable without credentials.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	h := &handlers{deps: deps, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("GET /api/control/status", h.controlStatus)
	mux.HandleFunc("POST /api/control/halt", h.halt)
	mux.HandleFunc("POST /api/control/resume", h.resume)
	mux.HandleFunc("GET /api/bars/{symbol}", h.listBars)
	mux.HandleFunc("GET /api/trades", h.listTrades)
	mux.Handle("GET /metrics", metrics.Handler())

	var handler http.Handler = mux
	handler = authMiddleware(cfg.APIKey)(handler)
	handler = loggingMiddleware(logger)(handler)

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the full middleware chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
