package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/riskengine/internal/domain"
	"github.com/alanyoungcy/riskengine/internal/server/handler"
	"github.com/alanyoungcy/riskengine/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int    // requests per RateWindow per client IP; 0 disables
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Nil handlers leave their routes unregistered.
type Handlers struct {
	Health    *handler.HealthHandler
	Orders    *handler.OrderHandler
	Positions *handler.PositionHandler
	Risk      *handler.RiskHandler
	PnL       *handler.PnLHandler
	Margin    *handler.MarginHandler
	Admin     *handler.AdminHandler
}

// Server is the headless HTTP API server of the risk engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (rate limit, auth, logging, CORS) and serves the
// Prometheus registry at /metrics when gatherer is non-nil.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check and metrics (no auth required).
	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// Order endpoints.
	if h := handlers.Orders; h != nil {
		mux.HandleFunc("GET /api/orders", h.ListOrders)
		mux.HandleFunc("POST /api/orders", h.PlaceOrder)
		mux.HandleFunc("PATCH /api/orders/{id}", h.ModifyOrder)
		mux.HandleFunc("DELETE /api/orders/{id}", h.CancelOrder)
	}

	// Position endpoints.
	if h := handlers.Positions; h != nil {
		mux.HandleFunc("GET /api/positions", h.ListPositions)
		mux.HandleFunc("POST /api/positions/{id}/close", h.ClosePosition)
		mux.HandleFunc("PATCH /api/positions/{id}", h.UpdateRisk)
	}

	// Risk endpoints.
	if h := handlers.Risk; h != nil {
		mux.HandleFunc("GET /api/accounts/{id}/risk", h.AccountRisk)
		mux.HandleFunc("GET /api/risk/alerts", h.ListAlerts)
		mux.HandleFunc("POST /api/risk/backstop", h.RunBackstop)
	}

	if h := handlers.PnL; h != nil {
		mux.HandleFunc("POST /api/pnl/process", h.Process)
	}
	if h := handlers.Margin; h != nil {
		mux.HandleFunc("POST /api/margin/calculate", h.Calculate)
	}
	if h := handlers.Admin; h != nil {
		mux.HandleFunc("POST /api/admin/config/refresh", h.RefreshConfig)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply per-client rate limiting.
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)

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

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// Run starts the server and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}
