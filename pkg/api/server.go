// Package api serves the gateway REST API, health, metrics and the client
// websocket endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/0xmhha/coinstack-go/internal/config"
	"github.com/0xmhha/coinstack-go/internal/constants"
	"github.com/0xmhha/coinstack-go/internal/logger"
	apimiddleware "github.com/0xmhha/coinstack-go/pkg/api/middleware"
	"github.com/0xmhha/coinstack-go/pkg/txhistory"
	"github.com/0xmhha/coinstack-go/pkg/types"
)

// AccountSource resolves account balances
type AccountSource interface {
	Account(ctx context.Context, pubkey string) (*types.Account, error)
}

// FeeOracle serves the current fee estimates
type FeeOracle interface {
	GasFees() types.GasFees
}

// Node estimates and broadcasts transactions
type Node interface {
	EstimateGas(ctx context.Context, from, to, data, value string) (uint64, error)
	SendRawTransaction(ctx context.Context, rawHex string) (string, error)
}

// WebSocketServer is the client subscription endpoint
type WebSocketServer interface {
	http.Handler
	Stop()
}

// Options holds the API server collaborators
type Options struct {
	Config    config.APIConfig
	Accounts  AccountSource
	TxHistory txhistory.Service
	Fees      FeeOracle
	Node      Node
	WebSocket WebSocketServer
	Health    *HealthChecker
	// Gatherer backs /metrics, prometheus.DefaultGatherer when nil
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server represents the API server
type Server struct {
	config    config.APIConfig
	logger    *zap.Logger
	accounts  AccountSource
	txHistory txhistory.Service
	fees      FeeOracle
	node      Node
	ws        WebSocketServer
	health    *HealthChecker
	gatherer  prometheus.Gatherer
	validator *requestValidator
	limiter   *apimiddleware.RateLimiter
	router    *chi.Mux
	server    *http.Server
}

// NewServer creates a new API server
func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Accounts == nil:
		return nil, errors.New("account source is required")
	case opts.TxHistory == nil:
		return nil, errors.New("tx history service is required")
	case opts.Fees == nil:
		return nil, errors.New("fee oracle is required")
	case opts.Node == nil:
		return nil, errors.New("node client is required")
	}

	s := &Server{
		config:    opts.Config,
		logger:    logger.WithComponent(logger.OrNop(opts.Logger), "api"),
		accounts:  opts.Accounts,
		txHistory: opts.TxHistory,
		fees:      opts.Fees,
		node:      opts.Node,
		ws:        opts.WebSocket,
		health:    opts.Health,
		gatherer:  opts.Gatherer,
		validator: newRequestValidator(),
		router:    chi.NewRouter(),
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.health == nil {
		s.health = NewHealthChecker("", "")
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:           net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)),
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    constants.DefaultIdleTimeout,
		MaxHeaderBytes: constants.DefaultMaxHeaderBytes,
	}

	return s, nil
}

// setupMiddleware configures the middleware stack
func (s *Server) setupMiddleware() {
	// Recovery must be first
	s.router.Use(apimiddleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apimiddleware.Logger(s.logger, "/health", "/health/live", constants.DefaultMetricsPath))

	if s.config.RateLimit > 0 {
		s.limiter = apimiddleware.NewRateLimiter(s.config.RateLimit, s.config.RateLimitBurst, s.logger)
		s.router.Use(s.limiter.Handler)
		s.logger.Info("rate limiting enabled",
			zap.Float64("rate_per_second", s.config.RateLimit),
			zap.Int("burst", s.config.RateLimitBurst),
		)
	}

	if s.config.EnableCORS {
		s.router.Use(s.cors)
	}
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		for _, allowed := range s.config.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-Request-Id")
				w.Header().Set("Access-Control-Max-Age", "300")
				break
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	if s.ws != nil {
		s.router.Get(s.config.WebSocketPath, s.ws.ServeHTTP)
		s.logger.Info("websocket endpoint enabled", zap.String("path", s.config.WebSocketPath))
	}

	s.router.Get("/health", s.health.DetailedHealthHandler())
	s.router.Get("/health/live", s.health.LivenessHandler())
	s.router.Handle(constants.DefaultMetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.router.Route(constants.DefaultAPIPrefix, func(r chi.Router) {
		r.Get("/account/{pubkey}", s.handleAccount)
		r.Get("/account/{pubkey}/txs", s.handleTxHistory)
		r.Get("/tx/{txid}", s.handleTransaction)
		r.Get("/gas/fees", s.handleGasFees)
		r.Get("/gas/estimate", s.handleEstimateGas)
		r.Post("/send", s.handleSend)
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Message: "route not found"})
	})
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.String("address", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop closes client websockets and gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")

	if s.ws != nil {
		s.ws.Stop()
	}
	if s.limiter != nil {
		s.limiter.Close()
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = constants.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped gracefully")
	return nil
}

// Router returns the underlying chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}
