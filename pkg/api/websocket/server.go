// Package websocket serves the client subscription protocol over websockets.
package websocket

import (
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0xmhha/coinstack-go/internal/constants"
	"github.com/0xmhha/coinstack-go/internal/logger"
	"github.com/0xmhha/coinstack-go/pkg/feed"
)

// Config holds the websocket server collaborators
type Config struct {
	MaxClients     int
	AllowedOrigins []string
	Registry       Registry
	Upstream       feed.AddressSubscriber
	Metrics        *Metrics
	Logger         *zap.Logger
}

// Server upgrades HTTP requests to client connections
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	registry Registry
	upstream feed.AddressSubscriber
	metrics  *Metrics
	logger   *zap.Logger
}

// NewServer creates a websocket server
func NewServer(cfg *Config) *Server {
	log := logger.WithComponent(logger.OrNop(cfg.Logger), "websocket")
	s := &Server{
		hub:      NewHub(cfg.MaxClients, cfg.Metrics, log),
		registry: cfg.Registry,
		upstream: cfg.Upstream,
		metrics:  cfg.Metrics,
		logger:   log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  constants.DefaultWSReadBufferSize,
		WriteBufferSize: constants.DefaultWSWriteBufferSize,
		CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
	}
	return s
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// ServeHTTP upgrades the request and starts the connection pumps
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.hub.Full() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConnection(s.hub, conn, s.registry, s.upstream, s.metrics, s.logger)
	if !s.hub.register(c) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
		_ = conn.Close()
		return
	}

	go c.WritePump()
	go c.ReadPump()
}

// Hub returns the connection hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Stop closes every client connection
func (s *Server) Stop() {
	s.hub.Stop()
}
