package websocket

import (
	"sync"

	"go.uber.org/zap"

	"github.com/0xmhha/coinstack-go/internal/constants"
)

// Hub maintains the set of active connections
type Hub struct {
	// Registered connections
	clients map[*Connection]struct{}
	mu      sync.RWMutex

	// maxClients limits concurrent connections to prevent unbounded growth
	maxClients int

	metrics *Metrics
	logger  *zap.Logger
}

// NewHub creates a new Hub
func NewHub(maxClients int, metrics *Metrics, logger *zap.Logger) *Hub {
	if maxClients <= 0 {
		maxClients = constants.DefaultWSMaxClients
	}
	return &Hub{
		clients:    make(map[*Connection]struct{}),
		maxClients: maxClients,
		metrics:    metrics,
		logger:     logger,
	}
}

// register adds a connection; it fails when the hub is full
func (h *Hub) register(c *Connection) bool {
	h.mu.Lock()
	if len(h.clients) >= h.maxClients {
		h.mu.Unlock()
		h.logger.Warn("max clients reached, rejecting connection",
			zap.Int("max_clients", h.maxClients))
		return false
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.observe(count)
	h.logger.Debug("client registered", zap.Int("total_clients", count))
	return true
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	h.observe(count)
	h.logger.Debug("client unregistered", zap.Int("total_clients", count))
}

func (h *Hub) observe(count int) {
	if h.metrics != nil {
		h.metrics.Connections.Set(float64(count))
	}
}

// Full reports whether new connections would be rejected
func (h *Hub) Full() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) >= h.maxClients
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop closes all client connections
func (h *Hub) Stop() {
	h.mu.RLock()
	clients := make([]*Connection, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}

	h.logger.Info("hub stopped", zap.Int("closed", len(clients)))
}
