package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0xmhha/coinstack-go/internal/constants"
	"github.com/0xmhha/coinstack-go/pkg/feed"
	"github.com/0xmhha/coinstack-go/pkg/registry"
)

const (
	// Time allowed to write a message to the peer
	writeWait = constants.DefaultWSWriteTimeout

	// Time allowed to read the next pong message from the peer
	pongWait = constants.DefaultWSPongTimeout

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = constants.DefaultWSMaxMessageSize
)

var (
	// ErrQueueFull is returned by Publish when the client is not keeping up
	ErrQueueFull = errors.New("send queue full")
	// ErrConnectionClosed is returned by Publish after Close
	ErrConnectionClosed = errors.New("connection closed")
)

// Registry is the subscription registry a connection registers with
type Registry interface {
	Subscribe(clientID, subscriptionID string, conn registry.Connection, addresses []string) []string
	Unsubscribe(clientID, subscriptionID string, addresses []string) []string
	UnsubscribeClient(clientID string) []string
}

// Connection is one client websocket. Its subscriptions live in the registry
// and are removed when the connection closes.
type Connection struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	// subMu orders subscription changes against the cleanup in Close
	subMu    sync.Mutex
	registry Registry
	upstream feed.AddressSubscriber
	metrics  *Metrics
	logger   *zap.Logger
}

var _ registry.Connection = (*Connection)(nil)

func newConnection(hub *Hub, conn *websocket.Conn, reg Registry, upstream feed.AddressSubscriber, metrics *Metrics, logger *zap.Logger) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:       id,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, constants.DefaultWSSendQueueSize),
		done:     make(chan struct{}),
		registry: reg,
		upstream: upstream,
		metrics:  metrics,
		logger:   logger.With(zap.String("client", id)),
	}
}

// ID returns the connection id
func (c *Connection) ID() string {
	return c.id
}

// Publish queues a message without blocking
func (c *Connection) Publish(msg *registry.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.enqueue(data)
}

func (c *Connection) enqueue(data []byte) error {
	if c.closed() {
		return ErrConnectionClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		if c.metrics != nil {
			c.metrics.Dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Close unsubscribes everything the connection owns and closes the socket.
// It is safe to call more than once.
func (c *Connection) Close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.unregister(c)

		c.subMu.Lock()
		defer c.subMu.Unlock()
		if orphaned := c.registry.UnsubscribeClient(c.id); len(orphaned) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			defer cancel()
			if err := c.upstream.UnsubscribeAddresses(ctx, orphaned); err != nil {
				c.logger.Warn("failed to unsubscribe orphaned addresses", zap.Error(err))
			}
		}

		_ = c.conn.Close()
	})
}

func (c *Connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ReadPump handles client requests until the connection fails
func (c *Connection) ReadPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		c.handleMessage(message)
	}
}

// WritePump writes queued messages and keepalive pings
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage handles incoming messages from the client
func (c *Connection) handleMessage(message []byte) {
	var req Request
	if err := json.Unmarshal(message, &req); err != nil {
		c.sendError("", "invalid message format")
		return
	}

	switch req.Type {
	case TypeSubscribe:
		c.handleSubscribe(&req)
	case TypeUnsubscribe:
		c.handleUnsubscribe(&req)
	case TypePing:
		c.sendJSON(Pong{Type: TypePong})
	default:
		c.sendError(req.SubscriptionID, "unknown message type: "+req.Type)
	}
}

func (c *Connection) handleSubscribe(req *Request) {
	if req.SubscriptionID == "" {
		c.sendError("", "subscriptionId is required")
		return
	}
	if req.Data == nil || req.Data.Topic != TopicTxs {
		c.sendError(req.SubscriptionID, "unsupported topic")
		return
	}
	if len(req.Data.Addresses) == 0 {
		c.sendError(req.SubscriptionID, "addresses are required")
		return
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.closed() {
		return
	}

	added := c.registry.Subscribe(c.id, req.SubscriptionID, c, req.Data.Addresses)
	c.logger.Debug("client subscribed",
		zap.String("subscription", req.SubscriptionID),
		zap.Int("addresses", len(req.Data.Addresses)),
		zap.Int("new", len(added)),
	)
	if len(added) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := c.upstream.SubscribeAddresses(ctx, added); err != nil {
		c.logger.Warn("failed to subscribe addresses upstream", zap.Error(err))
		c.sendError(req.SubscriptionID, "failed to subscribe upstream")
	}
}

func (c *Connection) handleUnsubscribe(req *Request) {
	if req.SubscriptionID == "" {
		c.sendError("", "subscriptionId is required")
		return
	}

	var addresses []string
	if req.Data != nil {
		if req.Data.Topic != "" && req.Data.Topic != TopicTxs {
			c.sendError(req.SubscriptionID, "unsupported topic")
			return
		}
		addresses = req.Data.Addresses
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.closed() {
		return
	}

	removed := c.registry.Unsubscribe(c.id, req.SubscriptionID, addresses)
	if len(removed) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := c.upstream.UnsubscribeAddresses(ctx, removed); err != nil {
		c.logger.Warn("failed to unsubscribe addresses upstream", zap.Error(err))
	}
}

// sendJSON queues a protocol message to the client
func (c *Connection) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	if err := c.enqueue(data); err != nil {
		c.logger.Debug("dropping message", zap.Error(err))
	}
}

// sendError sends an error frame for a subscription
func (c *Connection) sendError(subscriptionID, message string) {
	if c.metrics != nil {
		c.metrics.ProtocolErrors.Inc()
	}
	c.sendJSON(ErrorMessage{SubscriptionID: subscriptionID, Type: TypeError, Message: message})
}
