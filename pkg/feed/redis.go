package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0xmhha/coinstack-go/internal/constants"
	"github.com/0xmhha/coinstack-go/internal/logger"
	"github.com/0xmhha/coinstack-go/pkg/types"
)

const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
)

// subscriptionRequest asks the relay node to change the upstream address set
type subscriptionRequest struct {
	Node      string   `json:"node"`
	Op        string   `json:"op"`
	Addresses []string `json:"addresses"`
}

type channels struct {
	block         string
	tx            string
	subscriptions string
}

func channelsFor(prefix string) channels {
	if prefix == "" {
		prefix = constants.DefaultRedisChannelPrefix
	}
	return channels{
		block:         prefix + ":block",
		tx:            prefix + ":tx",
		subscriptions: prefix + ":subscriptions",
	}
}

// RedisConfig configures both ends of the redis relay
type RedisConfig struct {
	Client        redis.UniversalClient
	ChannelPrefix string
	// NodeID identifies this process in subscription requests
	NodeID  string
	Logger  *zap.Logger
	Metrics *Metrics
}

// RedisRelay republishes upstream events to redis and applies the address
// subscriptions of reader replicas to the upstream feed. Addresses are
// reference counted per node so one node cannot drop another's address.
type RedisRelay struct {
	client   redis.UniversalClient
	channels channels
	nodeID   string
	upstream AddressSubscriber
	metrics  *Metrics
	logger   *zap.Logger

	mu     sync.Mutex
	owners map[string]mapset.Set[string]
}

var (
	_ Handler           = (*RedisRelay)(nil)
	_ AddressSubscriber = (*RedisRelay)(nil)
)

// NewRedisRelay creates a relay in front of upstream
func NewRedisRelay(cfg *RedisConfig, upstream AddressSubscriber) *RedisRelay {
	return &RedisRelay{
		client:   cfg.Client,
		channels: channelsFor(cfg.ChannelPrefix),
		nodeID:   cfg.NodeID,
		upstream: upstream,
		metrics:  cfg.Metrics,
		logger:   logger.WithComponent(logger.OrNop(cfg.Logger), "feed-relay"),
		owners:   make(map[string]mapset.Set[string]),
	}
}

// OnBlock publishes the block to replicas
func (r *RedisRelay) OnBlock(ctx context.Context, block types.NewBlock) {
	data, err := json.Marshal(block)
	if err != nil {
		r.failed("failed to encode block", err)
		return
	}
	r.publish(ctx, r.channels.block, data)
}

// OnTransaction publishes the raw transaction to replicas
func (r *RedisRelay) OnTransaction(ctx context.Context, raw json.RawMessage) {
	r.publish(ctx, r.channels.tx, raw)
}

func (r *RedisRelay) publish(ctx context.Context, channel string, data []byte) {
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		r.failed("failed to publish to redis", err, zap.String("channel", channel))
	}
}

func (r *RedisRelay) failed(msg string, err error, fields ...zap.Field) {
	r.logger.Error(msg, append(fields, zap.Error(err))...)
	if r.metrics != nil {
		r.metrics.RelayErrors.Inc()
	}
}

// SubscribeAddresses subscribes addresses on behalf of the local node
func (r *RedisRelay) SubscribeAddresses(ctx context.Context, addresses []string) error {
	return r.subscribe(ctx, r.nodeID, addresses)
}

// UnsubscribeAddresses unsubscribes addresses on behalf of the local node
func (r *RedisRelay) UnsubscribeAddresses(ctx context.Context, addresses []string) error {
	return r.unsubscribe(ctx, r.nodeID, addresses)
}

func (r *RedisRelay) subscribe(ctx context.Context, node string, addresses []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var added []string
	for _, address := range addresses {
		nodes, ok := r.owners[address]
		if !ok {
			nodes = mapset.NewThreadUnsafeSet[string]()
			r.owners[address] = nodes
			added = append(added, address)
		}
		nodes.Add(node)
	}
	if len(added) == 0 {
		return nil
	}
	return r.upstream.SubscribeAddresses(ctx, added)
}

func (r *RedisRelay) unsubscribe(ctx context.Context, node string, addresses []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for _, address := range addresses {
		nodes, ok := r.owners[address]
		if !ok {
			continue
		}
		nodes.Remove(node)
		if nodes.Cardinality() == 0 {
			delete(r.owners, address)
			removed = append(removed, address)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	return r.upstream.UnsubscribeAddresses(ctx, removed)
}

// Run applies replica subscription requests until ctx is done
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channels.subscriptions)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channels.subscriptions, err)
	}
	r.logger.Info("Relay listening for replica subscriptions", zap.String("channel", r.channels.subscriptions))

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("Error receiving subscription request", zap.Error(err))
			continue
		}
		r.handleRequest(ctx, msg)
	}
}

func (r *RedisRelay) handleRequest(ctx context.Context, msg *redis.Message) {
	var req subscriptionRequest
	if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
		r.failed("failed to decode subscription request", err)
		return
	}
	if req.Node == r.nodeID {
		return
	}

	var err error
	switch req.Op {
	case opSubscribe:
		err = r.subscribe(ctx, req.Node, req.Addresses)
	case opUnsubscribe:
		err = r.unsubscribe(ctx, req.Node, req.Addresses)
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}
	if err != nil {
		r.failed("failed to apply subscription request", err, zap.String("node", req.Node))
	}
}

// RedisSource is the feed of a reader replica. It consumes the events a relay
// node republishes and forwards its address subscriptions to that node.
type RedisSource struct {
	client    redis.UniversalClient
	channels  channels
	nodeID    string
	metrics   *Metrics
	logger    *zap.Logger
	connected atomic.Bool
}

var _ Source = (*RedisSource)(nil)

// NewRedisSource creates a replica feed
func NewRedisSource(cfg *RedisConfig) *RedisSource {
	return &RedisSource{
		client:   cfg.Client,
		channels: channelsFor(cfg.ChannelPrefix),
		nodeID:   cfg.NodeID,
		metrics:  cfg.Metrics,
		logger:   logger.WithComponent(logger.OrNop(cfg.Logger), "feed"),
	}
}

// Connected reports whether the redis subscription is active
func (s *RedisSource) Connected() bool {
	return s.connected.Load()
}

// Run delivers relayed events to handler until ctx is done
func (s *RedisSource) Run(ctx context.Context, handler Handler) error {
	pubsub := s.client.Subscribe(ctx, s.channels.block, s.channels.tx)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to relayed events: %w", err)
	}
	s.connected.Store(true)
	defer s.connected.Store(false)
	if s.metrics != nil {
		s.metrics.Connected.Set(1)
		defer s.metrics.Connected.Set(0)
	}
	s.logger.Info("Subscribed to relayed events", zap.String("block", s.channels.block), zap.String("tx", s.channels.tx))

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("Error receiving relayed event", zap.Error(err))
			continue
		}

		switch msg.Channel {
		case s.channels.block:
			var block types.NewBlock
			if err := json.Unmarshal([]byte(msg.Payload), &block); err != nil {
				s.logger.Warn("Failed to decode relayed block", zap.Error(err))
				continue
			}
			deliver(ctx, handler, event{block: &block}, s.logger, s.metrics)
		case s.channels.tx:
			deliver(ctx, handler, event{tx: json.RawMessage(msg.Payload)}, s.logger, s.metrics)
		}
	}
}

// SubscribeAddresses asks the relay node to subscribe addresses upstream
func (s *RedisSource) SubscribeAddresses(ctx context.Context, addresses []string) error {
	return s.request(ctx, opSubscribe, addresses)
}

// UnsubscribeAddresses asks the relay node to unsubscribe addresses upstream
func (s *RedisSource) UnsubscribeAddresses(ctx context.Context, addresses []string) error {
	return s.request(ctx, opUnsubscribe, addresses)
}

func (s *RedisSource) request(ctx context.Context, op string, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}

	data, err := json.Marshal(subscriptionRequest{Node: s.nodeID, Op: op, Addresses: addresses})
	if err != nil {
		return fmt.Errorf("failed to encode subscription request: %w", err)
	}
	if err := s.client.Publish(ctx, s.channels.subscriptions, data).Err(); err != nil {
		if s.metrics != nil {
			s.metrics.RelayErrors.Inc()
		}
		return fmt.Errorf("failed to publish subscription request: %w", err)
	}
	return nil
}
