// Package registry multiplexes one upstream transaction feed to many client
// subscriptions keyed by address.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/0xmhha/coinstack-go/internal/logger"
	"github.com/0xmhha/coinstack-go/pkg/types"
)

// Connection is a client that receives published transactions
type Connection interface {
	ID() string
	Publish(msg *Message) error
}

// Message is pushed to a connection for each matching transaction
type Message struct {
	SubscriptionID string `json:"subscriptionId"`
	Address        string `json:"address"`
	Data           any    `json:"data"`
}

// AddressFormatter normalizes an address; an empty result rejects it
type AddressFormatter func(address string) string

// BlockTx is a transaction found while handling a block. When Addresses is set
// the transaction is published to them directly, otherwise Raw goes through
// the transaction handler.
type BlockTx struct {
	Addresses []string
	Tx        any
	Raw       json.RawMessage
}

// BlockHandler lists the transactions of a new block worth publishing
type BlockHandler func(ctx context.Context, block types.NewBlock) ([]BlockTx, error)

// TransactionHandler resolves the addresses and payload of a raw feed transaction
type TransactionHandler func(ctx context.Context, raw json.RawMessage) (addresses []string, tx any, err error)

type subKey struct {
	clientID       string
	subscriptionID string
}

type subscription struct {
	conn      Connection
	addresses mapset.Set[string]
}

// Config holds the registry collaborators
type Config struct {
	Format             AddressFormatter
	BlockHandler       BlockHandler
	TransactionHandler TransactionHandler
	Metrics            *Metrics
	Logger             *zap.Logger
}

// Registry maps addresses to the client subscriptions interested in them
type Registry struct {
	format      AddressFormatter
	handleBlock BlockHandler
	handleTx    TransactionHandler
	metrics     *Metrics
	logger      *zap.Logger

	mu            sync.Mutex
	subscriptions map[subKey]*subscription
	addresses     map[string]mapset.Set[subKey]
}

// New creates a Registry. A nil Format keeps addresses as given.
func New(cfg Config) *Registry {
	format := cfg.Format
	if format == nil {
		format = func(address string) string { return address }
	}

	return &Registry{
		format:        format,
		handleBlock:   cfg.BlockHandler,
		handleTx:      cfg.TransactionHandler,
		metrics:       cfg.Metrics,
		logger:        logger.WithComponent(logger.OrNop(cfg.Logger), "registry"),
		subscriptions: make(map[subKey]*subscription),
		addresses:     make(map[string]mapset.Set[subKey]),
	}
}

// Subscribe adds addresses to a client subscription and returns those that
// had no subscriber before, which the caller subscribes upstream
func (r *Registry) Subscribe(clientID, subscriptionID string, conn Connection, addresses []string) []string {
	key := subKey{clientID: clientID, subscriptionID: subscriptionID}

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subscriptions[key]
	if !ok {
		sub = &subscription{addresses: mapset.NewThreadUnsafeSet[string]()}
		r.subscriptions[key] = sub
	}
	sub.conn = conn

	var added []string
	for _, address := range addresses {
		address = r.format(address)
		if address == "" || !sub.addresses.Add(address) {
			continue
		}

		keys, ok := r.addresses[address]
		if !ok {
			keys = mapset.NewThreadUnsafeSet[subKey]()
			r.addresses[address] = keys
			added = append(added, address)
		}
		keys.Add(key)
	}
	if sub.addresses.Cardinality() == 0 {
		delete(r.subscriptions, key)
	}

	r.observe()
	return added
}

// Unsubscribe removes addresses from a client subscription, or all of its
// addresses when none are given. It returns the addresses left with no
// subscriber, which the caller unsubscribes upstream.
func (r *Registry) Unsubscribe(clientID, subscriptionID string, addresses []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := r.unsubscribe(subKey{clientID: clientID, subscriptionID: subscriptionID}, addresses)
	r.observe()
	return removed
}

// UnsubscribeClient drops every subscription owned by a client
func (r *Registry) UnsubscribeClient(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for key := range r.subscriptions {
		if key.clientID == clientID {
			removed = append(removed, r.unsubscribe(key, nil)...)
		}
	}
	r.observe()
	return removed
}

// unsubscribe must be called with mu held
func (r *Registry) unsubscribe(key subKey, addresses []string) []string {
	sub, ok := r.subscriptions[key]
	if !ok {
		return nil
	}

	targets := sub.addresses.ToSlice()
	if len(addresses) > 0 {
		targets = targets[:0]
		for _, address := range addresses {
			targets = append(targets, r.format(address))
		}
	}

	var removed []string
	for _, address := range targets {
		if !sub.addresses.Contains(address) {
			continue
		}
		sub.addresses.Remove(address)

		keys := r.addresses[address]
		keys.Remove(key)
		if keys.Cardinality() == 0 {
			delete(r.addresses, address)
			removed = append(removed, address)
		}
	}

	if sub.addresses.Cardinality() == 0 {
		delete(r.subscriptions, key)
	}
	return removed
}

// observe must be called with mu held
func (r *Registry) observe() {
	if r.metrics == nil {
		return
	}
	r.metrics.Addresses.Set(float64(len(r.addresses)))
	r.metrics.Subscriptions.Set(float64(len(r.subscriptions)))
}

// AddressCount returns the number of addresses with at least one subscriber
func (r *Registry) AddressCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.addresses)
}

// Addresses returns every address with at least one subscriber
func (r *Registry) Addresses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	addresses := make([]string, 0, len(r.addresses))
	for address := range r.addresses {
		addresses = append(addresses, address)
	}
	return addresses
}

type delivery struct {
	conn Connection
	msg  *Message
}

// PublishTransaction delivers tx to every subscription of the given addresses.
// A failing connection does not affect delivery to the others.
func (r *Registry) PublishTransaction(addresses []string, tx any) {
	var deliveries []delivery

	r.mu.Lock()
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, address := range addresses {
		address = r.format(address)
		if address == "" || !seen.Add(address) {
			continue
		}
		keys, ok := r.addresses[address]
		if !ok {
			continue
		}
		for key := range keys.Iter() {
			sub := r.subscriptions[key]
			deliveries = append(deliveries, delivery{
				conn: sub.conn,
				msg: &Message{
					SubscriptionID: key.subscriptionID,
					Address:        address,
					Data:           tx,
				},
			})
		}
	}
	r.mu.Unlock()

	for _, d := range deliveries {
		r.deliver(d)
	}
}

func (r *Registry) deliver(d delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Connection panicked while publishing",
				zap.String("client", d.conn.ID()),
				zap.Any("panic", rec),
			)
			r.countFailure()
		}
	}()

	if err := d.conn.Publish(d.msg); err != nil {
		r.logger.Debug("Failed to publish transaction",
			zap.String("client", d.conn.ID()),
			zap.String("subscription", d.msg.SubscriptionID),
			zap.Error(err),
		)
		r.countFailure()
		return
	}
	if r.metrics != nil {
		r.metrics.Published.Inc()
	}
}

func (r *Registry) countFailure() {
	if r.metrics != nil {
		r.metrics.DeliveryFailures.Inc()
	}
}

// OnBlock publishes the transactions the block handler finds in a new block.
// Handler failures are logged and the block is dropped.
func (r *Registry) OnBlock(ctx context.Context, block types.NewBlock) {
	if r.handleBlock == nil {
		return
	}
	defer r.recoverHandler("block", zap.Int64("height", block.Height))

	txs, err := r.handleBlock(ctx, block)
	if err != nil {
		r.handlerFailed("block", err, zap.Int64("height", block.Height))
		return
	}

	for _, tx := range txs {
		if tx.Addresses != nil {
			r.PublishTransaction(tx.Addresses, tx.Tx)
			continue
		}
		r.OnTransaction(ctx, tx.Raw)
	}
}

// OnTransaction resolves a raw feed transaction and publishes it.
// Handler failures are logged and the transaction is dropped.
func (r *Registry) OnTransaction(ctx context.Context, raw json.RawMessage) {
	if r.handleTx == nil {
		return
	}
	defer r.recoverHandler("transaction")

	addresses, tx, err := r.handleTx(ctx, raw)
	if err != nil {
		r.handlerFailed("transaction", err)
		return
	}
	r.PublishTransaction(addresses, tx)
}

func (r *Registry) handlerFailed(event string, err error, fields ...zap.Field) {
	r.logger.Error("Failed to handle "+event, append(fields, zap.Error(err))...)
	if r.metrics != nil {
		r.metrics.HandlerErrors.WithLabelValues(event).Inc()
	}
}

func (r *Registry) recoverHandler(event string, fields ...zap.Field) {
	if rec := recover(); rec != nil {
		r.handlerFailed(event, fmt.Errorf("panic: %v", rec), fields...)
	}
}
