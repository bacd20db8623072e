package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0xmhha/coinstack-go/internal/constants"
	"github.com/0xmhha/coinstack-go/internal/logger"
	"github.com/0xmhha/coinstack-go/pkg/types"
)

const (
	methodSubscribeNewBlock    = "subscribeNewBlock"
	methodSubscribeAddresses   = "subscribeAddresses"
	methodUnsubscribeAddresses = "unsubscribeAddresses"
	methodPing                 = "ping"

	reconnectInitial = 500 * time.Millisecond
)

// BlockbookConfig holds the upstream websocket settings
type BlockbookConfig struct {
	URL          string
	PingInterval time.Duration
	ReconnectMax time.Duration
	Logger       *zap.Logger
	Metrics      *Metrics
}

type wsRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type wsResponse struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type addressesParams struct {
	Addresses []string `json:"addresses"`
}

type addressNotification struct {
	Address string          `json:"address"`
	Tx      json.RawMessage `json:"tx"`
}

// Blockbook is a feed over the indexer's websocket API. It keeps the full
// address set and resubscribes everything after a reconnect.
type Blockbook struct {
	url          string
	pingInterval time.Duration
	reconnectMax time.Duration
	dialer       *websocket.Dialer
	metrics      *Metrics
	logger       *zap.Logger

	nextID    atomic.Uint64
	connected atomic.Bool

	// mu guards the connection, its writes, the address set and subscription ids
	mu         sync.Mutex
	conn       *websocket.Conn
	addresses  mapset.Set[string]
	blockSubID string
	addrSubID  string
}

var _ Source = (*Blockbook)(nil)

// NewBlockbook creates a Blockbook feed; call Run to connect
func NewBlockbook(cfg *BlockbookConfig) (*Blockbook, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("feed url is required")
	}

	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = constants.DefaultFeedPingInterval
	}
	reconnectMax := cfg.ReconnectMax
	if reconnectMax <= 0 {
		reconnectMax = constants.DefaultFeedReconnectMax
	}

	return &Blockbook{
		url:          cfg.URL,
		pingInterval: pingInterval,
		reconnectMax: reconnectMax,
		dialer: &websocket.Dialer{
			HandshakeTimeout: constants.DefaultWSWriteTimeout,
		},
		metrics:   cfg.Metrics,
		logger:    logger.WithComponent(logger.OrNop(cfg.Logger), "feed"),
		addresses: mapset.NewThreadUnsafeSet[string](),
	}, nil
}

// Connected reports whether the upstream websocket is open
func (b *Blockbook) Connected() bool {
	return b.connected.Load()
}

// Run connects and dispatches events to handler until ctx is done,
// reconnecting with exponential backoff when the connection drops
func (b *Blockbook) Run(ctx context.Context, handler Handler) error {
	events := make(chan event, constants.DefaultFeedEventBuffer)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			deliver(ctx, handler, ev, b.logger, b.metrics)
		}
	}()
	defer func() {
		close(events)
		wg.Wait()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = min(reconnectInitial, b.reconnectMax)
	bo.MaxInterval = b.reconnectMax

	for {
		established, err := b.session(ctx, events)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		b.logger.Warn("Feed disconnected, reconnecting",
			zap.String("url", b.url),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if b.metrics != nil {
			b.metrics.Reconnects.Inc()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session runs one connection until it fails
func (b *Blockbook) session(ctx context.Context, events chan<- event) (bool, error) {
	conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial feed: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.conn = nil
		b.blockSubID = ""
		b.addrSubID = ""
		b.mu.Unlock()

		_ = conn.Close()
		b.setConnected(false)
	}()

	if err := b.subscribe(); err != nil {
		return false, err
	}
	b.setConnected(true)
	b.logger.Info("Feed connected", zap.String("url", b.url))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-sessionCtx.Done()
		_ = conn.Close()
	}()
	go b.pingLoop(sessionCtx, conn)

	return true, b.readLoop(sessionCtx, conn, events)
}

func (b *Blockbook) setConnected(connected bool) {
	b.connected.Store(connected)
	if b.metrics == nil {
		return
	}
	if connected {
		b.metrics.Connected.Set(1)
	} else {
		b.metrics.Connected.Set(0)
	}
}

// subscribe requests new blocks and the current address set on a fresh connection
func (b *Blockbook) subscribe() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, err := b.sendLocked(methodSubscribeNewBlock, struct{}{})
	if err != nil {
		return fmt.Errorf("failed to subscribe to new blocks: %w", err)
	}
	b.blockSubID = id

	if b.addresses.Cardinality() > 0 {
		if err := b.syncAddressesLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Blockbook) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			_, err := b.sendLocked(methodPing, struct{}{})
			b.mu.Unlock()
			if err != nil {
				b.logger.Warn("Feed ping failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (b *Blockbook) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- event) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		ev, ok := b.decode(data)
		if !ok {
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// decode turns a notification into an event; acks and ping replies are skipped
func (b *Blockbook) decode(data []byte) (event, bool) {
	var resp wsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		b.logger.Warn("Failed to decode feed message", zap.Error(err))
		return event{}, false
	}
	if resp.ID == "" {
		return event{}, false
	}

	b.mu.Lock()
	blockSubID, addrSubID := b.blockSubID, b.addrSubID
	b.mu.Unlock()

	switch resp.ID {
	case blockSubID:
		var block types.NewBlock
		if err := json.Unmarshal(resp.Data, &block); err != nil || block.Hash == "" {
			return event{}, false
		}
		return event{block: &block}, true

	case addrSubID:
		var n addressNotification
		if err := json.Unmarshal(resp.Data, &n); err != nil || len(n.Tx) == 0 {
			return event{}, false
		}
		return event{tx: n.Tx}, true
	}

	return event{}, false
}

// sendLocked writes a request and returns its id; mu must be held
func (b *Blockbook) sendLocked(method string, params any) (string, error) {
	if b.conn == nil {
		return "", fmt.Errorf("feed is not connected")
	}

	id := strconv.FormatUint(b.nextID.Add(1), 10)
	_ = b.conn.SetWriteDeadline(time.Now().Add(constants.DefaultWSWriteTimeout))
	if err := b.conn.WriteJSON(wsRequest{ID: id, Method: method, Params: params}); err != nil {
		return "", fmt.Errorf("failed to send %s: %w", method, err)
	}
	return id, nil
}

// syncAddressesLocked replaces the upstream subscription with the full address set
func (b *Blockbook) syncAddressesLocked() error {
	if b.addresses.Cardinality() == 0 {
		_, err := b.sendLocked(methodUnsubscribeAddresses, struct{}{})
		b.addrSubID = ""
		return err
	}

	addresses := b.addresses.ToSlice()
	sort.Strings(addresses)

	id, err := b.sendLocked(methodSubscribeAddresses, addressesParams{Addresses: addresses})
	if err != nil {
		return err
	}
	b.addrSubID = id
	return nil
}

// SubscribeAddresses adds addresses to the upstream subscription. While
// disconnected they are kept and sent on the next connect.
func (b *Blockbook) SubscribeAddresses(ctx context.Context, addresses []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	changed := false
	for _, address := range addresses {
		if b.addresses.Add(address) {
			changed = true
		}
	}
	if !changed || b.conn == nil {
		return nil
	}
	return b.syncAddressesLocked()
}

// UnsubscribeAddresses removes addresses from the upstream subscription
func (b *Blockbook) UnsubscribeAddresses(ctx context.Context, addresses []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	changed := false
	for _, address := range addresses {
		if b.addresses.Contains(address) {
			b.addresses.Remove(address)
			changed = true
		}
	}
	if !changed || b.conn == nil {
		return nil
	}
	return b.syncAddressesLocked()
}

// Addresses returns the upstream address set
func (b *Blockbook) Addresses() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addresses.ToSlice()
}
