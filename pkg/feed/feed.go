// Package feed connects the gateway to the upstream block and transaction feed.
package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/0xmhha/coinstack-go/pkg/types"
)

// Handler consumes feed events
type Handler interface {
	OnBlock(ctx context.Context, block types.NewBlock)
	OnTransaction(ctx context.Context, raw json.RawMessage)
}

// AddressSubscriber adds and removes addresses on the upstream feed
type AddressSubscriber interface {
	SubscribeAddresses(ctx context.Context, addresses []string) error
	UnsubscribeAddresses(ctx context.Context, addresses []string) error
}

// Source is a running feed delivering events to a Handler
type Source interface {
	AddressSubscriber
	Run(ctx context.Context, handler Handler) error
	Connected() bool
}

// Handlers delivers every event to each handler in order
type Handlers []Handler

// OnBlock implements Handler
func (hs Handlers) OnBlock(ctx context.Context, block types.NewBlock) {
	for _, h := range hs {
		h.OnBlock(ctx, block)
	}
}

// OnTransaction implements Handler
func (hs Handlers) OnTransaction(ctx context.Context, raw json.RawMessage) {
	for _, h := range hs {
		h.OnTransaction(ctx, raw)
	}
}

// BlockFunc is a Handler that only consumes new blocks
type BlockFunc func(ctx context.Context, block types.NewBlock)

// OnBlock implements Handler
func (f BlockFunc) OnBlock(ctx context.Context, block types.NewBlock) {
	f(ctx, block)
}

// OnTransaction implements Handler
func (BlockFunc) OnTransaction(context.Context, json.RawMessage) {}

// event is a decoded upstream notification; exactly one field is set
type event struct {
	block *types.NewBlock
	tx    json.RawMessage
}

func (e event) kind() string {
	if e.block != nil {
		return "block"
	}
	return "tx"
}

// deliver hands one event to the handler. Each member of Handlers is isolated,
// so a panicking handler only drops the event for itself.
func deliver(ctx context.Context, handler Handler, ev event, logger *zap.Logger, metrics *Metrics) {
	if metrics != nil {
		metrics.Events.WithLabelValues(ev.kind()).Inc()
	}

	hs, ok := handler.(Handlers)
	if !ok {
		hs = Handlers{handler}
	}
	for _, h := range hs {
		deliverOne(ctx, h, ev, logger)
	}
}

func deliverOne(ctx context.Context, handler Handler, ev event, logger *zap.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Feed handler panicked",
				zap.String("event", ev.kind()),
				zap.Error(fmt.Errorf("panic: %v", rec)),
			)
		}
	}()

	if ev.block != nil {
		handler.OnBlock(ctx, *ev.block)
		return
	}
	handler.OnTransaction(ctx, ev.tx)
}
