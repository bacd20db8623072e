package txhistory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0xmhha/coinstack-go/internal/constants"
	"github.com/0xmhha/coinstack-go/internal/logger"
	"github.com/0xmhha/coinstack-go/pkg/storage"
	"github.com/0xmhha/coinstack-go/pkg/types"
)

// traceConcurrency bounds the trace calls issued for one page
const traceConcurrency = 8

// IndexerOnly serves the indexer's history and derives internal transfers
// from node traces instead of a second paginated source
type IndexerOnly struct {
	primary PrimarySource
	traces  TraceSource
	cache   storage.Store
	metrics *Metrics
	logger  *zap.Logger
}

// NewIndexerOnly creates an IndexerOnly service. cache may be nil.
func NewIndexerOnly(primary PrimarySource, traces TraceSource, cache storage.Store, metrics *Metrics, log *zap.Logger) *IndexerOnly {
	return &IndexerOnly{
		primary: primary,
		traces:  traces,
		cache:   cache,
		metrics: metrics,
		logger:  logger.WithComponent(logger.OrNop(log), "txhistory"),
	}
}

// GetTxHistory returns one page of pubkey's history
func (s *IndexerOnly) GetTxHistory(ctx context.Context, pubkey string, q Query) (*types.TxHistory, error) {
	pageSize, err := q.pageSize()
	if err != nil {
		return nil, err
	}
	cursor, err := DecodeCursor(q.Cursor)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		start := time.Now()
		defer func() { s.metrics.PageDuration.WithLabelValues(ModeIndexer).Observe(time.Since(start).Seconds()) }()
	}

	page, err := s.primary.TxPage(ctx, pubkey, cursor.PrimaryPage, pageSize, q.From, q.To)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transactions page %d: %w", cursor.PrimaryPage, err)
	}

	set := newOrderedSet[types.Tx]()
	for _, tx := range page.Txs {
		set.add(txKey(tx.TxID), tx)
	}
	set.skipReturned(txKey(cursor.PrimaryTxid), cursor, txHeight)

	hasMore := page.HasMore
	for set.len() == 0 && hasMore {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cursor.PrimaryPage++
		page, err = s.primary.TxPage(ctx, pubkey, cursor.PrimaryPage, pageSize, q.From, q.To)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch transactions page %d: %w", cursor.PrimaryPage, err)
		}
		set = newOrderedSet[types.Tx]()
		for _, tx := range page.Txs {
			set.add(txKey(tx.TxID), tx)
		}
		hasMore = page.HasMore
	}

	txs := make([]types.Tx, 0, pageSize)
	for len(txs) < pageSize {
		tx, ok := set.first()
		if !ok {
			break
		}
		set.remove(txKey(tx.TxID))
		txs = append(txs, tx)

		cursor.PrimaryTxid = tx.TxID
		if !tx.Pending() {
			cursor.consume(tx.BlockHeight, tx.TxID)
		}
	}

	if err := s.enrich(ctx, txs); err != nil {
		return nil, err
	}

	if set.len() == 0 && hasMore {
		cursor.PrimaryPage++
	}
	next, err := encodeNext(cursor, hasMore || set.len() > 0)
	if err != nil {
		return nil, err
	}

	return &types.TxHistory{Pubkey: pubkey, Cursor: next, Txs: txs}, nil
}

// GetTransaction returns a single transaction with its traced internal transfers
func (s *IndexerOnly) GetTransaction(ctx context.Context, txid string) (*types.Tx, error) {
	tx, err := s.primary.Transaction(ctx, txid)
	if err != nil {
		return nil, err
	}

	txs := []types.Tx{*tx}
	if err := s.enrich(ctx, txs); err != nil {
		return nil, err
	}
	return &txs[0], nil
}

// enrich attaches internal transfers to confirmed transactions in place.
// A failed trace leaves that transaction unenriched.
func (s *IndexerOnly) enrich(ctx context.Context, txs []types.Tx) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(traceConcurrency)

	for i := range txs {
		if !txs[i].Confirmed() {
			continue
		}
		g.Go(func() error {
			transfers, err := s.trace(gctx, txs[i].TxID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				s.logger.Warn("Failed to trace transaction",
					zap.String("txid", txs[i].TxID),
					zap.Error(err),
				)
				if s.metrics != nil {
					s.metrics.DegradedSources.WithLabelValues("trace").Inc()
				}
				return nil
			}
			txs[i].InternalTransfers = transfers
			return nil
		})
	}

	return g.Wait()
}

func (s *IndexerOnly) trace(ctx context.Context, txid string) ([]types.InternalTransfer, error) {
	key := storage.TraceKey(txKey(txid))
	if s.cache != nil {
		var cached []types.InternalTransfer
		err := storage.GetObject(ctx, s.cache, key, &cached)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("Trace cache read failed", zap.String("txid", txid), zap.Error(err))
		}
	}

	transfers, err := s.traces.TraceTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}

	// only confirmed transactions are traced, so the result is final
	if s.cache != nil {
		if err := storage.SetObject(ctx, s.cache, key, transfers, constants.DefaultCacheTTL); err != nil {
			s.logger.Debug("Trace cache write failed", zap.String("txid", txid), zap.Error(err))
		}
	}
	return transfers, nil
}
