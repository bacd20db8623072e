package txhistory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0xmhha/coinstack-go/internal/logger"
	"github.com/0xmhha/coinstack-go/pkg/types"
)

// Merger merges the indexer's transaction pages with the explorer's internal
// transfer pages into one descending, resumable history
type Merger struct {
	primary  PrimarySource
	internal InternalSource
	metrics  *Metrics
	logger   *zap.Logger
}

// NewMerger creates a Merger
func NewMerger(primary PrimarySource, internal InternalSource, metrics *Metrics, log *zap.Logger) *Merger {
	return &Merger{
		primary:  primary,
		internal: internal,
		metrics:  metrics,
		logger:   logger.WithComponent(logger.OrNop(log), "txhistory"),
	}
}

func txKey(txid string) string {
	return strings.ToLower(txid)
}

func txHeight(tx types.Tx) int64 { return tx.BlockHeight }

func internalHeight(rec types.InternalTxs) int64 { return rec.BlockHeight }

// mergeRequest is the state of one GetTxHistory call
type mergeRequest struct {
	pubkey   string
	pageSize int
	from, to *int64
	cursor   *Cursor

	primary      *orderedSet[types.Tx]
	primaryMore  bool
	internal     *orderedSet[types.InternalTxs]
	internalMore bool
	// degraded is set once the internal source failed during this request
	degraded bool

	emitted map[string]struct{}
	txs     []types.Tx
}

func (r *mergeRequest) emit(tx types.Tx) {
	key := txKey(tx.TxID)
	if _, ok := r.emitted[key]; ok {
		return
	}
	r.emitted[key] = struct{}{}
	r.txs = append(r.txs, tx)
}

// GetTxHistory returns one page of the merged history of pubkey
func (m *Merger) GetTxHistory(ctx context.Context, pubkey string, q Query) (*types.TxHistory, error) {
	pageSize, err := q.pageSize()
	if err != nil {
		return nil, err
	}
	cursor, err := DecodeCursor(q.Cursor)
	if err != nil {
		return nil, err
	}

	if m.metrics != nil {
		start := time.Now()
		defer func() { m.metrics.PageDuration.WithLabelValues(ModeMerged).Observe(time.Since(start).Seconds()) }()
	}

	req := &mergeRequest{
		pubkey:   pubkey,
		pageSize: pageSize,
		from:     q.From,
		to:       q.To,
		cursor:   cursor,
		emitted:  make(map[string]struct{}),
	}

	if err := m.fetchBoth(ctx, req); err != nil {
		return nil, err
	}

	for i := 0; i < pageSize; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := m.refill(ctx, req); err != nil {
			return nil, err
		}
		if req.primary.len() == 0 && req.internal.len() == 0 {
			break
		}
		m.step(ctx, req)
	}

	// drained pages are pre-advanced so the next request starts on fresh data
	if req.primary.len() == 0 && req.primaryMore {
		cursor.PrimaryPage++
	}
	if req.internal.len() == 0 && req.internalMore && !req.degraded {
		cursor.SecondaryPage++
	}

	hasMore := req.primaryMore || req.primary.len() > 0 ||
		(!req.degraded && (req.internalMore || req.internal.len() > 0))
	next, err := encodeNext(cursor, hasMore)
	if err != nil {
		return nil, err
	}

	txs := req.txs
	if txs == nil {
		txs = []types.Tx{}
	}
	return &types.TxHistory{Pubkey: pubkey, Cursor: next, Txs: txs}, nil
}

// GetTransaction returns a single transaction enriched with its internal transfers
func (m *Merger) GetTransaction(ctx context.Context, txid string) (*types.Tx, error) {
	tx, err := m.primary.Transaction(ctx, txid)
	if err != nil {
		return nil, err
	}

	transfers, err := m.internal.InternalTransfers(ctx, txid)
	if err != nil {
		m.logger.Warn("Failed to fetch internal transfers",
			zap.String("txid", txid),
			zap.Error(err),
		)
		m.degrade("internal")
		return tx, nil
	}
	tx.InternalTransfers = transfers
	return tx, nil
}

// fetchBoth loads the cursor's current page from both sources concurrently
func (m *Merger) fetchBoth(ctx context.Context, req *mergeRequest) error {
	var (
		primary  *types.TxPage
		internal *types.InternalTxPage
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		page, err := m.primary.TxPage(gctx, req.pubkey, req.cursor.PrimaryPage, req.pageSize, req.from, req.to)
		if err != nil {
			return fmt.Errorf("failed to fetch transactions page %d: %w", req.cursor.PrimaryPage, err)
		}
		primary = page
		return nil
	})
	g.Go(func() error {
		page, err := m.internal.InternalTxPage(gctx, req.pubkey, req.cursor.SecondaryPage, req.pageSize, req.from, req.to)
		if err != nil {
			// the page is served without internal transfers
			m.logger.Warn("Failed to fetch internal transactions page",
				zap.String("pubkey", req.pubkey),
				zap.Int("page", req.cursor.SecondaryPage),
				zap.Error(err),
			)
			return nil
		}
		internal = page
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	req.setPrimary(primary)
	if internal == nil {
		req.degraded = true
		m.degrade("internal")
	}
	req.setInternal(internal)
	return nil
}

func (r *mergeRequest) setPrimary(page *types.TxPage) {
	r.primary = newOrderedSet[types.Tx]()
	r.primaryMore = false
	if page == nil {
		return
	}
	for _, tx := range page.Txs {
		r.primary.add(txKey(tx.TxID), tx)
	}
	r.primaryMore = page.HasMore
	r.primary.skipReturned(txKey(r.cursor.PrimaryTxid), r.cursor, txHeight)
}

func (r *mergeRequest) setInternal(page *types.InternalTxPage) {
	r.internal = newOrderedSet[types.InternalTxs]()
	r.internalMore = false
	if page == nil {
		return
	}
	for _, rec := range page.Txs {
		r.internal.add(txKey(rec.TxID), rec)
	}
	r.internalMore = page.HasMore
	r.internal.skipReturned(txKey(r.cursor.SecondaryTxid), r.cursor, internalHeight)
}

// refill advances and refetches any source whose current page is used up
func (m *Merger) refill(ctx context.Context, req *mergeRequest) error {
	for req.primary.len() == 0 && req.primaryMore {
		req.cursor.PrimaryPage++
		page, err := m.primary.TxPage(ctx, req.pubkey, req.cursor.PrimaryPage, req.pageSize, req.from, req.to)
		if err != nil {
			return fmt.Errorf("failed to fetch transactions page %d: %w", req.cursor.PrimaryPage, err)
		}
		req.setPrimary(page)
	}

	for req.internal.len() == 0 && req.internalMore && !req.degraded {
		req.cursor.SecondaryPage++
		page, err := m.internal.InternalTxPage(ctx, req.pubkey, req.cursor.SecondaryPage, req.pageSize, req.from, req.to)
		if err != nil {
			m.logger.Warn("Failed to fetch internal transactions page",
				zap.String("pubkey", req.pubkey),
				zap.Int("page", req.cursor.SecondaryPage),
				zap.Error(err),
			)
			// retry the same page on the next request
			req.cursor.SecondaryPage--
			req.degraded = true
			m.degrade("internal")
			return nil
		}
		req.setInternal(page)
	}

	return nil
}

// step emits at most one record, taking the newest across both sources
func (m *Merger) step(ctx context.Context, req *mergeRequest) {
	cursor := req.cursor
	tx, hasPrimary := req.primary.first()
	rec, hasInternal := req.internal.first()

	// pending transactions lead the page and have no internal transfers yet
	if hasPrimary && tx.Pending() {
		key := txKey(tx.TxID)
		req.primary.remove(key)
		cursor.PrimaryTxid = tx.TxID
		req.emit(tx)
		return
	}

	if hasPrimary && (!hasInternal || tx.BlockHeight >= rec.BlockHeight) {
		key := txKey(tx.TxID)
		req.primary.remove(key)
		if match, ok := req.internal.get(key); ok {
			tx.InternalTransfers = match.Transfers
			req.internal.remove(key)
			// a match further down B's page stays behind the marker
			if txKey(rec.TxID) == key {
				cursor.SecondaryTxid = match.TxID
			}
		}
		cursor.PrimaryTxid = tx.TxID
		cursor.consume(tx.BlockHeight, tx.TxID)
		req.emit(tx)
		return
	}

	key := txKey(rec.TxID)
	req.internal.remove(key)
	cursor.SecondaryTxid = rec.TxID
	cursor.consume(rec.BlockHeight, rec.TxID)

	if match, ok := req.primary.get(key); ok {
		req.primary.remove(key)
		if hasPrimary && txKey(tx.TxID) == key {
			cursor.PrimaryTxid = match.TxID
		}
		match.InternalTransfers = rec.Transfers
		req.emit(match)
		return
	}

	if _, ok := req.emitted[key]; ok {
		return
	}

	// the indexer page does not hold the parent transaction
	if m.metrics != nil {
		m.metrics.DirectFetches.Inc()
	}
	fetched, err := m.primary.Transaction(ctx, rec.TxID)
	if err != nil {
		m.logger.Warn("Dropping internal transfer without parent transaction",
			zap.String("txid", rec.TxID),
			zap.Int64("height", rec.BlockHeight),
			zap.Error(err),
		)
		if m.metrics != nil {
			m.metrics.DroppedRecords.Inc()
		}
		return
	}
	fetched.InternalTransfers = rec.Transfers
	req.emit(*fetched)
}

func (m *Merger) degrade(source string) {
	if m.metrics != nil {
		m.metrics.DegradedSources.WithLabelValues(source).Inc()
	}
}
