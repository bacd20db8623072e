// Package gasoracle estimates transaction fees from a sliding window of recent blocks.
package gasoracle

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"slices"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0xmhha/coinstack-go/internal/constants"
	"github.com/0xmhha/coinstack-go/internal/logger"
	"github.com/0xmhha/coinstack-go/pkg/client"
	"github.com/0xmhha/coinstack-go/pkg/types"
)

// BlockSource provides the blocks the oracle samples
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FeeBlock(ctx context.Context, tag string) (*client.FeeBlock, error)
}

// Config holds oracle configuration
type Config struct {
	// TotalBlocks is the window size, the pending block included
	TotalBlocks int
}

// feeEntry is the sorted fee sample of one block
type feeEntry struct {
	baseFeePerGas   *big.Int
	gasPrices       []*big.Int
	maxPriorityFees []*big.Int
}

// Oracle keeps fee samples of the latest confirmed blocks plus the pending block
type Oracle struct {
	source      BlockSource
	totalBlocks int
	metrics     *Metrics
	logger      *zap.Logger

	mu      sync.RWMutex
	blocks  map[uint64]*feeEntry
	pending *feeEntry
}

// New creates an Oracle. metrics may be nil.
func New(source BlockSource, cfg *Config, log *zap.Logger, metrics *Metrics) *Oracle {
	totalBlocks := constants.DefaultTotalBlocks
	if cfg != nil && cfg.TotalBlocks > 1 {
		totalBlocks = cfg.TotalBlocks
	}

	return &Oracle{
		source:      source,
		totalBlocks: totalBlocks,
		metrics:     metrics,
		logger:      logger.WithComponent(logger.OrNop(log), "gasoracle"),
		blocks:      make(map[uint64]*feeEntry),
	}
}

// Start seeds the window with the most recent confirmed blocks and the pending block
func (o *Oracle) Start(ctx context.Context) error {
	latest, err := o.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed gas oracle: %w", err)
	}

	var wg sync.WaitGroup
	for _, tag := range o.windowTags(latest) {
		wg.Add(1)
		go func(tag string) {
			defer wg.Done()
			o.tryUpdate(ctx, tag)
		}(tag)
	}
	wg.Wait()

	o.logger.Info("Gas oracle started",
		zap.Uint64("latest", latest),
		zap.Int("window", o.WindowSize()),
	)
	return nil
}

// OnBlock refreshes the new block and the pending block, then restores the window
func (o *Oracle) OnBlock(ctx context.Context, block types.NewBlock) {
	if block.Height < 0 {
		return
	}
	height := uint64(block.Height)

	var wg sync.WaitGroup
	for _, tag := range []string{strconv.FormatUint(height, 10), client.PendingTag} {
		wg.Add(1)
		go func(tag string) {
			defer wg.Done()
			o.tryUpdate(ctx, tag)
		}(tag)
	}
	wg.Wait()

	o.validate(ctx, height)
}

// windowTags lists the confirmed blocks of the window ending at latest, plus pending
func (o *Oracle) windowTags(latest uint64) []string {
	tags := make([]string, 0, o.totalBlocks)
	for n := o.oldest(latest); n <= latest; n++ {
		tags = append(tags, strconv.FormatUint(n, 10))
	}
	return append(tags, client.PendingTag)
}

// oldest is the oldest confirmed block the window should hold for latest
func (o *Oracle) oldest(latest uint64) uint64 {
	span := uint64(o.totalBlocks - 2)
	if latest < span {
		return 0
	}
	return latest - span
}

func (o *Oracle) tryUpdate(ctx context.Context, tag string) {
	if err := o.update(ctx, tag); err != nil {
		o.logger.Warn("Failed to update fee window",
			zap.String("block", tag),
			zap.Error(err),
		)
		if o.metrics != nil {
			o.metrics.UpdateFailures.Inc()
		}
	}
}

// update fetches a block and stores its sorted fee sample
func (o *Oracle) update(ctx context.Context, tag string) error {
	block, err := o.source.FeeBlock(ctx, tag)
	if err != nil {
		return err
	}

	entry := &feeEntry{baseFeePerGas: block.BaseFeePerGas}
	for _, tx := range block.Transactions {
		if tx.GasPrice != nil {
			entry.gasPrices = append(entry.gasPrices, tx.GasPrice)
		}
		if tx.MaxPriorityFeePerGas != nil {
			entry.maxPriorityFees = append(entry.maxPriorityFees, tx.MaxPriorityFeePerGas)
		}
	}
	slices.SortFunc(entry.gasPrices, (*big.Int).Cmp)
	slices.SortFunc(entry.maxPriorityFees, (*big.Int).Cmp)

	o.mu.Lock()
	defer o.mu.Unlock()

	if tag == client.PendingTag {
		o.pending = entry
	} else {
		number, err := strconv.ParseUint(tag, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid block number %q: %w", tag, err)
		}
		o.blocks[number] = entry
	}
	o.observeWindow()
	return nil
}

// validate backfills missing blocks of the window ending at latest and prunes older ones
func (o *Oracle) validate(ctx context.Context, latest uint64) {
	oldest := o.oldest(latest)

	o.mu.RLock()
	var missing []string
	for n := oldest; n <= latest; n++ {
		if _, ok := o.blocks[n]; !ok {
			missing = append(missing, strconv.FormatUint(n, 10))
		}
	}
	o.mu.RUnlock()

	if len(missing) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, tag := range missing {
			g.Go(func() error {
				o.tryUpdate(gctx, tag)
				return nil
			})
		}
		_ = g.Wait()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for n := range o.blocks {
		if n < oldest {
			delete(o.blocks, n)
		}
	}
	o.observeWindow()

	size := o.windowSize()
	_, hasOldest := o.blocks[oldest]
	if size != o.totalBlocks || !hasOldest {
		o.logger.Warn("Gas oracle drift",
			zap.Uint64("latest", latest),
			zap.Uint64("oldest", oldest),
			zap.Bool("hasOldest", hasOldest),
			zap.Int("window", size),
			zap.Int("expected", o.totalBlocks),
		)
		if o.metrics != nil {
			o.metrics.Drift.Inc()
		}
	}
}

// windowSize must be called with mu held
func (o *Oracle) windowSize() int {
	size := len(o.blocks)
	if o.pending != nil {
		size++
	}
	return size
}

// observeWindow must be called with mu held
func (o *Oracle) observeWindow() {
	if o.metrics != nil {
		o.metrics.WindowSize.Set(float64(o.windowSize()))
	}
}

// WindowSize returns the number of tracked entries, the pending block included
func (o *Oracle) WindowSize() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.windowSize()
}

// BaseFeePerGas returns the pending block's base fee, or nil when unknown
func (o *Oracle) BaseFeePerGas() *big.Int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.pending == nil || o.pending.baseFeePerGas == nil {
		return nil
	}
	return new(big.Int).Set(o.pending.baseFeePerGas)
}

// EstimateFees returns a fee tier per percentile. Each value is the average,
// across all tracked blocks, of that block's value at the percentile rank.
func (o *Oracle) EstimateFees(percentiles []float64) map[float64]types.Fees {
	o.mu.RLock()
	defer o.mu.RUnlock()

	entries := make([]*feeEntry, 0, o.windowSize())
	for _, entry := range o.blocks {
		entries = append(entries, entry)
	}
	if o.pending != nil {
		entries = append(entries, o.pending)
	}

	var baseFee *big.Int
	if o.pending != nil {
		baseFee = o.pending.baseFeePerGas
	}

	fees := make(map[float64]types.Fees, len(percentiles))
	for _, p := range percentiles {
		gasPrice := averageAt(entries, p, func(e *feeEntry) []*big.Int { return e.gasPrices })
		priorityFee := averageAt(entries, p, func(e *feeEntry) []*big.Int { return e.maxPriorityFees })

		tier := types.Fees{
			GasPrice:             gasPrice.String(),
			MaxPriorityFeePerGas: priorityFee.String(),
		}
		if baseFee != nil {
			tier.MaxFeePerGas = new(big.Int).Add(priorityFee, baseFee).String()
		}
		fees[p] = tier
	}
	return fees
}

// GasFees returns the slow, average and fast tiers with the pending base fee
func (o *Oracle) GasFees() types.GasFees {
	fees := o.EstimateFees([]float64{
		constants.SlowPercentile,
		constants.AveragePercentile,
		constants.FastPercentile,
	})

	out := types.GasFees{
		Slow:    fees[constants.SlowPercentile],
		Average: fees[constants.AveragePercentile],
		Fast:    fees[constants.FastPercentile],
	}
	if baseFee := o.BaseFeePerGas(); baseFee != nil {
		out.BaseFeePerGas = baseFee.String()
	}
	return out
}

// rank is the 0-based index of percentile p in a sorted list of length n
func rank(p float64, n int) int {
	r := int(math.Ceil(p/100*float64(n))) - 1
	if r < 0 {
		return 0
	}
	return r
}

// averageAt averages the value at percentile p across entries, rounding half up.
// An entry without a value at that rank counts as zero.
func averageAt(entries []*feeEntry, p float64, values func(*feeEntry) []*big.Int) *big.Int {
	if len(entries) == 0 {
		return new(big.Int)
	}

	sum := new(big.Int)
	for _, entry := range entries {
		list := values(entry)
		if r := rank(p, len(list)); r < len(list) {
			sum.Add(sum, list[r])
		}
	}

	count := big.NewInt(int64(len(entries)))
	// (2*sum + count) / (2*count)
	sum.Lsh(sum, 1).Add(sum, count)
	return sum.Quo(sum, count.Lsh(count, 1))
}
