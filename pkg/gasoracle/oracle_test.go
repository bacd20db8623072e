package gasoracle

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/coinstack-go/pkg/client"
	"github.com/0xmhha/coinstack-go/pkg/types"
)

var errNode = errors.New("node unavailable")

type fakeSource struct {
	mu      sync.Mutex
	latest  uint64
	blocks  map[string]*client.FeeBlock
	fetched map[string]int
}

func newFakeSource(latest uint64) *fakeSource {
	return &fakeSource{latest: latest, blocks: make(map[string]*client.FeeBlock), fetched: make(map[string]int)}
}

func (f *fakeSource) BlockNumber(context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeSource) FeeBlock(_ context.Context, tag string) (*client.FeeBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched[tag]++
	block, ok := f.blocks[tag]
	if !ok {
		return nil, errNode
	}
	return block, nil
}

func (f *fakeSource) set(tag string, baseFee int64, gasPrices ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	block := &client.FeeBlock{}
	if baseFee > 0 {
		block.BaseFeePerGas = big.NewInt(baseFee)
	}
	for _, p := range gasPrices {
		block.Transactions = append(block.Transactions, client.FeeTx{
			GasPrice:             big.NewInt(p),
			MaxPriorityFeePerGas: big.NewInt(p / 10),
		})
	}
	f.blocks[tag] = block
}

func tag(n uint64) string { return strconv.FormatUint(n, 10) }

func TestRank(t *testing.T) {
	assert.Equal(t, 2, rank(100, 3))
	assert.Equal(t, 0, rank(1, 3))
	assert.Equal(t, 1, rank(60, 3))
	assert.Equal(t, 0, rank(0, 3))
	assert.Equal(t, 0, rank(50, 0))
}

func TestOracle_StartAndEstimate(t *testing.T) {
	source := newFakeSource(100)
	for _, n := range []string{tag(99), tag(100), client.PendingTag} {
		// unsorted input is sorted by the oracle
		source.set(n, 7, 30, 10, 20)
	}

	metrics := NewMetrics(prometheus.NewRegistry(), "test")
	oracle := New(source, &Config{TotalBlocks: 3}, nil, metrics)
	require.NoError(t, oracle.Start(context.Background()))

	assert.Equal(t, 3, oracle.WindowSize())
	assert.Equal(t, float64(3), promtestutil.ToFloat64(metrics.WindowSize))

	fees := oracle.EstimateFees([]float64{100, 1})
	assert.Equal(t, "30", fees[100].GasPrice)
	assert.Equal(t, "3", fees[100].MaxPriorityFeePerGas)
	assert.Equal(t, "10", fees[100].MaxFeePerGas)
	assert.Equal(t, "10", fees[1].GasPrice)

	require.NotNil(t, oracle.BaseFeePerGas())
	assert.Equal(t, int64(7), oracle.BaseFeePerGas().Int64())
}

func TestOracle_AverageRoundsHalfUp(t *testing.T) {
	source := newFakeSource(10)
	source.set(tag(10), 0, 1)
	source.set(client.PendingTag, 0, 2)

	oracle := New(source, &Config{TotalBlocks: 2}, nil, nil)
	require.NoError(t, oracle.Start(context.Background()))

	fees := oracle.EstimateFees([]float64{50})
	assert.Equal(t, "2", fees[50].GasPrice)
	assert.Empty(t, fees[50].MaxFeePerGas, "no base fee means no max fee")
	assert.Nil(t, oracle.BaseFeePerGas())
}

func TestOracle_EmptyBlockCountsAsZero(t *testing.T) {
	source := newFakeSource(10)
	source.set(tag(10), 0)
	source.set(client.PendingTag, 0, 10)

	oracle := New(source, &Config{TotalBlocks: 2}, nil, nil)
	require.NoError(t, oracle.Start(context.Background()))

	assert.Equal(t, "5", oracle.EstimateFees([]float64{90})[90].GasPrice)
}

func TestOracle_OnBlockSlidesWindow(t *testing.T) {
	source := newFakeSource(100)
	for n := uint64(98); n <= 101; n++ {
		source.set(tag(n), 5, 10)
	}
	source.set(client.PendingTag, 5, 10)

	metrics := NewMetrics(prometheus.NewRegistry(), "test")
	oracle := New(source, &Config{TotalBlocks: 4}, nil, metrics)
	require.NoError(t, oracle.Start(context.Background()))
	assert.Equal(t, 4, oracle.WindowSize())

	oracle.OnBlock(context.Background(), types.NewBlock{Height: 101})

	oracle.mu.RLock()
	_, hasOld := oracle.blocks[98]
	_, hasNew := oracle.blocks[101]
	oracle.mu.RUnlock()

	assert.False(t, hasOld, "blocks older than the window are pruned")
	assert.True(t, hasNew)
	assert.Equal(t, 4, oracle.WindowSize())
	assert.Equal(t, 2, source.fetched[client.PendingTag])
	assert.Zero(t, promtestutil.ToFloat64(metrics.Drift))
}

func TestOracle_ValidateBackfills(t *testing.T) {
	source := newFakeSource(100)
	for n := uint64(96); n <= 105; n++ {
		source.set(tag(n), 5, 10)
	}
	source.set(client.PendingTag, 5, 10)

	oracle := New(source, &Config{TotalBlocks: 4}, nil, nil)
	require.NoError(t, oracle.Start(context.Background()))

	// a gap of several blocks is filled from the node
	oracle.OnBlock(context.Background(), types.NewBlock{Height: 105})

	assert.Equal(t, 4, oracle.WindowSize())
	assert.Equal(t, 1, source.fetched[tag(103)])
	assert.Equal(t, 1, source.fetched[tag(104)])
}

func TestOracle_DriftIsLoggedNotFatal(t *testing.T) {
	source := newFakeSource(100)
	source.set(tag(100), 5, 10)
	source.set(client.PendingTag, 5, 10)

	metrics := NewMetrics(prometheus.NewRegistry(), "test")
	oracle := New(source, &Config{TotalBlocks: 3}, nil, metrics)
	require.NoError(t, oracle.Start(context.Background()))
	assert.Equal(t, 2, oracle.WindowSize())

	// block 101 cannot be fetched
	oracle.OnBlock(context.Background(), types.NewBlock{Height: 101})

	assert.Equal(t, float64(1), promtestutil.ToFloat64(metrics.Drift))
	assert.GreaterOrEqual(t, promtestutil.ToFloat64(metrics.UpdateFailures), float64(2))

	fees := oracle.GasFees()
	assert.Equal(t, "5", fees.BaseFeePerGas)
	assert.Equal(t, "10", fees.Fast.GasPrice)
}

func TestOracle_EmptyWindow(t *testing.T) {
	oracle := New(newFakeSource(0), nil, nil, nil)

	fees := oracle.GasFees()
	assert.Empty(t, fees.BaseFeePerGas)
	assert.Equal(t, "0", fees.Average.GasPrice)
	assert.Equal(t, "0", fees.Average.MaxPriorityFeePerGas)
}
