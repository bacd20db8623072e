package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xmhha/coinstack-go/internal/logger"
	"github.com/0xmhha/coinstack-go/pkg/indexer"
	"github.com/0xmhha/coinstack-go/pkg/types"
)

// EVMAddressFormatter returns the checksummed form of a hex address
func EVMAddressFormatter(address string) string {
	if !common.IsHexAddress(address) {
		return ""
	}
	return common.HexToAddress(address).Hex()
}

// TxFetcher loads a normalized transaction by id
type TxFetcher interface {
	Transaction(ctx context.Context, txid string) (*types.Tx, error)
}

// BlockTracer returns the internal transfers of a block keyed by txid
type BlockTracer interface {
	TraceBlock(ctx context.Context, blockHash string) (map[string][]types.InternalTransfer, error)
}

// NewEVMBlockHandler traces each new block and tags every transaction that made
// internal transfers with the transfer participants. Top level participants
// are notified through the address feed.
func NewEVMBlockHandler(txs TxFetcher, tracer BlockTracer, log *zap.Logger) BlockHandler {
	log = logger.WithComponent(logger.OrNop(log), "registry")

	return func(ctx context.Context, block types.NewBlock) ([]BlockTx, error) {
		if block.Hash == "" {
			return nil, fmt.Errorf("block %d has no hash", block.Height)
		}

		traces, err := tracer.TraceBlock(ctx, block.Hash)
		if err != nil {
			return nil, fmt.Errorf("failed to trace block %d: %w", block.Height, err)
		}

		var out []BlockTx
		for txid, transfers := range traces {
			if len(transfers) == 0 {
				continue
			}

			tx, err := txs.Transaction(ctx, txid)
			if err != nil {
				log.Warn("Failed to fetch traced transaction",
					zap.String("txid", txid),
					zap.Int64("height", block.Height),
					zap.Error(err),
				)
				continue
			}
			tx.InternalTransfers = transfers

			out = append(out, BlockTx{
				Addresses: transferAddresses(transfers),
				Tx:        tx,
			})
		}
		return out, nil
	}
}

func transferAddresses(transfers []types.InternalTransfer) []string {
	seen := make(map[string]struct{}, len(transfers)*2)
	addresses := make([]string, 0, len(transfers)*2)
	for _, t := range transfers {
		for _, address := range []string{t.From, t.To} {
			if address == "" {
				continue
			}
			if _, ok := seen[address]; ok {
				continue
			}
			seen[address] = struct{}{}
			addresses = append(addresses, address)
		}
	}
	return addresses
}

// NewEVMTransactionHandler decodes an indexer transaction and resolves every
// address it touches
func NewEVMTransactionHandler() TransactionHandler {
	return func(_ context.Context, raw json.RawMessage) ([]string, any, error) {
		var tx indexer.Tx
		if err := json.Unmarshal(raw, &tx); err != nil {
			return nil, nil, fmt.Errorf("failed to decode transaction: %w", err)
		}
		if tx.TxID == "" {
			return nil, nil, fmt.Errorf("transaction has no txid")
		}

		normalized := indexer.ToTx(&tx)
		return indexer.TxAddresses(&tx), &normalized, nil
	}
}
