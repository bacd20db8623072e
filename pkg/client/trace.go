package client

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/0xmhha/coinstack-go/pkg/types"
)

var callTracer = map[string]interface{}{"tracer": "callTracer"}

// callFrame is one node of a callTracer result
type callFrame struct {
	Type  string       `json:"type"`
	From  string       `json:"from"`
	To    string       `json:"to"`
	Value *hexutil.Big `json:"value"`
	Error string       `json:"error"`
	Calls []callFrame  `json:"calls"`
}

type blockTraceResult struct {
	TxHash common.Hash `json:"txHash"`
	Result *callFrame  `json:"result"`
	Error  string      `json:"error"`
}

// TraceTransaction returns the value-bearing internal transfers of a transaction
func (c *Client) TraceTransaction(ctx context.Context, txid string) ([]types.InternalTransfer, error) {
	frame, err := call(ctx, c, "debug_traceTransaction", func(ctx context.Context) (*callFrame, error) {
		var frame callFrame
		if err := c.rpcClient.CallContext(ctx, &frame, "debug_traceTransaction", common.HexToHash(txid), callTracer); err != nil {
			return nil, err
		}
		return &frame, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to trace transaction %s: %w", txid, err)
	}

	return internalTransfers(frame), nil
}

// TraceBlock returns the internal transfers of every transaction in a block that has any,
// keyed by transaction hash
func (c *Client) TraceBlock(ctx context.Context, blockHash string) (map[string][]types.InternalTransfer, error) {
	results, err := call(ctx, c, "debug_traceBlockByHash", func(ctx context.Context) ([]blockTraceResult, error) {
		var results []blockTraceResult
		if err := c.rpcClient.CallContext(ctx, &results, "debug_traceBlockByHash", common.HexToHash(blockHash), callTracer); err != nil {
			return nil, err
		}
		return results, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to trace block %s: %w", blockHash, err)
	}

	transfers := make(map[string][]types.InternalTransfer)
	for _, res := range results {
		if res.Result == nil || res.Error != "" {
			continue
		}
		if internal := internalTransfers(res.Result); len(internal) > 0 {
			transfers[res.TxHash.Hex()] = internal
		}
	}
	return transfers, nil
}

// internalTransfers flattens the nested calls below the top-level frame and keeps
// successful calls that moved value
func internalTransfers(root *callFrame) []types.InternalTransfer {
	var result []types.InternalTransfer
	var walk func(frames []callFrame)
	walk = func(frames []callFrame) {
		for i := range frames {
			frame := &frames[i]
			if frame.Error != "" {
				continue
			}
			value := frame.Value.ToInt()
			if value != nil && value.Sign() > 0 && frame.Type != "DELEGATECALL" && frame.Type != "STATICCALL" {
				result = append(result, types.InternalTransfer{
					From:  common.HexToAddress(frame.From).Hex(),
					To:    common.HexToAddress(frame.To).Hex(),
					Value: new(big.Int).Set(value).String(),
					Type:  strings.ToLower(frame.Type),
				})
			}
			walk(frame.Calls)
		}
	}
	if root != nil {
		walk(root.Calls)
	}
	return result
}
