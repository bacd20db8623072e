package client

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/0xmhha/coinstack-go/pkg/resilience"
)

// PendingTag selects the pending block in block queries
const PendingTag = "pending"

// ErrBlockNotFound is returned when the node has no block for the requested tag
var ErrBlockNotFound = errors.New("block not found")

// Client wraps the node JSON-RPC endpoint with retries and a circuit breaker
type Client struct {
	ethClient *ethclient.Client
	rpcClient *rpc.Client
	endpoint  string
	logger    *zap.Logger
	retry     *resilience.RetryConfig
	breaker   *resilience.Breaker
}

// Config holds client configuration
type Config struct {
	Endpoint string
	Timeout  time.Duration
	Logger   *zap.Logger
	Retry    *resilience.RetryConfig
	Breaker  *resilience.BreakerConfig
}

// FeeTx holds the fee fields of one block transaction; absent fields are nil
type FeeTx struct {
	GasPrice             *big.Int
	MaxPriorityFeePerGas *big.Int
}

// FeeBlock is the fee view of a block fetched with full transactions
type FeeBlock struct {
	Number        uint64
	BaseFeePerGas *big.Int
	Transactions  []FeeTx
}

type rpcFeeTx struct {
	GasPrice             *hexutil.Big `json:"gasPrice"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

type rpcFeeBlock struct {
	Number        *hexutil.Big `json:"number"`
	BaseFeePerGas *hexutil.Big `json:"baseFeePerGas"`
	Transactions  []rpcFeeTx   `json:"transactions"`
}

// NewClient dials the node and verifies the connection
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	client := newClient(rpcClient, cfg.Endpoint, cfg.Retry, cfg.Breaker, logger)

	if err := client.Ping(ctx); err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to ping RPC endpoint: %w", err)
	}

	logger.Info("connected to node RPC", zap.String("endpoint", cfg.Endpoint))

	return client, nil
}

func newClient(rpcClient *rpc.Client, endpoint string, retry *resilience.RetryConfig, breaker *resilience.BreakerConfig, logger *zap.Logger) *Client {
	return &Client{
		ethClient: ethclient.NewClient(rpcClient),
		rpcClient: rpcClient,
		endpoint:  endpoint,
		logger:    logger,
		retry:     retry,
		breaker:   resilience.NewBreaker("node", breaker, isRPCError, logger),
	}
}

// isRPCError reports whether err is a JSON-RPC error answered by a healthy node
func isRPCError(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr) || errors.Is(err, ErrBlockNotFound)
}

// call runs op with the client's retry policy and breaker. JSON-RPC errors are
// answers, not outages, and are not retried.
func call[T any](ctx context.Context, c *Client, name string, op func(ctx context.Context) (T, error)) (T, error) {
	return resilience.Retry(ctx, c.retry, c.logger, name, func() (T, error) {
		return resilience.Execute(c.breaker, func() (T, error) {
			res, err := op(ctx)
			if err != nil && isRPCError(err) {
				return res, resilience.Permanent(err)
			}
			return res, err
		})
	})
}

// Ping verifies the connection to the RPC endpoint
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ethClient.ChainID(ctx)
	return err
}

// Close closes the client connection
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// ChainID returns the chain id reported by the node
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := call(ctx, c, "eth_chainId", c.ethClient.ChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	return id, nil
}

// BlockNumber returns the latest confirmed block number
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	number, err := call(ctx, c, "eth_blockNumber", c.ethClient.BlockNumber)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block number: %w", err)
	}
	return number, nil
}

// FeeBlock fetches a block with full transactions and returns its fee fields.
// tag is a decimal block number or PendingTag.
func (c *Client) FeeBlock(ctx context.Context, tag string) (*FeeBlock, error) {
	blockTag := tag
	if tag != PendingTag {
		var number big.Int
		if _, ok := number.SetString(tag, 10); !ok {
			return nil, fmt.Errorf("invalid block tag %q", tag)
		}
		blockTag = hexutil.EncodeBig(&number)
	}

	raw, err := call(ctx, c, "eth_getBlockByNumber", func(ctx context.Context) (*rpcFeeBlock, error) {
		var block *rpcFeeBlock
		if err := c.rpcClient.CallContext(ctx, &block, "eth_getBlockByNumber", blockTag, true); err != nil {
			return nil, err
		}
		if block == nil {
			return nil, ErrBlockNotFound
		}
		return block, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", tag, err)
	}

	block := &FeeBlock{
		BaseFeePerGas: raw.BaseFeePerGas.ToInt(),
		Transactions:  make([]FeeTx, 0, len(raw.Transactions)),
	}
	if raw.Number != nil {
		block.Number = raw.Number.ToInt().Uint64()
	}
	for _, tx := range raw.Transactions {
		block.Transactions = append(block.Transactions, FeeTx{
			GasPrice:             tx.GasPrice.ToInt(),
			MaxPriorityFeePerGas: tx.MaxPriorityFeePerGas.ToInt(),
		})
	}

	return block, nil
}

// EstimateGas estimates the gas limit of a call. value is a decimal wei amount.
func (c *Client) EstimateGas(ctx context.Context, from, to, data, value string) (uint64, error) {
	msg := ethereum.CallMsg{}
	if from != "" {
		msg.From = common.HexToAddress(from)
	}
	if to != "" {
		addr := common.HexToAddress(to)
		msg.To = &addr
	}
	if data != "" {
		input, err := hexutil.Decode(data)
		if err != nil {
			return 0, fmt.Errorf("invalid data: %w", err)
		}
		msg.Data = input
	}
	if value != "" {
		v, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return 0, fmt.Errorf("invalid value %q", value)
		}
		msg.Value = v
	}

	gas, err := call(ctx, c, "eth_estimateGas", func(ctx context.Context) (uint64, error) {
		return c.ethClient.EstimateGas(ctx, msg)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to estimate gas: %w", err)
	}
	return gas, nil
}

// SendRawTransaction broadcasts a signed transaction and returns its hash.
// It is not retried.
func (c *Client) SendRawTransaction(ctx context.Context, rawHex string) (string, error) {
	if !strings.HasPrefix(rawHex, "0x") {
		rawHex = "0x" + rawHex
	}

	var txid common.Hash
	if err := c.rpcClient.CallContext(ctx, &txid, "eth_sendRawTransaction", rawHex); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return txid.Hex(), nil
}
