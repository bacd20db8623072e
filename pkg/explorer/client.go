package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/0xmhha/coinstack-go/internal/constants"
	"github.com/0xmhha/coinstack-go/pkg/resilience"
	"github.com/0xmhha/coinstack-go/pkg/types"
)

// ErrRejected is returned when the explorer refuses a request for a reason retrying cannot fix
var ErrRejected = errors.New("explorer rejected request")

// Config holds explorer client configuration
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	// RateLimit is the request quota in requests per second
	RateLimit float64
	Logger    *zap.Logger
	Retry     *resilience.RetryConfig
	Breaker   *resilience.BreakerConfig
}

// Client talks to an etherscan-style explorer API (Source B)
type Client struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	retry      *resilience.RetryConfig
	breaker    *resilience.Breaker
}

// NewClient creates an explorer client
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("explorer url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid explorer url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = constants.DefaultUpstreamTimeout
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = constants.DefaultExplorerRateLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("explorer")

	return &Client{
		apiURL: cfg.URL,
		apiKey: cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(limit), int(limit)+1),
		logger:  logger,
		retry:   cfg.Retry,
		breaker: resilience.NewBreaker("explorer", cfg.Breaker, func(err error) bool {
			return errors.Is(err, ErrRejected)
		}, logger),
	}, nil
}

func (c *Client) query(ctx context.Context, params url.Values) ([]InternalTx, error) {
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	endpoint := c.apiURL + "?" + params.Encode()

	return resilience.Retry(ctx, c.retry, c.logger, params.Get("action"), func() ([]InternalTx, error) {
		return resilience.Execute(c.breaker, func() ([]InternalTx, error) {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, resilience.Permanent(err)
			}
			return c.do(ctx, endpoint)
		})
	})
}

func (c *Client) do(ctx context.Context, endpoint string) ([]InternalTx, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("explorer returned %d", resp.StatusCode)
	}

	var envelope Response
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}

	var txs []InternalTx
	if envelope.Status == "1" {
		if err := json.Unmarshal(envelope.Result, &txs); err != nil {
			return nil, resilience.Permanent(fmt.Errorf("failed to decode result: %w", err))
		}
		return txs, nil
	}

	// Empty result sets come back with status "0"
	if strings.HasPrefix(envelope.Message, "No transactions found") || strings.HasPrefix(envelope.Message, "No records found") {
		return nil, nil
	}

	var reason string
	_ = json.Unmarshal(envelope.Result, &reason)
	if strings.Contains(strings.ToLower(reason), "rate limit") {
		return nil, fmt.Errorf("explorer rate limited: %s", reason)
	}
	return nil, resilience.Permanent(fmt.Errorf("%w: %s: %s", ErrRejected, envelope.Message, reason))
}

// InternalTxsByAddress lists internal calls touching address, newest first.
// offset is the page size; startBlock and endBlock are optional block bounds.
func (c *Client) InternalTxsByAddress(ctx context.Context, address string, page, offset int, startBlock, endBlock *int64) ([]InternalTx, error) {
	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", "txlistinternal")
	params.Set("address", address)
	params.Set("page", strconv.Itoa(page))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("sort", "desc")
	if startBlock != nil {
		params.Set("startblock", strconv.FormatInt(*startBlock, 10))
	}
	if endBlock != nil {
		params.Set("endblock", strconv.FormatInt(*endBlock, 10))
	}

	txs, err := c.query(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list internal txs of %s: %w", address, err)
	}
	return txs, nil
}

// InternalTxsByHash lists the internal calls of one transaction
func (c *Client) InternalTxsByHash(ctx context.Context, txid string) ([]InternalTx, error) {
	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", "txlistinternal")
	params.Set("txhash", txid)

	txs, err := c.query(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list internal txs of %s: %w", txid, err)
	}
	return txs, nil
}

// InternalTxPage returns one page of an address's internal transfers grouped by
// transaction, in explorer order
func (c *Client) InternalTxPage(ctx context.Context, address string, page, pageSize int, from, to *int64) (*types.InternalTxPage, error) {
	raw, err := c.InternalTxsByAddress(ctx, address, page, pageSize, from, to)
	if err != nil {
		return nil, err
	}

	return &types.InternalTxPage{
		Txs:     groupByTx(raw),
		HasMore: len(raw) == pageSize,
	}, nil
}

// InternalTransfers returns the value-bearing internal transfers of a transaction
func (c *Client) InternalTransfers(ctx context.Context, txid string) ([]types.InternalTransfer, error) {
	raw, err := c.InternalTxsByHash(ctx, txid)
	if err != nil {
		return nil, err
	}

	var transfers []types.InternalTransfer
	for _, group := range groupByTx(raw) {
		transfers = append(transfers, group.Transfers...)
	}
	return transfers, nil
}

// groupByTx folds consecutive explorer rows into one entry per transaction,
// dropping failed and zero-value calls
func groupByTx(raw []InternalTx) []types.InternalTxs {
	var groups []types.InternalTxs
	index := make(map[string]int)

	for _, itx := range raw {
		if itx.IsError == "1" || itx.Value == "" || itx.Value == "0" {
			continue
		}
		txid := strings.ToLower(itx.Hash)
		transfer := types.InternalTransfer{
			From:  checksum(itx.From),
			To:    checksum(itx.To),
			Value: itx.Value,
			Type:  itx.Type,
		}

		if i, ok := index[txid]; ok {
			groups[i].Transfers = append(groups[i].Transfers, transfer)
			continue
		}

		height, _ := strconv.ParseInt(itx.BlockNumber, 10, 64)
		timestamp, _ := strconv.ParseInt(itx.TimeStamp, 10, 64)
		index[txid] = len(groups)
		groups = append(groups, types.InternalTxs{
			TxID:        txid,
			BlockHeight: height,
			Timestamp:   timestamp,
			Transfers:   []types.InternalTransfer{transfer},
		})
	}

	return groups
}

func checksum(addr string) string {
	if addr == "" || !common.IsHexAddress(addr) {
		return addr
	}
	return common.HexToAddress(addr).Hex()
}
