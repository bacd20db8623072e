package indexer

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

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/0xmhha/coinstack-go/internal/constants"
	"github.com/0xmhha/coinstack-go/pkg/resilience"
	"github.com/0xmhha/coinstack-go/pkg/storage"
	"github.com/0xmhha/coinstack-go/pkg/types"
)

var (
	// ErrNotFound is returned when the indexer has no such address, tx or block
	ErrNotFound = errors.New("not found")

	// ErrBadRequest is returned when the indexer rejects the request parameters
	ErrBadRequest = errors.New("bad request")
)

// Config holds indexer client configuration
type Config struct {
	URL     string
	Timeout time.Duration
	Logger  *zap.Logger
	Retry   *resilience.RetryConfig
	Breaker *resilience.BreakerConfig
	// Cache stores confirmed transactions fetched by txid; nil disables caching
	Cache    storage.Store
	CacheTTL time.Duration
}

// Client talks to the indexer REST API (Source A)
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	retry      *resilience.RetryConfig
	breaker    *resilience.Breaker
	cache      storage.Store
	cacheTTL   time.Duration
	inflight   singleflight.Group
}

// NewClient creates an indexer client
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("indexer url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid indexer url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = constants.DefaultUpstreamTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("indexer")

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 50,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:   logger,
		retry:    cfg.Retry,
		breaker:  resilience.NewBreaker("indexer", cfg.Breaker, isExpected, logger),
		cache:    cfg.Cache,
		cacheTTL: cfg.CacheTTL,
	}, nil
}

func isExpected(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrBadRequest)
}

// get fetches path with query and decodes the JSON body into v
func (c *Client) get(ctx context.Context, path string, query url.Values, v interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	_, err := resilience.Retry(ctx, c.retry, c.logger, path, func() (struct{}, error) {
		return resilience.Execute(c.breaker, func() (struct{}, error) {
			return struct{}{}, c.do(ctx, endpoint, v)
		})
	})
	return err
}

func (c *Client) do(ctx context.Context, endpoint string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return resilience.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		_ = json.Unmarshal(body, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return resilience.Permanent(fmt.Errorf("%w: %s", ErrNotFound, msg))
		case resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "not found"):
			return resilience.Permanent(fmt.Errorf("%w: %s", ErrNotFound, msg))
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return resilience.Permanent(fmt.Errorf("%w: %s", ErrBadRequest, msg))
		default:
			return fmt.Errorf("indexer returned %d: %s", resp.StatusCode, msg)
		}
	}

	if err := json.Unmarshal(body, v); err != nil {
		return resilience.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func addressQuery(opts *AddressOptions) url.Values {
	query := url.Values{}
	if opts == nil {
		return query
	}
	if opts.Page > 0 {
		query.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		query.Set("pageSize", strconv.Itoa(opts.PageSize))
	}
	if opts.From != nil {
		query.Set("from", strconv.FormatInt(*opts.From, 10))
	}
	if opts.To != nil {
		query.Set("to", strconv.FormatInt(*opts.To, 10))
	}
	if opts.Details != "" {
		query.Set("details", opts.Details)
	}
	return query
}

// GetAddress returns an address summary and, depending on opts.Details, a page of its transactions
func (c *Client) GetAddress(ctx context.Context, address string, opts *AddressOptions) (*Address, error) {
	var result Address
	if err := c.get(ctx, "/api/v2/address/"+url.PathEscape(address), addressQuery(opts), &result); err != nil {
		return nil, fmt.Errorf("failed to get address %s: %w", address, err)
	}
	return &result, nil
}

// GetXpub returns an extended public key summary with the same paging as GetAddress
func (c *Client) GetXpub(ctx context.Context, xpub string, opts *AddressOptions) (*Address, error) {
	var result Address
	if err := c.get(ctx, "/api/v2/xpub/"+url.PathEscape(xpub), addressQuery(opts), &result); err != nil {
		return nil, fmt.Errorf("failed to get xpub: %w", err)
	}
	return &result, nil
}

// GetTransaction returns a single transaction
func (c *Client) GetTransaction(ctx context.Context, txid string) (*Tx, error) {
	var result Tx
	if err := c.get(ctx, "/api/v2/tx/"+url.PathEscape(txid), nil, &result); err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", txid, err)
	}
	return &result, nil
}

// GetBlock returns a block by hash or height with one page of transactions
func (c *Client) GetBlock(ctx context.Context, hashOrHeight string, page int) (*Block, error) {
	query := url.Values{}
	if page > 0 {
		query.Set("page", strconv.Itoa(page))
	}

	var result Block
	if err := c.get(ctx, "/api/v2/block/"+url.PathEscape(hashOrHeight), query, &result); err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", hashOrHeight, err)
	}
	return &result, nil
}

// Account returns the balance summary of an address
func (c *Client) Account(ctx context.Context, address string) (*types.Account, error) {
	addr, err := c.GetAddress(ctx, address, &AddressOptions{Details: "basic"})
	if err != nil {
		return nil, err
	}

	nonce, _ := strconv.ParseInt(addr.Nonce, 10, 64)
	return &types.Account{
		Pubkey:             address,
		Balance:            addr.Balance,
		UnconfirmedBalance: addr.UnconfirmedBalance,
		Nonce:              nonce,
	}, nil
}

// TxPage returns one page of an address's transactions, newest first
func (c *Client) TxPage(ctx context.Context, address string, page, pageSize int, from, to *int64) (*types.TxPage, error) {
	addr, err := c.GetAddress(ctx, address, &AddressOptions{
		Page:     page,
		PageSize: pageSize,
		From:     from,
		To:       to,
		Details:  "txs",
	})
	if err != nil {
		return nil, err
	}

	txs := make([]types.Tx, 0, len(addr.Transactions))
	for i := range addr.Transactions {
		txs = append(txs, ToTx(&addr.Transactions[i]))
	}

	return &types.TxPage{
		Txs:     txs,
		HasMore: addr.Page < addr.TotalPages,
	}, nil
}

// Transaction returns a normalized transaction. Confirmed transactions are served
// from the cache when one is configured, and concurrent lookups of the same txid
// share one upstream request.
func (c *Client) Transaction(ctx context.Context, txid string) (*types.Tx, error) {
	if c.cache != nil {
		var cached types.Tx
		err := storage.GetObject(ctx, c.cache, storage.TxKey(txid), &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("tx cache read failed", zap.String("txid", txid), zap.Error(err))
		}
	}

	v, err, _ := c.inflight.Do(txid, func() (interface{}, error) {
		raw, err := c.GetTransaction(ctx, txid)
		if err != nil {
			return nil, err
		}
		tx := ToTx(raw)
		return &tx, nil
	})
	if err != nil {
		return nil, err
	}
	tx := v.(*types.Tx)

	if c.cache != nil && tx.Confirmed() {
		if err := storage.SetObject(ctx, c.cache, storage.TxKey(txid), tx, c.cacheTTL); err != nil {
			c.logger.Warn("tx cache write failed", zap.String("txid", txid), zap.Error(err))
		}
	}

	return tx, nil
}
