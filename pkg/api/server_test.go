package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xmhha/coinstack-go/internal/config"
	"github.com/0xmhha/coinstack-go/pkg/indexer"
	"github.com/0xmhha/coinstack-go/pkg/txhistory"
	"github.com/0xmhha/coinstack-go/pkg/types"
)

const testAddr = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

type fakeAccounts struct{}

func (fakeAccounts) Account(_ context.Context, pubkey string) (*types.Account, error) {
	if pubkey != testAddr {
		return nil, fmt.Errorf("address %s: %w", pubkey, indexer.ErrNotFound)
	}
	return &types.Account{Pubkey: pubkey, Balance: "100", UnconfirmedBalance: "0", Nonce: 3}, nil
}

type fakeHistory struct {
	lastQuery txhistory.Query
	err       error
}

func (f *fakeHistory) GetTxHistory(_ context.Context, pubkey string, q txhistory.Query) (*types.TxHistory, error) {
	f.lastQuery = q
	if f.err != nil {
		return nil, f.err
	}
	return &types.TxHistory{Pubkey: pubkey, Cursor: "next", Txs: []types.Tx{{TxID: "0x01", BlockHeight: 10}}}, nil
}

func (f *fakeHistory) GetTransaction(_ context.Context, txid string) (*types.Tx, error) {
	if txid == "0xmissing" {
		return nil, indexer.ErrNotFound
	}
	return &types.Tx{TxID: txid, BlockHeight: 10}, nil
}

type fakeFees struct{}

func (fakeFees) GasFees() types.GasFees {
	return types.GasFees{
		BaseFeePerGas: "7",
		Slow:          types.Fees{GasPrice: "1", MaxPriorityFeePerGas: "1"},
		Average:       types.Fees{GasPrice: "2", MaxPriorityFeePerGas: "2"},
		Fast:          types.Fees{GasPrice: "3", MaxPriorityFeePerGas: "3"},
	}
}

type fakeNode struct {
	sent string
	err  error
}

func (f *fakeNode) EstimateGas(_ context.Context, from, to, data, value string) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return 21000, nil
}

func (f *fakeNode) SendRawTransaction(_ context.Context, rawHex string) (string, error) {
	f.sent = rawHex
	return "0xabc", f.err
}

type testServer struct {
	*Server
	history *fakeHistory
	node    *fakeNode
}

func newTestServer(t *testing.T, mutate func(*Options)) *testServer {
	t.Helper()
	cfg := config.NewConfig()
	ts := &testServer{history: &fakeHistory{}, node: &fakeNode{}}

	opts := Options{
		Config:    cfg.API,
		Accounts:  fakeAccounts{},
		TxHistory: ts.history,
		Fees:      fakeFees{},
		Node:      ts.node,
		Gatherer:  prometheus.NewRegistry(),
		Logger:    zap.NewNop(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	s, err := NewServer(opts)
	require.NoError(t, err)
	ts.Server = s
	return ts
}

func (ts *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	ts.Router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}

func TestAccount(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/v1/account/"+testAddr, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var account types.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &account))
	assert.Equal(t, "100", account.Balance)
	assert.Equal(t, int64(3), account.Nonce)

	rec = ts.do(http.MethodGet, "/api/v1/account/0xunknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "not found")
}

func TestTxHistory(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/v1/account/"+testAddr+"/txs?cursor=abc&pageSize=5&from=1&to=20", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var history types.TxHistory
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Equal(t, "next", history.Cursor)
	assert.Len(t, history.Txs, 1)

	q := ts.history.lastQuery
	assert.Equal(t, "abc", q.Cursor)
	assert.Equal(t, 5, q.PageSize)
	require.NotNil(t, q.From)
	require.NotNil(t, q.To)
	assert.Equal(t, int64(1), *q.From)
	assert.Equal(t, int64(20), *q.To)

	rec = ts.do(http.MethodGet, "/api/v1/account/"+testAddr+"/txs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, ts.history.lastQuery.PageSize)
	assert.Nil(t, ts.history.lastQuery.From)
}

func TestTxHistory_Errors(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		serviceErr error
		wantStatus int
	}{
		{name: "page size too large", query: "pageSize=101", wantStatus: http.StatusUnprocessableEntity},
		{name: "page size zero", query: "pageSize=0", wantStatus: http.StatusUnprocessableEntity},
		{name: "negative height", query: "from=-1", wantStatus: http.StatusUnprocessableEntity},
		{name: "non numeric page size", query: "pageSize=ten", wantStatus: http.StatusBadRequest},
		{name: "invalid cursor", query: "cursor=zzz", serviceErr: fmt.Errorf("decode: %w", txhistory.ErrInvalidCursor), wantStatus: http.StatusBadRequest},
		{name: "service page size", serviceErr: txhistory.ErrInvalidPageSize, wantStatus: http.StatusUnprocessableEntity},
		{name: "upstream failure", serviceErr: errors.New("indexer unreachable"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.history.err = tt.serviceErr

			rec := ts.do(http.MethodGet, "/api/v1/account/"+testAddr+"/txs?"+tt.query, "")
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.NotEmpty(t, decodeError(t, rec).Message)
		})
	}
}

func TestTxHistory_ValidationDetails(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/v1/account/"+testAddr+"/txs?pageSize=500", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	resp := decodeError(t, rec)
	require.Len(t, resp.Details, 1)
	assert.Equal(t, "pageSize", resp.Details[0].Field)
}

func TestServerErrorHidesDetail(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.history.err = errors.New("secret upstream detail")

	rec := ts.do(http.MethodGet, "/api/v1/account/"+testAddr+"/txs", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestTransaction(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/v1/tx/0x01", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"0x01"`)

	rec = ts.do(http.MethodGet, "/api/v1/tx/0xmissing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGasFees(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/v1/gas/fees", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var fees types.GasFees
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fees))
	assert.Equal(t, "7", fees.BaseFeePerGas)
	assert.Equal(t, "3", fees.Fast.GasPrice)
}

func TestEstimateGas(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/v1/gas/estimate?to="+testAddr+"&data=0xdeadbeef&value="+big.NewInt(1000).String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"gasLimit":"21000"}`, rec.Body.String())

	rec = ts.do(http.MethodGet, "/api/v1/gas/estimate?to=nothex", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/gas/estimate?value=1.5e", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSend(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/v1/send", `{"hex":"0xf86b01"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"0xabc"`, rec.Body.String())
	assert.Equal(t, "0xf86b01", ts.node.sent)

	rec = ts.do(http.MethodPost, "/api/v1/send", `{"hex":""}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(http.MethodPost, "/api/v1/send", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.node.err = errors.New("nonce too low")
	rec = ts.do(http.MethodPost, "/api/v1/send", `{"hex":"0xf86b01"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealth(t *testing.T) {
	feedConnected := true
	health := NewHealthChecker("node-1", "test")
	health.AddCheck("node", true, func(context.Context) error { return nil })
	health.AddCheck("feed", false, func(context.Context) error {
		if !feedConnected {
			return errors.New("feed disconnected")
		}
		return nil
	})
	health.SetConnectionCounter(func() int { return 4 })

	ts := newTestServer(t, func(o *Options) { o.Health = health })

	rec := ts.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp DetailedHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "node-1", resp.NodeID)
	assert.Equal(t, 4, resp.Metrics.ActiveConnections)
	assert.Len(t, resp.Components, 2)

	feedConnected = false
	rec = ts.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, "feed disconnected", resp.Components["feed"].Message)

	health.AddCheck("storage", true, func(context.Context) error { return errors.New("closed") })
	rec = ts.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = ts.do(http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_requests_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	ts := newTestServer(t, func(o *Options) { o.Gatherer = reg })

	rec := ts.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_requests_total 1")
}

func TestRateLimitAndCORS(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.Config.RateLimit = 1
		o.Config.RateLimitBurst = 1
		o.Config.EnableCORS = true
		o.Config.AllowedOrigins = []string{"https://wallet.example"}
	})
	t.Cleanup(ts.limiter.Close)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/gas/fees", nil)
	req.Header.Set("Origin", "https://wallet.example")
	rec := httptest.NewRecorder()
	ts.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://wallet.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = ts.do(http.MethodGet, "/api/v1/gas/fees", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/v2/whatever", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "route not found", decodeError(t, rec).Message)
}
