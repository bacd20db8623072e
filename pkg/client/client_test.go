package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xmhha/coinstack-go/pkg/resilience"
)

// ---- Mock JSON-RPC Server Infrastructure ----

type jrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type jrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jrpcError      `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type jrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type methodHandler func(params json.RawMessage) (json.RawMessage, *jrpcError)

func newMockRPCServer(t *testing.T, handlers map[string]methodHandler) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		var req jrpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}

		resp := jrpcResponse{JSONRPC: "2.0", ID: req.ID}
		handler, ok := handlers[req.Method]
		if !ok {
			resp.Error = &jrpcError{Code: -32601, Message: "method not found: " + req.Method}
		} else if result, rpcErr := handler(req.Params); rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func fastRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func newTestClient(t *testing.T, handlers map[string]methodHandler) *Client {
	t.Helper()
	server := newMockRPCServer(t, handlers)
	rpcClient, err := rpc.DialContext(context.Background(), server.URL)
	require.NoError(t, err)
	t.Cleanup(rpcClient.Close)

	return newClient(rpcClient, server.URL, fastRetry(), nil, zap.NewNop())
}

func result(v string) methodHandler {
	return func(_ json.RawMessage) (json.RawMessage, *jrpcError) {
		return json.RawMessage(v), nil
	}
}

func rpcErrorHandler(msg string) methodHandler {
	return func(_ json.RawMessage) (json.RawMessage, *jrpcError) {
		return nil, &jrpcError{Code: -32000, Message: msg}
	}
}

// ---- Tests ----

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil)
	require.Error(t, err)

	_, err = NewClient(&Config{})
	require.Error(t, err)
}

func TestNewClient_Connects(t *testing.T) {
	server := newMockRPCServer(t, map[string]methodHandler{
		"eth_chainId": result(`"0x1"`),
	})

	c, err := NewClient(&Config{Endpoint: server.URL, Timeout: time.Second, Retry: fastRetry()})
	require.NoError(t, err)
	defer c.Close()

	id, err := c.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), id.Int64())
}

func TestBlockNumber(t *testing.T) {
	c := newTestClient(t, map[string]methodHandler{
		"eth_blockNumber": result(`"0x64"`),
	})

	n, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), n)
}

func TestBlockNumber_RetriesTransportFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req jrpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(jrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`"0x2"`)})
	}))
	defer server.Close()

	rpcClient, err := rpc.DialContext(context.Background(), server.URL)
	require.NoError(t, err)
	defer rpcClient.Close()
	c := newClient(rpcClient, server.URL, fastRetry(), nil, zap.NewNop())

	n, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFeeBlock(t *testing.T) {
	var gotParams string
	c := newTestClient(t, map[string]methodHandler{
		"eth_getBlockByNumber": func(params json.RawMessage) (json.RawMessage, *jrpcError) {
			gotParams = string(params)
			return json.RawMessage(`{
				"number":"0xa",
				"baseFeePerGas":"0x64",
				"transactions":[
					{"gasPrice":"0x3b9aca00","maxPriorityFeePerGas":"0x5"},
					{"gasPrice":"0x2"}
				]
			}`), nil
		},
	})

	block, err := c.FeeBlock(context.Background(), "10")
	require.NoError(t, err)
	assert.JSONEq(t, `["0xa", true]`, gotParams)

	assert.Equal(t, uint64(10), block.Number)
	assert.Equal(t, int64(100), block.BaseFeePerGas.Int64())
	require.Len(t, block.Transactions, 2)
	assert.Equal(t, int64(1_000_000_000), block.Transactions[0].GasPrice.Int64())
	assert.Equal(t, int64(5), block.Transactions[0].MaxPriorityFeePerGas.Int64())
	assert.Nil(t, block.Transactions[1].MaxPriorityFeePerGas)
}

func TestFeeBlock_PendingAndLegacy(t *testing.T) {
	var gotParams string
	c := newTestClient(t, map[string]methodHandler{
		"eth_getBlockByNumber": func(params json.RawMessage) (json.RawMessage, *jrpcError) {
			gotParams = string(params)
			return json.RawMessage(`{"number":"0xb","transactions":[]}`), nil
		},
	})

	block, err := c.FeeBlock(context.Background(), PendingTag)
	require.NoError(t, err)
	assert.JSONEq(t, `["pending", true]`, gotParams)
	assert.Nil(t, block.BaseFeePerGas)
	assert.Empty(t, block.Transactions)
}

func TestFeeBlock_Errors(t *testing.T) {
	c := newTestClient(t, map[string]methodHandler{
		"eth_getBlockByNumber": result(`null`),
	})

	_, err := c.FeeBlock(context.Background(), "12")
	require.ErrorIs(t, err, ErrBlockNotFound)

	_, err = c.FeeBlock(context.Background(), "latest-ish")
	require.Error(t, err)
}

func TestTraceTransaction(t *testing.T) {
	c := newTestClient(t, map[string]methodHandler{
		"debug_traceTransaction": func(params json.RawMessage) (json.RawMessage, *jrpcError) {
			if !strings.Contains(string(params), "callTracer") {
				return nil, &jrpcError{Code: -32602, Message: "tracer required"}
			}
			return json.RawMessage(`{
				"type":"CALL",
				"from":"0x1111111111111111111111111111111111111111",
				"to":"0x2222222222222222222222222222222222222222",
				"value":"0xde0b6b3a7640000",
				"calls":[
					{"type":"CALL","from":"0x2222222222222222222222222222222222222222","to":"0x3333333333333333333333333333333333333333","value":"0x10",
					 "calls":[{"type":"CALL","from":"0x3333333333333333333333333333333333333333","to":"0x4444444444444444444444444444444444444444","value":"0x1"}]},
					{"type":"STATICCALL","from":"0x2222222222222222222222222222222222222222","to":"0x5555555555555555555555555555555555555555"},
					{"type":"CALL","from":"0x2222222222222222222222222222222222222222","to":"0x6666666666666666666666666666666666666666","value":"0x20","error":"execution reverted",
					 "calls":[{"type":"CALL","from":"0x6666666666666666666666666666666666666666","to":"0x7777777777777777777777777777777777777777","value":"0x2"}]},
					{"type":"CALL","from":"0x2222222222222222222222222222222222222222","to":"0x8888888888888888888888888888888888888888","value":"0x0"}
				]
			}`), nil
		},
	})

	transfers, err := c.TraceTransaction(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Len(t, transfers, 2)

	assert.Equal(t, "0x3333333333333333333333333333333333333333", transfers[0].To)
	assert.Equal(t, "16", transfers[0].Value)
	assert.Equal(t, "call", transfers[0].Type)
	assert.Equal(t, "0x4444444444444444444444444444444444444444", transfers[1].To)
	assert.Equal(t, "1", transfers[1].Value)
}

func TestTraceTransaction_RPCErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, map[string]methodHandler{
		"debug_traceTransaction": func(_ json.RawMessage) (json.RawMessage, *jrpcError) {
			calls.Add(1)
			return nil, &jrpcError{Code: -32601, Message: "the method debug_traceTransaction does not exist"}
		},
	})

	_, err := c.TraceTransaction(context.Background(), "0xabc")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTraceBlock(t *testing.T) {
	c := newTestClient(t, map[string]methodHandler{
		"debug_traceBlockByHash": result(`[
			{"txHash":"0x00000000000000000000000000000000000000000000000000000000000000aa","result":{
				"type":"CALL","from":"0x1111111111111111111111111111111111111111","to":"0x2222222222222222222222222222222222222222",
				"calls":[{"type":"CALL","from":"0x2222222222222222222222222222222222222222","to":"0x3333333333333333333333333333333333333333","value":"0x5"}]}},
			{"txHash":"0x00000000000000000000000000000000000000000000000000000000000000bb","result":{
				"type":"CALL","from":"0x1111111111111111111111111111111111111111","to":"0x2222222222222222222222222222222222222222","value":"0x5"}},
			{"txHash":"0x00000000000000000000000000000000000000000000000000000000000000cc","error":"tracing failed"}
		]`),
	})

	transfers, err := c.TraceBlock(context.Background(), "0x01")
	require.NoError(t, err)
	require.Len(t, transfers, 1)

	got := transfers["0x00000000000000000000000000000000000000000000000000000000000000aa"]
	require.Len(t, got, 1)
	assert.Equal(t, "5", got[0].Value)
}

func TestEstimateGas(t *testing.T) {
	c := newTestClient(t, map[string]methodHandler{
		"eth_estimateGas": result(`"0x5208"`),
	})

	gas, err := c.EstimateGas(context.Background(), "0x1111111111111111111111111111111111111111", "0x2222222222222222222222222222222222222222", "0x", "1000")
	require.NoError(t, err)
	assert.Equal(t, uint64(21000), gas)

	_, err = c.EstimateGas(context.Background(), "", "", "nothex", "")
	require.Error(t, err)

	_, err = c.EstimateGas(context.Background(), "", "", "", "ten")
	require.Error(t, err)
}

func TestSendRawTransaction(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, map[string]methodHandler{
		"eth_sendRawTransaction": func(params json.RawMessage) (json.RawMessage, *jrpcError) {
			calls.Add(1)
			if !strings.Contains(string(params), `"0xf86c"`) {
				return nil, &jrpcError{Code: -32602, Message: "bad params"}
			}
			return json.RawMessage(`"0x00000000000000000000000000000000000000000000000000000000000000aa"`), nil
		},
	})

	txid, err := c.SendRawTransaction(context.Background(), "f86c")
	require.NoError(t, err)
	assert.Equal(t, "0x00000000000000000000000000000000000000000000000000000000000000aa", txid)
}

func TestSendRawTransaction_Error(t *testing.T) {
	c := newTestClient(t, map[string]methodHandler{
		"eth_sendRawTransaction": rpcErrorHandler("nonce too low"),
	})

	_, err := c.SendRawTransaction(context.Background(), "0xf86c")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce too low")
}
