package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xmhha/coinstack-go/pkg/types"
)

const waitFor = 2 * time.Second

type recordingHandler struct {
	blocks chan types.NewBlock
	txs    chan json.RawMessage
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		blocks: make(chan types.NewBlock, 16),
		txs:    make(chan json.RawMessage, 16),
	}
}

func (h *recordingHandler) OnBlock(_ context.Context, block types.NewBlock) { h.blocks <- block }

func (h *recordingHandler) OnTransaction(_ context.Context, raw json.RawMessage) { h.txs <- raw }

type receivedRequest struct {
	conn   int
	method string
	params json.RawMessage
}

// fakeBlockbook answers subscriptions like the indexer websocket API.
// When dropFirst is set the first connection is closed after subscribing.
type fakeBlockbook struct {
	t         *testing.T
	dropFirst bool
	conns     atomic.Int32
	requests  chan receivedRequest
}

func newFakeBlockbook(t *testing.T, dropFirst bool) (*fakeBlockbook, string) {
	fb := &fakeBlockbook{t: t, dropFirst: dropFirst, requests: make(chan receivedRequest, 64)}
	server := httptest.NewServer(http.HandlerFunc(fb.serve))
	t.Cleanup(server.Close)
	return fb, "ws" + strings.TrimPrefix(server.URL, "http")
}

func (fb *fakeBlockbook) serve(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := int(fb.conns.Add(1))

	var mu sync.Mutex
	write := func(id string, data string) {
		mu.Lock()
		defer mu.Unlock()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"`+id+`","data":`+data+`}`))
	}

	for {
		var req struct {
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		fb.requests <- receivedRequest{conn: n, method: req.Method, params: req.Params}

		switch req.Method {
		case methodSubscribeNewBlock:
			write(req.ID, `{"subscribed":true}`)
			if fb.dropFirst && n == 1 {
				return
			}
			write(req.ID, `{"height":10,"hash":"0xabc"}`)
		case methodSubscribeAddresses:
			write(req.ID, `{"subscribed":true}`)
			write(req.ID, `{"address":"0x01","tx":{"txid":"0xfeed"}}`)
		case methodUnsubscribeAddresses:
			write(req.ID, `{"subscribed":false}`)
		case methodPing:
			write(req.ID, `{}`)
		}
	}
}

func (fb *fakeBlockbook) next(t *testing.T, method string) receivedRequest {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case req := <-fb.requests:
			if req.method == method {
				return req
			}
		case <-deadline:
			t.Fatalf("no %s request received", method)
		}
	}
}

func addressesOf(t *testing.T, req receivedRequest) []string {
	t.Helper()
	var params addressesParams
	require.NoError(t, json.Unmarshal(req.params, &params))
	return params.Addresses
}

func startBlockbook(t *testing.T, url string, metrics *Metrics) (*Blockbook, *recordingHandler) {
	t.Helper()
	bb, err := NewBlockbook(&BlockbookConfig{
		URL:          url,
		PingInterval: 20 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
		Metrics:      metrics,
	})
	require.NoError(t, err)

	handler := newRecordingHandler()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, bb.Run(ctx, handler))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return bb, handler
}

func TestNewBlockbook_RequiresURL(t *testing.T) {
	_, err := NewBlockbook(&BlockbookConfig{})
	require.Error(t, err)
}

func TestBlockbook_BlocksAndAddresses(t *testing.T) {
	fb, url := newFakeBlockbook(t, false)
	bb, handler := startBlockbook(t, url, nil)

	select {
	case block := <-handler.blocks:
		assert.Equal(t, types.NewBlock{Height: 10, Hash: "0xabc"}, block)
	case <-time.After(waitFor):
		t.Fatal("no block delivered")
	}
	require.Eventually(t, bb.Connected, waitFor, 5*time.Millisecond)

	require.NoError(t, bb.SubscribeAddresses(context.Background(), []string{"0x02"}))
	assert.Equal(t, []string{"0x02"}, addressesOf(t, fb.next(t, methodSubscribeAddresses)))

	select {
	case raw := <-handler.txs:
		assert.JSONEq(t, `{"txid":"0xfeed"}`, string(raw))
	case <-time.After(waitFor):
		t.Fatal("no transaction delivered")
	}

	// the full set is sent each time
	require.NoError(t, bb.SubscribeAddresses(context.Background(), []string{"0x01"}))
	assert.Equal(t, []string{"0x01", "0x02"}, addressesOf(t, fb.next(t, methodSubscribeAddresses)))

	require.NoError(t, bb.UnsubscribeAddresses(context.Background(), []string{"0x01"}))
	assert.Equal(t, []string{"0x02"}, addressesOf(t, fb.next(t, methodSubscribeAddresses)))

	require.NoError(t, bb.UnsubscribeAddresses(context.Background(), []string{"0x02"}))
	fb.next(t, methodUnsubscribeAddresses)
	assert.Empty(t, bb.Addresses())

	fb.next(t, methodPing)
}

func TestBlockbook_ReconnectResubscribes(t *testing.T) {
	fb, url := newFakeBlockbook(t, true)
	metrics := NewMetrics(prometheus.NewRegistry(), "test")

	bb, err := NewBlockbook(&BlockbookConfig{URL: url, ReconnectMax: 20 * time.Millisecond, Metrics: metrics})
	require.NoError(t, err)
	// kept while disconnected
	require.NoError(t, bb.SubscribeAddresses(context.Background(), []string{"0x0a"}))

	handler := newRecordingHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bb.Run(ctx, handler) }()

	// the first connection may close before its address subscription is read
	req := fb.next(t, methodSubscribeAddresses)
	if req.conn == 1 {
		req = fb.next(t, methodSubscribeAddresses)
	}
	assert.Equal(t, 2, req.conn)
	assert.Equal(t, []string{"0x0a"}, addressesOf(t, req))

	select {
	case block := <-handler.blocks:
		assert.Equal(t, int64(10), block.Height)
	case <-time.After(waitFor):
		t.Fatal("no block after reconnect")
	}
	assert.GreaterOrEqual(t, promtestutil.ToFloat64(metrics.Reconnects), float64(1))
	assert.Equal(t, float64(1), promtestutil.ToFloat64(metrics.Events.WithLabelValues("block")))
}

func TestBlockbook_Decode(t *testing.T) {
	bb, err := NewBlockbook(&BlockbookConfig{URL: "ws://unused"})
	require.NoError(t, err)
	bb.blockSubID = "1"
	bb.addrSubID = "2"

	tests := []struct {
		name    string
		message string
		want    string
	}{
		{name: "block ack", message: `{"id":"1","data":{"subscribed":true}}`},
		{name: "block", message: `{"id":"1","data":{"height":5,"hash":"0x05"}}`, want: "block"},
		{name: "address ack", message: `{"id":"2","data":{"subscribed":true}}`},
		{name: "address tx", message: `{"id":"2","data":{"address":"0x01","tx":{"txid":"0x1"}}}`, want: "tx"},
		{name: "ping reply", message: `{"id":"7","data":{}}`},
		{name: "no id", message: `{"data":{"height":5,"hash":"0x05"}}`},
		{name: "garbage", message: `not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := bb.decode([]byte(tt.message))
			if tt.want == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, ev.kind())
		})
	}
}

type panickingHandler struct{ calls atomic.Int32 }

func (h *panickingHandler) OnBlock(context.Context, types.NewBlock) {
	h.calls.Add(1)
	panic("handler bug")
}

func (h *panickingHandler) OnTransaction(context.Context, json.RawMessage) {}

func TestDeliver_IsolatesHandlers(t *testing.T) {
	bad := &panickingHandler{}
	good := newRecordingHandler()

	assert.NotPanics(t, func() {
		deliver(context.Background(), Handlers{bad, good}, event{block: &types.NewBlock{Height: 1}}, zap.NewNop(), nil)
	})
	assert.Equal(t, int32(1), bad.calls.Load())
	require.Len(t, good.blocks, 1)
}

func TestBlockFunc_IgnoresTransactions(t *testing.T) {
	var heights []int64
	h := Handlers{BlockFunc(func(_ context.Context, block types.NewBlock) {
		heights = append(heights, block.Height)
	})}

	h.OnBlock(context.Background(), types.NewBlock{Height: 7})
	h.OnTransaction(context.Background(), json.RawMessage(`{"txid":"0x01"}`))

	assert.Equal(t, []int64{7}, heights)
}
