package explorer

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/coinstack-go/pkg/resilience"
)

const (
	apiURL = "https://explorer.test/api"
	addr   = "0x1111111111111111111111111111111111111111"
)

func newMockedClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	c, err := NewClient(&Config{
		URL:       apiURL,
		APIKey:    "key",
		RateLimit: 1000,
		Retry:     &resilience.RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	})
	require.NoError(t, err)

	transport := httpmock.NewMockTransport()
	c.httpClient.Transport = transport
	return c, transport
}

func TestInternalTxPage(t *testing.T) {
	c, transport := newMockedClient(t)

	var gotQuery map[string][]string
	transport.RegisterResponder(http.MethodGet, apiURL, func(req *http.Request) (*http.Response, error) {
		gotQuery = req.URL.Query()
		return httpmock.NewStringResponse(http.StatusOK, `{"status":"1","message":"OK","result":[
			{"blockNumber":"20","timeStamp":"1700000020","hash":"0xAA","from":"0x2222222222222222222222222222222222222222","to":"0x1111111111111111111111111111111111111111","value":"10","type":"call","isError":"0"},
			{"blockNumber":"20","timeStamp":"1700000020","hash":"0xaa","from":"0x2222222222222222222222222222222222222222","to":"0x1111111111111111111111111111111111111111","value":"5","type":"call","isError":"0"},
			{"blockNumber":"18","timeStamp":"1700000018","hash":"0xbb","from":"0x2222222222222222222222222222222222222222","to":"0x1111111111111111111111111111111111111111","value":"7","type":"call","isError":"1"},
			{"blockNumber":"17","timeStamp":"1700000017","hash":"0xcc","from":"0x2222222222222222222222222222222222222222","to":"0x1111111111111111111111111111111111111111","value":"3","type":"create","isError":"0"}
		]}`), nil
	})

	from := int64(5)
	page, err := c.InternalTxPage(context.Background(), addr, 2, 4, &from, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"txlistinternal"}, gotQuery["action"])
	assert.Equal(t, []string{"2"}, gotQuery["page"])
	assert.Equal(t, []string{"4"}, gotQuery["offset"])
	assert.Equal(t, []string{"desc"}, gotQuery["sort"])
	assert.Equal(t, []string{"5"}, gotQuery["startblock"])
	assert.Equal(t, []string{"key"}, gotQuery["apikey"])
	assert.NotContains(t, gotQuery, "endblock")

	assert.True(t, page.HasMore)
	require.Len(t, page.Txs, 2)
	assert.Equal(t, "0xaa", page.Txs[0].TxID)
	assert.Equal(t, int64(20), page.Txs[0].BlockHeight)
	require.Len(t, page.Txs[0].Transfers, 2)
	assert.Equal(t, "10", page.Txs[0].Transfers[0].Value)
	assert.Equal(t, "0xcc", page.Txs[1].TxID)
}

func TestInternalTxPage_NoTransactions(t *testing.T) {
	c, transport := newMockedClient(t)
	transport.RegisterResponder(http.MethodGet, apiURL,
		httpmock.NewStringResponder(http.StatusOK, `{"status":"0","message":"No transactions found","result":[]}`))

	page, err := c.InternalTxPage(context.Background(), addr, 1, 10, nil, nil)
	require.NoError(t, err)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.Txs)
}

func TestInternalTxPage_RejectedNotRetried(t *testing.T) {
	c, transport := newMockedClient(t)
	transport.RegisterResponder(http.MethodGet, apiURL,
		httpmock.NewStringResponder(http.StatusOK, `{"status":"0","message":"NOTOK","result":"Invalid API Key"}`))

	_, err := c.InternalTxPage(context.Background(), addr, 1, 10, nil, nil)
	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestInternalTxPage_RateLimitedIsRetried(t *testing.T) {
	c, transport := newMockedClient(t)
	transport.RegisterResponder(http.MethodGet, apiURL,
		httpmock.NewStringResponder(http.StatusOK, `{"status":"0","message":"NOTOK","result":"Max rate limit reached"}`))

	_, err := c.InternalTxPage(context.Background(), addr, 1, 10, nil, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
	assert.Equal(t, 2, transport.GetTotalCallCount())
}

func TestInternalTransfers(t *testing.T) {
	c, transport := newMockedClient(t)

	var gotQuery map[string][]string
	transport.RegisterResponder(http.MethodGet, apiURL, func(req *http.Request) (*http.Response, error) {
		gotQuery = req.URL.Query()
		return httpmock.NewStringResponse(http.StatusOK, `{"status":"1","message":"OK","result":[
			{"blockNumber":"20","hash":"0xaa","from":"0x2222222222222222222222222222222222222222","to":"0x1111111111111111111111111111111111111111","value":"10","isError":"0"},
			{"blockNumber":"20","hash":"0xaa","from":"0x2222222222222222222222222222222222222222","to":"0x3333333333333333333333333333333333333333","value":"0","isError":"0"}
		]}`), nil
	})

	transfers, err := c.InternalTransfers(context.Background(), "0xaa")
	require.NoError(t, err)
	assert.Equal(t, []string{"0xaa"}, gotQuery["txhash"])
	require.Len(t, transfers, 1)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", transfers[0].To)
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient(&Config{})
	require.Error(t, err)
}
