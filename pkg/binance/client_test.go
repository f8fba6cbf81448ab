package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/AEgurcan/signaltrader/pkg/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestClient(srvURL string) *Client {
	c := NewClient("test-key", "test-secret", false)
	c.baseURL = srvURL
	return c
}

func TestSignedRequestCarriesValidSignature(t *testing.T) {
	var captured url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))
		captured = r.URL.Query()
		w.Write([]byte(`{"positions":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.AccountPositions(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, captured.Get("timestamp"))
	require.NotEmpty(t, captured.Get("recvWindow"))

	// Recompute the signature over the query string minus the signature
	// itself; it must match what the client sent.
	signature := captured.Get("signature")
	require.NotEmpty(t, signature)
	unsigned := url.Values{}
	for k, vs := range captured {
		if k == "signature" {
			continue
		}
		for _, v := range vs {
			unsigned.Add(k, v)
		}
	}
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(unsigned.Encode()))
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), signature)
}

func TestAccountPositionsDropsFlatEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"positions":[
			{"symbol":"BTCUSDT","positionAmt":"0.500","entryPrice":"30000.0","leverage":"10","isolated":false,"unrealizedProfit":"12.5"},
			{"symbol":"ETHUSDT","positionAmt":"0","entryPrice":"0","leverage":"20","isolated":true,"unrealizedProfit":"0"},
			{"symbol":"SOLUSDT","positionAmt":"-3","entryPrice":"95.5","leverage":"5","isolated":true,"unrealizedProfit":"-1.2"}
		]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	positions, err := c.AccountPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)

	require.Equal(t, "BTCUSDT", positions[0].Symbol)
	require.Equal(t, 0.5, positions[0].Quantity)
	require.Equal(t, 10, positions[0].Leverage)
	require.Equal(t, "CROSSED", positions[0].MarginType)

	require.Equal(t, "SOLUSDT", positions[1].Symbol)
	require.Equal(t, -3.0, positions[1].Quantity)
	require.Equal(t, "ISOLATED", positions[1].MarginType)
}

func TestSubmitMarketOrderBuildsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "ETHUSDT", r.PostForm.Get("symbol"))
		require.Equal(t, "SELL", r.PostForm.Get("side"))
		require.Equal(t, "MARKET", r.PostForm.Get("type"))
		require.Equal(t, "7.3", r.PostForm.Get("quantity"))
		require.NotEmpty(t, r.PostForm.Get("newClientOrderId"))
		w.Write([]byte(`{"orderId":123,"clientOrderId":"abc","symbol":"ETHUSDT","status":"NEW"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	result, err := c.SubmitMarketOrder(context.Background(), "ETHUSDT", models.OrderSideSell, 7.3)
	require.NoError(t, err)
	require.Equal(t, int64(123), result.OrderID)
	require.Equal(t, models.OrderStatusNew, result.Status)
}

func TestRejectionParsesIntoAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1111,"msg":"Precision is over the maximum defined for this asset."}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.SubmitMarketOrder(context.Background(), "BTCUSDT", models.OrderSideBuy, 0.123456789)
	require.Error(t, err)
	require.True(t, IsPrecisionRejection(err))
	require.False(t, IsPercentPriceRejection(err))
}

func TestSyncTimeAdjustsSignedTimestamps(t *testing.T) {
	const skew = int64(60_000) // exchange clock a minute ahead

	var captured url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/time":
			fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().UnixMilli()+skew)
		default:
			captured = r.URL.Query()
			w.Write([]byte(`{"positions":[]}`))
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	require.NoError(t, c.SyncTime(context.Background()))

	_, err := c.AccountPositions(context.Background())
	require.NoError(t, err)

	ts, err := strconv.ParseInt(captured.Get("timestamp"), 10, 64)
	require.NoError(t, err)
	require.Greater(t, ts, time.Now().UnixMilli()+skew/2,
		"signed timestamp should carry the measured server offset")
}

func TestListenKeyLifecycle(t *testing.T) {
	var keepalives int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/listenKey", r.URL.Path)
		switch r.Method {
		case http.MethodPost:
			w.Write([]byte(`{"listenKey":"abc123"}`))
		case http.MethodPut:
			require.Equal(t, "abc123", r.URL.Query().Get("listenKey"))
			keepalives++
			w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	key, err := c.CreateListenKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc123", key)

	require.NoError(t, c.KeepAliveListenKey(context.Background(), key))
	require.Equal(t, 1, keepalives)
}
