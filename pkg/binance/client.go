package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/AEgurcan/signaltrader/pkg/models"
)

const (
	mainnetBaseURL = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"

	defaultRecvWindow = 5000 // ms
)

// Client talks to the Binance USDT-M futures REST surface on behalf of a
// single user. Credentials are bound at construction and never shared.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	recvWindow int64
	httpClient *http.Client
	limiter    *rate.Limiter

	// timeOffset is serverTime - localTime in ms, set by SyncTime.
	timeOffset atomic.Int64
}

func NewClient(apiKey, apiSecret string, testnet bool) *Client {
	baseURL := mainnetBaseURL
	if testnet {
		baseURL = testnetBaseURL
	}

	return &Client{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    baseURL,
		recvWindow: defaultRecvWindow,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Futures allows 2400 request weight per minute; pacing well
		// under that keeps a burst of concurrent users off the ban
		// threshold.
		limiter: rate.NewLimiter(rate.Limit(20), 40),
	}
}

func (c *Client) sign(queryString string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(queryString))
	return hex.EncodeToString(h.Sum(nil))
}

// do sends an unsigned request. Used for public market data endpoints.
func (c *Client) do(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		return nil, parseAPIError(res.StatusCode, body)
	}
	return body, nil
}

// doSigned sends a request with timestamp, recvWindow and an HMAC-SHA256
// signature over the encoded query string. Each call signs a fresh
// timestamp, so a retry is always a new request rather than a replay.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.timestamp(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))
	params.Set("signature", c.sign(params.Encode()))

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		return nil, parseAPIError(res.StatusCode, body)
	}
	return body, nil
}

// AccountPosition is one position row of the account snapshot.
type AccountPosition struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	Leverage         string `json:"leverage"`
	Isolated         bool   `json:"isolated"`
	UnrealizedProfit string `json:"unrealizedProfit"`
	UpdateTime       int64  `json:"updateTime"`
}

type accountInfo struct {
	Positions []AccountPosition `json:"positions"`
}

// AccountPositions fetches the full account snapshot and returns every
// position with a non-zero amount.
func (c *Client) AccountPositions(ctx context.Context) ([]models.Position, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/account", nil)
	if err != nil {
		return nil, fmt.Errorf("account snapshot: %w", err)
	}

	var info accountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account snapshot: %w", err)
	}

	now := time.Now()
	positions := make([]models.Position, 0, len(info.Positions))
	for _, p := range info.Positions {
		amt := toFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		marginType := "CROSSED"
		if p.Isolated {
			marginType = "ISOLATED"
		}
		lev, _ := strconv.Atoi(p.Leverage)
		positions = append(positions, models.Position{
			Symbol:        p.Symbol,
			Quantity:      amt,
			EntryPrice:    toFloat(p.EntryPrice),
			Leverage:      lev,
			MarginType:    marginType,
			UnrealizedPnL: toFloat(p.UnrealizedProfit),
			UpdatedAt:     now,
		})
	}
	return positions, nil
}

// PositionRisk row from /fapi/v2/positionRisk; carries the liquidation
// price the account snapshot lacks.
type PositionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	LiquidationPrice string `json:"liquidationPrice"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
}

func (c *Client) PositionRisk(ctx context.Context, symbol string) ([]PositionRisk, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, fmt.Errorf("position risk: %w", err)
	}
	var risks []PositionRisk
	if err := json.Unmarshal(body, &risks); err != nil {
		return nil, fmt.Errorf("decode position risk: %w", err)
	}
	return risks, nil
}

// MarkPrice fetches the current mark price for a symbol.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return 0, fmt.Errorf("mark price %s: %w", symbol, err)
	}
	var out struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode mark price %s: %w", symbol, err)
	}
	return toFloat(out.MarkPrice), nil
}

// CreateListenKey opens a user data stream session and returns its key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/listenKey", nil)
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends the session before its 60 minute expiry.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	if _, err := c.do(ctx, http.MethodPut, "/fapi/v1/listenKey", params); err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	return nil
}

// timestamp is the local clock corrected by the last measured exchange
// offset, in unix milliseconds.
func (c *Client) timestamp() int64 {
	return time.Now().UnixMilli() + c.timeOffset.Load()
}

// SyncTime measures the offset between the exchange clock and the local
// one. Signed requests then carry server-adjusted timestamps, keeping a
// skewed host inside recvWindow.
func (c *Client) SyncTime(ctx context.Context) error {
	serverMs, err := c.ServerTime(ctx)
	if err != nil {
		return err
	}
	c.timeOffset.Store(serverMs - time.Now().UnixMilli())
	return nil
}

// ServerTime returns the exchange clock in unix milliseconds.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/time", nil)
	if err != nil {
		return 0, fmt.Errorf("server time: %w", err)
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return out.ServerTime, nil
}

func toFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
