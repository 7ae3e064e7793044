package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crypto-dca-engine/internal/market"
)

// APIError is a structured exchange error, split into retryable (rate limits,
// transient 5xx) and terminal (bad symbol, insufficient balance) classes.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance error %d (http %d): %s", e.Code, e.Status, e.Message)
}

// Retryable reports whether the request may succeed later. Insufficient
// balance and invalid symbols never will.
func (e *APIError) Retryable() bool {
	switch e.Code {
	case -1121, -2010, -2011, -1013: // invalid symbol, rejected order, unknown order, bad filter
		return false
	}
	if e.Status == http.StatusTooManyRequests || e.Status >= 500 {
		return true
	}
	return false
}

// IsRetryable reports whether err allows another attempt. Unknown errors
// (network faults, timeouts) count as retryable.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

// BinanceClient talks to the Binance spot REST API. It serves both market
// data reads and order placement.
type BinanceClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	retryWait  time.Duration
	logger     zerolog.Logger
}

// signedRequestAttempts bounds retries of transient failures (rate limits,
// 5xx) on the signed endpoints.
const signedRequestAttempts = 3

// NewBinanceClient creates a spot client. baseURL selects prod or testnet.
func NewBinanceClient(apiKey, secretKey, baseURL string) *BinanceClient {
	return &BinanceClient{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retryWait:  500 * time.Millisecond,
		logger:     log.With().Str("component", "binance").Logger(),
	}
}

// ===== MARKET DATA =====

// GetRecentCandles fetches the most recent klines and wraps them as a price
// series.
func (c *BinanceClient) GetRecentCandles(ctx context.Context, pair, timeframe string, count int) (*market.PriceSeries, error) {
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(count))

	body, err := c.get(ctx, "/api/v3/klines", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no klines for %s %s", market.ErrDataUnavailable, pair, timeframe)
	}

	candles := make([]market.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			continue
		}
		candles = append(candles, market.Candle{
			OpenTime:  int64(asFloat(k[0])),
			Open:      asFloat(k[1]),
			High:      asFloat(k[2]),
			Low:       asFloat(k[3]),
			Close:     asFloat(k[4]),
			Volume:    asFloat(k[5]),
			CloseTime: int64(asFloat(k[6])),
		})
	}
	return market.NewPriceSeriesFrom(pair, timeframe, candles), nil
}

// GetCurrentPrice fetches the last traded price for a pair.
func (c *BinanceClient) GetCurrentPrice(ctx context.Context, pair string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", pair)

	body, err := c.get(ctx, "/api/v3/ticker/price", params)
	if err != nil {
		return 0, fmt.Errorf("error fetching price: %w", err)
	}

	var priceResp struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	if err := json.Unmarshal(body, &priceResp); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}
	return priceResp.Price, nil
}

// ===== ORDERS =====

type orderResponse struct {
	Symbol        string  `json:"symbol"`
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	QuoteQty      float64 `json:"cummulativeQuoteQty,string"`
	Status        string  `json:"status"`
}

// PlaceLimitBuy submits a GTC limit buy and returns the client order ID used
// for all later lookups.
func (c *BinanceClient) PlaceLimitBuy(ctx context.Context, pair string, price, quantity float64) (string, error) {
	return c.placeOrder(ctx, pair, "BUY", "LIMIT", price, quantity)
}

// PlaceLimitSell submits a GTC limit sell.
func (c *BinanceClient) PlaceLimitSell(ctx context.Context, pair string, price, quantity float64) (string, error) {
	return c.placeOrder(ctx, pair, "SELL", "LIMIT", price, quantity)
}

// PlaceMarketSell submits a market sell for immediate exit.
func (c *BinanceClient) PlaceMarketSell(ctx context.Context, pair string, quantity float64) (string, error) {
	return c.placeOrder(ctx, pair, "SELL", "MARKET", 0, quantity)
}

func (c *BinanceClient) placeOrder(ctx context.Context, pair, side, orderType string, price, quantity float64) (string, error) {
	clientOrderID := "dca-" + uuid.NewString()

	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("side", side)
	params.Set("type", orderType)
	params.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	params.Set("newClientOrderId", clientOrderID)
	if orderType == "LIMIT" {
		params.Set("timeInForce", "GTC")
		params.Set("price", strconv.FormatFloat(price, 'f', -1, 64))
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return "", fmt.Errorf("error placing order: %w", err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("error parsing order response: %w", err)
	}

	c.logger.Info().
		Str("pair", pair).
		Str("side", side).
		Str("type", orderType).
		Float64("price", price).
		Float64("quantity", quantity).
		Str("client_order_id", clientOrderID).
		Str("status", resp.Status).
		Msg("Order placed")
	return clientOrderID, nil
}

// CancelOrder cancels an open order by client order ID.
func (c *BinanceClient) CancelOrder(ctx context.Context, pair, orderID string) error {
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("origClientOrderId", orderID)

	if _, err := c.signedRequest(ctx, http.MethodDelete, "/api/v3/order", params); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			// Unknown order: already filled or cancelled. Cancellation is
			// idempotent from the caller's point of view.
			return nil
		}
		return fmt.Errorf("error canceling order: %w", err)
	}
	return nil
}

// OrderStatus queries execution progress for an order.
func (c *BinanceClient) OrderStatus(ctx context.Context, pair, orderID string) (float64, float64, bool, error) {
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("origClientOrderId", orderID)

	body, err := c.signedRequest(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return 0, 0, false, fmt.Errorf("error querying order: %w", err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, 0, false, fmt.Errorf("error parsing order response: %w", err)
	}

	avgPrice := 0.0
	if resp.ExecutedQty > 0 {
		avgPrice = resp.QuoteQty / resp.ExecutedQty
	}
	done := resp.Status == "FILLED" || resp.Status == "CANCELED" ||
		resp.Status == "REJECTED" || resp.Status == "EXPIRED"
	return resp.ExecutedQty, avgPrice, done, nil
}

// ===== TRANSPORT =====

func (c *BinanceClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// signedRequest runs a signed call, retrying transient failures with backoff
// so callers only ever see errors worth acting on.
func (c *BinanceClient) signedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	wait := c.retryWait
	for attempt := 1; ; attempt++ {
		body, err := c.signedRequestOnce(ctx, method, path, params)
		if err == nil || attempt == signedRequestAttempts || !IsRetryable(err) {
			return body, err
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Str("path", path).
			Msg("Transient exchange error, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}

// signedRequestOnce signs the encoded query once so the signature always
// matches the bytes sent.
func (c *BinanceClient) signedRequestOnce(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query := params.Encode()

	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.URL.RawQuery = query
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	return c.do(req)
}

func (c *BinanceClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return nil, apiErr
	}
	return body, nil
}

func asFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}
