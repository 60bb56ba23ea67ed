// Package binance is the Binance USD-M futures adapter: a signed REST
// client implementing domain.Exchange, a mark-price/user-data stream
// client, and the call policy (per-call timeout, bounded retry, circuit
// breaker) that wraps every venue call.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/delquant/delphibot/internal/crypto"
	"github.com/delquant/delphibot/internal/domain"
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL          string
	Auth             *crypto.HMACAuth
	RecvWindowMs     int
	Timeout          time.Duration
	MaxRetries       int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Client is the signed REST client for the futures API. It satisfies
// domain.Exchange. Every call runs under the per-call timeout, transport
// failures are retried with exponential backoff, and the shared circuit
// breaker rejects calls outright after repeated failures.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	breaker    *breaker
	logger     *slog.Logger
}

var _ domain.Exchange = (*Client)(nil)

// NewClient creates a futures REST client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RecvWindowMs == 0 {
		cfg.RecvWindowMs = 5000
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown == 0 {
		cfg.BreakerCooldown = time.Minute
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:     logger.With(slog.String("component", "binance")),
	}
}

// Position returns the open position for symbol, nil when flat.
func (c *Client) Position(ctx context.Context, symbol string) (*domain.ExchangePosition, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.call(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true)
	if err != nil {
		return nil, fmt.Errorf("binance: position %s: %w", symbol, err)
	}

	var rows []apiPositionRisk
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("binance: decode position: %w", err)
	}
	now := time.Now()
	for _, row := range rows {
		if row.Symbol != symbol {
			continue
		}
		if pos := row.toDomain(now); pos != nil {
			return pos, nil
		}
	}
	return nil, nil
}

// Account returns balances and the current margin ratio.
func (c *Client) Account(ctx context.Context) (domain.AccountState, error) {
	body, err := c.call(ctx, http.MethodGet, "/fapi/v2/account", url.Values{}, true)
	if err != nil {
		return domain.AccountState{}, fmt.Errorf("binance: account: %w", err)
	}
	var acct apiAccount
	if err := json.Unmarshal(body, &acct); err != nil {
		return domain.AccountState{}, fmt.Errorf("binance: decode account: %w", err)
	}
	return acct.toDomain(), nil
}

// SymbolRules returns the LOT_SIZE and MIN_NOTIONAL filters for symbol.
func (c *Client) SymbolRules(ctx context.Context, symbol string) (domain.SymbolRules, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.call(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", params, false)
	if err != nil {
		return domain.SymbolRules{}, fmt.Errorf("binance: exchange info %s: %w", symbol, err)
	}
	var info apiExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return domain.SymbolRules{}, fmt.Errorf("binance: decode exchange info: %w", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol == symbol {
			return s.toDomain(), nil
		}
	}
	return domain.SymbolRules{}, fmt.Errorf("binance: exchange info %s: %w", symbol, domain.ErrNotFound)
}

// MarkPrice returns the current mark price for symbol.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.call(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false)
	if err != nil {
		return 0, fmt.Errorf("binance: mark price %s: %w", symbol, err)
	}
	var idx apiPremiumIndex
	if err := json.Unmarshal(body, &idx); err != nil {
		return 0, fmt.Errorf("binance: decode mark price: %w", err)
	}
	return decStr(idx.MarkPrice), nil
}

// PlaceOrder submits one order. A timeout after submission maps to
// domain.ErrOutcomeUnknown: the order may be live, so the caller must
// re-query venue truth instead of retrying the placement.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.Price > 0 {
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}
	if req.StopPrice > 0 {
		params.Set("stopPrice", strconv.FormatFloat(req.StopPrice, 'f', -1, 64))
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	params.Set("newOrderRespType", "RESULT")

	body, err := c.callOnce(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		var nerr *domain.NetworkError
		if errors.As(err, &nerr) || errors.Is(err, context.DeadlineExceeded) {
			// The request left the process; the venue may have accepted it.
			return domain.OrderAck{}, fmt.Errorf("binance: place order: %w", domain.ErrOutcomeUnknown)
		}
		return domain.OrderAck{}, fmt.Errorf("binance: place order: %w", err)
	}

	var ord apiOrder
	if err := json.Unmarshal(body, &ord); err != nil {
		return domain.OrderAck{}, fmt.Errorf("binance: decode order ack: %w", err)
	}
	return ord.toAck(), nil
}

// OrderStatus queries one order by venue id.
func (c *Client) OrderStatus(ctx context.Context, symbol string, orderID int64) (domain.OrderState, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	body, err := c.call(ctx, http.MethodGet, "/fapi/v1/order", params, true)
	if err != nil {
		return domain.OrderState{}, fmt.Errorf("binance: order status %d: %w", orderID, err)
	}
	var ord apiOrder
	if err := json.Unmarshal(body, &ord); err != nil {
		return domain.OrderState{}, fmt.Errorf("binance: decode order: %w", err)
	}
	return ord.toState(), nil
}

// CancelOrder cancels one order. Cancelling an order that is already gone
// returns nil; the venue reports it as code -2011.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	_, err := c.call(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	if err != nil {
		var rej *domain.ExchangeRejection
		if errors.As(err, &rej) && rej.Code == -2011 {
			// "Unknown order sent": already filled or cancelled.
			return nil
		}
		return fmt.Errorf("binance: cancel order %d: %w", orderID, err)
	}
	return nil
}

// OpenOrders lists the live orders for symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]domain.OrderState, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.call(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true)
	if err != nil {
		return nil, fmt.Errorf("binance: open orders %s: %w", symbol, err)
	}
	var rows []apiOrder
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("binance: decode open orders: %w", err)
	}
	out := make([]domain.OrderState, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toState())
	}
	return out, nil
}

// SetLeverage configures position leverage for symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	if _, err := c.call(ctx, http.MethodPost, "/fapi/v1/leverage", params, true); err != nil {
		return fmt.Errorf("binance: set leverage %s %dx: %w", symbol, leverage, err)
	}
	return nil
}

// ListenKey starts (or keeps alive) a user-data stream and returns its key.
func (c *Client) ListenKey(ctx context.Context) (string, error) {
	body, err := c.call(ctx, http.MethodPost, "/fapi/v1/listenKey", url.Values{}, true)
	if err != nil {
		return "", fmt.Errorf("binance: listen key: %w", err)
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("binance: decode listen key: %w", err)
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the user-data stream lease.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	if _, err := c.call(ctx, http.MethodPut, "/fapi/v1/listenKey", url.Values{}, true); err != nil {
		return fmt.Errorf("binance: keepalive listen key: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Call policy
// --------------------------------------------------------------------------

// call runs one API call through the retry policy. Transport failures are
// retried with exponential backoff up to MaxRetries; validation errors and
// venue rejections fail immediately.
func (c *Client) call(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 250 * time.Millisecond
	backoffCfg.MaxInterval = 5 * time.Second

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			sleep := backoffCfg.NextBackOff()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleep):
			}
			c.logger.WarnContext(ctx, "retrying venue call",
				slog.String("path", path),
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()),
			)
		}
		body, err := c.callOnce(ctx, method, path, params, signed)
		if err == nil {
			return body, nil
		}
		if !domain.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// callOnce runs exactly one API call through the breaker, with no retry.
// Order placement uses this directly so a timed-out submission is never
// replayed.
func (c *Client) callOnce(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if err := c.breaker.allow(); err != nil {
		return nil, err
	}
	body, err := c.do(ctx, method, path, params, signed)
	c.breaker.record(retryableOnly(err))
	return body, err
}

// retryableOnly filters venue rejections out of breaker accounting: the
// breaker guards against a broken transport, not a margin error.
func retryableOnly(err error) error {
	if err == nil || !domain.IsRetryable(err) {
		return nil
	}
	return err
}

// do builds, signs, sends, and reads one HTTP request.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	query := params.Encode()
	if signed {
		query = c.cfg.Auth.SignedQuery(query, c.cfg.RecvWindowMs)
	}

	reqURL := c.cfg.BaseURL + path
	if query != "" {
		reqURL += "?" + query
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.cfg.Auth.Key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.NetworkError{Op: "read " + path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, mapAPIError(resp.StatusCode, body)
	}
	return body, nil
}

// mapAPIError converts a non-2xx response into a typed error. 5xx responses
// stay retryable; everything else is a venue rejection.
func mapAPIError(status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	if status >= 500 {
		return &domain.NetworkError{
			Op:  "venue",
			Err: fmt.Errorf("HTTP %d: %s", status, apiErr.Msg),
		}
	}
	reason := apiErr.Msg
	if reason == "" {
		reason = string(body)
	}
	return &domain.ExchangeRejection{Code: apiErr.Code, Reason: reason}
}
