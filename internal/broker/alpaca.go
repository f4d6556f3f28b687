package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// PaperBaseURL is the Alpaca paper-trading endpoint.
	PaperBaseURL = "https://paper-api.alpaca.markets"
	// LiveBaseURL is the Alpaca live-trading endpoint.
	LiveBaseURL = "https://api.alpaca.markets"
)

// AlpacaConfig contains Alpaca adapter configuration.
type AlpacaConfig struct {
	APIKey            string        `json:"apiKey" mapstructure:"api_key"`
	APISecret         string        `json:"-" mapstructure:"api_secret"`
	BaseURL           string        `json:"baseUrl" mapstructure:"base_url"`
	Paper             bool          `json:"paper" mapstructure:"paper"`
	RequestTimeout    time.Duration `json:"requestTimeout" mapstructure:"request_timeout"`
	RequestsPerMinute int           `json:"requestsPerMinute" mapstructure:"requests_per_minute"`
}

// AlpacaGateway implements Gateway against the Alpaca trading REST API.
type AlpacaGateway struct {
	logger     *zap.Logger
	apiKey     string
	apiSecret  string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
}

// alpacaPosition is the wire format of GET /v2/positions/{symbol}.
type alpacaPosition struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	Side          string          `json:"side"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
}

// alpacaOrder is the wire format of an order.
type alpacaOrder struct {
	ID            string           `json:"id,omitempty"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
	Symbol        string           `json:"symbol"`
	Qty           string           `json:"qty"`
	Side          string           `json:"side"`
	Type          string           `json:"type"`
	TimeInForce   string           `json:"time_in_force"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	Status        string           `json:"status,omitempty"`
}

type alpacaClock struct {
	IsOpen bool `json:"is_open"`
}

// NewAlpacaGateway creates a new Alpaca adapter.
func NewAlpacaGateway(logger *zap.Logger, config AlpacaConfig) *AlpacaGateway {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = LiveBaseURL
		if config.Paper {
			baseURL = PaperBaseURL
		}
	}
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	perMinute := config.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 200 // Alpaca default allowance
	}

	return &AlpacaGateway{
		logger:     logger.Named("alpaca"),
		apiKey:     config.APIKey,
		apiSecret:  config.APISecret,
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 10),
	}
}

// Name returns the adapter name.
func (a *AlpacaGateway) Name() string { return "alpaca" }

// GetPosition returns the open position for ticker, or nil when flat.
func (a *AlpacaGateway) GetPosition(ctx context.Context, ticker string) (*types.Position, error) {
	var pos alpacaPosition
	err := a.do(ctx, http.MethodGet, "/v2/positions/"+url.PathEscape(ticker), nil, nil, &pos)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get position %s: %w", ticker, err)
	}

	qty := pos.Qty.Abs().IntPart()
	if strings.EqualFold(pos.Side, string(types.PositionSideShort)) || pos.Qty.IsNegative() {
		qty = -qty
	}
	if qty == 0 {
		return nil, nil
	}

	return &types.Position{
		Symbol:        pos.Symbol,
		Quantity:      qty,
		AvgEntryPrice: pos.AvgEntryPrice,
	}, nil
}

// SubmitMarketOrder places a DAY market order.
func (a *AlpacaGateway) SubmitMarketOrder(ctx context.Context, ticker string, side types.OrderSide, qty int64) (string, error) {
	return a.submit(ctx, types.OrderRequest{
		Symbol:      ticker,
		Side:        side,
		Type:        types.OrderTypeMarket,
		TimeInForce: types.TimeInForceDay,
		Quantity:    qty,
	})
}

// SubmitStopOrder places a stop order that triggers at stopPrice.
func (a *AlpacaGateway) SubmitStopOrder(ctx context.Context, ticker string, side types.OrderSide, qty int64, stopPrice decimal.Decimal, tif types.TimeInForce) (string, error) {
	return a.submit(ctx, types.OrderRequest{
		Symbol:      ticker,
		Side:        side,
		Type:        types.OrderTypeStop,
		TimeInForce: tif,
		Quantity:    qty,
		StopPrice:   stopPrice,
	})
}

// SubmitLimitOrder places a limit order at limitPrice.
func (a *AlpacaGateway) SubmitLimitOrder(ctx context.Context, ticker string, side types.OrderSide, qty int64, limitPrice decimal.Decimal, tif types.TimeInForce) (string, error) {
	return a.submit(ctx, types.OrderRequest{
		Symbol:      ticker,
		Side:        side,
		Type:        types.OrderTypeLimit,
		TimeInForce: tif,
		Quantity:    qty,
		LimitPrice:  limitPrice,
	})
}

func (a *AlpacaGateway) submit(ctx context.Context, req types.OrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", fmt.Errorf("%w: quantity must be positive, got %d", ErrOrderRejected, req.Quantity)
	}
	if req.TimeInForce == "" {
		req.TimeInForce = types.TimeInForceDay
	}

	body := alpacaOrder{
		ClientOrderID: uuid.New().String(),
		Symbol:        req.Symbol,
		Qty:           strconv.FormatInt(req.Quantity, 10),
		Side:          string(req.Side),
		Type:          string(req.Type),
		TimeInForce:   string(req.TimeInForce),
	}
	if req.Type == types.OrderTypeLimit {
		p := req.LimitPrice.Round(2)
		body.LimitPrice = &p
	}
	if req.Type == types.OrderTypeStop {
		p := req.StopPrice.Round(2)
		body.StopPrice = &p
	}

	var placed alpacaOrder
	if err := a.do(ctx, http.MethodPost, "/v2/orders", nil, body, &placed); err != nil {
		return "", fmt.Errorf("submit %s %s order for %s: %w", req.Type, req.Side, req.Symbol, err)
	}

	a.logger.Info("Order submitted",
		zap.String("orderId", placed.ID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)),
		zap.Int64("qty", req.Quantity))

	return placed.ID, nil
}

// CancelOrder cancels an order by id.
func (a *AlpacaGateway) CancelOrder(ctx context.Context, orderID string) error {
	if err := a.do(ctx, http.MethodDelete, "/v2/orders/"+url.PathEscape(orderID), nil, nil, nil); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// ListOpenOrders returns the ids of open orders for ticker.
func (a *AlpacaGateway) ListOpenOrders(ctx context.Context, ticker string) ([]string, error) {
	query := url.Values{}
	query.Set("status", "open")
	query.Set("symbols", ticker)
	query.Set("limit", "500")

	var orders []alpacaOrder
	if err := a.do(ctx, http.MethodGet, "/v2/orders", query, nil, &orders); err != nil {
		return nil, fmt.Errorf("list open orders %s: %w", ticker, err)
	}

	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		// The symbols filter is advisory on some API versions.
		if o.Symbol != "" && !strings.EqualFold(o.Symbol, ticker) {
			continue
		}
		ids = append(ids, o.ID)
	}
	return ids, nil
}

// IsMarketOpen reports the broker's market clock.
func (a *AlpacaGateway) IsMarketOpen(ctx context.Context) (bool, error) {
	var clock alpacaClock
	if err := a.do(ctx, http.MethodGet, "/v2/clock", nil, nil, &clock); err != nil {
		return false, fmt.Errorf("get clock: %w", err)
	}
	return clock.IsOpen, nil
}

// do sends one rate-limited request and classifies the response.
func (a *AlpacaGateway) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	reqURL := a.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("APCA-API-KEY-ID", a.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", a.apiSecret)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %w", ErrBrokerUnavailable, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		return nil
	}

	return classifyResponse(resp, respBody)
}

func classifyResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		apiErr.kind = ErrOrderNotFound
	case resp.StatusCode >= 500:
		apiErr.kind = ErrBrokerUnavailable
	case resp.StatusCode == http.StatusForbidden && strings.Contains(strings.ToLower(apiErr.Message), "insufficient qty"):
		// The position is gone or already covered by other orders.
		apiErr.kind = ErrInvalidPosition
	default:
		apiErr.kind = ErrOrderRejected
	}
	return apiErr
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func isNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}
