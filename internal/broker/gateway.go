// Package broker provides the brokerage gateway used by the trading agent.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
)

// Gateway is the order-execution surface the agent needs from a broker.
// Implementations must not retry internally; callers decide on retries.
type Gateway interface {
	Name() string

	// GetPosition returns nil when the account is flat in ticker.
	GetPosition(ctx context.Context, ticker string) (*types.Position, error)

	SubmitMarketOrder(ctx context.Context, ticker string, side types.OrderSide, qty int64) (string, error)
	SubmitStopOrder(ctx context.Context, ticker string, side types.OrderSide, qty int64, stopPrice decimal.Decimal, tif types.TimeInForce) (string, error)
	SubmitLimitOrder(ctx context.Context, ticker string, side types.OrderSide, qty int64, limitPrice decimal.Decimal, tif types.TimeInForce) (string, error)

	CancelOrder(ctx context.Context, orderID string) error
	ListOpenOrders(ctx context.Context, ticker string) ([]string, error)

	IsMarketOpen(ctx context.Context) (bool, error)
}

var (
	// ErrBrokerUnavailable covers network failures, timeouts and 5xx responses.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrRateLimited is returned when the broker throttles the client.
	ErrRateLimited = errors.New("broker rate limit exceeded")
	// ErrInvalidPosition means the position cannot be acted on (gone or malformed).
	ErrInvalidPosition = errors.New("invalid position")
	// ErrOrderRejected is returned for requests the broker refused.
	ErrOrderRejected = errors.New("order rejected")
	// ErrOrderNotFound is returned when an order id is unknown to the broker.
	ErrOrderNotFound = errors.New("order not found")
)

// RateLimitError carries the broker's backoff hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s)", ErrRateLimited, e.RetryAfter)
	}
	return ErrRateLimited.Error()
}

// Is makes errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// APIError is a non-2xx broker response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	kind       error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%v: status %d: %s", e.kind, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

// RetryAfter extracts the backoff hint from a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// ErrorClass maps an error to a short label for logs and metrics.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrBrokerUnavailable), errors.Is(err, context.DeadlineExceeded):
		return "unavailable"
	case errors.Is(err, ErrInvalidPosition):
		return "invalid_position"
	case errors.Is(err, ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, ErrOrderRejected):
		return "rejected"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "other"
	}
}
