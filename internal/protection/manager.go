// Package protection places broker-resident stop-loss and take-profit orders
// around an open position, and provides emergency exit and cancel operations.
package protection

import (
	"context"
	"errors"
	"fmt"

	"github.com/atlas-desktop/trading-agent/internal/broker"
	"github.com/atlas-desktop/trading-agent/internal/metrics"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrInvalidRequest is returned for out-of-range percentages or prices.
	ErrInvalidRequest = errors.New("invalid protection request")
	// ErrInvalidPosition is returned when the position cannot be protected.
	ErrInvalidPosition = broker.ErrInvalidPosition
)

// Status is the outcome of a protection operation.
type Status string

const (
	StatusProtected        Status = "protected"
	StatusPartial          Status = "partial"
	StatusNothingToProtect Status = "nothing_to_protect"
	StatusSubmitted        Status = "submitted"
	StatusFailed           Status = "failed"
)

// Result describes what was placed.
type Result struct {
	Status          Status          `json:"status"`
	Ticker          string          `json:"ticker"`
	Side            types.OrderSide `json:"side,omitempty"`
	Quantity        int64           `json:"quantity"`
	EntryPrice      decimal.Decimal `json:"entryPrice"`
	StopPrice       decimal.Decimal `json:"stopPrice"`
	TakeProfitPrice decimal.Decimal `json:"takeProfitPrice"`
	OrderIDs        []string        `json:"orderIds"`
}

var (
	hundred    = decimal.NewFromInt(100)
	maxStopPct = decimal.NewFromInt(50)
	maxTakePct = decimal.NewFromInt(100)
)

// Manager places protective orders through a broker gateway.
type Manager struct {
	logger  *zap.Logger
	gateway broker.Gateway
	metrics *metrics.Metrics
}

// NewManager creates a protection manager. m may be nil.
func NewManager(logger *zap.Logger, gateway broker.Gateway, m *metrics.Metrics) *Manager {
	return &Manager{
		logger:  logger.Named("protection"),
		gateway: gateway,
		metrics: m,
	}
}

// ValidatePercents checks stop-loss and take-profit ranges.
// A take-profit of zero disables the take-profit leg.
func ValidatePercents(stopLossPct, takeProfitPct decimal.Decimal) error {
	if !stopLossPct.IsPositive() || stopLossPct.GreaterThan(maxStopPct) {
		return fmt.Errorf("%w: stop-loss percent %s not in (0, 50]", ErrInvalidRequest, stopLossPct)
	}
	if takeProfitPct.IsNegative() || takeProfitPct.GreaterThan(maxTakePct) {
		return fmt.Errorf("%w: take-profit percent %s not in [0, 100]", ErrInvalidRequest, takeProfitPct)
	}
	return nil
}

// StopPrice returns the stop trigger for a position, rounded to cents.
func StopPrice(side types.PositionSide, entry, pct decimal.Decimal) decimal.Decimal {
	offset := entry.Mul(pct).Div(hundred)
	if side == types.PositionSideShort {
		return entry.Add(offset).Round(2)
	}
	return entry.Sub(offset).Round(2)
}

// TakeProfitPrice returns the take-profit limit for a position, rounded to cents.
func TakeProfitPrice(side types.PositionSide, entry, pct decimal.Decimal) decimal.Decimal {
	offset := entry.Mul(pct).Div(hundred)
	if side == types.PositionSideShort {
		return entry.Sub(offset).Round(2)
	}
	return entry.Add(offset).Round(2)
}

// SetupProtection wraps the current position in a GTC stop order and, when
// takeProfitPct is positive, a GTC take-profit limit order. Open orders for
// the ticker are cancelled first, so repeated calls replace rather than stack.
func (m *Manager) SetupProtection(ctx context.Context, ticker string, stopLossPct, takeProfitPct decimal.Decimal) (Result, error) {
	result := Result{Ticker: ticker, OrderIDs: []string{}}

	if err := ValidatePercents(stopLossPct, takeProfitPct); err != nil {
		result.Status = StatusFailed
		return result, err
	}

	pos, err := m.position(ctx, ticker)
	if err != nil {
		result.Status = StatusFailed
		m.metrics.ObserveProtection(string(result.Status))
		return result, err
	}
	if pos == nil {
		// A resting stop against a flat position would open a new one.
		if err := m.replaceExisting(ctx, ticker); err != nil {
			result.Status = StatusFailed
			m.metrics.ObserveProtection(string(result.Status))
			return result, err
		}
		result.Status = StatusNothingToProtect
		m.logger.Info("No position to protect", zap.String("ticker", ticker))
		m.metrics.ObserveProtection(string(result.Status))
		return result, nil
	}

	side := pos.Side()
	result.Side = pos.ExitSide()
	result.Quantity = pos.AbsQuantity()
	result.EntryPrice = pos.AvgEntryPrice
	result.StopPrice = StopPrice(side, pos.AvgEntryPrice, stopLossPct)
	if takeProfitPct.IsPositive() {
		result.TakeProfitPrice = TakeProfitPrice(side, pos.AvgEntryPrice, takeProfitPct)
		if !result.TakeProfitPrice.IsPositive() {
			result.Status = StatusFailed
			m.metrics.ObserveProtection(string(result.Status))
			return result, fmt.Errorf("%w: take-profit price %s for %s", ErrInvalidRequest, result.TakeProfitPrice, ticker)
		}
	}

	// Orders from an earlier exit reserve the shares; the new legs replace them.
	if err := m.replaceExisting(ctx, ticker); err != nil {
		result.Status = StatusFailed
		m.metrics.ObserveProtection(string(result.Status))
		return result, err
	}

	stopID, err := m.placeStop(ctx, ticker, result.Side, result.Quantity, result.StopPrice)
	if err != nil {
		if m.closedMeanwhile(ctx, ticker, err) {
			result = Result{Ticker: ticker, OrderIDs: []string{}, Status: StatusNothingToProtect}
			m.metrics.ObserveProtection(string(result.Status))
			return result, nil
		}
		result.Status = StatusFailed
		m.metrics.ObserveProtection(string(result.Status))
		return result, err
	}
	result.OrderIDs = append(result.OrderIDs, stopID)

	if takeProfitPct.IsPositive() {
		tpID, err := m.placeTakeProfit(ctx, ticker, result.Side, result.Quantity, result.TakeProfitPrice)
		if err != nil {
			result.Status = StatusPartial
			m.logger.Warn("Take-profit failed, stop-loss in place",
				zap.String("ticker", ticker),
				zap.String("stopOrderId", stopID),
				zap.Error(err))
			m.metrics.ObserveProtection(string(result.Status))
			return result, err
		}
		result.OrderIDs = append(result.OrderIDs, tpID)
	}

	result.Status = StatusProtected
	m.logger.Info("Position protected",
		zap.String("ticker", ticker),
		zap.Int64("qty", result.Quantity),
		zap.String("entry", result.EntryPrice.String()),
		zap.String("stop", result.StopPrice.String()),
		zap.String("takeProfit", result.TakeProfitPrice.String()),
		zap.Strings("orderIds", result.OrderIDs))
	m.metrics.ObserveProtection(string(result.Status))
	return result, nil
}

// PlaceStopLoss places only the stop leg.
func (m *Manager) PlaceStopLoss(ctx context.Context, ticker string, stopLossPct decimal.Decimal) (Result, error) {
	result := Result{Ticker: ticker, OrderIDs: []string{}}
	if err := ValidatePercents(stopLossPct, decimal.Zero); err != nil {
		result.Status = StatusFailed
		return result, err
	}

	pos, err := m.position(ctx, ticker)
	if err != nil || pos == nil {
		result.Status = StatusNothingToProtect
		if err != nil {
			result.Status = StatusFailed
		}
		return result, err
	}

	result.Side = pos.ExitSide()
	result.Quantity = pos.AbsQuantity()
	result.EntryPrice = pos.AvgEntryPrice
	result.StopPrice = StopPrice(pos.Side(), pos.AvgEntryPrice, stopLossPct)

	id, err := m.placeStop(ctx, ticker, result.Side, result.Quantity, result.StopPrice)
	if err != nil {
		result.Status = StatusFailed
		return result, err
	}
	result.OrderIDs = append(result.OrderIDs, id)
	result.Status = StatusProtected
	return result, nil
}

// PlaceTakeProfit places only the take-profit leg.
func (m *Manager) PlaceTakeProfit(ctx context.Context, ticker string, takeProfitPct decimal.Decimal) (Result, error) {
	result := Result{Ticker: ticker, OrderIDs: []string{}}
	if !takeProfitPct.IsPositive() || takeProfitPct.GreaterThan(maxTakePct) {
		result.Status = StatusFailed
		return result, fmt.Errorf("%w: take-profit percent %s not in (0, 100]", ErrInvalidRequest, takeProfitPct)
	}

	pos, err := m.position(ctx, ticker)
	if err != nil || pos == nil {
		result.Status = StatusNothingToProtect
		if err != nil {
			result.Status = StatusFailed
		}
		return result, err
	}

	result.Side = pos.ExitSide()
	result.Quantity = pos.AbsQuantity()
	result.EntryPrice = pos.AvgEntryPrice
	result.TakeProfitPrice = TakeProfitPrice(pos.Side(), pos.AvgEntryPrice, takeProfitPct)
	if !result.TakeProfitPrice.IsPositive() {
		result.Status = StatusFailed
		return result, fmt.Errorf("%w: take-profit price %s for %s", ErrInvalidRequest, result.TakeProfitPrice, ticker)
	}

	id, err := m.placeTakeProfit(ctx, ticker, result.Side, result.Quantity, result.TakeProfitPrice)
	if err != nil {
		result.Status = StatusFailed
		return result, err
	}
	result.OrderIDs = append(result.OrderIDs, id)
	result.Status = StatusProtected
	return result, nil
}

// EmergencySell closes the whole position with a market order.
func (m *Manager) EmergencySell(ctx context.Context, ticker string) (Result, error) {
	result := Result{Ticker: ticker, OrderIDs: []string{}}

	pos, err := m.position(ctx, ticker)
	if err != nil {
		result.Status = StatusFailed
		return result, err
	}
	if pos == nil {
		result.Status = StatusNothingToProtect
		return result, nil
	}

	result.Side = pos.ExitSide()
	result.Quantity = pos.AbsQuantity()
	result.EntryPrice = pos.AvgEntryPrice

	// Resting stops would reserve the shares and outlive the position.
	if err := m.replaceExisting(ctx, ticker); err != nil {
		result.Status = StatusFailed
		return result, err
	}

	id, err := m.gateway.SubmitMarketOrder(ctx, ticker, result.Side, result.Quantity)
	m.metrics.ObserveOrder("emergency", err)
	if err != nil {
		result.Status = StatusFailed
		m.metrics.ObserveBrokerError(broker.ErrorClass(err))
		return result, err
	}

	result.OrderIDs = append(result.OrderIDs, id)
	result.Status = StatusSubmitted
	m.logger.Warn("Emergency exit submitted",
		zap.String("ticker", ticker),
		zap.String("side", string(result.Side)),
		zap.Int64("qty", result.Quantity),
		zap.String("orderId", id))
	return result, nil
}

// CancelAllOrders cancels every open order for ticker and returns how many
// were cancelled. Orders that disappeared in the meantime count as cancelled.
func (m *Manager) CancelAllOrders(ctx context.Context, ticker string) (int, error) {
	ids, err := m.gateway.ListOpenOrders(ctx, ticker)
	if err != nil {
		m.metrics.ObserveBrokerError(broker.ErrorClass(err))
		return 0, err
	}

	cancelled := 0
	var errs []error
	for _, id := range ids {
		err := m.gateway.CancelOrder(ctx, id)
		switch {
		case err == nil, errors.Is(err, broker.ErrOrderNotFound):
			cancelled++
		default:
			m.metrics.ObserveBrokerError(broker.ErrorClass(err))
			errs = append(errs, err)
		}
	}

	m.logger.Info("Cancelled open orders",
		zap.String("ticker", ticker),
		zap.Int("cancelled", cancelled),
		zap.Int("failed", len(errs)))
	return cancelled, errors.Join(errs...)
}

func (m *Manager) position(ctx context.Context, ticker string) (*types.Position, error) {
	pos, err := m.gateway.GetPosition(ctx, ticker)
	if err != nil {
		m.metrics.ObserveBrokerError(broker.ErrorClass(err))
		return nil, err
	}
	if pos == nil || pos.Quantity == 0 {
		return nil, nil
	}
	if !pos.AvgEntryPrice.IsPositive() {
		return nil, fmt.Errorf("%w: %s entry price %s", ErrInvalidPosition, ticker, pos.AvgEntryPrice)
	}
	return pos, nil
}

// replaceExisting cancels every open order for ticker before new
// protection goes in.
func (m *Manager) replaceExisting(ctx context.Context, ticker string) error {
	n, err := m.CancelAllOrders(ctx, ticker)
	if err != nil {
		return fmt.Errorf("cancel existing orders for %s: %w", ticker, err)
	}
	if n > 0 {
		m.logger.Info("Replaced existing orders", zap.String("ticker", ticker), zap.Int("cancelled", n))
	}
	return nil
}

// closedMeanwhile reports whether a stop was refused because the position
// was closed between the read and the submit.
func (m *Manager) closedMeanwhile(ctx context.Context, ticker string, err error) bool {
	if !errors.Is(err, ErrInvalidPosition) {
		return false
	}
	pos, perr := m.position(ctx, ticker)
	if perr != nil || pos != nil {
		return false
	}
	m.logger.Info("Position closed before protection was placed", zap.String("ticker", ticker), zap.Error(err))
	return true
}

func (m *Manager) placeStop(ctx context.Context, ticker string, side types.OrderSide, qty int64, price decimal.Decimal) (string, error) {
	if !price.IsPositive() {
		return "", fmt.Errorf("%w: stop price %s for %s", ErrInvalidRequest, price, ticker)
	}
	id, err := m.gateway.SubmitStopOrder(ctx, ticker, side, qty, price, types.TimeInForceGTC)
	m.metrics.ObserveOrder("stop", err)
	if err != nil {
		m.metrics.ObserveBrokerError(broker.ErrorClass(err))
		return "", fmt.Errorf("place stop-loss for %s: %w", ticker, err)
	}
	return id, nil
}

func (m *Manager) placeTakeProfit(ctx context.Context, ticker string, side types.OrderSide, qty int64, price decimal.Decimal) (string, error) {
	id, err := m.gateway.SubmitLimitOrder(ctx, ticker, side, qty, price, types.TimeInForceGTC)
	m.metrics.ObserveOrder("take_profit", err)
	if err != nil {
		m.metrics.ObserveBrokerError(broker.ErrorClass(err))
		return "", fmt.Errorf("place take-profit for %s: %w", ticker, err)
	}
	return id, nil
}
