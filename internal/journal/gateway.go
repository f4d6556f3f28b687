package journal

import (
	"context"
	"strconv"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/broker"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Gateway records every accepted order in the journal before returning it.
// Journal failures are logged and never fail the order.
type Gateway struct {
	broker.Gateway
	store  *Store
	logger *zap.Logger
}

// Wrap decorates gw with the journal.
func Wrap(gw broker.Gateway, store *Store) *Gateway {
	return &Gateway{
		Gateway: gw,
		store:   store,
		logger:  store.logger,
	}
}

// SubmitMarketOrder submits and records a market order.
func (g *Gateway) SubmitMarketOrder(ctx context.Context, ticker string, side types.OrderSide, qty int64) (string, error) {
	id, err := g.Gateway.SubmitMarketOrder(ctx, ticker, side, qty)
	if err == nil {
		g.record(ticker, id, side, types.OrderTypeMarket, types.TimeInForceDay, qty, decimal.Zero, decimal.Zero)
	}
	return id, err
}

// SubmitStopOrder submits and records a stop order.
func (g *Gateway) SubmitStopOrder(ctx context.Context, ticker string, side types.OrderSide, qty int64, stopPrice decimal.Decimal, tif types.TimeInForce) (string, error) {
	id, err := g.Gateway.SubmitStopOrder(ctx, ticker, side, qty, stopPrice, tif)
	if err == nil {
		g.record(ticker, id, side, types.OrderTypeStop, tif, qty, decimal.Zero, stopPrice)
	}
	return id, err
}

// SubmitLimitOrder submits and records a limit order.
func (g *Gateway) SubmitLimitOrder(ctx context.Context, ticker string, side types.OrderSide, qty int64, limitPrice decimal.Decimal, tif types.TimeInForce) (string, error) {
	id, err := g.Gateway.SubmitLimitOrder(ctx, ticker, side, qty, limitPrice, tif)
	if err == nil {
		g.record(ticker, id, side, types.OrderTypeLimit, tif, qty, limitPrice, decimal.Zero)
	}
	return id, err
}

func (g *Gateway) record(ticker, id string, side types.OrderSide, typ types.OrderType, tif types.TimeInForce, qty int64, limit, stop decimal.Decimal) {
	rec := &OrderRecord{
		OrderID:     id,
		Ticker:      ticker,
		Side:        string(side),
		Type:        string(typ),
		TimeInForce: string(tif),
		Quantity:    qty,
		Broker:      g.Gateway.Name(),
	}
	if !limit.IsZero() {
		rec.LimitPrice = limit.StringFixed(2)
	}
	if !stop.IsZero() {
		rec.StopPrice = stop.StringFixed(2)
	}
	if rec.OrderID == "" {
		rec.OrderID = "unknown-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	}

	// The order is already live; the caller's context may be about to end.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.store.Record(ctx, rec); err != nil {
		g.logger.Error("Failed to journal order",
			zap.String("orderId", id),
			zap.String("ticker", ticker),
			zap.Error(err))
	}
}
