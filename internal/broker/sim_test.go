package broker_test

import (
	"context"
	"testing"

	"github.com/atlas-desktop/trading-agent/internal/broker"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSimMarketOrdersUpdatePosition(t *testing.T) {
	ctx := context.Background()
	sim := broker.NewSimGateway(zap.NewNop())
	sim.SetMark("AAPL", d("100"))

	_, err := sim.SubmitMarketOrder(ctx, "AAPL", types.OrderSideBuy, 10)
	require.NoError(t, err)

	sim.SetMark("AAPL", d("110"))
	_, err = sim.SubmitMarketOrder(ctx, "AAPL", types.OrderSideBuy, 10)
	require.NoError(t, err)

	pos, err := sim.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int64(20), pos.Quantity)
	assert.True(t, pos.AvgEntryPrice.Equal(d("105")), "avg entry %s", pos.AvgEntryPrice)

	// Reducing keeps the entry price
	_, err = sim.SubmitMarketOrder(ctx, "AAPL", types.OrderSideSell, 5)
	require.NoError(t, err)
	pos, _ = sim.GetPosition(ctx, "AAPL")
	assert.Equal(t, int64(15), pos.Quantity)
	assert.True(t, pos.AvgEntryPrice.Equal(d("105")))

	_, err = sim.SubmitMarketOrder(ctx, "AAPL", types.OrderSideSell, 15)
	require.NoError(t, err)
	pos, err = sim.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestSimFlipResetsEntry(t *testing.T) {
	ctx := context.Background()
	sim := broker.NewSimGateway(zap.NewNop())
	sim.SetPosition("AAPL", 5, d("90"))
	sim.SetMark("AAPL", d("100"))

	_, err := sim.SubmitMarketOrder(ctx, "AAPL", types.OrderSideSell, 8)
	require.NoError(t, err)

	pos, _ := sim.GetPosition(ctx, "AAPL")
	require.NotNil(t, pos)
	assert.Equal(t, int64(-3), pos.Quantity)
	assert.True(t, pos.AvgEntryPrice.Equal(d("100")))
}

func TestSimStopOrderTriggers(t *testing.T) {
	ctx := context.Background()
	sim := broker.NewSimGateway(zap.NewNop())
	sim.SetPosition("AAPL", 10, d("100"))

	id, err := sim.SubmitStopOrder(ctx, "AAPL", types.OrderSideSell, 10, d("95"), types.TimeInForceGTC)
	require.NoError(t, err)

	open, err := sim.ListOpenOrders(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, open)

	sim.SetMark("AAPL", d("96"))
	assert.Len(t, sim.OpenOrders("AAPL"), 1)

	sim.SetMark("AAPL", d("94.5"))
	assert.Empty(t, sim.OpenOrders("AAPL"))

	pos, _ := sim.GetPosition(ctx, "AAPL")
	assert.Nil(t, pos)
}

func TestSimRejectsNonPositivePrice(t *testing.T) {
	sim := broker.NewSimGateway(zap.NewNop())
	_, err := sim.SubmitStopOrder(context.Background(), "AAPL", types.OrderSideSell, 1, decimal.Zero, types.TimeInForceGTC)
	assert.ErrorIs(t, err, broker.ErrOrderRejected)

	_, err = sim.SubmitLimitOrder(context.Background(), "AAPL", types.OrderSideSell, 0, d("10"), types.TimeInForceGTC)
	assert.ErrorIs(t, err, broker.ErrOrderRejected)
}

func TestSimCancelOrder(t *testing.T) {
	ctx := context.Background()
	sim := broker.NewSimGateway(zap.NewNop())

	id, err := sim.SubmitLimitOrder(ctx, "AAPL", types.OrderSideSell, 1, d("120"), types.TimeInForceGTC)
	require.NoError(t, err)

	require.NoError(t, sim.CancelOrder(ctx, id))
	assert.ErrorIs(t, sim.CancelOrder(ctx, id), broker.ErrOrderNotFound)
	assert.ErrorIs(t, sim.CancelOrder(ctx, "missing"), broker.ErrOrderNotFound)
}

func TestSimFailureInjection(t *testing.T) {
	ctx := context.Background()
	sim := broker.NewSimGateway(zap.NewNop())
	sim.FailNext(broker.ErrBrokerUnavailable, 2)

	_, err := sim.GetPosition(ctx, "AAPL")
	assert.ErrorIs(t, err, broker.ErrBrokerUnavailable)
	_, err = sim.IsMarketOpen(ctx)
	assert.ErrorIs(t, err, broker.ErrBrokerUnavailable)

	open, err := sim.IsMarketOpen(ctx)
	require.NoError(t, err)
	assert.True(t, open)
}

func TestSimCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sim := broker.NewSimGateway(zap.NewNop())
	_, err := sim.GetPosition(ctx, "AAPL")
	assert.ErrorIs(t, err, broker.ErrBrokerUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestErrorClass(t *testing.T) {
	assert.Equal(t, "none", broker.ErrorClass(nil))
	assert.Equal(t, "rate_limited", broker.ErrorClass(&broker.RateLimitError{}))
	assert.Equal(t, "unavailable", broker.ErrorClass(context.DeadlineExceeded))
	assert.Equal(t, "rejected", broker.ErrorClass(broker.ErrOrderRejected))
	assert.Equal(t, "not_found", broker.ErrorClass(broker.ErrOrderNotFound))
}
