package journal_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/atlas-desktop/trading-agent/internal/broker"
	"github.com/atlas-desktop/trading-agent/internal/journal"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStore(t *testing.T) *journal.Store {
	t.Helper()
	store, err := journal.NewStore(zap.NewNop(), filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRecordAndList(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Record(ctx, &journal.OrderRecord{OrderID: "a", Ticker: "AAPL", Side: "buy", Type: "market", Quantity: 10}))
	require.NoError(t, store.Record(ctx, &journal.OrderRecord{OrderID: "b", Ticker: "MSFT", Side: "buy", Type: "market", Quantity: 1}))
	require.NoError(t, store.Record(ctx, &journal.OrderRecord{OrderID: "c", Ticker: "AAPL", Side: "sell", Type: "stop", Quantity: 10, StopPrice: "97.00"}))

	all, err := store.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	aapl, err := store.List(ctx, "AAPL", 10)
	require.NoError(t, err)
	require.Len(t, aapl, 2)
	assert.Equal(t, "c", aapl[0].OrderID)
	assert.Equal(t, "a", aapl[1].OrderID)

	one, err := store.List(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestNewStoreRejectsEmptyPath(t *testing.T) {
	_, err := journal.NewStore(zap.NewNop(), " ")
	assert.Error(t, err)
}

func TestGatewayJournalsAcceptedOrders(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	sim := broker.NewSimGateway(zap.NewNop())
	sim.SetMark("AAPL", decimal.NewFromInt(100))
	gw := journal.Wrap(sim, store)

	_, err := gw.SubmitMarketOrder(ctx, "AAPL", types.OrderSideBuy, 10)
	require.NoError(t, err)
	_, err = gw.SubmitStopOrder(ctx, "AAPL", types.OrderSideSell, 10, decimal.NewFromInt(97), types.TimeInForceGTC)
	require.NoError(t, err)
	_, err = gw.SubmitLimitOrder(ctx, "AAPL", types.OrderSideSell, 10, decimal.NewFromInt(110), types.TimeInForceGTC)
	require.NoError(t, err)

	// Rejected orders are not journaled.
	_, err = gw.SubmitStopOrder(ctx, "AAPL", types.OrderSideSell, 0, decimal.NewFromInt(97), types.TimeInForceGTC)
	require.Error(t, err)

	recs, err := store.List(ctx, "AAPL", 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	byType := map[string]journal.OrderRecord{}
	for _, r := range recs {
		byType[r.Type] = r
		assert.Equal(t, "sim", r.Broker)
	}
	assert.Equal(t, "97.00", byType["stop"].StopPrice)
	assert.Equal(t, "110.00", byType["limit"].LimitPrice)
	assert.Equal(t, "gtc", byType["stop"].TimeInForce)
	assert.Equal(t, "day", byType["market"].TimeInForce)

	// Reads pass straight through to the wrapped gateway.
	pos, err := gw.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos.Quantity)
}
