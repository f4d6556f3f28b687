package broker_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/broker"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAlpaca(t *testing.T, handler http.HandlerFunc) *broker.AlpacaGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return broker.NewAlpacaGateway(zap.NewNop(), broker.AlpacaConfig{
		APIKey:            "key",
		APISecret:         "secret",
		BaseURL:           srv.URL,
		RequestTimeout:    2 * time.Second,
		RequestsPerMinute: 6000,
	})
}

func TestAlpacaGetPosition(t *testing.T) {
	gw := newAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		switch r.URL.Path {
		case "/v2/positions/AAPL":
			_, _ = w.Write([]byte(`{"symbol":"AAPL","qty":"10","side":"long","avg_entry_price":"100.50"}`))
		case "/v2/positions/TSLA":
			_, _ = w.Write([]byte(`{"symbol":"TSLA","qty":"-5","side":"short","avg_entry_price":"200"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":40410000,"message":"position does not exist"}`))
		}
	})

	pos, err := gw.GetPosition(context.Background(), "AAPL")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int64(10), pos.Quantity)
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.RequireFromString("100.50")))

	pos, err = gw.GetPosition(context.Background(), "TSLA")
	require.NoError(t, err)
	assert.Equal(t, int64(-5), pos.Quantity)
	assert.Equal(t, types.PositionSideShort, pos.Side())

	pos, err = gw.GetPosition(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestAlpacaSubmitStopOrder(t *testing.T) {
	var got map[string]interface{}
	gw := newAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/orders", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"order-1","symbol":"AAPL","status":"accepted"}`))
	})

	id, err := gw.SubmitStopOrder(context.Background(), "AAPL", types.OrderSideSell, 10,
		decimal.RequireFromString("95.004"), types.TimeInForceGTC)
	require.NoError(t, err)
	assert.Equal(t, "order-1", id)

	assert.Equal(t, "AAPL", got["symbol"])
	assert.Equal(t, "10", got["qty"])
	assert.Equal(t, "sell", got["side"])
	assert.Equal(t, "stop", got["type"])
	assert.Equal(t, "gtc", got["time_in_force"])
	assert.Equal(t, "95", got["stop_price"])
	assert.NotEmpty(t, got["client_order_id"])
	assert.NotContains(t, got, "limit_price")
}

func TestAlpacaErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header string
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, "3", "", broker.ErrRateLimited},
		{"server error", http.StatusBadGateway, "", "bad gateway", broker.ErrBrokerUnavailable},
		{"rejected", http.StatusForbidden, "", `{"code":40310000,"message":"insufficient buying power"}`, broker.ErrOrderRejected},
		{"position gone", http.StatusForbidden, "", `{"code":40310000,"message":"insufficient qty available for order (requested: 10, available: 0)"}`, broker.ErrInvalidPosition},
		{"unprocessable", http.StatusUnprocessableEntity, "", `{"code":42210000,"message":"invalid stop_price"}`, broker.ErrOrderRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := gw.SubmitMarketOrder(context.Background(), "AAPL", types.OrderSideBuy, 1)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestAlpacaRateLimitRetryAfter(t *testing.T) {
	gw := newAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := gw.IsMarketOpen(context.Background())
	require.Error(t, err)
	d, ok := broker.RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, d)
	assert.Equal(t, "rate_limited", broker.ErrorClass(err))
}

func TestAlpacaUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	gw := broker.NewAlpacaGateway(zap.NewNop(), broker.AlpacaConfig{BaseURL: url, RequestTimeout: time.Second})
	_, err := gw.GetPosition(context.Background(), "AAPL")
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrBrokerUnavailable)
}

func TestAlpacaCancelAndList(t *testing.T) {
	gw := newAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v2/orders":
			assert.Equal(t, "open", r.URL.Query().Get("status"))
			assert.Equal(t, "AAPL", r.URL.Query().Get("symbols"))
			_, _ = w.Write([]byte(`[{"id":"a","symbol":"AAPL"},{"id":"b","symbol":"MSFT"},{"id":"c","symbol":"AAPL"}]`))
		case r.Method == http.MethodDelete && r.URL.Path == "/v2/orders/a":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ids, err := gw.ListOpenOrders(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids)

	require.NoError(t, gw.CancelOrder(context.Background(), "a"))
	err = gw.CancelOrder(context.Background(), "zzz")
	assert.ErrorIs(t, err, broker.ErrOrderNotFound)
}

func TestAlpacaMarketClock(t *testing.T) {
	gw := newAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"timestamp":"2024-01-02T10:00:00-05:00","is_open":true}`))
	})

	open, err := gw.IsMarketOpen(context.Background())
	require.NoError(t, err)
	assert.True(t, open)
}
