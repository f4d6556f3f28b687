package predictor_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/predictor"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPredictor(t *testing.T, h http.HandlerFunc, readyMax time.Duration) *predictor.HTTPPredictor {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return predictor.NewHTTPPredictor(zap.NewNop(), predictor.Config{
		BaseURL:        srv.URL,
		RequestTimeout: time.Second,
		ReadyTimeout:   readyMax,
	})
}

func TestPredict(t *testing.T) {
	p := newPredictor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict/AAPL", r.URL.Path)
		_, _ = w.Write([]byte(`{"ticker":"AAPL","last_close":100,"predicted_next_close":105.5}`))
	}, time.Second)

	pred, err := p.Predict(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", pred.Ticker)
	assert.True(t, pred.LastClose.Equal(decimal.NewFromInt(100)))
	assert.True(t, pred.PredictedNextClose.Equal(decimal.RequireFromString("105.5")))
	assert.True(t, pred.ChangePercent().Equal(decimal.RequireFromString("5.5")))
}

func TestPredictMissingLastClose(t *testing.T) {
	p := newPredictor(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ticker":"AAPL","predicted_next_close":105}`))
	}, time.Second)

	_, err := p.Predict(context.Background(), "AAPL")
	assert.ErrorIs(t, err, predictor.ErrMissingPrice)
}

func TestPredictServerError(t *testing.T) {
	p := newPredictor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}, time.Second)

	_, err := p.Predict(context.Background(), "AAPL")
	assert.ErrorIs(t, err, predictor.ErrUnavailable)
}

func TestPredictBadRequest(t *testing.T) {
	p := newPredictor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"Not enough historical data for prediction."}`, http.StatusBadRequest)
	}, time.Second)

	_, err := p.Predict(context.Background(), "AAPL")
	require.Error(t, err)
	assert.False(t, errors.Is(err, predictor.ErrUnavailable))
	assert.False(t, errors.Is(err, predictor.ErrMissingPrice))
}

func TestWaitReadyRetries(t *testing.T) {
	var calls int32
	p := newPredictor(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}, 10*time.Second)

	require.NoError(t, p.WaitReady(context.Background()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWaitReadyGivesUp(t *testing.T) {
	p := newPredictor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 300*time.Millisecond)

	err := p.WaitReady(context.Background())
	assert.ErrorIs(t, err, predictor.ErrNotReady)
}

func TestWaitReadyCancelled(t *testing.T) {
	p := newPredictor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := p.WaitReady(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
