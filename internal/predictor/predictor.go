// Package predictor fetches next-close price predictions from the model service.
package predictor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrMissingPrice is returned when the prediction lacks a last close.
	ErrMissingPrice = errors.New("prediction missing last close")
	// ErrUnavailable is returned when the prediction service cannot be reached.
	ErrUnavailable = errors.New("predictor unavailable")
	// ErrNotReady is returned by WaitReady when the service never became healthy.
	ErrNotReady = errors.New("predictor not ready")
)

// Prediction is a single model output for a ticker.
type Prediction struct {
	Ticker             string          `json:"ticker"`
	LastClose          decimal.Decimal `json:"lastClose"`
	PredictedNextClose decimal.Decimal `json:"predictedNextClose"`
}

// ChangePercent returns (predicted - last) / last * 100.
func (p Prediction) ChangePercent() decimal.Decimal {
	if p.LastClose.IsZero() {
		return decimal.Zero
	}
	return p.PredictedNextClose.Sub(p.LastClose).Div(p.LastClose).Mul(decimal.NewFromInt(100))
}

// Predictor produces predictions for a ticker.
type Predictor interface {
	Predict(ctx context.Context, ticker string) (Prediction, error)
	WaitReady(ctx context.Context) error
}

// Config holds HTTP predictor settings.
type Config struct {
	BaseURL        string        `json:"baseUrl" mapstructure:"base_url"`
	RequestTimeout time.Duration `json:"requestTimeout" mapstructure:"request_timeout"`
	ReadyTimeout   time.Duration `json:"readyTimeout" mapstructure:"ready_timeout"`
}

// HTTPPredictor talks to the prediction service over REST.
type HTTPPredictor struct {
	logger     *zap.Logger
	baseURL    string
	readyMax   time.Duration
	httpClient *http.Client
}

// predictResponse is the wire format of GET /predict/{ticker}.
type predictResponse struct {
	Ticker             string           `json:"ticker"`
	LastClose          *decimal.Decimal `json:"last_close"`
	PredictedNextClose *decimal.Decimal `json:"predicted_next_close"`
}

// NewHTTPPredictor creates a predictor client.
func NewHTTPPredictor(logger *zap.Logger, config Config) *HTTPPredictor {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	readyMax := config.ReadyTimeout
	if readyMax <= 0 {
		readyMax = 2 * time.Minute
	}
	return &HTTPPredictor{
		logger:     logger.Named("predictor"),
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		readyMax:   readyMax,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Predict fetches the prediction for ticker.
func (p *HTTPPredictor) Predict(ctx context.Context, ticker string) (Prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/predict/"+url.PathEscape(ticker), nil)
	if err != nil {
		return Prediction{}, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: failed to read response: %w", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return Prediction{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return Prediction{}, fmt.Errorf("predict %s: status %d: %s", ticker, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out predictResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Prediction{}, fmt.Errorf("failed to parse prediction: %w", err)
	}
	if out.LastClose == nil || !out.LastClose.IsPositive() {
		return Prediction{}, fmt.Errorf("predict %s: %w", ticker, ErrMissingPrice)
	}
	if out.PredictedNextClose == nil {
		return Prediction{}, fmt.Errorf("predict %s: prediction missing predicted_next_close", ticker)
	}

	if out.Ticker == "" {
		out.Ticker = ticker
	}
	return Prediction{
		Ticker:             out.Ticker,
		LastClose:          *out.LastClose,
		PredictedNextClose: *out.PredictedNextClose,
	}, nil
}

// WaitReady polls /health with exponential backoff until it returns 200.
func (p *HTTPPredictor) WaitReady(ctx context.Context) error {
	attempt := 0
	operation := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := p.httpClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health check status %d", resp.StatusCode)
		}
		return nil
	}

	notify := func(err error, next time.Duration) {
		p.logger.Info("Waiting for predictor",
			zap.Int("attempt", attempt),
			zap.Duration("retryIn", next),
			zap.Error(err))
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = 500 * time.Millisecond
	strategy.MaxInterval = 10 * time.Second
	strategy.MaxElapsedTime = p.readyMax

	if err := backoff.RetryNotify(operation, backoff.WithContext(strategy, ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w after %d attempts: %w", ErrNotReady, attempt, err)
	}
	return nil
}
