package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/broker"
	"github.com/atlas-desktop/trading-agent/internal/events"
	"github.com/atlas-desktop/trading-agent/internal/metrics"
	"github.com/atlas-desktop/trading-agent/internal/predictor"
	"github.com/atlas-desktop/trading-agent/internal/protection"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// task is one running agent loop for a single ticker.
type task struct {
	logger    *zap.Logger
	config    Config
	handle    *Handle
	registry  *Registry
	gateway   broker.Gateway
	predictor predictor.Predictor
	protector *protection.Manager
	events    events.Publisher
	metrics   *metrics.Metrics
	onExit    func(ExitReport)
}

// run executes the loop and then the exit path. The exit path runs for a
// normal stop, a fault and a recovered panic alike.
func (t *task) run(ctx context.Context) {
	var fault error
	defer func() {
		if rec := recover(); rec != nil {
			fault = fmt.Errorf("panic: %v", rec)
			t.logger.Error("Agent task panicked", zap.Any("panic", rec), zap.Stack("stack"))
		}
		t.shutdown(fault)
	}()

	fault = t.loop(ctx)
}

func (t *task) loop(ctx context.Context) error {
	t.emit(events.LevelInfo, "starting", "Waiting for prediction service")
	if err := t.predictor.WaitReady(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrPredictorNotReady, err)
	}

	t.emit(events.LevelInfo, "running", fmt.Sprintf("Agent running for %s, cycle every %s", t.handle.Ticker, t.config.Cadence))

	for {
		wait := t.cycle(ctx)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// cycle runs one decision step and returns how long to wait before the next.
func (t *task) cycle(ctx context.Context) time.Duration {
	start := time.Now()
	defer func() { t.metrics.ObserveCycle(time.Since(start)) }()

	ticker := t.handle.Ticker

	var open bool
	err := t.call(ctx, func(ctx context.Context) (err error) {
		open, err = t.gateway.IsMarketOpen(ctx)
		return err
	})
	if err != nil {
		t.reportError(ctx, "market clock check failed", err)
		return t.config.Cadence
	}
	if !open {
		t.emit(events.LevelInfo, "market_closed", fmt.Sprintf("Market is closed, next check in %s", t.config.MarketClosedWait))
		return t.config.MarketClosedWait
	}

	var pos *types.Position
	err = t.call(ctx, func(ctx context.Context) (err error) {
		pos, err = t.gateway.GetPosition(ctx, ticker)
		return err
	})
	if err != nil {
		t.reportError(ctx, "position lookup failed", err)
		return t.config.Cadence
	}

	var pred predictor.Prediction
	err = t.call(ctx, func(ctx context.Context) (err error) {
		pred, err = t.predictor.Predict(ctx, ticker)
		return err
	})
	if errors.Is(err, predictor.ErrMissingPrice) {
		t.emit(events.LevelWarning, "", "Prediction has no last close price, skipping cycle")
		return t.config.Cadence
	}
	if err != nil {
		t.reportError(ctx, "prediction failed", err)
		return t.config.Cadence
	}

	decision := Decide(pred, pos, t.config.Rule)
	t.metrics.ObserveDecision(string(decision.Action))
	var held int64
	if pos != nil {
		held = pos.Quantity
	}
	t.emit(events.LevelInfo, "analysis", fmt.Sprintf("ANALYSIS: last $%s, predicted $%s, change %s%%, position %d",
		pred.LastClose.StringFixed(2), pred.PredictedNextClose.StringFixed(2),
		decision.ChangePercent.StringFixed(2), held))
	t.emit(events.LevelInfo, "decision", fmt.Sprintf("DECISION: %s %d (%s)", decision.Action, decision.Quantity, decision.Reason))

	if decision.Action == ActionHold {
		return t.config.Cadence
	}

	// Resting protective orders from an earlier exit hold the shares and
	// would fire against the flat position once this sale fills.
	if decision.Action == ActionSell {
		var cancelled int
		err = t.call(ctx, func(ctx context.Context) (err error) {
			cancelled, err = t.protector.CancelAllOrders(ctx, ticker)
			return err
		})
		if err != nil {
			t.reportError(ctx, "cancelling resting orders failed", err)
			return t.config.Cadence
		}
		if cancelled > 0 {
			t.emit(events.LevelInfo, "orders_cancelled", fmt.Sprintf("Cancelled %d resting orders before selling %s", cancelled, ticker))
		}
	}

	t.emit(events.LevelInfo, "submitting", fmt.Sprintf("Submitting %s market order for %d %s", decision.Action, decision.Quantity, ticker))
	var orderID string
	err = t.call(ctx, func(ctx context.Context) (err error) {
		orderID, err = t.gateway.SubmitMarketOrder(ctx, ticker, decision.Action.Side(), decision.Quantity)
		return err
	})
	t.metrics.ObserveOrder("market", err)
	if err != nil {
		t.reportError(ctx, "order submission failed", err)
		return t.config.Cadence
	}
	t.emit(events.LevelInfo, "order_submitted", fmt.Sprintf("Order %s submitted: %s %d %s", orderID, decision.Action, decision.Quantity, ticker))
	return t.config.Cadence
}

// call bounds one external call by CallTimeout.
func (t *task) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.config.CallTimeout)
	defer cancel()
	return fn(ctx)
}

func (t *task) reportError(ctx context.Context, what string, err error) {
	// A stop request cancels in-flight calls; that is not a failure.
	if ctx.Err() != nil {
		return
	}
	t.metrics.ObserveBrokerError(broker.ErrorClass(err))
	if wait, ok := broker.RetryAfter(err); ok {
		t.emit(events.LevelWarning, "rate_limited", fmt.Sprintf("%s: rate limited, retry after %s", what, wait))
		return
	}
	t.emit(events.LevelError, "", fmt.Sprintf("%s: %v", what, err))
}

// shutdown is the exit path: protect, report, release.
func (t *task) shutdown(fault error) {
	h := t.handle
	report := ExitReport{
		TaskID:    h.TaskID,
		Ticker:    h.Ticker,
		Reason:    ExitStopped,
		StartedAt: h.StartedAt,
	}

	defer func() {
		report.StoppedAt = time.Now().UTC()
		h.setReport(report)
		if t.onExit != nil {
			t.onExit(report)
		}
		t.metrics.AgentStopped()
		t.registry.Release(h)
		h.setState(StateIdle)
		close(h.done)
	}()

	if fault != nil {
		h.setState(StateError)
		report.Reason = ExitFault
		report.Fault = fault.Error()
		t.emit(events.LevelError, "error", fmt.Sprintf("Agent fault: %v", fault))
	}

	h.setState(StateStopping)
	t.emit(events.LevelInfo, "stopping", fmt.Sprintf("Stopping agent, placing %.1f%% stop-loss on any open position", t.config.ProtectStopLossPct))

	result, err := t.protect()
	report.Protection = result
	if err != nil {
		report.ProtectionError = err.Error()
		t.emit(events.LevelError, "protection_failed", fmt.Sprintf("Exit protection failed, position may be unprotected: %v", err))
		return
	}

	switch result.Status {
	case protection.StatusNothingToProtect:
		t.emit(events.LevelInfo, "stopped", "No open position, nothing to protect")
	default:
		t.emit(events.LevelInfo, "protected", fmt.Sprintf("Protected %d %s with GTC stop at $%s (orders %v)",
			result.Quantity, h.Ticker, result.StopPrice.StringFixed(2), result.OrderIDs))
	}
}

// protect places exit-time protection on a fresh context so that it runs
// even though the task context is already cancelled.
func (t *task) protect() (result protection.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("protection panicked: %v", rec)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), t.config.ProtectTimeout)
	defer cancel()

	return t.protector.SetupProtection(ctx, t.handle.Ticker,
		decimal.NewFromFloat(t.config.ProtectStopLossPct),
		decimal.NewFromFloat(t.config.ProtectTakeProfitPct))
}

// emit publishes an event and mirrors it to the log.
func (t *task) emit(level events.Level, status, message string) {
	fields := []zap.Field{zap.String("status", status)}
	switch level {
	case events.LevelError:
		t.logger.Error(message, fields...)
	case events.LevelWarning:
		t.logger.Warn(message, fields...)
	case events.LevelDebug:
		t.logger.Debug(message, fields...)
	default:
		t.logger.Info(message, fields...)
	}

	if t.events == nil {
		return
	}
	t.events.Publish(events.Event{
		Level:   level,
		Message: message,
		Status:  status,
		Ticker:  t.handle.Ticker,
	})
}
