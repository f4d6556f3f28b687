// Package agent runs the autonomous trading loop, one task per ticker, and
// guarantees that every task wraps its open position in protective orders
// before it gives up its registry slot.
package agent

import (
	"errors"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/protection"
)

var (
	// ErrAlreadyRunning is returned when the ticker (or, in single-agent
	// mode, any ticker) already has a running agent.
	ErrAlreadyRunning = errors.New("agent already running")
	// ErrNotRunning is returned when no agent matches a stop request.
	ErrNotRunning = errors.New("agent not running")
	// ErrInvalidTicker is returned for an empty ticker.
	ErrInvalidTicker = errors.New("invalid ticker")
	// ErrProtectionFailed is returned by Stop when the exit-time protection
	// could not be confirmed. The position may be unprotected.
	ErrProtectionFailed = errors.New("exit protection failed")
	// ErrPredictorNotReady is the fault recorded when the prediction
	// service never became healthy.
	ErrPredictorNotReady = errors.New("predictor not ready")
)

// Config contains agent runtime configuration.
type Config struct {
	SingleAgent bool `json:"singleAgent" mapstructure:"single_agent"`

	// Timing
	Cadence          time.Duration `json:"cadence" mapstructure:"cadence"`
	MarketClosedWait time.Duration `json:"marketClosedWait" mapstructure:"market_closed_wait"`
	CallTimeout      time.Duration `json:"callTimeout" mapstructure:"call_timeout"`
	ProtectTimeout   time.Duration `json:"protectTimeout" mapstructure:"protect_timeout"`

	// Exit protection, in percent
	ProtectStopLossPct   float64 `json:"protectStopLossPct" mapstructure:"protect_stop_loss_pct"`
	ProtectTakeProfitPct float64 `json:"protectTakeProfitPct" mapstructure:"protect_take_profit_pct"`

	Rule DecisionRule `json:"rule" mapstructure:"rule"`
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() Config {
	return Config{
		SingleAgent:          true,
		Cadence:              5 * time.Minute,
		MarketClosedWait:     15 * time.Minute,
		CallTimeout:          30 * time.Second,
		ProtectTimeout:       30 * time.Second,
		ProtectStopLossPct:   3,
		ProtectTakeProfitPct: 0,
		Rule: DecisionRule{
			TradeQuantity:    10,
			EntryThreshold:   0,
			ScaleInThreshold: 3,
			ScaleInQuantity:  0,
		},
	}
}

// withDefaults fills zero durations and quantities from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Cadence <= 0 {
		c.Cadence = def.Cadence
	}
	if c.MarketClosedWait <= 0 {
		c.MarketClosedWait = def.MarketClosedWait
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.ProtectTimeout <= 0 {
		c.ProtectTimeout = def.ProtectTimeout
	}
	if c.ProtectStopLossPct <= 0 {
		c.ProtectStopLossPct = def.ProtectStopLossPct
	}
	if c.Rule.TradeQuantity <= 0 {
		c.Rule.TradeQuantity = def.Rule.TradeQuantity
	}
	return c
}

// Status is the externally visible state of an agent.
type Status struct {
	Running   bool        `json:"running"`
	Ticker    string      `json:"ticker,omitempty"`
	TaskID    string      `json:"taskId,omitempty"`
	State     State       `json:"state"`
	StartedAt *time.Time  `json:"startedAt,omitempty"`
	LastExit  *ExitReport `json:"lastExit,omitempty"`
}

// ExitReason records why a task ended.
type ExitReason string

const (
	ExitStopped ExitReason = "stopped"
	ExitFault   ExitReason = "fault"
)

// ExitReport is produced by every task on its way out.
type ExitReport struct {
	TaskID          string            `json:"taskId"`
	Ticker          string            `json:"ticker"`
	Reason          ExitReason        `json:"reason"`
	Fault           string            `json:"fault,omitempty"`
	Protection      protection.Result `json:"protection"`
	ProtectionError string            `json:"protectionError,omitempty"`
	StartedAt       time.Time         `json:"startedAt"`
	StoppedAt       time.Time         `json:"stoppedAt"`
}

// Protected reports whether the exit path left the account safe: either
// nothing was held or protective orders were accepted.
func (r ExitReport) Protected() bool {
	return r.ProtectionError == "" &&
		(r.Protection.Status == protection.StatusProtected || r.Protection.Status == protection.StatusNothingToProtect)
}
