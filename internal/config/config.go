// Package config loads the agent configuration from an optional YAML file,
// a .env file and the process environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/agent"
	"github.com/atlas-desktop/trading-agent/internal/broker"
	"github.com/atlas-desktop/trading-agent/internal/events"
	"github.com/atlas-desktop/trading-agent/internal/predictor"
	"github.com/atlas-desktop/trading-agent/internal/protection"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Broker modes.
const (
	BrokerSim    = "sim"
	BrokerAlpaca = "alpaca"
)

// Config is the full process configuration.
type Config struct {
	Server    types.ServerConfig `json:"server" mapstructure:"server"`
	Broker    BrokerConfig       `json:"broker" mapstructure:"broker"`
	Predictor predictor.Config   `json:"predictor" mapstructure:"predictor"`
	Agent     agent.Config       `json:"agent" mapstructure:"agent"`
	Events    events.Config      `json:"events" mapstructure:"events"`
	Journal   JournalConfig      `json:"journal" mapstructure:"journal"`
	Log       LogConfig          `json:"log" mapstructure:"log"`
}

// BrokerConfig selects and configures the brokerage adapter.
type BrokerConfig struct {
	Mode   string              `json:"mode" mapstructure:"mode"`
	Alpaca broker.AlpacaConfig `json:"alpaca" mapstructure:"alpaca"`
	// SimMarks seeds the simulated broker with starting prices.
	SimMarks map[string]float64 `json:"simMarks" mapstructure:"sim_marks"`
}

// JournalConfig configures the order journal.
type JournalConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `json:"level" mapstructure:"level"`
	Development bool   `json:"development" mapstructure:"development"`
}

// env variables that do not follow the SECTION_KEY naming.
var envAliases = map[string]string{
	"broker.mode":              "BROKER_MODE",
	"broker.alpaca.api_key":    "ALPACA_API_KEY",
	"broker.alpaca.api_secret": "ALPACA_API_SECRET",
	"broker.alpaca.base_url":   "ALPACA_BASE_URL",
	"broker.alpaca.paper":      "ALPACA_PAPER",
	"predictor.base_url":       "PREDICTOR_URL",
	"journal.path":             "JOURNAL_PATH",
	"log.level":                "LOG_LEVEL",
}

// Load reads configuration. path may be empty; a missing .env file is not
// an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Broker.Mode = strings.ToLower(strings.TrimSpace(cfg.Broker.Mode))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws/agent-logs")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.enable_metrics", true)

	v.SetDefault("broker.mode", BrokerSim)
	v.SetDefault("broker.alpaca.api_key", "")
	v.SetDefault("broker.alpaca.api_secret", "")
	v.SetDefault("broker.alpaca.base_url", "")
	v.SetDefault("broker.alpaca.paper", true)
	v.SetDefault("broker.alpaca.request_timeout", 30*time.Second)
	v.SetDefault("broker.alpaca.requests_per_minute", 200)

	v.SetDefault("predictor.base_url", "http://localhost:8000")
	v.SetDefault("predictor.request_timeout", 30*time.Second)
	v.SetDefault("predictor.ready_timeout", 2*time.Minute)

	def := agent.DefaultConfig()
	v.SetDefault("agent.single_agent", def.SingleAgent)
	v.SetDefault("agent.cadence", def.Cadence)
	v.SetDefault("agent.market_closed_wait", def.MarketClosedWait)
	v.SetDefault("agent.call_timeout", def.CallTimeout)
	v.SetDefault("agent.protect_timeout", def.ProtectTimeout)
	v.SetDefault("agent.protect_stop_loss_pct", def.ProtectStopLossPct)
	v.SetDefault("agent.protect_take_profit_pct", def.ProtectTakeProfitPct)
	v.SetDefault("agent.rule.trade_quantity", def.Rule.TradeQuantity)
	v.SetDefault("agent.rule.entry_threshold", def.Rule.EntryThreshold)
	v.SetDefault("agent.rule.scale_in_threshold", def.Rule.ScaleInThreshold)
	v.SetDefault("agent.rule.scale_in_quantity", def.Rule.ScaleInQuantity)

	ev := events.DefaultConfig()
	v.SetDefault("events.subscriber_buffer", ev.SubscriberBuffer)
	v.SetDefault("events.history_size", ev.HistorySize)

	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", "./data/journal.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Validate checks the configuration for values the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	switch c.Broker.Mode {
	case BrokerSim:
	case BrokerAlpaca:
		if c.Broker.Alpaca.APIKey == "" || c.Broker.Alpaca.APISecret == "" {
			errs = append(errs, errors.New("alpaca mode requires ALPACA_API_KEY and ALPACA_API_SECRET"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker.mode %q", c.Broker.Mode))
	}

	if strings.TrimSpace(c.Predictor.BaseURL) == "" {
		errs = append(errs, errors.New("predictor.base_url is required"))
	}

	if c.Agent.Cadence <= 0 {
		errs = append(errs, errors.New("agent.cadence must be positive"))
	}
	stop := decimal.NewFromFloat(c.Agent.ProtectStopLossPct)
	tp := decimal.NewFromFloat(c.Agent.ProtectTakeProfitPct)
	if err := protection.ValidatePercents(stop, tp); err != nil {
		errs = append(errs, fmt.Errorf("agent protection: %w", err))
	}
	if c.Agent.Rule.TradeQuantity <= 0 {
		errs = append(errs, errors.New("agent.rule.trade_quantity must be positive"))
	}
	if c.Agent.Rule.ScaleInQuantity < 0 {
		errs = append(errs, errors.New("agent.rule.scale_in_quantity cannot be negative"))
	}

	if c.Journal.Enabled && strings.TrimSpace(c.Journal.Path) == "" {
		errs = append(errs, errors.New("journal.path is required when the journal is enabled"))
	}

	return errors.Join(errs...)
}
