// Package main provides the entry point for the trading agent server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/agent"
	"github.com/atlas-desktop/trading-agent/internal/api"
	"github.com/atlas-desktop/trading-agent/internal/broker"
	"github.com/atlas-desktop/trading-agent/internal/config"
	"github.com/atlas-desktop/trading-agent/internal/events"
	"github.com/atlas-desktop/trading-agent/internal/journal"
	"github.com/atlas-desktop/trading-agent/internal/metrics"
	"github.com/atlas-desktop/trading-agent/internal/predictor"
	"github.com/atlas-desktop/trading-agent/internal/protection"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 60 * time.Second

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to a YAML config file")
	host := flag.String("host", "", "Server host (overrides config)")
	port := flag.Int("port", 0, "Server port (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	ticker := flag.String("ticker", "", "Start an agent for this ticker on boot")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// Setup logger
	logger := setupLogger(cfg.Log.Level, cfg.Log.Development)
	defer logger.Sync()

	if err := run(logger, cfg, *ticker); err != nil {
		logger.Error("Agent server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg *config.Config, bootTicker string) error {
	logger.Info("Starting trading agent",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("broker", cfg.Broker.Mode),
		zap.String("predictor", cfg.Predictor.BaseURL),
		zap.Bool("singleAgent", cfg.Agent.SingleAgent),
	)

	m := metrics.New()

	gateway, err := newGateway(logger, cfg)
	if err != nil {
		return err
	}

	var store *journal.Store
	if cfg.Journal.Enabled {
		store, err = journal.NewStore(logger, cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer store.Close()
		gateway = journal.Wrap(gateway, store)
	}

	bus := events.NewEventBus(logger, cfg.Events, m)
	defer bus.Close()

	protector := protection.NewManager(logger, gateway, m)
	supervisor := agent.NewSupervisor(logger, cfg.Agent, agent.Deps{
		Gateway:   gateway,
		Predictor: predictor.NewHTTPPredictor(logger, cfg.Predictor),
		Protector: protector,
		Events:    bus,
		Metrics:   m,
	})

	server := api.NewServer(logger, &cfg.Server, api.Deps{
		Supervisor:  supervisor,
		Protector:   protector,
		Events:      bus,
		Journal:     store,
		Metrics:     m,
		StopTimeout: cfg.Agent.ProtectTimeout + cfg.Agent.CallTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// Start server
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	// Every running agent protects its position before the process exits.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		reports, stopErr := supervisor.StopAll(shutdownCtx)
		for _, r := range reports {
			logger.Info("Agent exit",
				zap.String("ticker", r.Ticker),
				zap.String("reason", string(r.Reason)),
				zap.String("protection", string(r.Protection.Status)),
				zap.Bool("protected", r.Protected()))
		}
		if stopErr != nil {
			logger.Error("Agents did not stop cleanly", zap.Error(stopErr))
		}

		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("Error during server shutdown", zap.Error(err))
		}
		return stopErr
	})

	if bootTicker != "" {
		if _, err := supervisor.Start(bootTicker); err != nil {
			logger.Error("Failed to start agent", zap.String("ticker", bootTicker), zap.Error(err))
		}
	}

	logger.Info("Server started successfully",
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)),
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
	)

	err = g.Wait()
	supervisor.Wait()
	logger.Info("Server stopped")
	return err
}

func newGateway(logger *zap.Logger, cfg *config.Config) (broker.Gateway, error) {
	switch cfg.Broker.Mode {
	case config.BrokerAlpaca:
		return broker.NewAlpacaGateway(logger, cfg.Broker.Alpaca), nil
	case config.BrokerSim:
		sim := broker.NewSimGateway(logger)
		// viper lower-cases map keys
		for ticker, price := range cfg.Broker.SimMarks {
			sim.SetMark(types.NormalizeTicker(ticker), decimal.NewFromFloat(price))
		}
		logger.Warn("Using simulated broker; no real orders will be placed")
		return sim, nil
	default:
		return nil, fmt.Errorf("unknown broker mode %q", cfg.Broker.Mode)
	}
}

func setupLogger(level string, development bool) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: development,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
