package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/atlas-desktop/trading-agent/internal/broker"
	"github.com/atlas-desktop/trading-agent/internal/events"
	"github.com/atlas-desktop/trading-agent/internal/metrics"
	"github.com/atlas-desktop/trading-agent/internal/predictor"
	"github.com/atlas-desktop/trading-agent/internal/protection"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"go.uber.org/zap"
)

// Deps are the collaborators shared by all agent tasks.
type Deps struct {
	Gateway   broker.Gateway
	Predictor predictor.Predictor
	Protector *protection.Manager
	Events    events.Publisher
	Metrics   *metrics.Metrics
}

// Supervisor starts and stops agent tasks.
type Supervisor struct {
	logger   *zap.Logger
	config   Config
	deps     Deps
	registry *Registry

	mu       sync.RWMutex
	lastExit *ExitReport

	wg sync.WaitGroup
}

// NewSupervisor creates a supervisor.
func NewSupervisor(logger *zap.Logger, config Config, deps Deps) *Supervisor {
	config = config.withDefaults()
	if deps.Protector == nil && deps.Gateway != nil {
		deps.Protector = protection.NewManager(logger, deps.Gateway, deps.Metrics)
	}
	return &Supervisor{
		logger:   logger.Named("agent"),
		config:   config,
		deps:     deps,
		registry: NewRegistry(config.SingleAgent),
	}
}

// Registry exposes the agent registry.
func (s *Supervisor) Registry() *Registry { return s.registry }

// Start launches an agent for ticker.
func (s *Supervisor) Start(ticker string) (Status, error) {
	ticker = types.NormalizeTicker(ticker)
	if ticker == "" {
		return Status{State: StateIdle}, ErrInvalidTicker
	}

	ctx, cancel := context.WithCancel(context.Background())
	h, err := s.registry.TryAcquire(ticker, cancel)
	if err != nil {
		cancel()
		return h.Status(), fmt.Errorf("%w: %s", ErrAlreadyRunning, h.Ticker)
	}

	t := &task{
		logger:    s.logger.With(zap.String("ticker", ticker), zap.String("taskId", h.TaskID)),
		config:    s.config,
		handle:    h,
		registry:  s.registry,
		gateway:   s.deps.Gateway,
		predictor: s.deps.Predictor,
		protector: s.deps.Protector,
		events:    s.deps.Events,
		metrics:   s.deps.Metrics,
		onExit:    s.recordExit,
	}

	s.deps.Metrics.AgentStarted()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t.run(ctx)
	}()

	s.logger.Info("Agent started", zap.String("ticker", ticker), zap.String("taskId", h.TaskID))
	return h.Status(), nil
}

// Stop stops the agent for ticker and waits for its exit protection. An
// empty ticker selects the only running agent.
func (s *Supervisor) Stop(ctx context.Context, ticker string) (ExitReport, error) {
	ticker = types.NormalizeTicker(ticker)

	var (
		h  *Handle
		ok bool
	)
	if ticker == "" {
		h, ok = s.registry.Only()
	} else {
		h, ok = s.registry.Get(ticker)
	}
	if !ok {
		return ExitReport{}, ErrNotRunning
	}

	s.logger.Info("Stopping agent", zap.String("ticker", h.Ticker), zap.String("taskId", h.TaskID))
	h.Cancel()

	select {
	case <-h.Done():
	case <-ctx.Done():
		return ExitReport{TaskID: h.TaskID, Ticker: h.Ticker}, fmt.Errorf("waiting for %s to stop: %w", h.Ticker, ctx.Err())
	}

	report, _ := h.Report()
	if !report.Protected() {
		return report, fmt.Errorf("%w: %s", ErrProtectionFailed, report.ProtectionError)
	}
	return report, nil
}

// StopAll stops every running agent. Used on process shutdown.
func (s *Supervisor) StopAll(ctx context.Context) ([]ExitReport, error) {
	handles := s.registry.Running()
	for _, h := range handles {
		h.Cancel()
	}

	var (
		reports []ExitReport
		errs    []error
	)
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for %s to stop: %w", h.Ticker, ctx.Err()))
			continue
		}
		report, _ := h.Report()
		reports = append(reports, report)
		if !report.Protected() {
			errs = append(errs, fmt.Errorf("%s: %w: %s", h.Ticker, ErrProtectionFailed, report.ProtectionError))
		}
	}

	if len(handles) > 0 {
		s.logger.Info("All agents stopped", zap.Int("count", len(reports)), zap.Int("errors", len(errs)))
	}
	return reports, errors.Join(errs...)
}

// Wait blocks until every task goroutine has returned.
func (s *Supervisor) Wait() { s.wg.Wait() }

// Status returns the state of the oldest running agent, or an idle status.
func (s *Supervisor) Status() Status {
	running := s.registry.Running()
	if len(running) > 0 {
		return running[0].Status()
	}

	st := Status{State: StateIdle}
	s.mu.RLock()
	if s.lastExit != nil {
		last := *s.lastExit
		st.LastExit = &last
	}
	s.mu.RUnlock()
	return st
}

// StatusAll returns the state of every running agent.
func (s *Supervisor) StatusAll() []Status {
	running := s.registry.Running()
	out := make([]Status, 0, len(running))
	for _, h := range running {
		out = append(out, h.Status())
	}
	return out
}

func (s *Supervisor) recordExit(r ExitReport) {
	s.mu.Lock()
	s.lastExit = &r
	s.mu.Unlock()
}
