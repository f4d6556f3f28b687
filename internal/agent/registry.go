package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of an agent task.
type State string

const (
	StateIdle     State = "IDLE"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateError    State = "ERROR"
)

// Handle is the registry entry for one running agent task.
type Handle struct {
	TaskID    string
	Ticker    string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	state  State
	report *ExitReport
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Done is closed once the task has finished its exit path.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel asks the task to stop.
func (h *Handle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Report returns the exit report once the task has finished.
func (h *Handle) Report() (ExitReport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.report == nil {
		return ExitReport{}, false
	}
	return *h.report, true
}

func (h *Handle) setReport(r ExitReport) {
	h.mu.Lock()
	h.report = &r
	h.mu.Unlock()
}

// Status returns a snapshot of the handle.
func (h *Handle) Status() Status {
	started := h.StartedAt
	return Status{
		Running:   true,
		Ticker:    h.Ticker,
		TaskID:    h.TaskID,
		State:     h.State(),
		StartedAt: &started,
	}
}

// Registry tracks running agents. In single-agent mode at most one agent
// may run across all tickers.
type Registry struct {
	mu          sync.Mutex
	agents      map[string]*Handle
	singleAgent bool
}

// NewRegistry creates an empty registry.
func NewRegistry(singleAgent bool) *Registry {
	return &Registry{
		agents:      make(map[string]*Handle),
		singleAgent: singleAgent,
	}
}

// TryAcquire claims the slot for ticker. cancel is stored on the handle so
// a concurrent Stop can reach the task as soon as the slot exists.
func (r *Registry) TryAcquire(ticker string, cancel context.CancelFunc) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[ticker]; ok {
		return existing, ErrAlreadyRunning
	}
	if r.singleAgent {
		for _, existing := range r.agents {
			return existing, ErrAlreadyRunning
		}
	}

	h := &Handle{
		TaskID:    uuid.New().String(),
		Ticker:    ticker,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateRunning,
	}
	r.agents[ticker] = h
	return h, nil
}

// Release removes h if it still owns its slot. Safe to call more than once.
func (r *Registry) Release(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.agents[h.Ticker]; ok && cur == h {
		delete(r.agents, h.Ticker)
	}
}

// Get returns the handle for ticker.
func (r *Registry) Get(ticker string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.agents[ticker]
	return h, ok
}

// Only returns the handle when exactly one agent is registered.
func (r *Registry) Only() (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.agents) != 1 {
		return nil, false
	}
	for _, h := range r.agents {
		return h, true
	}
	return nil, false
}

// Running returns all registered handles, oldest first.
func (r *Registry) Running() []*Handle {
	r.mu.Lock()
	out := make([]*Handle, 0, len(r.agents))
	for _, h := range r.agents {
		out = append(out, h)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}
