// Package events fans agent activity out to any number of live observers.
// Publishing never blocks on a slow observer: each subscription owns a
// bounded buffer that drops its oldest event when full.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/metrics"
	"go.uber.org/zap"
)

// Level is the severity of an activity event.
type Level string

const (
	LevelDebug   Level = "DEBUG"
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// Event is a single activity record.
type Event struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Status    string    `json:"status,omitempty"`
	Ticker    string    `json:"ticker,omitempty"`
}

// Publisher is the write side used by the agent runtime.
type Publisher interface {
	Publish(e Event) Event
}

// SubscriptionOptions configures a subscription.
type SubscriptionOptions struct {
	BufferSize int // defaults to Config.SubscriberBuffer
	Replay     int // number of recent events delivered first
}

// Subscription is one observer's view of the stream.
type Subscription struct {
	ID      uint64
	ch      chan Event
	bus     *EventBus
	dropped atomic.Int64
	active  atomic.Bool
	once    sync.Once
}

// C returns the delivery channel. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber lost to overflow.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// IsActive returns whether the subscription still receives events.
func (s *Subscription) IsActive() bool { return s.active.Load() }

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// Close is an alias for Unsubscribe.
func (s *Subscription) Close() { s.Unsubscribe() }

// EventBusStats reports broadcaster counters.
type EventBusStats struct {
	EventsPublished   int64  `json:"eventsPublished"`
	EventsDropped     int64  `json:"eventsDropped"`
	ActiveSubscribers int64  `json:"activeSubscribers"`
	LastSeq           uint64 `json:"lastSeq"`
}

// Config configures the event bus.
type Config struct {
	SubscriberBuffer int `json:"subscriberBuffer" mapstructure:"subscriber_buffer"`
	HistorySize      int `json:"historySize" mapstructure:"history_size"`
}

// DefaultConfig returns the default buffer sizes.
func DefaultConfig() Config {
	return Config{
		SubscriberBuffer: 100,
		HistorySize:      500,
	}
}

// EventBus is the in-process activity broadcaster.
type EventBus struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	config  Config

	// pubMu serializes publication so every subscriber sees one order.
	pubMu   sync.Mutex
	seq     uint64
	history []Event
	head    int
	size    int

	mu          sync.RWMutex
	subscribers map[uint64]*Subscription
	nextID      uint64

	eventsPublished   atomic.Int64
	eventsDropped     atomic.Int64
	activeSubscribers atomic.Int64
}

// NewEventBus creates a broadcaster. m may be nil.
func NewEventBus(logger *zap.Logger, config Config, m *metrics.Metrics) *EventBus {
	def := DefaultConfig()
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = def.SubscriberBuffer
	}
	if config.HistorySize <= 0 {
		config.HistorySize = def.HistorySize
	}
	return &EventBus{
		logger:      logger.Named("events"),
		metrics:     m,
		config:      config,
		history:     make([]Event, config.HistorySize),
		subscribers: make(map[uint64]*Subscription),
	}
}

// Publish stamps e with a sequence number and timestamp and delivers it to
// every subscriber. It returns the stamped event.
func (eb *EventBus) Publish(e Event) Event {
	eb.pubMu.Lock()
	defer eb.pubMu.Unlock()

	eb.seq++
	e.Seq = eb.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}

	eb.history[eb.head] = e
	eb.head = (eb.head + 1) % len(eb.history)
	if eb.size < len(eb.history) {
		eb.size++
	}

	eb.mu.RLock()
	for _, sub := range eb.subscribers {
		eb.deliver(sub, e)
	}
	eb.mu.RUnlock()

	eb.eventsPublished.Add(1)
	eb.metrics.EventPublished()
	return e
}

// deliver sends without blocking, evicting the oldest buffered event when
// the subscriber is full. Caller holds pubMu and mu (read).
func (eb *EventBus) deliver(sub *Subscription, e Event) {
	for {
		select {
		case sub.ch <- e:
			return
		default:
		}
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			eb.eventsDropped.Add(1)
			eb.metrics.EventDropped()
		default:
		}
	}
}

// Subscribe registers a new observer.
func (eb *EventBus) Subscribe(opts SubscriptionOptions) *Subscription {
	size := opts.BufferSize
	if size <= 0 {
		size = eb.config.SubscriberBuffer
	}

	// Hold pubMu so the replay and the live stream do not interleave.
	eb.pubMu.Lock()
	defer eb.pubMu.Unlock()

	eb.mu.Lock()
	eb.nextID++
	sub := &Subscription{
		ID:  eb.nextID,
		ch:  make(chan Event, size),
		bus: eb,
	}
	sub.active.Store(true)
	eb.subscribers[sub.ID] = sub
	eb.mu.Unlock()
	eb.activeSubscribers.Add(1)

	if opts.Replay > 0 {
		for _, e := range eb.recentLocked(opts.Replay) {
			eb.deliver(sub, e)
		}
	}

	eb.logger.Debug("Subscriber added", zap.Uint64("id", sub.ID), zap.Int("buffer", size))
	return sub
}

func (eb *EventBus) remove(sub *Subscription) {
	eb.mu.Lock()
	if _, ok := eb.subscribers[sub.ID]; ok {
		delete(eb.subscribers, sub.ID)
		sub.active.Store(false)
		close(sub.ch)
		eb.activeSubscribers.Add(-1)
	}
	eb.mu.Unlock()
	eb.logger.Debug("Subscriber removed", zap.Uint64("id", sub.ID), zap.Int64("dropped", sub.Dropped()))
}

// Recent returns up to n of the most recent events, oldest first.
func (eb *EventBus) Recent(n int) []Event {
	eb.pubMu.Lock()
	defer eb.pubMu.Unlock()
	return eb.recentLocked(n)
}

func (eb *EventBus) recentLocked(n int) []Event {
	if n <= 0 || n > eb.size {
		n = eb.size
	}
	out := make([]Event, 0, n)
	start := (eb.head - n + len(eb.history)) % len(eb.history)
	for i := 0; i < n; i++ {
		out = append(out, eb.history[(start+i)%len(eb.history)])
	}
	return out
}

// Stats returns current counters.
func (eb *EventBus) Stats() EventBusStats {
	eb.pubMu.Lock()
	last := eb.seq
	eb.pubMu.Unlock()
	return EventBusStats{
		EventsPublished:   eb.eventsPublished.Load(),
		EventsDropped:     eb.eventsDropped.Load(),
		ActiveSubscribers: eb.activeSubscribers.Load(),
		LastSeq:           last,
	}
}

// Close detaches every subscriber.
func (eb *EventBus) Close() {
	eb.mu.RLock()
	subs := make([]*Subscription, 0, len(eb.subscribers))
	for _, sub := range eb.subscribers {
		subs = append(subs, sub)
	}
	eb.mu.RUnlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	eb.logger.Info("EventBus closed",
		zap.Int64("events_published", eb.eventsPublished.Load()),
		zap.Int64("events_dropped", eb.eventsDropped.Load()))
}
