// Package metrics defines the Prometheus collectors for the trading agent.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trading_agent"

// Metrics holds the agent collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	agentsRunning   prometheus.Gauge
	decisions       *prometheus.CounterVec
	orders          *prometheus.CounterVec
	brokerErrors    *prometheus.CounterVec
	protections     *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	eventsPublished prometheus.Counter
	eventsDropped   prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		agentsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_running",
			Help:      "Number of agent tasks currently running.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Trade decisions by action.",
		}, []string{"action"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Orders submitted by kind and outcome.",
		}, []string{"kind", "outcome"}),
		brokerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_errors_total",
			Help:      "Broker call failures by error class.",
		}, []string{"class"}),
		protections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protection_attempts_total",
			Help:      "Protective order setups by outcome.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one decision cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Activity events published.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Activity events dropped for slow subscribers.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.agentsRunning,
		m.decisions,
		m.orders,
		m.brokerErrors,
		m.protections,
		m.cycleDuration,
		m.eventsPublished,
		m.eventsDropped,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// AgentStarted increments the running gauge.
func (m *Metrics) AgentStarted() {
	if m == nil {
		return
	}
	m.agentsRunning.Inc()
}

// AgentStopped decrements the running gauge.
func (m *Metrics) AgentStopped() {
	if m == nil {
		return
	}
	m.agentsRunning.Dec()
}

// ObserveDecision counts a decision.
func (m *Metrics) ObserveDecision(action string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action).Inc()
}

// ObserveOrder counts an order submission of the given kind.
func (m *Metrics) ObserveOrder(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "accepted"
	if err != nil {
		outcome = "failed"
	}
	m.orders.WithLabelValues(kind, outcome).Inc()
}

// ObserveBrokerError counts a broker failure by class.
func (m *Metrics) ObserveBrokerError(class string) {
	if m == nil {
		return
	}
	m.brokerErrors.WithLabelValues(class).Inc()
}

// ObserveProtection counts a protection attempt by outcome.
func (m *Metrics) ObserveProtection(outcome string) {
	if m == nil {
		return
	}
	m.protections.WithLabelValues(outcome).Inc()
}

// ObserveCycle records a decision cycle duration.
func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}

// EventPublished counts a published event.
func (m *Metrics) EventPublished() {
	if m == nil {
		return
	}
	m.eventsPublished.Inc()
}

// EventDropped counts an event dropped for a slow subscriber.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
