// Package metrics exposes Prometheus collectors for the control plane.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "instadeploy"

// Reply outcomes recorded by the correlator.
const (
	ReplyApplied   = "applied"
	ReplyProgress  = "progress"
	ReplyDuplicate = "duplicate"
	ReplyUnknown   = "unknown"
	ReplyForeign   = "foreign"
)

// Metrics groups the control plane collectors.
type Metrics struct {
	sessionsActive   prometheus.Gauge
	sessionsOpened   prometheus.Counter
	sessionsClosed   *prometheus.CounterVec
	commands         *prometheus.CounterVec
	replies          *prometheus.CounterVec
	jobsPending      prometheus.Gauge
	jobsResolved     *prometheus.CounterVec
	storeErrors      *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
}

// MustNewMetrics constructs and registers the collectors on reg. Collectors
// already registered on reg are reused, so building twice against the same
// registry is safe. Any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		sessionsActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "active",
			Help: "Number of agent sessions currently attached.",
		})),
		sessionsOpened: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "opened_total",
			Help: "Agent sessions accepted.",
		})),
		sessionsClosed: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "closed_total",
			Help: "Agent sessions torn down, by cause.",
		}, []string{"cause"})),
		commands: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "commands_total",
			Help: "Commands dispatched to agents, by type and result.",
		}, []string{"type", "result"})),
		replies: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "correlator", Name: "replies_total",
			Help: "Agent replies received, by outcome.",
		}, []string{"outcome"})),
		jobsPending: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "correlator", Name: "pending",
			Help: "Commands awaiting a terminal reply.",
		})),
		jobsResolved: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "correlator", Name: "resolved_total",
			Help: "Pending commands resolved, by final status and cause.",
		}, []string{"status", "cause"})),
		storeErrors: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "errors_total",
			Help: "Durable store writes that failed after retries, by operation.",
		}, []string{"op"})),
		dispatchDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "write_duration_seconds",
			Help:    "Time spent writing a command to an agent session.",
			Buckets: prometheus.DefBuckets,
		})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// SessionOpened records a newly attached session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
	m.sessionsActive.Inc()
}

// SessionClosed records a session teardown.
func (m *Metrics) SessionClosed(cause string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(cause).Inc()
}

// Command records a dispatch attempt.
func (m *Metrics) Command(commandType, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(commandType, result).Inc()
}

// ObserveWrite records how long a session write took.
func (m *Metrics) ObserveWrite(seconds float64) {
	if m == nil {
		return
	}
	m.dispatchDuration.Observe(seconds)
}

// Reply records an inbound reply outcome.
func (m *Metrics) Reply(outcome string) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(outcome).Inc()
}

// SetPending sets the pending-correlation gauge.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.jobsPending.Set(float64(n))
}

// Resolved records a pending entry leaving the table.
func (m *Metrics) Resolved(status, cause string) {
	if m == nil {
		return
	}
	m.jobsResolved.WithLabelValues(status, cause).Inc()
}

// StoreError records a store write that could not be applied.
func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}
