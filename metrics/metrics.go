// Package metrics holds the prometheus instrumentation for the document
// server. A Metrics value is constructed against an injected registerer and
// passed to the components that report through it; a nil *Metrics is always
// safe to use.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the server's collectors.
type Metrics struct {
	// RevisionsAppended counts committed changes, labeled by payload kind.
	RevisionsAppended *prometheus.CounterVec
	// UpdateRetries counts update attempts that lost the append race.
	UpdateRetries *prometheus.CounterVec
	// UpdateContention counts updates that exhausted their retry budget.
	UpdateContention *prometheus.CounterVec
	// LongPollsParked tracks currently-blocked getChangeAfter calls.
	LongPollsParked prometheus.Gauge
	// OpenConnections tracks live API connections.
	OpenConnections prometheus.Gauge
	// AuthFailures counts failed challenge responses.
	AuthFailures prometheus.Counter
	// CaretFlushFailures counts failed caret flush attempts.
	CaretFlushFailures prometheus.Counter
}

// New builds and registers the collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RevisionsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bayou_revisions_appended_total",
			Help: "Committed changes by payload kind.",
		}, []string{"kind"}),
		UpdateRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bayou_update_retries_total",
			Help: "Update attempts that lost the append compare-and-swap.",
		}, []string{"kind"}),
		UpdateContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bayou_update_contention_total",
			Help: "Updates that exhausted their retry budget.",
		}, []string{"kind"}),
		LongPollsParked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bayou_long_polls_parked",
			Help: "Currently blocked getChangeAfter calls.",
		}),
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bayou_open_connections",
			Help: "Live API connections.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bayou_auth_failures_total",
			Help: "Failed challenge responses.",
		}),
		CaretFlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bayou_caret_flush_failures_total",
			Help: "Failed caret flush attempts.",
		}),
	}
	reg.MustRegister(
		m.RevisionsAppended, m.UpdateRetries, m.UpdateContention,
		m.LongPollsParked, m.OpenConnections, m.AuthFailures,
		m.CaretFlushFailures,
	)
	return m
}

// RevisionAppended records a committed change; safe on a nil receiver.
func (m *Metrics) RevisionAppended(kind string) {
	if m != nil {
		m.RevisionsAppended.WithLabelValues(kind).Inc()
	}
}

// UpdateRetried records a lost append race; safe on a nil receiver.
func (m *Metrics) UpdateRetried(kind string) {
	if m != nil {
		m.UpdateRetries.WithLabelValues(kind).Inc()
	}
}

// UpdateContended records an exhausted retry budget; safe on a nil receiver.
func (m *Metrics) UpdateContended(kind string) {
	if m != nil {
		m.UpdateContention.WithLabelValues(kind).Inc()
	}
}

// LongPollStarted/LongPollEnded track parked polls; safe on nil receivers.
func (m *Metrics) LongPollStarted() {
	if m != nil {
		m.LongPollsParked.Inc()
	}
}

// LongPollEnded is the matching decrement for LongPollStarted.
func (m *Metrics) LongPollEnded() {
	if m != nil {
		m.LongPollsParked.Dec()
	}
}

// ConnectionOpened/ConnectionClosed track live connections.
func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.OpenConnections.Inc()
	}
}

// ConnectionClosed is the matching decrement for ConnectionOpened.
func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.OpenConnections.Dec()
	}
}

// AuthFailed counts one failed challenge response.
func (m *Metrics) AuthFailed() {
	if m != nil {
		m.AuthFailures.Inc()
	}
}

// CaretFlushFailed counts one failed flush attempt.
func (m *Metrics) CaretFlushFailed() {
	if m != nil {
		m.CaretFlushFailures.Inc()
	}
}
