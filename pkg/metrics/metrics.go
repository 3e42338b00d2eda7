// Package metrics exposes Prometheus collectors for session lifecycle
// activity. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "mcp_sessions"

	// Outcome label values.
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the session collectors.
type Metrics struct {
	sessionsOpened     *prometheus.CounterVec
	handshakesRejected prometheus.Counter
	sessionsClosed     prometheus.Counter
	sweeps             *prometheus.CounterVec
	sessionsSwept      prometheus.Counter
	sweepDuration      prometheus.Histogram
	eventsAppended     *prometheus.CounterVec
}

// New constructs Metrics and registers them with reg. Registration errors
// panic, matching promauto. Pass a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		sessionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Sessions created, by backend.",
		}, []string{"backend"}),
		handshakesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_rejected_total",
			Help:      "Handshakes rejected for an unsupported protocol version.",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions deleted by explicit teardown.",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Expiry sweeps run, by outcome.",
		}, []string{"outcome"}),
		sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "sessions_deleted_total",
			Help:      "Expired sessions deleted by the sweep.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Duration of expiry sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Event appends, by whether the idempotency key was a duplicate.",
		}, []string{"duplicate"}),
	}
	reg.MustRegister(
		m.sessionsOpened,
		m.handshakesRejected,
		m.sessionsClosed,
		m.sweeps,
		m.sessionsSwept,
		m.sweepDuration,
		m.eventsAppended,
	)
	return m
}

// SessionOpened counts a created session.
func (m *Metrics) SessionOpened(backend string) {
	if m == nil {
		return
	}
	m.sessionsOpened.WithLabelValues(backend).Inc()
}

// HandshakeRejected counts a rejected handshake.
func (m *Metrics) HandshakeRejected() {
	if m == nil {
		return
	}
	m.handshakesRejected.Inc()
}

// SessionClosed counts an explicit teardown.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsClosed.Inc()
}

// SweepCompleted records one sweep run.
func (m *Metrics) SweepCompleted(deleted int, seconds float64, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.sweeps.WithLabelValues(outcome).Inc()
	m.sessionsSwept.Add(float64(deleted))
	m.sweepDuration.Observe(seconds)
}

// EventAppended records an append.
func (m *Metrics) EventAppended(duplicate bool) {
	if m == nil {
		return
	}
	label := "false"
	if duplicate {
		label = "true"
	}
	m.eventsAppended.WithLabelValues(label).Inc()
}
