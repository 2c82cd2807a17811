// Package metrics holds the Prometheus instruments of the messenger.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "messenger"

type Metrics struct {
	published   *prometheus.CounterVec
	sessions    prometheus.Gauge
	transitions *prometheus.CounterVec
	replayed    prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Stored messages handed to the broker, by result.",
		}, []string{"result"}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Stream sessions currently running.",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Stream session state transitions, by target state.",
		}, []string{"state"}),
		replayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backlog_replayed_total",
			Help:      "Messages pushed to clients during backlog replay.",
		}),
	}
}

// Published records a publish attempt; result is "ok" or "failed".
func (m *Metrics) Published(result string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(result).Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Replayed(n int) {
	if m == nil {
		return
	}
	m.replayed.Add(float64(n))
}
