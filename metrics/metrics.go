// Package metrics exposes Prometheus collectors for the messaging
// core. A nil *Metrics disables collection; every recording helper
// no-ops on a nil receiver so callers never guard the calls.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "torpaste"

// Metrics holds the core's collectors, registered on a private
// registry so tests and embedders never collide on the global one.
type Metrics struct {
	HandshakesCompleted prometheus.Counter
	HandshakesFailed    *prometheus.CounterVec
	MessagesSent        prometheus.Counter
	MessagesReceived    prometheus.Counter
	ReplayRejected      prometheus.Counter
	AuthFailures        prometheus.Counter
	Reconnects          prometheus.Counter
	ActiveSessions      prometheus.Gauge

	registry *prometheus.Registry
}

// New builds and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		HandshakesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_completed_total",
			Help:      "Handshakes that produced an established session.",
		}),
		HandshakesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_failed_total",
			Help:      "Handshake attempts that ended in failure.",
		}, []string{"reason"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages sealed and written to peers.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages opened and delivered to the consumer.",
		}),
		ReplayRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_rejected_total",
			Help:      "Inbound frames dropped by the replay window.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Inbound frames that failed authentication.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after lost connections.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Currently established sessions.",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.HandshakesCompleted,
		m.HandshakesFailed,
		m.MessagesSent,
		m.MessagesReceived,
		m.ReplayRejected,
		m.AuthFailures,
		m.Reconnects,
		m.ActiveSessions,
	)
	return m
}

// Handler returns the exposition handler for mounting on a local HTTP
// server.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HandshakeCompleted records a successful handshake.
func (m *Metrics) HandshakeCompleted() {
	if m == nil {
		return
	}
	m.HandshakesCompleted.Inc()
}

// HandshakeFailed records a failed handshake with its reason.
func (m *Metrics) HandshakeFailed(reason string) {
	if m == nil {
		return
	}
	m.HandshakesFailed.WithLabelValues(reason).Inc()
}

// MessageSent records one sealed outbound message.
func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
}

// MessageReceived records one delivered inbound message.
func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

// ReplayRejectedFrame records a frame dropped by the replay window.
func (m *Metrics) ReplayRejectedFrame() {
	if m == nil {
		return
	}
	m.ReplayRejected.Inc()
}

// AuthFailure records a frame that failed authentication.
func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

// ReconnectScheduled records a scheduled reconnect attempt.
func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// SessionOpened moves the active-session gauge up.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed moves the active-session gauge down.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}
