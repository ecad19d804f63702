// Package metrics holds the Prometheus collectors of the support subsystem.
//
// All methods are nil-safe so components can run without metrics (tests, tools).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "helpdesk"

// Metrics is the set of support collectors bound to a private registry.
type Metrics struct {
	reg *prometheus.Registry

	connections prometheus.Gauge
	sessions    *prometheus.GaugeVec
	messages    *prometheus.CounterVec
	claims      *prometheus.CounterVec
	lifecycle   *prometheus.CounterVec
	evictions   *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	published   *prometheus.CounterVec
}

// New registers all collectors (plus Go runtime and process collectors) on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "sessions",
			Help:      "Sessions attached to conversations, by role.",
		}, []string{"role"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "messages_total",
			Help:      "Persisted messages, by sender role.",
		}, []string{"sender_role"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "claims_total",
			Help:      "Claim attempts, by result.",
		}, []string{"result"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "lifecycle_total",
			Help:      "Conversation lifecycle transitions, by event.",
		}, []string{"event"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "evictions_total",
			Help:      "Sessions evicted, by reason.",
		}, []string{"reason"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "rejected_events_total",
			Help:      "Inbound events rejected with an error, by code.",
		}, []string{"code"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Lifecycle events handed to the event stream, by outcome.",
		}, []string{"outcome"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.sessions,
		m.messages,
		m.claims,
		m.lifecycle,
		m.evictions,
		m.rejected,
		m.published,
	)
	return m
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) SessionAttached(role string) {
	if m != nil {
		m.sessions.WithLabelValues(role).Inc()
	}
}

func (m *Metrics) SessionDetached(role string) {
	if m != nil {
		m.sessions.WithLabelValues(role).Dec()
	}
}

func (m *Metrics) Message(senderRole string) {
	if m != nil {
		m.messages.WithLabelValues(senderRole).Inc()
	}
}

// Claim results: won, reclaimed, lost, invalid.
func (m *Metrics) Claim(result string) {
	if m != nil {
		m.claims.WithLabelValues(result).Inc()
	}
}

// Lifecycle events: started, claimed, closed, expired.
func (m *Metrics) Lifecycle(event string) {
	if m != nil {
		m.lifecycle.WithLabelValues(event).Inc()
	}
}

// Evicted reasons: displaced, overflow.
func (m *Metrics) Evicted(reason string) {
	if m != nil {
		m.evictions.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Rejected(code string) {
	if m != nil {
		m.rejected.WithLabelValues(code).Inc()
	}
}

// Published outcomes: ok, error, dropped.
func (m *Metrics) Published(outcome string) {
	if m != nil {
		m.published.WithLabelValues(outcome).Inc()
	}
}
