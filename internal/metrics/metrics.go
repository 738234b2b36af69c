// Package metrics exposes the relay's Prometheus collectors.
//
// All methods are safe to call on a nil *Metrics so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kiosk_signal"

// Reject reasons for inbound signaling messages and connections.
const (
	RejectReasonRateLimited      = "rate_limited"
	RejectReasonInvalidEvent     = "invalid_event"
	RejectReasonTooLarge         = "too_large"
	RejectReasonSendQueueFull    = "send_queue_full"
	RejectReasonIdentityMismatch = "identity_mismatch"
	RejectReasonNotJoined        = "not_joined"
)

type Metrics struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	joins             prometheus.Counter
	forwarded         *prometheus.CounterVec
	routingMisses     *prometheus.CounterVec
	rejected          *prometheus.CounterVec
	authFailures      prometheus.Counter
	notifications     *prometheus.CounterVec
	consultations     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Signaling WebSocket connections currently open.",
		}),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_joins_total",
			Help:      "join-room events accepted.",
		}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_total",
			Help:      "Events forwarded to a target participant, by inbound event.",
		}, []string{"event"}),
		routingMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_misses_total",
			Help:      "Events dropped because the target participant was not connected.",
		}, []string{"event"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Inbound messages or connections rejected, by reason.",
		}, []string{"reason"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Signaling or API requests rejected for missing or invalid credentials.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Server-originated notifications, by event and delivery result.",
		}, []string{"event", "delivered"}),
		consultations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consultation_transitions_total",
			Help:      "Consultation status transitions, by resulting status.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeConnections,
		m.joins,
		m.forwarded,
		m.routingMisses,
		m.rejected,
		m.authFailures,
		m.notifications,
		m.consultations,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.activeConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.activeConnections.Dec()
	}
}

func (m *Metrics) Joined() {
	if m != nil {
		m.joins.Inc()
	}
}

func (m *Metrics) Forwarded(event string) {
	if m != nil {
		m.forwarded.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) RoutingMiss(event string) {
	if m != nil {
		m.routingMisses.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) AuthFailure() {
	if m != nil {
		m.authFailures.Inc()
	}
}

func (m *Metrics) Notified(event string, delivered bool) {
	if m == nil {
		return
	}
	label := "false"
	if delivered {
		label = "true"
	}
	m.notifications.WithLabelValues(event, label).Inc()
}

func (m *Metrics) ConsultationTransition(status string) {
	if m != nil {
		m.consultations.WithLabelValues(status).Inc()
	}
}
