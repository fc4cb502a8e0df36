package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks routing and session activity.
type Metrics struct {
	activeSessions    prometheus.Gauge
	sessionTotal      prometheus.Counter
	sessionsDisplaced prometheus.Counter
	directDelivered   prometheus.Counter
	queued            prometheus.Counter
	backlogDelivered  prometheus.Counter
	frameErrors       *prometheus.CounterVec
	routeLatency      *prometheus.HistogramVec
}

// NewMetrics registers the relay metric set against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Current number of active client sessions.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_total",
			Help: "Total number of sessions handled since start.",
		}),
		sessionsDisplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_displaced_total",
			Help: "Sessions displaced by a newer connection for the same identity.",
		}),
		directDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_direct_total",
			Help: "Envelopes handed directly to a live session.",
		}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_queued_total",
			Help: "Envelopes diverted to the durable queue.",
		}),
		backlogDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_backlog_messages_total",
			Help: "Queued envelopes flushed to reconnecting sessions.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frame_errors_total",
			Help: "Inbound frames dropped, grouped by reason.",
		}, []string{"reason"}),
		routeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_route_latency_seconds",
			Help:    "Latency of routing one envelope.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionTotal,
		m.sessionsDisplaced,
		m.directDelivered,
		m.queued,
		m.backlogDelivered,
		m.frameErrors,
		m.routeLatency,
	)
	return m
}

func (m *Metrics) incSession() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionTotal.Inc()
}

func (m *Metrics) decSession() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) recordDisplacement() {
	if m == nil {
		return
	}
	m.sessionsDisplaced.Inc()
}

func (m *Metrics) recordDirect() {
	if m == nil {
		return
	}
	m.directDelivered.Inc()
}

func (m *Metrics) recordQueued() {
	if m == nil {
		return
	}
	m.queued.Inc()
}

func (m *Metrics) recordBacklog(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.backlogDelivered.Add(float64(n))
}

func (m *Metrics) recordFrameError(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.frameErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeRoute(outcome string, dur time.Duration) {
	if m == nil || outcome == "" {
		return
	}
	m.routeLatency.WithLabelValues(outcome).Observe(dur.Seconds())
}
