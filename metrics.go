package apps

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects runtime counters and gauges for one App. Create it with
// NewMetrics and pass it to the App via WithMetrics; mount Handler wherever
// the embedding server serves its metrics endpoint.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter

	instancesActive prometheus.Gauge
	instancesTotal  prometheus.Counter

	operationCalls *prometheus.CounterVec

	channelPeers      prometheus.Gauge
	channelBroadcasts prometheus.Counter
}

// NewMetrics creates a Metrics backed by its own prometheus registry, so two
// apps in one process never collide on collector names.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "app_sessions_active",
			Help: "Number of currently active transport sessions.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "app_sessions_total",
			Help: "Total number of transport sessions created.",
		}),
		instancesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "app_instances_active",
			Help: "Number of currently live instances.",
		}),
		instancesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "app_instances_total",
			Help: "Total number of instances created.",
		}),
		operationCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "app_operation_calls_total",
			Help: "Total number of operation calls, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		channelPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "app_channel_peers_active",
			Help: "Number of peers currently connected across all realtime channels.",
		}),
		channelBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "app_channel_broadcasts_total",
			Help: "Total number of messages broadcast on realtime channels.",
		}),
	}

	reg.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.instancesActive,
		m.instancesTotal,
		m.operationCalls,
		m.channelPeers,
		m.channelBroadcasts,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics in prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) sessionStarted() {
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionEnded() {
	m.sessionsActive.Dec()
}

func (m *Metrics) instanceCreated() {
	m.instancesTotal.Inc()
	m.instancesActive.Inc()
}

func (m *Metrics) instanceDestroyed() {
	m.instancesActive.Dec()
}

func (m *Metrics) peerJoined() {
	m.channelPeers.Inc()
}

func (m *Metrics) peerLeft() {
	m.channelPeers.Dec()
}

func (m *Metrics) channelBroadcast() {
	m.channelBroadcasts.Inc()
}

func (m *Metrics) operationCalled(operation string, isError bool) {
	outcome := "ok"
	if isError {
		outcome = "error"
	}
	m.operationCalls.WithLabelValues(operation, outcome).Inc()
}
