package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds the process-wide Prometheus registry and the instruments
// SPEC_FULL.md's domain components report into. One instance is constructed
// at startup and threaded into the registry (which hands it to each peer)
// and the media sender.
type Metrics struct {
	registry *prometheus.Registry

	PeersConnected    prometheus.Counter
	PeersDisconnected prometheus.Counter
	PeersActive       prometheus.Gauge

	RTPPacketsSent   *prometheus.CounterVec
	RTPBytesSent     *prometheus.CounterVec
	RTPPacketsDropped *prometheus.CounterVec

	QueueDepthHighWater *prometheus.GaugeVec

	GamepadClaims   prometheus.Counter
	GamepadReleases prometheus.Counter

	IDRRequests prometheus.Counter

	APIActiveConnections prometheus.Gauge
	APIRequestDuration   *prometheus.HistogramVec
	APIRequestsTotal     *prometheus.CounterVec
}

// NewMetrics builds and registers every instrument against a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		PeersConnected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamcore",
			Name:      "peers_connected_total",
			Help:      "Total number of peer connections established.",
		}),
		PeersDisconnected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamcore",
			Name:      "peers_disconnected_total",
			Help:      "Total number of peer connections torn down.",
		}),
		PeersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamcore",
			Name:      "peers_active",
			Help:      "Number of peers currently connected to the room.",
		}),

		RTPPacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamcore",
			Name:      "rtp_packets_sent_total",
			Help:      "RTP packets written to peer tracks, by media kind.",
		}, []string{"kind"}),
		RTPBytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamcore",
			Name:      "rtp_bytes_sent_total",
			Help:      "RTP payload bytes written to peer tracks, by media kind.",
		}, []string{"kind"}),
		RTPPacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamcore",
			Name:      "rtp_packets_dropped_total",
			Help:      "RTP packets dropped from a peer's send queue because it was full.",
		}, []string{"kind"}),

		QueueDepthHighWater: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "streamcore",
			Name:      "peer_queue_depth_high_water",
			Help:      "High-water mark of a peer's bounded send queue depth since connect.",
		}, []string{"peer_id", "kind"}),

		GamepadClaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamcore",
			Name:      "gamepad_claims_total",
			Help:      "Total number of gamepad slot claims.",
		}),
		GamepadReleases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamcore",
			Name:      "gamepad_releases_total",
			Help:      "Total number of gamepad slot releases.",
		}),

		IDRRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamcore",
			Name:      "idr_requests_total",
			Help:      "Total number of keyframe (IDR/PLI) requests sent to the capture source.",
		}),

		APIActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamcore",
			Name:      "api_active_connections",
			Help:      "In-flight HTTP requests against the admin/health surface.",
		}),
		APIRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "streamcore",
			Name:      "api_request_duration_seconds",
			Help:      "HTTP request latency by method, route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		APIRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamcore",
			Name:      "api_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.PeersConnected,
		m.PeersDisconnected,
		m.PeersActive,
		m.RTPPacketsSent,
		m.RTPBytesSent,
		m.RTPPacketsDropped,
		m.QueueDepthHighWater,
		m.GamepadClaims,
		m.GamepadReleases,
		m.IDRRequests,
		m.APIActiveConnections,
		m.APIRequestDuration,
		m.APIRequestsTotal,
	)

	return m
}

// Handler exposes the registry over HTTP for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveQueueDepth reports a peer's send queue depth after enqueueing a
// packet. The gauge is only raised, never lowered, so it holds the highest
// depth seen for the peer until ForgetPeer drops the series.
func (m *Metrics) ObserveQueueDepth(peerID, kind string, depth int) {
	g := m.QueueDepthHighWater.WithLabelValues(peerID, kind)
	var current dto.Metric
	if err := g.Write(&current); err == nil && float64(depth) <= current.GetGauge().GetValue() {
		return
	}
	g.Set(float64(depth))
}

// ForgetPeer drops a disconnected peer's queue-depth series so the vector
// doesn't grow unbounded across a long-running process.
func (m *Metrics) ForgetPeer(peerID string) {
	m.QueueDepthHighWater.DeletePartialMatch(prometheus.Labels{"peer_id": peerID})
}
