// ABOUTME: Prometheus collectors for connections, presence, routing, and HTTP
// ABOUTME: Registered on the default registry via promauto and served at /metrics

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	LiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "desk_live_connections",
			Help: "Admitted connections by role",
		},
		[]string{"role"},
	)

	Supersessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desk_connection_supersessions_total",
			Help: "Live connections closed because the same identity reconnected",
		},
		[]string{"role"},
	)

	PresenceDeltas = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desk_presence_deltas_total",
			Help: "Agent presence transitions",
		},
		[]string{"status"},
	)

	// Routing metrics
	EnvelopesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desk_envelopes_routed_total",
			Help: "Routed envelopes by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desk_frames_dropped_total",
			Help: "Ephemeral frames dropped by full outbound queues",
		},
		[]string{"event"},
	)

	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desk_protocol_errors_total",
			Help: "Error frames sent to clients by code",
		},
		[]string{"code"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desk_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "desk_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Infrastructure metrics
	HistoryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "desk_history_latency_seconds",
			Help:    "History store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1},
		},
		[]string{"backend", "op"},
	)
)
