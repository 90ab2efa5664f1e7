// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for relay latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Session buckets span seconds to hours.
var sessionBuckets = []float64{1, 5, 15, 60, 300, 900, 3600, 14400}

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	MessagesRelayed *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_proxy_upstream_request_duration_seconds",
			Help:    "Target call latency up to response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_upstream_responses_total",
			Help: "Total target responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_upstream_errors_total",
			Help: "Target calls that failed before a response was received.",
		}, []string{"method"}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_proxy_websocket_sessions_active",
			Help: "Number of WebSocket relay sessions currently open.",
		}),

		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_websocket_sessions_total",
			Help: "Finished WebSocket relay sessions by terminal state.",
		}, []string{"outcome"}),

		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_proxy_websocket_session_duration_seconds",
			Help:    "WebSocket relay session lifetime in seconds.",
			Buckets: sessionBuckets,
		}),

		MessagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_websocket_messages_total",
			Help: "WebSocket messages relayed by direction and payload type.",
		}, []string{"direction", "type"}),

		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_websocket_messages_dropped_total",
			Help: "WebSocket messages dropped because the destination was no longer open.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.MessagesRelayed,
		m.MessagesDropped,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// reservedPrefix mirrors config.ReservedPrefix; operational routes live under it.
const reservedPrefix = "/_proxy/"

// NormalizeRoute returns a bounded route label for Prometheus metrics.
// Relayed paths are arbitrary, so every path outside the operational
// prefix collapses to "relay".
func NormalizeRoute(path string) string {
	if !strings.HasPrefix(path, reservedPrefix) {
		return "relay"
	}
	name, _, _ := strings.Cut(strings.TrimPrefix(path, reservedPrefix), "/")
	switch name {
	case "healthz", "status", "metrics":
		return reservedPrefix + name
	}
	return "other"
}
