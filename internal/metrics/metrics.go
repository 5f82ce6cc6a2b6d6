// Package metrics registers the gateway's Prometheus collectors. One
// Metrics value per process, shared by adapters, pipeline, bus, and the
// streaming engine; /metrics is served as a public route.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all gateway collectors.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	PipelineRejections *prometheus.CounterVec

	BusRequests *prometheus.CounterVec
	BusTimeouts prometheus.Counter

	StreamChunks    *prometheus.CounterVec
	StreamsActive   prometheus.Gauge
	SessionsActive  prometheus.Gauge
	HandshakesTotal prometheus.Counter
}

// New registers all collectors on reg; a nil reg uses the default
// registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Requests received, by transport and outcome",
			},
			[]string{"transport", "method", "outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end request latency through the pipeline",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"transport", "method"},
		),
		PipelineRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_pipeline_rejections_total",
				Help: "Requests rejected by a pipeline stage, by fault code",
			},
			[]string{"code"},
		),
		BusRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_bus_requests_total",
				Help: "Bus request/reply exchanges, by subject and outcome",
			},
			[]string{"subject", "outcome"},
		),
		BusTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_bus_timeouts_total",
				Help: "Bus requests that hit the reply deadline",
			},
		),
		StreamChunks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_chunks_total",
				Help: "Stream frames emitted to sinks, by transport",
			},
			[]string{"transport"},
		),
		StreamsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_streams_active",
				Help: "Streams currently being pumped",
			},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_sessions_active",
				Help: "Live encryption sessions",
			},
		),
		HandshakesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_handshakes_total",
				Help: "Completed key-exchange handshakes",
			},
		),
	}
}

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
