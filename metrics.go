package aluvia

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the client.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeTunnels   prometheus.Gauge
	gatewayErrors   *prometheus.CounterVec
	ruleCount       prometheus.Gauge
	syncCycles      *prometheus.CounterVec
	configSwaps     prometheus.Counter
	detections      *prometheus.CounterVec
	detectionScore  prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aluvia",
			Name:      "requests_total",
			Help:      "Total number of dispatched requests by route.",
		}, []string{"method", "route"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aluvia",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aluvia",
			Name:      "active_tunnels",
			Help:      "Number of active CONNECT tunnels.",
		}),

		gatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aluvia",
			Name:      "gateway_errors_total",
			Help:      "Total number of gateway connection errors.",
		}, []string{"host"}),

		ruleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aluvia",
			Name:      "rule_count",
			Help:      "Number of routing rules in the current snapshot.",
		}),

		syncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aluvia",
			Name:      "sync_cycles_total",
			Help:      "Config sync cycles by outcome (modified, unchanged, error).",
		}, []string{"outcome"}),

		configSwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aluvia",
			Name:      "config_swaps_total",
			Help:      "Number of committed config snapshot replacements.",
		}),

		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aluvia",
			Name:      "detections_total",
			Help:      "Detection analyses by tier and pass.",
		}, []string{"tier", "pass"}),

		detectionScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aluvia",
			Name:      "detection_score",
			Help:      "Detection score distribution.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeTunnels,
		m.gatewayErrors,
		m.ruleCount,
		m.syncCycles,
		m.configSwaps,
		m.detections,
		m.detectionScore,
	)

	return m
}

// Handler returns an http.Handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a dispatched request and its routing decision.
func (m *Metrics) RecordRequest(method, route string) {
	m.requestsTotal.WithLabelValues(method, route).Inc()
}

// RecordRequestDuration records the duration of a forwarded request.
func (m *Metrics) RecordRequestDuration(method string, status int, d time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(d.Seconds())
}

// IncActiveTunnels increments the active tunnel gauge.
func (m *Metrics) IncActiveTunnels() {
	m.activeTunnels.Inc()
}

// DecActiveTunnels decrements the active tunnel gauge.
func (m *Metrics) DecActiveTunnels() {
	m.activeTunnels.Dec()
}

// RecordGatewayError records a gateway connection failure.
func (m *Metrics) RecordGatewayError(host string) {
	m.gatewayErrors.WithLabelValues(host).Inc()
}

// SetRuleCount updates the current rule count gauge.
func (m *Metrics) SetRuleCount(n int) {
	m.ruleCount.Set(float64(n))
}

// RecordSyncCycle records a config sync cycle outcome.
func (m *Metrics) RecordSyncCycle(outcome string) {
	m.syncCycles.WithLabelValues(outcome).Inc()
}

// RecordConfigSwap records a committed snapshot replacement.
func (m *Metrics) RecordConfigSwap() {
	m.configSwaps.Inc()
}

// RecordDetection records a detection result.
func (m *Metrics) RecordDetection(tier, pass string, score float64) {
	m.detections.WithLabelValues(tier, pass).Inc()
	m.detectionScore.Observe(score)
}
