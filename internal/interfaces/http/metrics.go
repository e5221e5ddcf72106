package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics covers the ingress surface plus a handful of engine gauges
// updated by the heartbeat job.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	registry        *prometheus.Registry

	compositeScore    prometheus.Gauge
	staleFactors      prometheus.Gauge
	breakerSeverity   prometheus.Gauge
	signalsDispatched prometheus.Counter
}

// NewMetrics builds an isolated registry so tests can run in parallel.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketbias",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "marketbias",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"route"}),
		compositeScore: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketbias",
			Name:      "composite_score",
			Help:      "Latest composite bias score in [-1, 1].",
		}),
		staleFactors: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketbias",
			Name:      "stale_factors",
			Help:      "Factors excluded from the latest composite as stale.",
		}),
		breakerSeverity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketbias",
			Name:      "circuit_breaker_severity",
			Help:      "Active circuit breaker severity, 0 when inactive.",
		}),
		signalsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "marketbias",
			Name:      "signals_dispatched_total",
			Help:      "Signals that cleared dedupe and were dispatched.",
		}),
	}
}

// SetComposite records the latest composite state.
func (m *Metrics) SetComposite(score float64, staleFactors int) {
	m.compositeScore.Set(score)
	m.staleFactors.Set(float64(staleFactors))
}

// SetBreakerSeverity records the active breaker severity.
func (m *Metrics) SetBreakerSeverity(severity int) {
	m.breakerSeverity.Set(float64(severity))
}

// SignalDispatched counts one dispatched signal.
func (m *Metrics) SignalDispatched() {
	m.signalsDispatched.Inc()
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observe(route, method string, status int, took time.Duration) {
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(took.Seconds())
}

// statusRecorder captures the response code for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
