// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a registry plus the collectors registered on it
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal     *prometheus.CounterVec
	rejectionsTotal *prometheus.CounterVec
	anomaliesTotal  *prometheus.CounterVec
	persistRetries  prometheus.Counter
	applyDuration   *prometheus.HistogramVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		eventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_events_total",
			Help: "Transaction events processed, labeled by kind and outcome",
		}, []string{"kind", "outcome"}),
		rejectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_event_rejections_total",
			Help: "Transaction events rejected, labeled by reason",
		}, []string{"reason"}),
		anomaliesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_anomalies_total",
			Help: "Bookkeeping anomalies absorbed, labeled by type and bucket",
		}, []string{"type", "bucket"}),
		persistRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_persist_retries_total",
			Help: "Saves retried after a version conflict",
		}),
		applyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_apply_duration_seconds",
			Help:    "Latency of applying and persisting one event",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"outcome"}),
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_http_requests_total",
			Help: "Total HTTP requests processed, labeled by status code",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_http_request_duration_seconds",
			Help:    "Latency distribution of HTTP requests",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
	}
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveEvent records one processed event
func (m *Metrics) ObserveEvent(kind, outcome string, took time.Duration) {
	m.eventsTotal.WithLabelValues(kind, outcome).Inc()
	m.applyDuration.WithLabelValues(outcome).Observe(took.Seconds())
}

// ObserveRejection records a hard rejection
func (m *Metrics) ObserveRejection(reason string) {
	m.rejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveAnomaly records an absorbed anomaly
func (m *Metrics) ObserveAnomaly(anomalyType, bucket string) {
	m.anomaliesTotal.WithLabelValues(anomalyType, bucket).Inc()
}

// ObservePersistRetry records a save retried after a conflict
func (m *Metrics) ObservePersistRetry() {
	m.persistRetries.Inc()
}

// HTTP instruments requests, labeling by chi route pattern to keep cardinality bounded
func (m *Metrics) HTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
