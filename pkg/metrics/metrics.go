// Package metrics holds the Prometheus instruments of the exporter and its
// status API. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "featurestream"

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Export metrics
	unitsProcessed *prometheus.CounterVec
	unitsErrored   *prometheus.CounterVec
	unitsDropped   prometheus.Counter
	jobsTotal      *prometheus.CounterVec
	jobDuration    prometheus.Histogram
	blobBytes      *prometheus.CounterVec
	jobsActive     prometheus.Gauge

	// HTTP request metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight *prometheus.GaugeVec
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		unitsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_processed_total",
				Help:      "Units written to a shard",
			},
			[]string{"shard"},
		),
		unitsErrored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_errored_total",
				Help:      "Skipped properties and units",
			},
			[]string{"shard"},
		),
		unitsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_dropped_total",
				Help:      "Units that produced no feature",
			},
		),
		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Export jobs by final state",
			},
			[]string{"state"},
		),
		jobDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Wall time of export runs",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
			},
		),
		blobBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blob_bytes_total",
				Help:      "Bytes of finalized shard files",
			},
			[]string{"shard"},
		),
		jobsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_active",
				Help:      "Export jobs currently running",
			},
		),

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "endpoint"},
		),
	}
}

// RecordBatch records the outcome of one appended batch
func (m *Metrics) RecordBatch(shard string, processed, errored int64) {
	if m == nil {
		return
	}
	m.unitsProcessed.WithLabelValues(shard).Add(float64(processed))
	m.unitsErrored.WithLabelValues(shard).Add(float64(errored))
}

// RecordDropped records units without features
func (m *Metrics) RecordDropped(n int64) {
	if m == nil {
		return
	}
	m.unitsDropped.Add(float64(n))
}

// RecordBlob records a finalized shard file
func (m *Metrics) RecordBlob(shard string, size int64) {
	if m == nil {
		return
	}
	m.blobBytes.WithLabelValues(shard).Add(float64(size))
}

// JobStarted marks a job as running. The returned func records its final
// state and duration.
func (m *Metrics) JobStarted() func(state string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.jobsActive.Inc()
	return func(state string) {
		m.jobsActive.Dec()
		m.jobsTotal.WithLabelValues(state).Inc()
		m.jobDuration.Observe(time.Since(start).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	statusCodeStr := strconv.Itoa(statusCode)

	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCodeStr).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// InstrumentHandler instruments an HTTP handler with metrics
func (m *Metrics) InstrumentHandler(method, endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	if m == nil {
		return handler
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		gauge := m.httpRequestsInFlight.WithLabelValues(method, endpoint)
		gauge.Inc()
		defer gauge.Dec()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(rw, r)

		m.RecordHTTPRequest(method, endpoint, rw.statusCode, time.Since(start))
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
