package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	commandDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the pipeline.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Command metrics
	CommandExecutionsTotal *prometheus.CounterVec
	CommandDuration        *prometheus.HistogramVec
	ConflictRetriesTotal   *prometheus.CounterVec

	// Pipeline metrics
	TransitionsTotal       *prometheus.CounterVec
	CascadeClearsTotal     *prometheus.CounterVec
	PublishFailuresTotal   prometheus.Counter
	IdempotentReplaysTotal prometheus.Counter

	// Cache metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "haulflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "haulflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "haulflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "haulflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Commands
		CommandExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "haulflow_command_executions_total",
			Help: "Total number of command executions by outcome code.",
		}, []string{"operation", "status"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "haulflow_command_duration_seconds",
			Help:    "Command execution duration in seconds.",
			Buckets: commandDurationBuckets,
		}, []string{"operation"}),
		ConflictRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "haulflow_conflict_retries_total",
			Help: "Total number of load-validate-save cycles re-run after a version conflict.",
		}, []string{"operation"}),

		// Pipeline
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "haulflow_transitions_total",
			Help: "Total number of transition requests by source and outcome.",
		}, []string{"source", "outcome"}),
		CascadeClearsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "haulflow_cascade_clears_total",
			Help: "Total number of pending executions whose driver or vehicle was cleared.",
		}, []string{"entity"}),
		PublishFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haulflow_publish_failures_total",
			Help: "Total number of transition events that could not be published.",
		}),
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haulflow_idempotent_replays_total",
			Help: "Total number of move commands answered from the idempotency store.",
		}),

		// Cache
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haulflow_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haulflow_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Commands
		m.CommandExecutionsTotal,
		m.CommandDuration,
		m.ConflictRetriesTotal,
		// Pipeline
		m.TransitionsTotal,
		m.CascadeClearsTotal,
		m.PublishFailuresTotal,
		m.IdempotentReplaysTotal,
		// Cache
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordCommand records a command's outcome code and duration.
func (m *Metrics) RecordCommand(operation, status string, duration time.Duration) {
	m.CommandExecutionsTotal.WithLabelValues(operation, status).Inc()
	m.CommandDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTransition records a transition request. outcome is one of
// committed, capture_required, noop or rejected.
func (m *Metrics) RecordTransition(source, outcome string) {
	m.TransitionsTotal.WithLabelValues(source, outcome).Inc()
}

// RecordConflictRetry records a retried save.
func (m *Metrics) RecordConflictRetry(operation string) {
	m.ConflictRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordCascadeClear records how many executions a removal cascade touched.
func (m *Metrics) RecordCascadeClear(entity string, count int) {
	m.CascadeClearsTotal.WithLabelValues(entity).Add(float64(count))
}

// RecordPublishFailure records a failed event publish.
func (m *Metrics) RecordPublishFailure() {
	m.PublishFailuresTotal.Inc()
}

// RecordIdempotentReplay records a replayed move.
func (m *Metrics) RecordIdempotentReplay() {
	m.IdempotentReplaysTotal.Inc()
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	m.CapabilityCacheMissesTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern returns the matched chi route with sub-router wildcards
// collapsed, or the raw path when the request was not routed by chi.
func routePattern(r *http.Request) string {
	if pattern := chi.RouteContext(r.Context()).RoutePattern(); pattern != "" {
		return pattern
	}
	return r.URL.Path
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
