package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"haulflow_http_requests_total",
		"haulflow_http_request_duration_seconds",
		"haulflow_http_request_size_bytes",
		"haulflow_http_response_size_bytes",
		"haulflow_command_executions_total",
		"haulflow_command_duration_seconds",
		"haulflow_conflict_retries_total",
		"haulflow_transitions_total",
		"haulflow_cascade_clears_total",
		"haulflow_publish_failures_total",
		"haulflow_idempotent_replays_total",
		"haulflow_capability_cache_hits_total",
		"haulflow_capability_cache_misses_total",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordCommand("execution.button", "ok", time.Millisecond)
	m.RecordConflictRetry("execution.button")
	m.RecordTransition("button", "committed")
	m.RecordCascadeClear("driver", 1)
	m.RecordPublishFailure()
	m.RecordIdempotentReplay()
	m.RecordCapabilityCacheHit()
	m.RecordCapabilityCacheMiss()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/api/executions/{executionId}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/api/executions/{executionId}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/api/executions/{executionId}/move", 422, 20*time.Millisecond, 64, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/executions/{executionId}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/executions/{executionId}/move", "422"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordCommand(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordCommand("execution.drag", "ok", 15*time.Millisecond)
	m.RecordCommand("execution.drag", "INVALID_TRANSITION", 5*time.Millisecond)

	ok := testutil.ToFloat64(m.CommandExecutionsTotal.WithLabelValues("execution.drag", "ok"))
	if ok != 1 {
		t.Errorf("ok count = %v, want 1", ok)
	}
	rejected := testutil.ToFloat64(m.CommandExecutionsTotal.WithLabelValues("execution.drag", "INVALID_TRANSITION"))
	if rejected != 1 {
		t.Errorf("rejected count = %v, want 1", rejected)
	}
	if testutil.CollectAndCount(m.CommandDuration) == 0 {
		t.Error("expected command duration histogram to have observations")
	}
}

func TestRecordTransition(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordTransition("button", "committed")
	m.RecordTransition("button", "capture_required")
	m.RecordTransition("button", "committed")

	val := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("button", "committed"))
	if val != 2 {
		t.Errorf("committed = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("button", "capture_required"))
	if val != 1 {
		t.Errorf("capture_required = %v, want 1", val)
	}
}

func TestRecordConflictRetry(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordConflictRetry("execution.capture")
	m.RecordConflictRetry("execution.capture")
	val := testutil.ToFloat64(m.ConflictRetriesTotal.WithLabelValues("execution.capture"))
	if val != 2 {
		t.Errorf("retries = %v, want 2", val)
	}
}

func TestRecordCascadeClear(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordCascadeClear("vehicle", 3)
	m.RecordCascadeClear("vehicle", 0)
	val := testutil.ToFloat64(m.CascadeClearsTotal.WithLabelValues("vehicle"))
	if val != 3 {
		t.Errorf("cleared = %v, want 3", val)
	}
}

func TestRecordPublishFailureAndReplay(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordPublishFailure()
	m.RecordIdempotentReplay()
	m.RecordIdempotentReplay()

	if val := testutil.ToFloat64(m.PublishFailuresTotal); val != 1 {
		t.Errorf("publish failures = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.IdempotentReplaysTotal); val != 2 {
		t.Errorf("replays = %v, want 2", val)
	}
}

func TestRecordCapabilityCache(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordCapabilityCacheHit()
	m.RecordCapabilityCacheHit()
	m.RecordCapabilityCacheMiss()

	hits := testutil.ToFloat64(m.CapabilityCacheHitsTotal)
	if hits != 2 {
		t.Errorf("cache hits = %v, want 2", hits)
	}
	misses := testutil.ToFloat64(m.CapabilityCacheMissesTotal)
	if misses != 1 {
		t.Errorf("cache misses = %v, want 1", misses)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/api/contracts/{contractId}/board", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/contracts/c-1/board", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Labelled with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/contracts/{contractId}/board", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/api/executions/{executionId}/drag", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/executions/ex-1/drag", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/executions/{executionId}/drag", "422"))
	if val != 1 {
		t.Errorf("422 requests = %v, want 1", val)
	}
	if testutil.CollectAndCount(m.HTTPResponseSizeBytes) == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHandlerFor_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordTransition("drag", "noop")

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !strings.Contains(rec.Body.String(), `haulflow_transitions_total{outcome="noop",source="drag"} 1`) {
		t.Errorf("metrics body missing transition counter:\n%s", rec.Body.String())
	}
}

func TestHistogramBuckets(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":    httpDurationBuckets,
		"command": commandDurationBuckets,
		"body":    bodySizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}

func TestMetricsMiddleware_subRouterPattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Route("/api/contracts/{contractId}", func(r chi.Router) {
		r.Delete("/vehicles/{vehicleId}", func(w http.ResponseWriter, r *http.Request) {})
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/api/contracts/c-1/vehicles/v-1", nil))

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("DELETE", "/api/contracts/{contractId}/vehicles/{vehicleId}", "200"))
	if val != 1 {
		t.Errorf("nested route requests = %v, want 1", val)
	}
}
