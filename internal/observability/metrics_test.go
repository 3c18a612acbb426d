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

	// Vectors only show up in Gather once a label set exists.
	m.RecordHTTPRequest("GET", "/ui/tables", 200, time.Millisecond)
	m.RecordSortToggle("t", "asc")
	m.RecordSortFallback("t")
	m.RecordPageChange("t", "page")
	m.RecordLoad("t", "initial", "ok", 3, time.Millisecond)
	rec := m.ReorderRecorder("t")
	rec.RecordReorder("saved")
	rec.RecordPersist("ok", time.Millisecond)
	rec.RecordReload("ok")
	rec.RecordReconcile(time.Millisecond)
	m.RecordBackendRequest("svc", "op", 200, time.Millisecond)
	m.SetBackendCircuitBreakerState("svc", 0)
	m.RecordBackendRetry("svc")
	m.RecordDefinitionReload("success")
	m.SetOpenAPIOperationsIndexed("svc", 1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"tabula_http_requests_total",
		"tabula_http_request_duration_seconds",
		"tabula_sort_toggles_total",
		"tabula_sort_fallbacks_total",
		"tabula_page_changes_total",
		"tabula_loads_total",
		"tabula_load_duration_seconds",
		"tabula_loaded_rows",
		"tabula_reorders_total",
		"tabula_persist_requests_total",
		"tabula_persist_duration_seconds",
		"tabula_reorder_reloads_total",
		"tabula_reconcile_duration_seconds",
		"tabula_active_sessions",
		"tabula_session_evictions_total",
		"tabula_backend_requests_total",
		"tabula_backend_request_duration_seconds",
		"tabula_backend_circuit_breaker_state",
		"tabula_backend_retries_total",
		"tabula_definition_reload_total",
		"tabula_definitions_loaded",
		"tabula_openapi_operations_indexed",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/ui/tables/{tableId}/view", 200, 50*time.Millisecond)
	m.RecordHTTPRequest("GET", "/ui/tables/{tableId}/view", 200, 100*time.Millisecond)
	m.RecordHTTPRequest("POST", "/ui/tables/{tableId}/drag/drop", 409, 20*time.Millisecond)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/ui/tables/{tableId}/view", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/ui/tables/{tableId}/drag/drop", "409"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordSortMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSortToggle("spots", "asc")
	m.RecordSortToggle("spots", "desc")
	m.RecordSortToggle("spots", "none")
	m.RecordSortFallback("spots")

	for _, dir := range []string{"asc", "desc", "none"} {
		if v := testutil.ToFloat64(m.SortTogglesTotal.WithLabelValues("spots", dir)); v != 1 {
			t.Errorf("toggles[%s] = %v, want 1", dir, v)
		}
	}
	if v := testutil.ToFloat64(m.SortFallbacksTotal.WithLabelValues("spots")); v != 1 {
		t.Errorf("fallbacks = %v, want 1", v)
	}
}

func TestRecordLoad_onlyObservesRowsOnSuccess(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordLoad("spots", "initial", "ok", 25, 10*time.Millisecond)
	m.RecordLoad("spots", "reorder_failure", "error", 0, 10*time.Millisecond)

	if v := testutil.ToFloat64(m.LoadsTotal.WithLabelValues("spots", "reorder_failure", "error")); v != 1 {
		t.Errorf("failed loads = %v, want 1", v)
	}
	if count := testutil.CollectAndCount(m.LoadedRows); count != 1 {
		t.Errorf("loaded rows series = %d, want 1", count)
	}
}

func TestTableRecorder(t *testing.T) {
	m, _ := newTestMetrics(t)
	rec := m.ReorderRecorder("spots")

	rec.RecordReorder("saved")
	rec.RecordReorder("failed")
	rec.RecordPersist("ok", 5*time.Millisecond)
	rec.RecordPersist("ok", 5*time.Millisecond)
	rec.RecordPersist("error", 5*time.Millisecond)
	rec.RecordReload("ok")
	rec.RecordReconcile(20 * time.Millisecond)

	if v := testutil.ToFloat64(m.ReordersTotal.WithLabelValues("spots", "failed")); v != 1 {
		t.Errorf("failed reorders = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.PersistRequestsTotal.WithLabelValues("spots", "ok")); v != 2 {
		t.Errorf("ok writes = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.ReloadsTotal.WithLabelValues("spots", "ok")); v != 1 {
		t.Errorf("reloads = %v, want 1", v)
	}
	if count := testutil.CollectAndCount(m.ReconcileDuration); count == 0 {
		t.Error("expected reconcile histogram observations")
	}
}

func TestSessionGauge(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed(true)

	if v := testutil.ToFloat64(m.ActiveSessions); v != 1 {
		t.Errorf("active sessions = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.SessionEvictionsTotal); v != 1 {
		t.Errorf("evictions = %v, want 1", v)
	}
}

func TestSetBackendCircuitBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetBackendCircuitBreakerState("parking-svc", 0)
	if v := testutil.ToFloat64(m.BackendCircuitBreakerState.WithLabelValues("parking-svc")); v != 0 {
		t.Errorf("circuit breaker state = %v, want 0 (closed)", v)
	}

	m.SetBackendCircuitBreakerState("parking-svc", 2)
	if v := testutil.ToFloat64(m.BackendCircuitBreakerState.WithLabelValues("parking-svc")); v != 2 {
		t.Errorf("circuit breaker state = %v, want 2 (open)", v)
	}
}

func TestRecordBackendRetry(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordBackendRetry("parking-svc")
	m.RecordBackendRetry("parking-svc")
	if v := testutil.ToFloat64(m.BackendRetriesTotal.WithLabelValues("parking-svc")); v != 2 {
		t.Errorf("retries = %v, want 2", v)
	}
}

func TestDefinitionMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordDefinitionReload("success")
	m.RecordDefinitionReload("failure")
	m.SetDefinitionsLoaded(4)

	if v := testutil.ToFloat64(m.DefinitionReloadTotal.WithLabelValues("failure")); v != 1 {
		t.Errorf("reload failure = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.DefinitionsLoaded); v != 4 {
		t.Errorf("definitions loaded = %v, want 4", v)
	}
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/ui/tables/{tableId}/view", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/ui/tables/spots/view", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/ui/tables/{tableId}/view", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/ui/tables/{tableId}/drag/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/ui/tables/spots/drag/start", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/ui/tables/{tableId}/drag/start", "409"))
	if val != 1 {
		t.Errorf("409 requests = %v, want 1", val)
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

func TestHandlerFor_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.SetDefinitionsLoaded(2)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tabula_definitions_loaded 2") {
		t.Error("metrics response should contain tabula_definitions_loaded")
	}
}

func TestHistogramBuckets(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":    httpDurationBuckets,
		"backend": backendDurationBuckets,
		"rows":    rowCountBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
