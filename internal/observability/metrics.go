package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	rowCountBuckets        = []float64{0, 10, 25, 50, 100, 250, 1000, 5000}
)

// Metrics holds all Prometheus instruments for the service.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Table engines
	SortTogglesTotal   *prometheus.CounterVec
	SortFallbacksTotal *prometheus.CounterVec
	PageChangesTotal   *prometheus.CounterVec
	LoadsTotal         *prometheus.CounterVec
	LoadDuration       *prometheus.HistogramVec
	LoadedRows         *prometheus.HistogramVec

	// Reorders
	ReordersTotal         *prometheus.CounterVec
	PersistRequestsTotal  *prometheus.CounterVec
	PersistDuration       *prometheus.HistogramVec
	ReloadsTotal          *prometheus.CounterVec
	ReconcileDuration     *prometheus.HistogramVec
	ActiveSessions        prometheus.Gauge
	SessionEvictionsTotal prometheus.Counter

	// Backends
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec
	BackendRetriesTotal        *prometheus.CounterVec

	// Definitions
	DefinitionReloadTotal    *prometheus.CounterVec
	DefinitionsLoaded        prometheus.Gauge
	OpenAPIOperationsIndexed *prometheus.GaugeVec
}

// InitMetrics creates and registers all instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabula_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		SortTogglesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_sort_toggles_total",
			Help: "Header clicks by resulting direction.",
		}, []string{"table_id", "direction"}),
		SortFallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_sort_fallbacks_total",
			Help: "Sorts that kept the original order because no row had the key.",
		}, []string{"table_id"}),
		PageChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_page_changes_total",
			Help: "Page and page size changes.",
		}, []string{"table_id", "kind"}),
		LoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_loads_total",
			Help: "Collection fetches by reason and status.",
		}, []string{"table_id", "reason", "status"}),
		LoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabula_load_duration_seconds",
			Help:    "Collection fetch duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"table_id"}),
		LoadedRows: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabula_loaded_rows",
			Help:    "Rows returned per fetch.",
			Buckets: rowCountBuckets,
		}, []string{"table_id"}),

		ReordersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_reorders_total",
			Help: "Drag operations by outcome.",
		}, []string{"table_id", "outcome"}),
		PersistRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_persist_requests_total",
			Help: "Row order writes by status.",
		}, []string{"table_id", "status"}),
		PersistDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabula_persist_duration_seconds",
			Help:    "Row order write duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"table_id"}),
		ReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_reorder_reloads_total",
			Help: "Forced reloads after failed reorders.",
		}, []string{"table_id", "status"}),
		ReconcileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabula_reconcile_duration_seconds",
			Help:    "Time from drop until the persistence phase settled.",
			Buckets: backendDurationBuckets,
		}, []string{"table_id"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tabula_active_sessions",
			Help: "Open table sessions.",
		}),
		SessionEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabula_session_evictions_total",
			Help: "Table sessions closed for idleness.",
		}),

		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_backend_requests_total",
			Help: "Total number of backend service requests.",
		}, []string{"service_id", "operation_id", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabula_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"service_id"}),
		BackendCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tabula_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"service_id"}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_backend_retries_total",
			Help: "Total number of backend request retries.",
		}, []string{"service_id"}),

		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabula_definition_reload_total",
			Help: "Definition reloads by status.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tabula_definitions_loaded",
			Help: "Number of table definitions loaded.",
		}),
		OpenAPIOperationsIndexed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tabula_openapi_operations_indexed",
			Help: "Number of OpenAPI operations indexed per service.",
		}, []string{"service_id"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SortTogglesTotal,
		m.SortFallbacksTotal,
		m.PageChangesTotal,
		m.LoadsTotal,
		m.LoadDuration,
		m.LoadedRows,
		m.ReordersTotal,
		m.PersistRequestsTotal,
		m.PersistDuration,
		m.ReloadsTotal,
		m.ReconcileDuration,
		m.ActiveSessions,
		m.SessionEvictionsTotal,
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
		m.OpenAPIOperationsIndexed,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordSortToggle records a header click.
func (m *Metrics) RecordSortToggle(tableID, direction string) {
	m.SortTogglesTotal.WithLabelValues(tableID, direction).Inc()
}

// RecordSortFallback records a sort on a key no row carries.
func (m *Metrics) RecordSortFallback(tableID string) {
	m.SortFallbacksTotal.WithLabelValues(tableID).Inc()
}

// RecordPageChange records a page ("page") or page size ("size") change.
func (m *Metrics) RecordPageChange(tableID, kind string) {
	m.PageChangesTotal.WithLabelValues(tableID, kind).Inc()
}

// RecordLoad records a collection fetch.
func (m *Metrics) RecordLoad(tableID, reason, status string, rows int, duration time.Duration) {
	m.LoadsTotal.WithLabelValues(tableID, reason, status).Inc()
	m.LoadDuration.WithLabelValues(tableID).Observe(duration.Seconds())
	if status == "ok" {
		m.LoadedRows.WithLabelValues(tableID).Observe(float64(rows))
	}
}

// RecordBackendRequest records a backend service request.
func (m *Metrics) RecordBackendRequest(serviceID, operationID string, status int, duration time.Duration) {
	m.BackendRequestsTotal.WithLabelValues(serviceID, operationID, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the breaker state for a service.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(serviceID string, state float64) {
	m.BackendCircuitBreakerState.WithLabelValues(serviceID).Set(state)
}

// RecordBackendRetry records a backend request retry.
func (m *Metrics) RecordBackendRetry(serviceID string) {
	m.BackendRetriesTotal.WithLabelValues(serviceID).Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded table definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// SetOpenAPIOperationsIndexed sets the number of indexed operations.
func (m *Metrics) SetOpenAPIOperationsIndexed(serviceID string, count float64) {
	m.OpenAPIOperationsIndexed.WithLabelValues(serviceID).Set(count)
}

// SessionOpened and SessionClosed track the session gauge.
func (m *Metrics) SessionOpened() { m.ActiveSessions.Inc() }

// SessionClosed decrements the session gauge; evicted marks idle eviction.
func (m *Metrics) SessionClosed(evicted bool) {
	m.ActiveSessions.Dec()
	if evicted {
		m.SessionEvictionsTotal.Inc()
	}
}

// ReorderRecorder returns a recorder bound to one table.
func (m *Metrics) ReorderRecorder(tableID string) *TableRecorder {
	return &TableRecorder{m: m, tableID: tableID}
}

// TableRecorder records reorder metrics for one table.
type TableRecorder struct {
	m       *Metrics
	tableID string
}

// RecordReorder counts a drag outcome.
func (r *TableRecorder) RecordReorder(outcome string) {
	r.m.ReordersTotal.WithLabelValues(r.tableID, outcome).Inc()
}

// RecordPersist counts one row write.
func (r *TableRecorder) RecordPersist(status string, d time.Duration) {
	r.m.PersistRequestsTotal.WithLabelValues(r.tableID, status).Inc()
	r.m.PersistDuration.WithLabelValues(r.tableID).Observe(d.Seconds())
}

// RecordReload counts a forced reload.
func (r *TableRecorder) RecordReload(status string) {
	r.m.ReloadsTotal.WithLabelValues(r.tableID, status).Inc()
}

// RecordReconcile observes the length of a persistence phase.
func (r *TableRecorder) RecordReconcile(d time.Duration) {
	r.m.ReconcileDuration.WithLabelValues(r.tableID).Observe(d.Seconds())
}

// --- HTTP Middleware ---

// MetricsMiddleware records request metrics keyed by chi's route pattern
// rather than the raw path, keeping label cardinality bounded.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := newStatusRecorder(w)
		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
