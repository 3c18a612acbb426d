package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

func routerDeps() Dependencies {
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://ops.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second
	return Dependencies{
		Config:    cfg,
		Catalog:   testCatalog(),
		Readiness: observability.ReadinessChecks{DefinitionsLoaded: func() bool { return true }},
	}
}

func denyAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, model.NewUnauthorizedError("denied"))
	})
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestRouter_publicEndpointsSkipAuth(t *testing.T) {
	deps := routerDeps()
	deps.Authenticate = denyAll
	r := NewRouter(deps)

	rec := serve(r, http.MethodGet, "/health")
	var health observability.HealthResponse
	_ = json.NewDecoder(rec.Body).Decode(&health)
	if rec.Code != http.StatusOK || health.Status != "ok" {
		t.Errorf("/health = %d %+v", rec.Code, health)
	}
	for _, path := range []string{"/ready", "/metrics"} {
		if rec := serve(r, http.MethodGet, path); rec.Code != http.StatusOK {
			t.Errorf("%s = %d", path, rec.Code)
		}
	}
	if rec.Header().Get("X-Correlation-Id") == "" || rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("public routes miss the shared headers")
	}
}

func TestRouter_readinessFollowsDefinitions(t *testing.T) {
	deps := routerDeps()
	deps.Readiness.DefinitionsLoaded = func() bool { return false }
	if rec := serve(NewRouter(deps), http.MethodGet, "/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/ready = %d", rec.Code)
	}
}

func TestRouter_tableRoutesRequireAuth(t *testing.T) {
	deps := routerDeps()
	deps.Authenticate = denyAll
	r := NewRouter(deps)

	routes := []string{
		"GET /api/tables",
		"GET /api/tables/chores",
		"GET /api/tables/chores/view",
		"DELETE /api/tables/chores/session",
		"POST /api/tables/chores/load",
		"POST /api/tables/chores/sort",
		"POST /api/tables/chores/page",
		"POST /api/tables/chores/page-size",
		"POST /api/tables/chores/filters",
		"DELETE /api/tables/chores/notices/n-1",
		"POST /api/tables/chores/drag/start",
		"POST /api/tables/chores/drag/move",
		"POST /api/tables/chores/drag/over",
		"POST /api/tables/chores/drag/drop",
		"POST /api/tables/chores/drag/cancel",
		"POST /api/tables/chores/keyboard/pickup",
		"POST /api/tables/chores/keyboard/move",
		"POST /api/tables/chores/keyboard/drop",
	}
	for _, route := range routes {
		method, path, _ := strings.Cut(route, " ")
		if rec := serve(r, method, path); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s = %d, want 401", route, rec.Code)
		}
	}
}

func TestRouter_recordsRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	deps := routerDeps()
	deps.Metrics = observability.InitMetrics(reg)
	deps.MetricsHandler = observability.HandlerFor(reg)
	r := NewRouter(deps)

	serve(r, http.MethodGet, "/api/tables/chores")
	serve(r, http.MethodGet, "/api/tables/rooms")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var describe float64
	for _, mf := range families {
		if mf.GetName() != "tabula_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "path_pattern" && strings.HasPrefix(lp.GetValue(), "/api/tables/{tableId}") {
					describe += m.GetCounter().GetValue()
				}
			}
		}
	}
	if describe != 2 {
		t.Errorf("requests under the table pattern = %v, want 2", describe)
	}

	if body := serve(r, http.MethodGet, "/metrics").Body.String(); !strings.Contains(body, "tabula_http_requests_total") {
		t.Error("/metrics does not expose request counts")
	}
}
