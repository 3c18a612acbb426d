package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Set by the binary from its ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body. Status is "ready" only when every
// check reports "ok".
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness probe.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by row stores that can ping their backing
// service.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks lists what /ready probes. DefinitionsLoaded is always
// reported; the others only when set.
type ReadinessChecks struct {
	DefinitionsLoaded func() bool
	OpenAPILoaded     func() bool
	RowStore          HealthChecker
}

const checkTimeout = 2 * time.Second

var (
	errNoDefinitions = errors.New("no table definitions loaded")
	errNoSpecs       = errors.New("no OpenAPI specs loaded")
)

type probe func(ctx context.Context) error

func flagProbe(loaded func() bool, missing error) probe {
	return func(context.Context) error {
		if loaded == nil || !loaded() {
			return missing
		}
		return nil
	}
}

func (c ReadinessChecks) probes() map[string]probe {
	p := map[string]probe{"definitions": flagProbe(c.DefinitionsLoaded, errNoDefinitions)}
	if c.OpenAPILoaded != nil {
		p["openapi_index"] = flagProbe(c.OpenAPILoaded, errNoSpecs)
	}
	if c.RowStore != nil {
		p["row_store"] = c.RowStore.HealthCheck
	}
	return p
}

// HandleHealth serves liveness. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady runs every configured probe concurrently, each bounded by
// checkTimeout, and answers 503 if any fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		probes := checks.probes()
		results := make(map[string]CheckResult, len(probes))
		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for name, p := range probes {
			wg.Go(func() {
				res := runProbe(r.Context(), p)
				mu.Lock()
				results[name] = res
				mu.Unlock()
			})
		}
		wg.Wait()

		resp, code := ReadinessResponse{Status: "ready", Checks: results}, http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				resp.Status, code = "not_ready", http.StatusServiceUnavailable
				break
			}
		}
		writeHealthJSON(w, code, resp)
	}
}

func runProbe(parent context.Context, p probe) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := p(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status, res.Error = "error", err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
