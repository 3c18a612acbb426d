// Package integration runs the tabula server end to end: real JWT
// validation against a JWKS endpoint, OpenAPI-bound backends served by mock
// HTTP services, the in-memory row store and the full middleware chain.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/definition"
	"github.com/pitabwire/tabula/internal/invoker"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/internal/reorder"
	"github.com/pitabwire/tabula/internal/store"
	"github.com/pitabwire/tabula/internal/table"
	"github.com/pitabwire/tabula/internal/transport"
	"github.com/pitabwire/tabula/model"
)

// Harness is a fully wired tabula instance.
type Harness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Registry *definition.Registry
	Index    *openapi.Index
	Store    *store.MemoryStore
	Tables   *table.Manager
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer

	backends map[string]*MockBackend
	cfg      *config.Config
}

// HarnessOption configures the harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	rows           map[string][]model.Row
	breaker        config.CircuitBreakerConfig
	retry          config.RetryConfig
	handlerTimeout time.Duration
	sessions       config.SessionsConfig
}

// WithDefinitions replaces the definition directories.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) { c.definitionDirs = dirs }
}

// WithRows seeds a store collection.
func WithRows(collection string, rows ...model.Row) HarnessOption {
	return func(c *harnessConfig) { c.rows[collection] = rows }
}

// WithCircuitBreaker sets the parking service's breaker.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) { c.breaker = cb }
}

// WithRetry sets the parking service's retry policy.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) { c.retry = r }
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// WithSessions sets the session manager limits.
func WithSessions(s config.SessionsConfig) HarnessOption {
	return func(c *harnessConfig) { c.sessions = s }
}

// NewHarness starts a tabula instance that is torn down with the test.
func NewHarness(t *testing.T, opts ...HarnessOption) *Harness {
	t.Helper()

	hc := &harnessConfig{
		rows:           make(map[string][]model.Row),
		retry:          config.RetryConfig{MaxAttempts: 1, IdempotentOnly: true},
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(testdataDir(), "definitions")}
	}

	h := &Harness{t: t, backends: make(map[string]*MockBackend)}

	// Step 1: Start the mock backend and index its spec.
	parking := newMockBackend(t, "parking-svc", parkingRoutes())
	h.backends["parking-svc"] = parking

	h.Index = openapi.NewIndex()
	if err := h.Index.Load([]openapi.SpecSource{{
		ServiceID: "parking-svc",
		BaseURL:   parking.URL(),
		SpecPath:  filepath.Join(testdataDir(), "specs", "parking-svc.yaml"),
	}}); err != nil {
		t.Fatalf("load OpenAPI specs: %v", err)
	}

	// Step 2: Build the configuration.
	h.issuer = newTokenIssuer(t)
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = testIssuer
	h.cfg.Identity.Audience = testAudience
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Definitions.Directories = hc.definitionDirs
	h.cfg.Sessions = hc.sessions
	h.cfg.Services = map[string]config.ServiceConfig{
		"parking-svc": {
			BaseURL:        parking.URL(),
			Timeout:        5 * time.Second,
			CircuitBreaker: hc.breaker,
			Retry:          hc.retry,
		},
	}

	// Step 3: Load and validate definitions.
	files, err := definition.NewLoader(h.cfg.Tables).LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs := definition.NewValidator().Validate(files, h.Index); len(verrs) > 0 {
		t.Fatalf("invalid definitions: %v", verrs)
	}
	h.Registry = definition.NewRegistry(files)

	// Step 4: Seed the row store.
	h.Store = store.NewMemoryStore(nil)
	for collection, rows := range hc.rows {
		if err := h.Store.Put(context.Background(), collection, rows); err != nil {
			t.Fatalf("seed %s: %v", collection, err)
		}
	}

	// Step 5: Metrics on a private registry.
	reg := prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(reg)
	h.Gatherer = reg

	// Step 6: Row sources and sessions.
	client := invoker.NewClient(h.Index, h.cfg.Services, invoker.WithRecorder(h.Metrics))
	sources := invoker.NewRegistry()
	sources.Register(invoker.StoreFactory{Store: h.Store})
	sources.Register(invoker.BackendFactory{Client: client})

	h.Tables = table.NewManager(h.Registry, sources, h.cfg.Tables, h.cfg.Sessions,
		table.WithSessionRecorder(h.Metrics),
		table.WithTableRecorder(h.Metrics),
		table.WithReorderRecorders(func(tableID string) reorder.Recorder {
			return h.Metrics.ReorderRecorder(tableID)
		}),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Tables.Shutdown(ctx)
	})

	// Step 7: Router with the full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, nil)
	router := transport.NewRouter(transport.Dependencies{
		Config:         h.cfg,
		Authenticate:   transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Tables:         h.Tables,
		Catalog:        h.Registry,
		Metrics:        h.Metrics,
		MetricsHandler: observability.HandlerFor(reg),
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: h.Registry.Loaded,
			OpenAPILoaded:     func() bool { return h.Index.Len() > 0 },
			RowStore:          h.Store,
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// URL returns the server's base URL.
func (h *Harness) URL() string { return h.server.URL }

// Backend returns the mock backend of serviceID.
func (h *Harness) Backend(serviceID string) *MockBackend {
	mb, ok := h.backends[serviceID]
	if !ok {
		h.t.Fatalf("mock backend %q not configured", serviceID)
	}
	return mb
}

// Token signs a valid token for claims.
func (h *Harness) Token(claims Claims) string { return h.issuer.Token(claims) }

// ExpiredToken signs an expired token for claims.
func (h *Harness) ExpiredToken(claims Claims) string { return h.issuer.ExpiredToken(claims) }

// JWKSFetches reports how often the server downloaded the key set.
func (h *Harness) JWKSFetches() int64 { return h.issuer.JWKSFetches() }

// Do sends a request. A non-nil body is encoded as JSON.
func (h *Harness) Do(method, path, token string, body any, headers ...string) *http.Response {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		reader = strings.NewReader(string(data))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// GET sends an authenticated GET.
func (h *Harness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodGet, path, token, nil)
}

// POST sends an authenticated POST with a JSON body.
func (h *Harness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	if body == nil {
		body = struct{}{}
	}
	return h.Do(http.MethodPost, path, token, body)
}

// Decode checks the status and decodes the body into target.
func (h *Harness) Decode(t *testing.T, resp *http.Response, status int, target any) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, status, data)
	}
	if target == nil {
		return
	}
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("decode body: %v\nbody: %s", err, data)
	}
}

// View decodes a table view response.
func (h *Harness) View(t *testing.T, resp *http.Response) model.TableView {
	t.Helper()
	var view model.TableView
	h.Decode(t, resp, http.StatusOK, &view)
	return view
}

// ErrorOf decodes an error envelope response with the given status.
func (h *Harness) ErrorOf(t *testing.T, resp *http.Response, status int) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.Decode(t, resp, status, &body)
	return body.Error
}

// ManagerClaims is an operator of the acme tenant.
func ManagerClaims() Claims {
	return Claims{
		SubjectID: "user-manager",
		TenantID:  "acme",
		Email:     "manager@acme.example.com",
		Roles:     []string{"facility_manager"},
	}
}

// AttendantClaims is a second user of the acme tenant.
func AttendantClaims() Claims {
	return Claims{
		SubjectID: "user-attendant",
		TenantID:  "acme",
		Email:     "attendant@acme.example.com",
		Roles:     []string{"attendant"},
	}
}

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// IDs returns the row IDs of a view in order.
func IDs(view model.TableView) []string {
	out := make([]string, len(view.Rows))
	for i, r := range view.Rows {
		out[i] = string(r.ID)
	}
	return out
}
