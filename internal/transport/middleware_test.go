package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

func okHandler(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func TestRecovery(t *testing.T) {
	panicky := Recovery(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	if rec := serve(panicky, http.MethodGet, "/"); rec.Code != http.StatusInternalServerError {
		t.Errorf("panic = %d", rec.Code)
	}
	if rec := serve(Recovery(nil)(http.HandlerFunc(okHandler)), http.MethodGet, "/"); rec.Code != http.StatusOK {
		t.Errorf("pass through = %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	mw := CORS(config.CORSConfig{
		AllowedOrigins: []string{"https://ops.example.com"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         600,
	})
	var reached int
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached++
		okHandler(w, r)
	}))

	cases := []struct {
		name, method, origin string
		wantCode             int
		wantAllow            string
	}{
		{"preflight allowed", http.MethodOptions, "https://ops.example.com", http.StatusNoContent, "https://ops.example.com"},
		{"preflight foreign", http.MethodOptions, "https://evil.example.com", http.StatusNoContent, ""},
		{"simple allowed", http.MethodGet, "https://ops.example.com", http.StatusOK, "https://ops.example.com"},
		{"simple foreign", http.MethodGet, "https://evil.example.com", http.StatusOK, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/api/tables", nil)
			req.Header.Set("Origin", tc.origin)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.wantCode {
				t.Errorf("code = %d", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.wantAllow {
				t.Errorf("allow origin = %q", got)
			}
			if tc.wantAllow != "" && rec.Header().Get("Access-Control-Max-Age") != "600" {
				t.Errorf("max age = %q", rec.Header().Get("Access-Control-Max-Age"))
			}
		})
	}
	if reached != 2 {
		t.Errorf("handler reached %d times, want only the simple requests", reached)
	}
}

func TestRequestID(t *testing.T) {
	for _, inbound := range []string{"", "corr-77"} {
		var seen string
		h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = CorrelationIDFrom(r.Context())
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if inbound != "" {
			req.Header.Set("X-Correlation-Id", inbound)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		echoed := rec.Header().Get("X-Correlation-Id")
		if echoed == "" || echoed != seen || (inbound != "" && echoed != inbound) {
			t.Errorf("inbound %q: echoed %q, context %q", inbound, echoed, seen)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := serve(SecurityHeaders(http.HandlerFunc(okHandler)), http.MethodGet, "/")
	for _, kv := range securityHeaders {
		if got := rec.Header().Get(kv[0]); got != kv[1] {
			t.Errorf("%s = %q", kv[0], got)
		}
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("table views must not be cached")
	}
}

func TestBuildRequestContextMiddleware(t *testing.T) {
	cases := []struct {
		name   string
		paths  map[string]string
		claims map[string]any
		want   model.RequestContext
	}{
		{
			name: "standard claims",
			claims: map[string]any{
				"sub": "dispatcher-7", "tenant_id": "acme", "email": "d7@acme.example.com",
				"sid": "sess-3", "roles": []any{"facility_manager", 42, "attendant"},
			},
			want: model.RequestContext{
				SubjectID: "dispatcher-7", TenantID: "acme", Email: "d7@acme.example.com",
				SessionID: "sess-3", Roles: []string{"facility_manager", "attendant"},
			},
		},
		{
			name:  "nested claim paths",
			paths: map[string]string{"tenant_id": "org.id", "roles": "realm_access.roles"},
			claims: map[string]any{
				"sub":          "dispatcher-8",
				"org":          map[string]any{"id": "globex"},
				"realm_access": map[string]any{"roles": []any{"attendant"}},
			},
			want: model.RequestContext{SubjectID: "dispatcher-8", TenantID: "globex", Roles: []string{"attendant"}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got *model.RequestContext
			h := BuildRequestContextMiddleware(tc.paths)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = model.RequestContextFrom(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer h.p.s")
			req.Header.Set("Accept-Language", "sv-SE")
			h.ServeHTTP(httptest.NewRecorder(), req.WithContext(WithClaims(req.Context(), tc.claims)))

			if got == nil {
				t.Fatal("no request context")
			}
			if got.SubjectID != tc.want.SubjectID || got.TenantID != tc.want.TenantID ||
				got.Email != tc.want.Email || got.SessionID != tc.want.SessionID {
				t.Errorf("identity = %+v", got)
			}
			if len(got.Roles) != len(tc.want.Roles) {
				t.Errorf("roles = %v, want %v", got.Roles, tc.want.Roles)
			}
			if got.Token != "h.p.s" || got.Locale != "sv-SE" {
				t.Errorf("token %q locale %q", got.Token, got.Locale)
			}
		})
	}
}

func TestHandlerTimeout(t *testing.T) {
	var deadline time.Time
	var has bool
	probe := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		deadline, has = r.Context().Deadline()
	})

	serve(HandlerTimeout(100*time.Millisecond)(probe), http.MethodGet, "/")
	if !has || time.Until(deadline) > 100*time.Millisecond {
		t.Errorf("deadline = %v (set %v)", deadline, has)
	}

	serve(HandlerTimeout(0)(probe), http.MethodGet, "/")
	if has {
		t.Error("zero timeout set a deadline")
	}
}

func TestRequestLogging(t *testing.T) {
	var hasLogger bool
	h := RequestLogging(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hasLogger = observability.LoggerFrom(r.Context(), nil) != nil
		w.WriteHeader(http.StatusConflict)
	}))
	if rec := serve(h, http.MethodPost, "/api/tables/chores/drag/start"); rec.Code != http.StatusConflict {
		t.Errorf("code = %d", rec.Code)
	}
	if !hasLogger {
		t.Error("no request logger in context")
	}
}
