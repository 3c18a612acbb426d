package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// RecordedRequest is one call observed by a MockBackend.
type RecordedRequest struct {
	Method      string
	Path        string
	PathParams  map[string]string
	QueryParams map[string]string
	Headers     http.Header
	Body        map[string]any
	ReceivedAt  time.Time
}

// ResponderFunc answers a request from its recorded form.
type ResponderFunc func(req *RecordedRequest) (status int, body any)

// step is one scripted reply. hangUp drops the connection without a response.
type step struct {
	status  int
	body    any
	delay   time.Duration
	hangUp  bool
	respond ResponderFunc
}

// script plays its steps in order and then repeats the last one.
type script struct {
	steps []step
	next  int
}

func (s *script) advance() (step, bool) {
	if len(s.steps) == 0 {
		return step{}, false
	}
	st := s.steps[min(s.next, len(s.steps)-1)]
	if s.next < len(s.steps) {
		s.next++
	}
	return st, true
}

type route struct {
	method  string
	pattern string
}

// parkingRoutes are the operations declared in testdata/specs/parking-svc.yaml.
func parkingRoutes() map[string]route {
	return map[string]route{
		"listSpots":   {http.MethodGet, "/spots"},
		"createSpot":  {http.MethodPost, "/spots"},
		"getSpot":     {http.MethodGet, "/spots/{spotId}"},
		"reorderSpot": {http.MethodPatch, "/spots/{spotId}/position"},
	}
}

// MockBackend stands in for a backend service. Each operation replies from a
// script and every request is recorded.
type MockBackend struct {
	serviceID string
	server    *httptest.Server

	mu      sync.Mutex
	scripts map[string]*script
	log     map[string][]*RecordedRequest
}

func newMockBackend(t *testing.T, serviceID string, routes map[string]route) *MockBackend {
	t.Helper()
	mb := &MockBackend{
		serviceID: serviceID,
		scripts:   map[string]*script{},
		log:       map[string][]*RecordedRequest{},
	}
	r := chi.NewRouter()
	for opID, rt := range routes {
		r.Method(rt.method, rt.pattern, mb.serve(opID))
	}
	mb.server = httptest.NewServer(r)
	t.Cleanup(mb.server.Close)
	return mb
}

func (mb *MockBackend) URL() string { return mb.server.URL }

// OperationMock scripts the replies of one operation.
type OperationMock struct {
	mb   *MockBackend
	opID string
}

func (mb *MockBackend) OnOperation(operationID string) *OperationMock {
	return &OperationMock{mb: mb, opID: operationID}
}

func (om *OperationMock) then(st step) *OperationMock {
	om.mb.mu.Lock()
	defer om.mb.mu.Unlock()
	s := om.mb.scripts[om.opID]
	if s == nil {
		s = &script{}
		om.mb.scripts[om.opID] = s
	}
	s.steps = append(s.steps, st)
	return om
}

func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	return om.then(step{status: status, body: body})
}

func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	return om.then(step{status: status, body: body, delay: delay})
}

// RespondWithConnectionError closes the connection before any response.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	return om.then(step{hangUp: true})
}

func (om *OperationMock) RespondUsing(fn ResponderFunc) *OperationMock {
	return om.then(step{respond: fn})
}

func record(r *http.Request) *RecordedRequest {
	rec := &RecordedRequest{
		Method:      r.Method,
		Path:        r.URL.Path,
		PathParams:  map[string]string{},
		QueryParams: map[string]string{},
		Headers:     r.Header.Clone(),
		ReceivedAt:  time.Now(),
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, k := range rctx.URLParams.Keys {
			rec.PathParams[k] = rctx.URLParams.Values[i]
		}
	}
	for k := range r.URL.Query() {
		rec.QueryParams[k] = r.URL.Query().Get(k)
	}
	_ = json.NewDecoder(r.Body).Decode(&rec.Body)
	return rec
}

func (mb *MockBackend) serve(opID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := record(r)

		mb.mu.Lock()
		mb.log[opID] = append(mb.log[opID], rec)
		st, ok := step{}, false
		if s := mb.scripts[opID]; s != nil {
			st, ok = s.advance()
		}
		mb.mu.Unlock()

		switch {
		case !ok:
			st = step{status: http.StatusNotFound, body: map[string]string{
				"error": fmt.Sprintf("%s has no reply scripted for %s", mb.serviceID, opID),
			}}
		case st.hangUp:
			if conn, _, err := http.NewResponseController(w).Hijack(); err == nil {
				_ = conn.Close()
			}
			return
		}

		time.Sleep(st.delay)
		if st.respond != nil {
			st.status, st.body = st.respond(rec)
		}
		if st.body != nil {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(st.status)
		if st.body != nil {
			_ = json.NewEncoder(w).Encode(st.body)
		}
	}
}

// Calls counts the requests operationID received.
func (mb *MockBackend) Calls(operationID string) int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.log[operationID])
}

// LastRequest returns the latest request for operationID, or nil.
func (mb *MockBackend) LastRequest(operationID string) *RecordedRequest {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if reqs := mb.log[operationID]; len(reqs) > 0 {
		return reqs[len(reqs)-1]
	}
	return nil
}

// ResetOperation forgets the script and recorded requests of operationID.
func (mb *MockBackend) ResetOperation(operationID string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.scripts, operationID)
	delete(mb.log, operationID)
}
