package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/model"
)

func TestResilience_CircuitBreakerStopsCallingBackend(t *testing.T) {
	h := NewHarness(t, WithCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}))
	backend := h.Backend("parking-svc")
	backend.OnOperation("listSpots").RespondWith(http.StatusInternalServerError, map[string]any{"error": "boom"})
	token := h.Token(ManagerClaims())

	for range 2 {
		env := h.ErrorOf(t, h.POST("/api/tables/spots/load", nil, token), http.StatusBadGateway)
		assert.Equal(t, model.ErrBackendUnavailable, env.Code)
	}
	require.Equal(t, 2, backend.Calls("listSpots"))

	env := h.ErrorOf(t, h.POST("/api/tables/spots/load", nil, token), http.StatusBadGateway)
	assert.Equal(t, model.ErrBackendUnavailable, env.Code)
	assert.Equal(t, 2, backend.Calls("listSpots"), "an open breaker short-circuits")
}

func TestResilience_CircuitBreakerRecovers(t *testing.T) {
	h := NewHarness(t, WithCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          200 * time.Millisecond,
	}))
	backend := h.Backend("parking-svc")
	backend.OnOperation("listSpots").RespondWith(http.StatusServiceUnavailable, nil)
	token := h.Token(ManagerClaims())

	h.ErrorOf(t, h.POST("/api/tables/spots/load", nil, token), http.StatusBadGateway)

	backend.ResetOperation("listSpots")
	NewSpotsFixture(2).Install(backend)
	time.Sleep(300 * time.Millisecond)

	view := h.View(t, h.POST("/api/tables/spots/load", nil, token))
	assert.Equal(t, []string{"S01", "S02"}, IDs(view))
}

func TestResilience_FailedFirstLoadStillRenders(t *testing.T) {
	h := NewHarness(t)
	backend := h.Backend("parking-svc")
	backend.OnOperation("listSpots").RespondWith(http.StatusInternalServerError, nil)
	token := h.Token(ManagerClaims())

	view := h.View(t, h.GET("/api/tables/spots/view", token))
	assert.Equal(t, model.LoadUninitialized, view.LoadState)
	assert.False(t, view.Loading)
	assert.Empty(t, view.Rows)
}

func TestResilience_SlowBackendTimesOut(t *testing.T) {
	h := NewHarness(t, WithHandlerTimeout(200*time.Millisecond))
	backend := h.Backend("parking-svc")
	backend.OnOperation("listSpots").RespondWithDelay(time.Second, http.StatusOK, map[string]any{"items": []any{}, "total": 0})
	token := h.Token(ManagerClaims())

	start := time.Now()
	env := h.ErrorOf(t, h.POST("/api/tables/spots/load", nil, token), http.StatusGatewayTimeout)
	assert.Equal(t, model.ErrBackendTimeout, env.Code)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResilience_DroppedConnection(t *testing.T) {
	h := NewHarness(t)
	backend := h.Backend("parking-svc")
	backend.OnOperation("listSpots").RespondWithConnectionError()
	token := h.Token(ManagerClaims())

	resp := h.POST("/api/tables/spots/load", nil, token)
	defer resp.Body.Close()
	assert.GreaterOrEqual(t, resp.StatusCode, http.StatusInternalServerError)
}
