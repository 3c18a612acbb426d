package invoker

import (
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg config.CircuitBreakerConfig) (*CircuitBreaker, *fakeClock, *[]BreakerState) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var changes []BreakerState
	cb := NewCircuitBreaker(cfg, func(s BreakerState) { changes = append(changes, s) })
	cb.now = clock.now
	cb.windowStart = clock.now()
	return cb, clock, &changes
}

func TestCircuitBreaker_startsClosedPassesThrough(t *testing.T) {
	cb, _, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3})

	if s := cb.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want Closed", s)
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("Allow() error = %v, want nil", err)
	}
}

func TestCircuitBreaker_opensAfterThreshold(t *testing.T) {
	cb, _, changes := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want Closed", s)
	}

	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want Open", s)
	}

	err := cb.Allow()
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrBackendUnavailable {
		t.Errorf("Allow() error = %v, want BACKEND_UNAVAILABLE", err)
	}
	if len(*changes) != 1 || (*changes)[0] != BreakerOpen {
		t.Errorf("changes = %v, want [open]", *changes)
	}
}

func TestCircuitBreaker_successResetsFailureCount(t *testing.T) {
	cb, _, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state = %v, want Closed after reset", s)
	}
}

func TestCircuitBreaker_recoveryCycle(t *testing.T) {
	cb, clock, changes := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
	})

	cb.RecordFailure()
	clock.advance(5 * time.Second)
	if err := cb.Allow(); err == nil {
		t.Fatal("Allow() during cooldown should fail")
	}

	clock.advance(6 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() after cooldown error = %v", err)
	}
	if s := cb.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want HalfOpen", s)
	}

	cb.RecordSuccess()
	if s := cb.State(); s != BreakerHalfOpen {
		t.Errorf("state after one probe = %v, want HalfOpen", s)
	}
	cb.RecordSuccess()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after two probes = %v, want Closed", s)
	}

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(*changes) != len(want) {
		t.Fatalf("changes = %v, want %v", *changes, want)
	}
	for i := range want {
		if (*changes)[i] != want[i] {
			t.Errorf("changes[%d] = %v, want %v", i, (*changes)[i], want[i])
		}
	}
}

func TestCircuitBreaker_halfOpenFailureReopens(t *testing.T) {
	cb, clock, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})

	cb.RecordFailure()
	clock.advance(2 * time.Second)
	_ = cb.Allow()
	cb.RecordFailure()

	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state = %v, want Open", s)
	}
}

func TestCircuitBreaker_StateString(t *testing.T) {
	tests := map[BreakerState]string{
		BreakerClosed:   "closed",
		BreakerOpen:     "open",
		BreakerHalfOpen: "half-open",
		BreakerState(9): "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestCircuitBreaker_gaugeValues(t *testing.T) {
	if BreakerClosed != 0 || BreakerHalfOpen != 1 || BreakerOpen != 2 {
		t.Error("breaker states must match the 0=closed, 1=half-open, 2=open gauge encoding")
	}
}

func TestCircuitBreaker_defaultValues(t *testing.T) {
	cb := NewCircuitBreaker(config.CircuitBreakerConfig{}, nil)
	if cb.cfg.FailureThreshold != 5 || cb.cfg.SuccessThreshold != 2 || cb.cfg.Timeout != 30*time.Second {
		t.Errorf("defaults = %+v", cb.cfg)
	}
	// A nil hook must not panic on transitions.
	for range 5 {
		cb.RecordFailure()
	}
	if cb.State() != BreakerOpen {
		t.Error("breaker should open after default threshold")
	}
}

func TestCircuitBreaker_errorRateTripsBreaker(t *testing.T) {
	cb, _, _ := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	})

	// 6 ok + 4 failed = 40%.
	for range 6 {
		cb.RecordSuccess()
	}
	for range 4 {
		cb.RecordFailure()
	}
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state at 40%% = %v, want Closed", s)
	}

	cb.RecordFailure() // 5/11
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state at 45%% = %v, want Closed", s)
	}

	cb.RecordFailure() // 6/12
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state at 50%% = %v, want Open", s)
	}
}

func TestCircuitBreaker_errorRateRequiresMinSamples(t *testing.T) {
	cb, _, _ := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.1,
		ErrorRateWindow:    time.Minute,
	})

	for range minErrorRateSamples - 1 {
		cb.RecordFailure()
	}
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state below min samples = %v, want Closed", s)
	}
}

func TestCircuitBreaker_errorRateWindowExpiry(t *testing.T) {
	cb, clock, _ := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	})

	for range 4 {
		cb.RecordFailure()
	}
	if rate, total := cb.ErrorRate(); rate != 1 || total != 4 {
		t.Errorf("ErrorRate() = %v/%d, want 1/4", rate, total)
	}

	clock.advance(2 * time.Minute)
	if rate, total := cb.ErrorRate(); rate != 0 || total != 0 {
		t.Errorf("ErrorRate() after window = %v/%d, want 0/0", rate, total)
	}
}
