package invoker

import (
	"sync"
	"time"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/model"
)

// BreakerState represents the current state of a circuit breaker. The
// numeric values are exported as the breaker state gauge.
type BreakerState int

const (
	// BreakerClosed allows all requests through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets probe requests through.
	BreakerHalfOpen
	// BreakerOpen rejects all requests immediately.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minErrorRateSamples is the number of calls a window needs before its error
// rate can trip the breaker.
const minErrorRateSamples = 10

// CircuitBreaker trips from Closed to Open on consecutive failures or on
// the error rate of a tumbling window, probes in HalfOpen after a cooldown,
// and closes again after enough probe successes. It is safe for concurrent
// use.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      config.CircuitBreakerConfig
	state    BreakerState
	failures int
	probes   int
	openedAt time.Time
	now      func() time.Time
	onChange func(BreakerState)

	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewCircuitBreaker creates a closed breaker. onChange, if non-nil, is called
// with the new state on every transition, outside the breaker's lock.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig, onChange func(BreakerState)) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cb := &CircuitBreaker{
		cfg:      cfg,
		state:    BreakerClosed,
		now:      time.Now,
		onChange: onChange,
	}
	cb.windowStart = cb.now()
	return cb
}

// Allow returns nil when a request may proceed and a BACKEND_UNAVAILABLE
// error while the breaker is open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	changed := cb.cooldownLocked()
	state := cb.state
	cb.mu.Unlock()
	cb.notify(changed, state)

	if state == BreakerOpen {
		return model.NewBackendUnavailableError()
	}
	return nil
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	changed := false
	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
		cb.countLocked(false)
	case BreakerHalfOpen:
		cb.probes++
		if cb.probes >= cb.cfg.SuccessThreshold {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.probes = 0
			cb.resetWindowLocked()
			changed = true
		}
	}
	state := cb.state
	cb.mu.Unlock()
	cb.notify(changed, state)
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	changed := false
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		cb.countLocked(true)
		if cb.failures >= cb.cfg.FailureThreshold || cb.errorRateExceededLocked() {
			cb.tripLocked()
			changed = true
		}
	case BreakerHalfOpen:
		cb.tripLocked()
		changed = true
	}
	state := cb.state
	cb.mu.Unlock()
	cb.notify(changed, state)
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	changed := cb.cooldownLocked()
	state := cb.state
	cb.mu.Unlock()
	cb.notify(changed, state)
	return state
}

// ErrorRate returns the error rate and call count of the current window.
func (cb *CircuitBreaker) ErrorRate() (rate float64, total int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.rollWindowLocked()
	if cb.windowTotal == 0 {
		return 0, 0
	}
	return float64(cb.windowFailures) / float64(cb.windowTotal), cb.windowTotal
}

func (cb *CircuitBreaker) notify(changed bool, state BreakerState) {
	if changed && cb.onChange != nil {
		cb.onChange(state)
	}
}

func (cb *CircuitBreaker) cooldownLocked() bool {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.cfg.Timeout {
		cb.state = BreakerHalfOpen
		cb.probes = 0
		return true
	}
	return false
}

func (cb *CircuitBreaker) tripLocked() {
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	cb.probes = 0
	cb.resetWindowLocked()
}

func (cb *CircuitBreaker) countLocked(failure bool) {
	if cb.cfg.ErrorRateWindow <= 0 {
		return
	}
	cb.rollWindowLocked()
	cb.windowTotal++
	if failure {
		cb.windowFailures++
	}
}

func (cb *CircuitBreaker) rollWindowLocked() {
	if cb.cfg.ErrorRateWindow > 0 && cb.now().Sub(cb.windowStart) > cb.cfg.ErrorRateWindow {
		cb.resetWindowLocked()
	}
}

func (cb *CircuitBreaker) resetWindowLocked() {
	cb.windowStart = cb.now()
	cb.windowTotal = 0
	cb.windowFailures = 0
}

func (cb *CircuitBreaker) errorRateExceededLocked() bool {
	if cb.cfg.ErrorRateThreshold <= 0 || cb.cfg.ErrorRateWindow <= 0 {
		return false
	}
	if cb.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(cb.windowFailures)/float64(cb.windowTotal) >= cb.cfg.ErrorRateThreshold
}
