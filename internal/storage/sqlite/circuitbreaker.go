package sqlite

import (
	"errors"
	"sync"
	"time"

	"github.com/mistakeknot/supportline/internal/core"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int

const (
	StateClosed   BreakerState = 0
	StateOpen     BreakerState = 1
	StateHalfOpen BreakerState = 2
)

// String returns the string representation of the breaker state.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker implements a 3-state circuit breaker for SQLite resilience.
// States: CLOSED (normal) -> OPEN (failing) -> HALF_OPEN (probing) -> CLOSED.
// Domain outcomes (not found, locked by other, ...) are results, not failures,
// and never count toward the threshold.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         BreakerState
	failures      int
	threshold     int
	resetTimeout  time.Duration
	lastFailure   time.Time
	nowFunc       func() time.Time // for testing
	onStateChange func(from, to BreakerState)
}

// NewCircuitBreaker creates a circuit breaker with the given threshold and reset timeout.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		nowFunc:      time.Now,
	}
}

// OnStateChange registers a callback invoked (outside the lock) on every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen if the
// breaker is open and the reset timeout hasn't elapsed.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		err := fn()
		cb.mu.Lock()
		from := cb.state
		if isFailure(err) {
			cb.failures++
			if cb.failures >= cb.threshold {
				cb.state = StateOpen
				cb.lastFailure = cb.nowFunc()
			}
		} else {
			cb.failures = 0
		}
		cb.unlockAndNotify(from)
		return err

	case StateOpen:
		if cb.nowFunc().Sub(cb.lastFailure) >= cb.resetTimeout {
			// Only the caller that performs the OPEN->HALF_OPEN transition probes.
			cb.state = StateHalfOpen
			cb.unlockAndNotify(StateOpen)
			err := fn()
			cb.mu.Lock()
			if isFailure(err) {
				cb.state = StateOpen
				cb.lastFailure = cb.nowFunc()
			} else {
				cb.state = StateClosed
				cb.failures = 0
			}
			cb.unlockAndNotify(StateHalfOpen)
			return err
		}
		cb.mu.Unlock()
		return ErrCircuitOpen

	default:
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) unlockAndNotify(from BreakerState) {
	to := cb.state
	fn := cb.onStateChange
	cb.mu.Unlock()
	if fn != nil && from != to {
		fn(from, to)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func isFailure(err error) bool {
	if err == nil {
		return false
	}
	var lockErr *core.LockError
	switch {
	case errors.As(err, &lockErr),
		errors.Is(err, core.ErrNotFound),
		errors.Is(err, core.ErrClosed),
		errors.Is(err, core.ErrNotHolder),
		errors.Is(err, core.ErrForbidden),
		errors.Is(err, core.ErrValidation):
		return false
	}
	return true
}
