package resilience

import (
	"sync"
	"time"
)

// CircuitState represents the state of a provider circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitHalfOpen                     // Testing recovery
	CircuitOpen                         // Rejecting calls
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards one upstream provider. It opens after a run of
// consecutive failures, cools down, then admits a limited test sample
// before closing again.
type CircuitBreaker struct {
	mu    sync.RWMutex
	state CircuitState

	// Configuration
	failureThreshold int           // Consecutive failures before opening
	cooldownPeriod   time.Duration // Time before half-open
	testLimit        int           // Successes needed in half-open to close

	// State tracking
	consecutiveFailures int
	openedAt            time.Time
	testCount           int
	testSuccesses       int
}

// NewCircuitBreaker creates a breaker with production defaults.
func NewCircuitBreaker(failureThreshold int) *CircuitBreaker {
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		cooldownPeriod:   30 * time.Second,
		testLimit:        5,
	}
}

// Allow reports whether a call to the provider should proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldownPeriod {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
		cb.testSuccesses = 0
	}

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if cb.testCount < cb.testLimit {
			cb.testCount++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notifies the breaker of a successful provider call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state == CircuitHalfOpen {
		cb.testSuccesses++
		if cb.testSuccesses >= cb.testLimit {
			cb.state = CircuitClosed
		}
	}
}

// RecordFailure notifies the breaker of a failed provider call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	switch cb.state {
	case CircuitHalfOpen:
		// Re-open on any failure during testing.
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.testCount = 0
		cb.testSuccesses = 0
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.state = CircuitOpen
			cb.openedAt = time.Now()
		}
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// OpenSince reports when the breaker opened; zero if not open.
func (cb *CircuitBreaker) OpenSince() time.Time {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state != CircuitOpen {
		return time.Time{}
	}
	return cb.openedAt
}

// Reset forces the breaker closed. Used by the self-healing sweep for
// breakers stuck open past the staleness horizon.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
	cb.testCount = 0
	cb.testSuccesses = 0
}
