// circuitbreaker.go implements the order-path circuit breaker (§4.1): five
// consecutive order failures open the breaker, rejecting new order
// submissions for 30 s before closing again on the next success. Reads
// (public data, account queries) are never gated by this breaker.
package exchange

import (
	"sync"
	"time"
)

const (
	circuitBreakerThreshold = 5
	circuitBreakerCooldown  = 30 * time.Second
)

// CircuitBreaker tracks consecutive order failures for one Exchange Connector
// instance and opens after circuitBreakerThreshold in a row.
type CircuitBreaker struct {
	mu                sync.Mutex
	consecutiveFailures int
	openedAt          time.Time
	open              bool
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{}
}

// Allow reports whether a new order submission may proceed: true while the
// breaker is closed or once the cooldown has elapsed. It does not change the
// breaker's state; only RecordSuccess closes it.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		return true
	}
	if time.Since(cb.openedAt) >= circuitBreakerCooldown {
		return true
	}
	return false
}

// RecordSuccess closes the breaker and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.open = false
}

// RecordFailure increments the failure count and opens the breaker once the
// threshold is reached.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures++
	if cb.consecutiveFailures >= circuitBreakerThreshold {
		cb.open = true
		cb.openedAt = time.Now()
	}
}

// IsOpen reports the current state without mutating it.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.open && time.Since(cb.openedAt) < circuitBreakerCooldown
}
