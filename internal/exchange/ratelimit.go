// ratelimit.go implements token-bucket rate limiting plus the order-slot
// concurrency semaphore for the Exchange Connector.
//
// Three token buckets are maintained per endpoint category, continuously
// refilling rather than bursting in fixed windows (§4.1). In addition, an
// order-slot semaphore caps concurrent in-flight order operations at 10:
// callers acquire a slot before any REST call that sends an order, and
// release it on every exit path.
package exchange

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups token buckets by exchange API endpoint category.
type RateLimiter struct {
	Order  *TokenBucket // order placement / cancellation
	Book   *TokenBucket // public market data reads
	Query  *TokenBucket // account/position/order status queries
}

// NewRateLimiter creates rate limiters tuned to generously conservative
// per-category limits, smoothed to a continuous per-second refill.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order: NewTokenBucket(300, 30),
		Book:  NewTokenBucket(1200, 120),
		Query: NewTokenBucket(600, 60),
	}
}

// OrderSlots is the semaphore gating concurrent in-flight order operations
// (§4.1: cap of 10). Acquire before any REST call that sends an order;
// release in every exit path including error returns.
type OrderSlots struct {
	sem *semaphore.Weighted
}

// NewOrderSlots creates an order-slot semaphore with the given capacity.
func NewOrderSlots(capacity int64) *OrderSlots {
	return &OrderSlots{sem: semaphore.NewWeighted(capacity)}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (s *OrderSlots) Acquire(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

// Release returns a slot to the pool.
func (s *OrderSlots) Release() {
	s.sem.Release(1)
}
