// ratelimit.go implements the two nested request budgets every REST client
// carries: a global weighted semaphore bounding concurrent requests, and
// per-endpoint token buckets with continuous refill. A global minimum
// inter-request delay enforces a floor between consecutive requests.
//
// Acquisition order is global first, then endpoint; release is the reverse
// (the endpoint bucket consumes its token permanently, the global slot is
// handed back by the release func).
package transport

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
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
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
			// retry
		}
	}
}

// EndpointLimit overrides the default bucket for a specific endpoint.
type EndpointLimit struct {
	RequestsPerSecond float64
	Burst             float64
}

// Limiter combines the global and per-endpoint budgets for one exchange.
// Limiter state is exchange-global and outlives any single task.
type Limiter struct {
	sem         *semaphore.Weighted
	defaultRPS  float64
	defaultCap  float64
	minInterval time.Duration

	mu       sync.Mutex
	buckets  map[string]*TokenBucket
	limits   map[string]EndpointLimit
	lastSend time.Time
}

// NewLimiter builds a limiter with a global concurrency cap, a default
// endpoint bucket of rps/burst, and a minimum delay between requests.
func NewLimiter(globalConcurrency int64, rps, burst float64, minInterval time.Duration) *Limiter {
	if globalConcurrency <= 0 {
		globalConcurrency = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		sem:         semaphore.NewWeighted(globalConcurrency),
		defaultRPS:  rps,
		defaultCap:  burst,
		minInterval: minInterval,
		buckets:     make(map[string]*TokenBucket),
		limits:      make(map[string]EndpointLimit),
	}
}

// SetEndpointLimit installs an endpoint-specific budget. Must be called
// before the first request to that endpoint to take effect.
func (l *Limiter) SetEndpointLimit(endpoint string, limit EndpointLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[endpoint] = limit
	delete(l.buckets, endpoint)
}

func (l *Limiter) bucket(endpoint string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[endpoint]; ok {
		return b
	}
	rps, cap := l.defaultRPS, l.defaultCap
	if lim, ok := l.limits[endpoint]; ok {
		rps, cap = lim.RequestsPerSecond, lim.Burst
	}
	b := NewTokenBucket(cap, rps)
	l.buckets[endpoint] = b
	return b
}

// Acquire blocks until the request may be sent and returns a release func
// that must be called when the request completes.
func (l *Limiter) Acquire(ctx context.Context, endpoint string) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := l.bucket(endpoint).Wait(ctx); err != nil {
		l.sem.Release(1)
		return nil, err
	}
	if err := l.waitMinInterval(ctx); err != nil {
		l.sem.Release(1)
		return nil, err
	}
	return func() { l.sem.Release(1) }, nil
}

// waitMinInterval spaces consecutive requests by at least minInterval.
func (l *Limiter) waitMinInterval(ctx context.Context) error {
	if l.minInterval <= 0 {
		return nil
	}
	for {
		l.mu.Lock()
		now := time.Now()
		wait := l.minInterval - now.Sub(l.lastSend)
		if wait <= 0 {
			l.lastSend = now
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
