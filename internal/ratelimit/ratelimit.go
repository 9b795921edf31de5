// Package ratelimit implements lazy-refill token buckets. The gateway uses
// them in two places: the per-client HTTP limiter keyed by token prefix or
// remote IP, and the per-provider upstream pacer.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
}

// Bucket is a token bucket with lazy refill (no background goroutine).
// Callers must hold their own lock; Bucket itself is not synchronized.
type Bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(capacity int64, ratePerSec float64, now time.Time) *Bucket {
	return &Bucket{
		tokens:   float64(capacity),
		max:      float64(capacity),
		rate:     ratePerSec,
		lastFill: now,
	}
}

// refill adds tokens based on elapsed time since last refill.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// tryConsume attempts to consume n tokens.
func (b *Bucket) tryConsume(n float64, now time.Time) (remaining int64, allowed bool) {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return int64(b.tokens), true
	}
	return 0, false
}

// retryAfter returns seconds until n tokens are available.
func (b *Bucket) retryAfter(n float64) float64 {
	if b.tokens >= n {
		return 0
	}
	return (n - b.tokens) / b.rate
}

// Limiter is a synchronized bucket for one client identity.
type Limiter struct {
	mu       sync.Mutex
	bucket   *Bucket
	limit    int64
	lastUsed time.Time
}

func newLimiter(limit int64, window time.Duration, now time.Time) *Limiter {
	return &Limiter{
		bucket:   newBucket(limit, float64(limit)/window.Seconds(), now),
		limit:    limit,
		lastUsed: now,
	}
}

// Allow consumes one token.
func (l *Limiter) Allow() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastUsed = now

	remaining, ok := l.bucket.tryConsume(1, now)
	if ok {
		return Result{Allowed: true, Limit: l.limit, Remaining: remaining}
	}
	return Result{
		Allowed:           false,
		Limit:             l.limit,
		RetryAfterSeconds: l.bucket.retryAfter(1),
	}
}

// Registry manages per-identity Limiters sharing one limit configuration.
type Registry struct {
	limit  int64
	window time.Duration

	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry creates a registry whose limiters allow limit requests per
// window, refilled continuously.
func NewRegistry(limit int64, window time.Duration) *Registry {
	return &Registry{
		limit:    limit,
		window:   window,
		limiters: make(map[string]*Limiter),
	}
}

// Allow consumes one token from identity's limiter, creating it on first use.
func (r *Registry) Allow(identity string) Result {
	r.mu.RLock()
	l, ok := r.limiters[identity]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		// Double-check after acquiring write lock.
		if l, ok = r.limiters[identity]; !ok {
			l = newLimiter(r.limit, r.window, time.Now())
			r.limiters[identity] = l
		}
		r.mu.Unlock()
	}
	return l.Allow()
}

// Len returns the number of live limiters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limiters)
}

// EvictStale removes limiters not used since cutoff and returns the count.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}

// Pacer throttles calls to one upstream provider to a sustained rate. Unlike
// the registry limiters it blocks instead of rejecting, so a brief upstream
// burst turns into added latency rather than client-visible failures.
type Pacer struct {
	mu     sync.Mutex
	bucket *Bucket
}

// NewPacer allows rps calls per second with a burst of ceil(rps). A rps of 0
// or less returns a nil Pacer, on which Acquire is a no-op.
func NewPacer(rps float64) *Pacer {
	if rps <= 0 {
		return nil
	}
	burst := int64(rps)
	if float64(burst) < rps {
		burst++
	}
	return &Pacer{bucket: newBucket(burst, rps, time.Now())}
}

// Acquire blocks until a token is available or ctx is done.
func (p *Pacer) Acquire(ctx context.Context) error {
	if p == nil {
		return nil
	}
	for {
		p.mu.Lock()
		_, ok := p.bucket.tryConsume(1, time.Now())
		var wait time.Duration
		if !ok {
			wait = time.Duration(p.bucket.retryAfter(1) * float64(time.Second))
		}
		p.mu.Unlock()
		if ok {
			return nil
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
