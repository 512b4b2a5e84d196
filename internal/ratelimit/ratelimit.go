// Package ratelimit enforces request and token rates with lazy-refill token
// buckets keyed by (tenant, endpoint). Buckets refill on access; there is no
// background goroutine. Token estimates are corrected after the response with
// the provider's actual counts.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Limits holds the effective per-minute limits for a bucket pair.
// A value of 0 means unlimited.
type Limits struct {
	RPM int64
	TPM int64
}

// Result is the outcome of an admission check.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration // how long until the rejected amount is available
}

// RetryAfterSeconds returns the Retry-After header value, rounded up so
// clients never retry early.
func (r Result) RetryAfterSeconds() int {
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

// bucket is a token bucket refilled lazily from elapsed wall time.
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(perMinute int64) *bucket {
	return &bucket{
		tokens:   float64(perMinute),
		max:      float64(perMinute),
		rate:     float64(perMinute) / 60.0,
		lastFill: time.Now(),
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

func (b *bucket) tryConsume(n float64, now time.Time) (remaining int64, ok bool) {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return int64(b.tokens), true
	}
	return 0, false
}

func (b *bucket) retryAfter(n float64) time.Duration {
	if b.tokens >= n {
		return 0
	}
	return time.Duration((n - b.tokens) / b.rate * float64(time.Second))
}

// adjust adds or removes tokens for post-response correction, clamped to
// [0, max].
func (b *bucket) adjust(delta float64) {
	b.tokens = min(b.max, max(0, b.tokens+delta))
}

// Limiter holds the RPM and TPM buckets for one (tenant, endpoint) pair.
type Limiter struct {
	mu       sync.Mutex
	rpm      *bucket // nil when unlimited
	tpm      *bucket // nil when unlimited
	limits   Limits
	lastUsed time.Time
}

func newLimiter(limits Limits) *Limiter {
	l := &Limiter{limits: limits, lastUsed: time.Now()}
	if limits.RPM > 0 {
		l.rpm = newBucket(limits.RPM)
	}
	if limits.TPM > 0 {
		l.tpm = newBucket(limits.TPM)
	}
	return l
}

// Allow admits one request carrying estimatedTokens. Both buckets are
// checked under one lock; when the token bucket rejects, the request token
// is refunded so the RPM budget is not burned by a TPM rejection.
func (l *Limiter) Allow(estimatedTokens int64) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastUsed = now

	var rpmRemaining int64 = -1
	if l.rpm != nil {
		remaining, ok := l.rpm.tryConsume(1, now)
		if !ok {
			return Result{
				Allowed:    false,
				Limit:      l.limits.RPM,
				RetryAfter: l.rpm.retryAfter(1),
			}
		}
		rpmRemaining = remaining
	}

	if l.tpm != nil {
		if _, ok := l.tpm.tryConsume(float64(estimatedTokens), now); !ok {
			if l.rpm != nil {
				l.rpm.adjust(1)
			}
			return Result{
				Allowed:    false,
				Limit:      l.limits.TPM,
				RetryAfter: l.tpm.retryAfter(float64(estimatedTokens)),
			}
		}
	}

	return Result{Allowed: true, Limit: l.limits.RPM, Remaining: rpmRemaining}
}

// AdjustTokens corrects the TPM bucket by (estimated - actual). A positive
// delta refunds an overestimate; a negative delta charges an underestimate.
func (l *Limiter) AdjustTokens(delta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tpm != nil {
		l.tpm.adjust(float64(delta))
	}
}

type limiterKey struct {
	tenant   string
	endpoint string
}

// Registry manages the live limiters. Entries are created on first use and
// evicted after going idle.
type Registry struct {
	mu       sync.RWMutex
	limiters map[limiterKey]*Limiter
}

// NewRegistry returns an empty limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[limiterKey]*Limiter)}
}

// Allow runs the admission check for (tenant, endpoint), creating the
// limiter on first use. A limiter whose limits changed (key update, config
// reload) is replaced.
func (r *Registry) Allow(tenant, endpoint string, limits Limits, estimatedTokens int64) Result {
	return r.getOrCreate(tenant, endpoint, limits).Allow(estimatedTokens)
}

// AdjustTokens applies a post-response token correction to an existing
// limiter. Unknown pairs are ignored; the limiter may have been evicted.
func (r *Registry) AdjustTokens(tenant, endpoint string, delta int64) {
	r.mu.RLock()
	l, ok := r.limiters[limiterKey{tenant, endpoint}]
	r.mu.RUnlock()
	if ok {
		l.AdjustTokens(delta)
	}
}

func (r *Registry) getOrCreate(tenant, endpoint string, limits Limits) *Limiter {
	key := limiterKey{tenant, endpoint}
	r.mu.RLock()
	l, ok := r.limiters[key]
	r.mu.RUnlock()
	if ok && l.limits == limits {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok && l.limits == limits {
		return l
	}
	l = newLimiter(limits)
	r.limiters[key] = l
	return l
}

// EvictStale removes limiters idle since cutoff and returns the count.
// Called periodically by the janitor worker.
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

// Len returns the number of live limiters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limiters)
}
