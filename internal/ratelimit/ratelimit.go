// Package ratelimit throttles the external RPC surface per IP (spec §5
// "Rate limiting"). Internal components are never rate-limited.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a per-key token-bucket rate limiter. Keys are typically
// client IP addresses.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	r        rate.Limit
	burst    int
	disabled bool
	lastSeen map[string]time.Time
}

// New builds a Limiter from RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW
// (spec §6 Configuration). requests == 0 disables limiting entirely.
func New(requests int, window time.Duration) *Limiter {
	if requests <= 0 {
		return &Limiter{disabled: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		r:        rate.Limit(float64(requests) / window.Seconds()),
		burst:    requests,
	}
}

// Allow reports whether a request from key may proceed.
func (l *Limiter) Allow(key string) bool {
	if l.disabled {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.r, l.burst)
		l.buckets[key] = b
	}
	l.lastSeen[key] = time.Now()
	return b.Allow()
}

// Sweep evicts buckets idle longer than maxIdle, bounding memory growth
// across the lifetime of a long-running server.
func (l *Limiter) Sweep(maxIdle time.Duration) {
	if l.disabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for key, last := range l.lastSeen {
		if last.Before(cutoff) {
			delete(l.buckets, key)
			delete(l.lastSeen, key)
		}
	}
}
