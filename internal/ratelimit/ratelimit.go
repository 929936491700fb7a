// Package ratelimit implements per-key, per-route fixed-window rate
// limiting. Windows reset lazily on access; no background goroutine.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Config holds the limiter knobs.
type Config struct {
	Window     time.Duration // window length
	Max        int           // requests per window on standard routes
	MaxStream  int           // requests per window on streaming routes
	MaxBuckets int           // bucket table cap; earliest-resetting bucket is evicted
}

// Result is the outcome of one rate limit check, shaped for the
// X-RateLimit-* response headers.
type Result struct {
	Allowed           bool
	Limit             int
	Remaining         int
	ResetAt           time.Time
	RetryAfterSeconds int
}

type bucket struct {
	count   int
	resetAt time.Time
}

// Limiter is the fixed-window limiter. Each (keyName, routePath) pair gets
// its own window so a chatty route cannot starve the rest of a tenant.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New creates a limiter. Zero fields fall back to defaults: 60s window,
// 120 requests, 30 streaming requests, 10000 buckets.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Max <= 0 {
		cfg.Max = 120
	}
	if cfg.MaxStream <= 0 {
		cfg.MaxStream = 30
	}
	if cfg.MaxBuckets <= 0 {
		cfg.MaxBuckets = 10000
	}
	return &Limiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

// Check consumes one request from the (keyName, routePath) window and
// reports whether it fit. Denied requests are not counted.
func (l *Limiter) Check(keyName, routePath string) Result {
	limit := l.cfg.Max
	if IsStreamingRoute(routePath) {
		limit = l.cfg.MaxStream
	}
	key := keyName + "|" + routePath
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || !b.resetAt.After(now) {
		if !ok && len(l.buckets) >= l.cfg.MaxBuckets {
			l.evictEarliest()
		}
		b = &bucket{resetAt: now.Add(l.cfg.Window)}
		l.buckets[key] = b
	}

	if b.count >= limit {
		retry := int(time.Until(b.resetAt).Seconds()) + 1
		return Result{
			Allowed:           false,
			Limit:             limit,
			Remaining:         0,
			ResetAt:           b.resetAt,
			RetryAfterSeconds: retry,
		}
	}
	b.count++
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - b.count,
		ResetAt:   b.resetAt,
	}
}

// evictEarliest drops the bucket closest to reset. Caller holds the lock.
func (l *Limiter) evictEarliest() {
	var victim string
	var earliest time.Time
	for k, b := range l.buckets {
		if victim == "" || b.resetAt.Before(earliest) {
			victim, earliest = k, b.resetAt
		}
	}
	if victim != "" {
		delete(l.buckets, victim)
	}
}

// IsStreamingRoute reports whether the route gets the tighter streaming
// window.
func IsStreamingRoute(routePath string) bool {
	return strings.HasSuffix(routePath, "/subscribe") ||
		strings.HasSuffix(routePath, "/message/stream")
}
