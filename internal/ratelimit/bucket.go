// Package ratelimit implements the per-key token bucket (spec §4.5):
// one bucket per connection-source-IP or (identity, action) pair,
// built on golang.org/x/time/rate the same way the donor's HTTP rate
// limiter was, but parameterized by (limit, windowMs) instead of a
// bare requests-per-second figure.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config describes one bucket's shape: limit successes per windowMs.
type Config struct {
	Limit    int
	WindowMs int64
}

// Limiter is a keyed collection of token buckets sharing one Config.
type Limiter struct {
	mu       sync.RWMutex
	buckets  map[string]*bucket
	cfg      Config
	lastSeen map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type bucket struct {
	limiter *rate.Limiter
}

// New creates a Limiter. limit and windowMs together give the refill
// rate: tokens = min(limit, tokens + elapsed_ms*limit/window_ms).
func New(cfg Config) *Limiter {
	if cfg.Limit < 1 {
		cfg.Limit = 1
	}
	if cfg.WindowMs < 1 {
		cfg.WindowMs = 1000
	}
	return &Limiter{
		cfg:      cfg,
		buckets:  make(map[string]*bucket),
		lastSeen: make(map[string]time.Time),
	}
}

// DefaultConnectionRateLimiter matches the donor's HTTP-layer defaults
// translated into the spec's (limit, windowMs) shape: 10 per second,
// burst 20 -> here expressed as limit 20 over a 2-second window, which
// yields the same effective steady-state rate with the same burst.
func DefaultConnectionRateLimiter() *Limiter {
	return New(Config{Limit: 20, WindowMs: 2000})
}

func (l *Limiter) ratePerSecond() rate.Limit {
	return rate.Limit(float64(l.cfg.Limit) / (float64(l.cfg.WindowMs) / 1000.0))
}

func (l *Limiter) getBucket(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		l.touch(key)
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		l.lastSeen[key] = time.Now()
		return b
	}
	b = &bucket{limiter: rate.NewLimiter(l.ratePerSecond(), l.cfg.Limit)}
	l.buckets[key] = b
	l.lastSeen[key] = time.Now()
	return b
}

func (l *Limiter) touch(key string) {
	l.mu.Lock()
	l.lastSeen[key] = time.Now()
	l.mu.Unlock()
}

// TryTake attempts to deduct n tokens (default 1) from key's bucket,
// returning true iff the deduction succeeded.
func (l *Limiter) TryTake(key string, n int) bool {
	if n < 1 {
		n = 1
	}
	b := l.getBucket(key)
	return b.limiter.AllowN(time.Now(), n)
}

// Allow is TryTake(key, 1).
func (l *Limiter) Allow(key string) bool { return l.TryTake(key, 1) }

// StartCleanup begins a background sweep, every interval, of buckets
// idle for longer than maxAge, mirroring the donor's
// ticker+cancel+WaitGroup background-loop idiom. Call Stop to end it.
func (l *Limiter) StartCleanup(interval, maxAge time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep(maxAge)
			}
		}
	}()
}

func (l *Limiter) sweep(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, seen := range l.lastSeen {
		if seen.Before(cutoff) {
			delete(l.buckets, key)
			delete(l.lastSeen, key)
		}
	}
}

// Stop ends the background sweep goroutine, if started, and waits for
// it to exit.
func (l *Limiter) Stop() {
	if l.cancel != nil {
		l.cancel()
		l.wg.Wait()
	}
}
