package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AttemptLimiter throttles Basic Auth validation attempts per station
// identity, independent of the connection-level upgrade rate limiter in
// internal/ratelimit. It exists to slow down credential guessing
// against one identity, not to bound overall connection volume: the
// upgrade limiter keys on source IP, this one keys on the identity
// under attack.
type AttemptLimiter struct {
	mu      sync.Mutex
	entries map[string]*attemptEntry
	rate    rate.Limit
	burst   int

	cancel chan struct{}
	wg     sync.WaitGroup
}

// attemptEntry carries the limiter plus when the identity last tried,
// so Cleanup can evict only entries that have gone idle.
type attemptEntry struct {
	limiter     *rate.Limiter
	lastAttempt time.Time
}

// NewAttemptLimiter creates a limiter allowing attemptsPerSecond
// sustained validation attempts with the given burst, per identity.
func NewAttemptLimiter(attemptsPerSecond float64, burst int) *AttemptLimiter {
	return &AttemptLimiter{
		entries: make(map[string]*attemptEntry),
		rate:    rate.Limit(attemptsPerSecond),
		burst:   burst,
	}
}

// DefaultAttemptLimiter allows 1 sustained attempt per second with a
// burst of 5 per identity - generous for a reconnecting charger, slow
// for a dictionary.
func DefaultAttemptLimiter() *AttemptLimiter {
	return NewAttemptLimiter(1, 5)
}

// Allow reports whether a validation attempt for identity may proceed,
// consuming one token when it does.
func (l *AttemptLimiter) Allow(identity string) bool {
	l.mu.Lock()
	e, ok := l.entries[identity]
	if !ok {
		e = &attemptEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.entries[identity] = e
	}
	e.lastAttempt = time.Now()
	l.mu.Unlock()
	return e.limiter.Allow()
}

// Cleanup evicts entries whose last attempt is older than maxAge,
// bounding memory growth for identities that stopped authenticating.
func (l *AttemptLimiter) Cleanup(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	for identity, e := range l.entries {
		if e.lastAttempt.Before(cutoff) {
			delete(l.entries, identity)
		}
	}
}

// StartCleanup runs Cleanup(maxAge) every interval until Stop.
func (l *AttemptLimiter) StartCleanup(interval, maxAge time.Duration) {
	l.cancel = make(chan struct{})
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.cancel:
				return
			case <-ticker.C:
				l.Cleanup(maxAge)
			}
		}
	}()
}

// Stop ends the cleanup loop started by StartCleanup.
func (l *AttemptLimiter) Stop() {
	if l.cancel == nil {
		return
	}
	select {
	case <-l.cancel:
	default:
		close(l.cancel)
	}
	l.wg.Wait()
}

// Size returns the number of identities currently tracked.
func (l *AttemptLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
