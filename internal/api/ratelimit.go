package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per key. Mints are keyed by device so a
// chatty meter cannot starve the others.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*bucket
	limit    rate.Limit
	burst    int
}

type bucket struct {
	l    *rate.Limiter
	seen time.Time
}

// NewLimiter allows perSecond requests per key with the given burst. A
// non-positive rate disables limiting.
func NewLimiter(perSecond float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{limiters: make(map[string]*bucket), limit: rate.Limit(perSecond), burst: burst}
}

// Allow reports whether a request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.limiters[key]
	if !ok {
		b = &bucket{l: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = b
	}
	b.seen = time.Now()
	l.mu.Unlock()
	return b.l.Allow()
}

// Reset forgets key's bucket.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

// Prune drops buckets idle for longer than idle and returns how many.
func (l *Limiter) Prune(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.limiters {
		if b.seen.Before(cutoff) {
			delete(l.limiters, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
