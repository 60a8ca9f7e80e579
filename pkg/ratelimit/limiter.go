package ratelimit

import (
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter admits or rejects a request for key. Rejected requests are not
// recorded, so a caller that backs off regains capacity as old entries age out.
type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter keeps a sliding log of admitted request times per key.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string][]time.Time
	now    func() time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string][]time.Time),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source; used by tests.
func (l *InMemoryLimiter) WithClock(now func() time.Time) *InMemoryLimiter {
	if now != nil {
		l.now = now
	}
	return l
}

func (l *InMemoryLimiter) Window() time.Duration { return l.window }

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	log := l.items[key]
	if len(log) >= limit {
		return Decision{
			Allowed:   false,
			Count:     len(log) + 1,
			Limit:     limit,
			Remaining: 0,
			ResetAt:   log[0].Add(l.window),
		}
	}
	log = append(log, now)
	l.items[key] = log
	return Decision{
		Allowed:   true,
		Count:     len(log),
		Limit:     limit,
		Remaining: limit - len(log),
		ResetAt:   log[0].Add(l.window),
	}
}

// cleanup drops entries that left the window and forgets idle keys.
func (l *InMemoryLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-l.window)
	for k, log := range l.items {
		i := 0
		for i < len(log) && !log[i].After(cutoff) {
			i++
		}
		if i == len(log) {
			delete(l.items, k)
			continue
		}
		if i > 0 {
			l.items[k] = append(log[:0:0], log[i:]...)
		}
	}
}
