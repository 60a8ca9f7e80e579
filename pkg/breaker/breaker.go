package breaker

import (
	"sync"
	"time"
)

const (
	DefaultThreshold = 5
	DefaultOpenFor   = 60 * time.Second
)

type State string

const (
	Closed State = "closed"
	Open   State = "open"
)

type agentState struct {
	failures int
	state    State
	openedAt time.Time
}

// Breaker is a per-key circuit breaker. Once a key accumulates Threshold
// failures it stays open for OpenFor; the first Allow after that resets it to
// closed with a zero counter.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	openFor   time.Duration
	agents    map[string]*agentState
	now       func() time.Time
}

func New(threshold int, openFor time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if openFor <= 0 {
		openFor = DefaultOpenFor
	}
	return &Breaker{
		threshold: threshold,
		openFor:   openFor,
		agents:    map[string]*agentState{},
		now:       time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	if now != nil {
		b.now = now
	}
	return b
}

// Allow reports whether a request for key may proceed. When the breaker is
// open it also returns the time it will close.
func (b *Breaker) Allow(key string) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.agents[key]
	if !ok || st.state != Open {
		return true, time.Time{}
	}
	until := st.openedAt.Add(b.openFor)
	if b.now().Before(until) {
		return false, until
	}
	st.state = Closed
	st.failures = 0
	st.openedAt = time.Time{}
	return true, time.Time{}
}

func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.agents[key]; ok && st.state == Closed {
		delete(b.agents, key)
	}
}

// Failure records one failure for key and reports whether it tripped the
// breaker.
func (b *Breaker) Failure(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.agents[key]
	if !ok {
		st = &agentState{state: Closed}
		b.agents[key] = st
	}
	st.failures++
	if st.state == Closed && st.failures >= b.threshold {
		st.state = Open
		st.openedAt = b.now()
		return true
	}
	return false
}

func (b *Breaker) State(key string) (State, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.agents[key]
	if !ok {
		return Closed, 0
	}
	return st.state, st.failures
}

// OpenCount is the number of keys currently open.
func (b *Breaker) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, st := range b.agents {
		if st.state == Open {
			n++
		}
	}
	return n
}
