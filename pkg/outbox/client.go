package outbox

import (
	"net/http"
	"sync"
	"time"
)

// Doer is the delivery transport. *http.Client satisfies it; tests inject a
// fake.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// breaker is a per-destination circuit breaker. A run of consecutive
// failures opens it; after resetAfter one probe request is allowed through
// and its outcome decides whether the breaker closes again.
type breaker struct {
	mu          sync.Mutex
	threshold   int
	resetAfter  time.Duration
	failures    int
	lastFailure time.Time
	open        bool
}

func newBreaker(threshold int, resetAfter time.Duration) *breaker {
	return &breaker{threshold: threshold, resetAfter: resetAfter}
}

func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	// Half-open probe after the cool-down.
	return now.Sub(b.lastFailure) >= b.resetAfter
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

func (b *breaker) failure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = now
	if b.failures >= b.threshold {
		b.open = true
	}
}

// breakerSet lazily creates one breaker per destination.
type breakerSet struct {
	mu         sync.Mutex
	threshold  int
	resetAfter time.Duration
	byDest     map[string]*breaker
}

func newBreakerSet(threshold int, resetAfter time.Duration) *breakerSet {
	return &breakerSet{
		threshold:  threshold,
		resetAfter: resetAfter,
		byDest:     make(map[string]*breaker),
	}
}

func (s *breakerSet) forDest(id string) *breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byDest[id]
	if !ok {
		b = newBreaker(s.threshold, s.resetAfter)
		s.byDest[id] = b
	}
	return b
}
