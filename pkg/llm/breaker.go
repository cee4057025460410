package llm

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker trips after threshold consecutive failures and stays
// open until reset has elapsed since the last failure, at which point a
// single probe request is allowed through. A successful probe closes the
// breaker; a failed one reopens it.
type circuitBreaker struct {
	threshold int
	reset     time.Duration

	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time
	now         func() time.Time
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold: threshold,
		reset:     reset,
		state:     breakerClosed,
		now:       time.Now,
	}
}

// Allow reports whether a request may proceed. When the open breaker's
// reset interval has elapsed it transitions to half-open and admits
// exactly one probe.
func (b *circuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(b.lastFailure) >= b.reset {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// A probe is already in flight.
		return false
	}
	return false
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

// RecordFailure counts a failure; at the threshold, or on a failed
// half-open probe, the breaker opens.
func (b *circuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
	}
}

// Open reports whether requests are currently being rejected.
func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen && b.now().Sub(b.lastFailure) < b.reset
}
