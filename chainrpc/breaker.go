package chainrpc

import (
	"sync"
	"time"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a per chain circuit breaker.
// Open only moves to half-open, and at most one half-open probe is in flight at a time.
type Breaker struct {
	mu sync.Mutex

	threshold         int
	resetAfter        time.Duration
	halfOpenSuccesses int
	now               func() time.Time

	state            BreakerState
	failures         int
	lastFailure      time.Time
	successes        int
	probeOutstanding bool
}

func NewBreaker(threshold int, resetAfter time.Duration, halfOpenSuccesses int) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	if halfOpenSuccesses <= 0 {
		halfOpenSuccesses = 1
	}
	return &Breaker{
		threshold:         threshold,
		resetAfter:        resetAfter,
		halfOpenSuccesses: halfOpenSuccesses,
		now:               time.Now,
	}
}

// Allow reports whether a call may be attempted now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) < b.resetAfter {
			return false
		}
		b.state = BreakerHalfOpen
		b.successes = 0
		b.probeOutstanding = true
		return true
	case BreakerHalfOpen:
		if b.probeOutstanding {
			return false
		}
		b.probeOutstanding = true
		return true
	default:
		return true
	}
}

// Success returns true if the call closed the breaker.
func (b *Breaker) Success() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != BreakerHalfOpen {
		return false
	}
	b.probeOutstanding = false
	b.successes++
	if b.successes >= b.halfOpenSuccesses {
		b.state = BreakerClosed
		b.successes = 0
		return true
	}
	return false
}

// Failure returns true if the call opened the breaker.
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.probeOutstanding = false
		b.successes = 0
		return true
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			return true
		}
	}
	return false
}

// Abandon frees the half-open probe slot when the caller gave up before the endpoint answered.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeOutstanding = false
}

// Reset closes the breaker, used when switching to a different endpoint.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
	b.probeOutstanding = false
}

// State returns the current state. An open breaker whose reset window elapsed still reports open
// until a call probes it.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
