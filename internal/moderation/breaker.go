package moderation

import (
	"log"
	"sync"
	"time"
)

// Breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)

const (
	// breakerFailureThreshold is the number of consecutive failures that
	// opens the breaker.
	breakerFailureThreshold = 5

	// breakerOpenDuration is how long the breaker stays open before
	// allowing a probe call in half-open state.
	breakerOpenDuration = 60 * time.Second
)

// Breaker is a three-state circuit breaker guarding the external toxicity
// scorer. While open, calls are skipped entirely and the guarded dependency
// is treated as unavailable; after the open period one probe is let through
// in half-open state.
type Breaker struct {
	mu        sync.Mutex
	state     string
	failures  int
	openedAt  time.Time
	threshold int
	openFor   time.Duration
	now       func() time.Time
}

// NewBreaker creates a closed Breaker with the default thresholds.
func NewBreaker() *Breaker {
	return &Breaker{
		state:     BreakerClosed,
		threshold: breakerFailureThreshold,
		openFor:   breakerOpenDuration,
		now:       time.Now,
	}
}

// SetClock overrides the breaker's time source. Intended for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Allow reports whether a call to the guarded dependency may proceed. When
// the open period has elapsed it transitions to half-open and permits a
// single probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.openFor {
			b.state = BreakerHalfOpen
			log.Printf("[moderation] breaker half-open, probing scorer")
			return true
		}
		return false
	}
	return true
}

// RecordSuccess notes a successful call. In half-open state it closes the
// breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerClosed {
		log.Printf("[moderation] breaker closed after successful probe")
	}
	b.state = BreakerClosed
	b.failures = 0
}

// RecordFailure notes a failed call. A failed half-open probe reopens the
// breaker immediately; in closed state the breaker opens once the
// consecutive failure threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.now()
		log.Printf("[moderation] breaker reopened after failed probe")
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
			log.Printf("[moderation] breaker opened after %d consecutive scorer failures", b.failures)
		}
	}
}

// State returns the current breaker state name.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
