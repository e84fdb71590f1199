// Package ratelimit provides in-process rate limiting using fixed-window
// counters that reset when their window elapses, approximating a rolling
// limit. Counters are keyed by (identifier, rule) so each action class
// (connection, match request, message, report) is throttled independently.
package ratelimit

import (
	"sync"
	"time"
)

// Rule defines a rate limiting policy: a key prefix naming the action class,
// the maximum number of requests allowed in the window, and the window
// duration.
type Rule struct {
	Key    string        // action prefix (e.g., "conn:", "match:", "msg:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// window is one active counting window for a single (identifier, rule) key.
type window struct {
	count   int
	startAt time.Time
}

// Limiter performs rate limiting checks against in-memory counters. It is
// goroutine-safe. Windows for idle identifiers are pruned lazily on access
// and in bulk by Prune.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewLimiter creates an empty Limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// SetClock overrides the limiter's time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Allow checks whether the given identifier is within the rate limit defined
// by rule, counting this call. Returns true if the request is allowed, false
// if rate limited.
func (l *Limiter) Allow(identifier string, rule Rule) bool {
	key := rule.Key + identifier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.startAt) >= rule.Window {
		l.windows[key] = &window{count: 1, startAt: now}
		return rule.Limit >= 1
	}

	w.count++
	return w.count <= rule.Limit
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule, without counting a request. Returns the
// full limit if no window is active.
func (l *Limiter) Remaining(identifier string, rule Rule) int {
	key := rule.Key + identifier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.startAt) >= rule.Window {
		return rule.Limit
	}

	remaining := rule.Limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// RetryAfter returns how long the identifier must wait until the current
// window for the rule expires. Returns zero if no window is active.
func (l *Limiter) RetryAfter(identifier string, rule Rule) time.Duration {
	key := rule.Key + identifier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		return 0
	}
	left := rule.Window - now.Sub(w.startAt)
	if left < 0 {
		return 0
	}
	return left
}

// Clear removes every window for the identifier across all rules with the
// given prefixes. Called when a connection tears down so counters do not
// outlive the session they throttled.
func (l *Limiter) Clear(identifier string, rules ...Rule) {
	l.mu.Lock()
	for _, rule := range rules {
		delete(l.windows, rule.Key+identifier)
	}
	l.mu.Unlock()
}

// Prune drops every window older than its horizon. maxWindow should be the
// longest rule window in use; anything older than that is dead weight.
func (l *Limiter) Prune(maxWindow time.Duration) {
	now := l.now()
	l.mu.Lock()
	for key, w := range l.windows {
		if now.Sub(w.startAt) >= maxWindow {
			delete(l.windows, key)
		}
	}
	l.mu.Unlock()
}

// Len reports the number of active windows. Intended for metrics and tests.
func (l *Limiter) Len() int {
	l.mu.Lock()
	n := len(l.windows)
	l.mu.Unlock()
	return n
}
