// Package ratelimit implements a process-local fixed-window request limiter.
//
// State lives in memory and is not shared between processes: with N
// instances behind a load balancer each one enforces its own quota, so the
// effective limit for an identifier is maxRequests × N.
package ratelimit

import (
	"sync"
	"time"
)

// Clock returns the current time. Tests substitute a controllable one.
type Clock func() time.Time

// Result is the outcome of a Check call.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns the time left until the window resets, rounded up to
// whole seconds and never below one second.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetAt.Sub(now)
	if d <= 0 {
		return time.Second
	}
	return ((d + time.Second - 1) / time.Second) * time.Second
}

type entry struct {
	count   int
	resetAt time.Time
}

// Limiter tracks per-identifier request counts in fixed windows.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     Clock
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.now = c }
}

// New creates an empty Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Now returns the limiter's current time.
func (l *Limiter) Now() time.Time {
	return l.now()
}

// Check counts one request for identifier against a quota of maxRequests
// per window. Denied requests do not consume quota.
func (l *Limiter) Check(identifier string, maxRequests int, window time.Duration) Result {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[identifier]
	if !ok || now.After(e.resetAt) {
		e = &entry{count: 1, resetAt: now.Add(window)}
		l.entries[identifier] = e
		return Result{Allowed: true, Remaining: max(maxRequests-1, 0), ResetAt: e.resetAt}
	}

	if e.count >= maxRequests {
		return Result{Allowed: false, Remaining: 0, ResetAt: e.resetAt}
	}

	e.count++
	return Result{Allowed: true, Remaining: maxRequests - e.count, ResetAt: e.resetAt}
}

// Sweep removes entries whose window has passed and returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, e := range l.entries {
		if now.After(e.resetAt) {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked identifiers.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
