// Package ratelimit bounds how many events a single connection may emit
// per fixed window. Limiting is per connection, not per user: one buggy
// tab must not penalize the user's other connections. Rejected events are
// silently dropped by callers rather than erroring the connection, so a
// hostile client cannot force a reconnect storm.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	count    int
	resetsAt time.Time
}

// Limiter is a fixed-window event throttle keyed by connection id. Safe
// for concurrent use.
type Limiter struct {
	window time.Duration
	budget int

	mu       sync.Mutex
	counters map[string]*counter

	// now is swappable for tests.
	now func() time.Time
}

// New constructs a Limiter admitting at most budget events per window.
func New(window time.Duration, budget int) *Limiter {
	return &Limiter{
		window:   window,
		budget:   budget,
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

// Admit reports whether one more event from connID fits the current
// window. The first event in a window initializes the counter; an expired
// window resets it.
func (l *Limiter) Admit(connID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.counters[connID]
	if !ok || now.After(c.resetsAt) {
		l.counters[connID] = &counter{count: 1, resetsAt: now.Add(l.window)}
		return true
	}
	c.count++
	return c.count <= l.budget
}

// Forget removes connID's counter. Called on disconnect; the sweep covers
// connections that never reached this path.
func (l *Limiter) Forget(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counters, connID)
}

// Run sweeps expired counters until ctx is cancelled. Disconnect cleanup
// is best-effort, so the sweep is the backstop that bounds memory from
// abandoned connections.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for connID, c := range l.counters {
		if now.After(c.resetsAt) {
			delete(l.counters, connID)
		}
	}
}

// size is exposed for tests.
func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}
