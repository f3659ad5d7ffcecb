// ABOUTME: Fixed-window per-user rate limiter for conversation turns.
// ABOUTME: Advisory only; a background sweep drops idle windows.

package ratelimit

import (
	"sync"
	"time"
)

// window tracks admissions for one user within the current fixed window.
type window struct {
	start time.Time
	count int
}

// Limiter admits at most limit turns per user per window. State is
// per-process; construct one at startup and pass the handle to callers.
type Limiter struct {
	mu      sync.Mutex
	users   map[int64]*window
	limit   int
	period  time.Duration
	done    chan struct{}
	closed  bool
	nowFunc func() time.Time // overridable in tests
}

// New creates a limiter allowing limit admissions per period for each user.
// A background goroutine drops windows idle for at least one period; call
// Close to stop it.
func New(limit int, period time.Duration) *Limiter {
	l := &Limiter{
		users:   make(map[int64]*window),
		limit:   limit,
		period:  period,
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
	go l.sweep()
	return l
}

// Allow reports whether the user may start another turn. A rejected call does
// not consume budget: only admitted turns count against the window.
func (l *Limiter) Allow(userID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	w, ok := l.users[userID]
	if !ok || now.Sub(w.start) >= l.period {
		l.users[userID] = &window{start: now, count: 1}
		return true
	}

	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// sweep periodically removes windows whose period has fully elapsed.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runSweep()
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) runSweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	for id, w := range l.users {
		if now.Sub(w.start) >= l.period {
			delete(l.users, id)
		}
	}
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
