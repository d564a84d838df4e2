package limiter

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a per-process sliding window limiter.  It keeps, for
// each key, the timestamps of requests made inside the current window
// and refuses the request that would exceed the budget.  State for keys
// that have gone idle past the window is reclaimed by a janitor loop so
// the map cannot grow without bound.
//
// Counters live in process memory, so the budget is per serving
// instance rather than global.  That is the documented single-instance
// mode; multi-instance deployments use RedisLimiter instead.
type MemoryLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryLimiter returns a limiter allowing max requests per window
// for each key.
func NewMemoryLimiter(max int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		max:     max,
		window:  window,
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
}

// Allow records the request against key and reports whether it fits the
// window.  It never returns an error.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	// Drop entries that have aged out of the window.  Entries are in
	// arrival order, so the first fresh one ends the scan.
	i := 0
	for i < len(w) && !w[i].After(cutoff) {
		i++
	}
	w = w[i:]

	if len(w) >= l.max {
		l.windows[key] = w
		retry := w[0].Add(l.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return false, retry, nil
	}
	l.windows[key] = append(w, now)
	return true, 0, nil
}

// StartJanitor launches a background loop that removes idle keys every
// interval until stop is closed.  A key is idle when its newest entry
// has aged out of the window.
func (l *MemoryLimiter) StartJanitor(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

// sweep discards window state for keys whose entries are all stale.
func (l *MemoryLimiter) sweep() {
	cutoff := l.now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		if len(w) == 0 || !w[len(w)-1].After(cutoff) {
			delete(l.windows, key)
		}
	}
}

// size reports the number of tracked keys; used by tests.
func (l *MemoryLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
