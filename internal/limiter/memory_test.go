package limiter

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests march the limiter's notion of time forward
// deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(max int, window time.Duration) (*MemoryLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewMemoryLimiter(max, window)
	l.now = clock.Now
	return l, clock
}

func TestMemoryLimiterBudget(t *testing.T) {
	l, _ := newTestLimiter(20, 10*time.Second)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		ok, _, err := l.Allow(ctx, "session-1700000000000-abc123")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	ok, retry, err := l.Allow(ctx, "session-1700000000000-abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("21st request inside the window should be denied")
	}
	if retry <= 0 || retry > 10*time.Second {
		t.Fatalf("retry-after should fall inside the window, got %s", retry)
	}
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, 10*time.Second)
	ctx := context.Background()

	if ok, _, _ := l.Allow(ctx, "a"); !ok {
		t.Fatal("first request for key a should be allowed")
	}
	if ok, _, _ := l.Allow(ctx, "b"); !ok {
		t.Fatal("key b has its own budget")
	}
	if ok, _, _ := l.Allow(ctx, "a"); ok {
		t.Fatal("second request for key a should be denied")
	}
}

func TestMemoryLimiterWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(2, 10*time.Second)
	ctx := context.Background()

	l.Allow(ctx, "k")
	clock.Advance(6 * time.Second)
	l.Allow(ctx, "k")
	if ok, _, _ := l.Allow(ctx, "k"); ok {
		t.Fatal("third request inside the window should be denied")
	}
	// First entry ages out; one slot frees.
	clock.Advance(5 * time.Second)
	if ok, _, _ := l.Allow(ctx, "k"); !ok {
		t.Fatal("request after the oldest entry aged out should be allowed")
	}
	if ok, _, _ := l.Allow(ctx, "k"); ok {
		t.Fatal("budget should be exhausted again")
	}
}

func TestMemoryLimiterSweepReclaimsIdleKeys(t *testing.T) {
	l, clock := newTestLimiter(5, 10*time.Second)
	ctx := context.Background()

	l.Allow(ctx, "stale")
	clock.Advance(11 * time.Second)
	l.Allow(ctx, "fresh")
	l.sweep()

	if got := l.size(); got != 1 {
		t.Fatalf("sweep should keep only the fresh key, tracking %d keys", got)
	}
	// The reclaimed key starts with a full budget again.
	for i := 0; i < 5; i++ {
		if ok, _, _ := l.Allow(ctx, "stale"); !ok {
			t.Fatalf("request %d for reclaimed key should be allowed", i+1)
		}
	}
}

func TestMemoryLimiterConcurrentCallers(t *testing.T) {
	l, _ := newTestLimiter(50, 10*time.Second)
	ctx := context.Background()

	var wg sync.WaitGroup
	allowed := make(chan struct{}, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _, _ := l.Allow(ctx, "shared"); ok {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	n := 0
	for range allowed {
		n++
	}
	if n != 50 {
		t.Fatalf("exactly the budget should be admitted under contention, got %d", n)
	}
}
