package decision

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agrosentinel/internal/types"
)

// fakeClock is a settable clock shared by the decision tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewRateLimiter(3, 10*time.Minute, clock)

	for i := 0; i < 3; i++ {
		if !l.Allow("field-7", types.ActionAlert) {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if l.Allow("field-7", types.ActionAlert) {
		t.Error("fourth call in the window should be rejected")
	}

	// Other kinds and subjects have independent budgets.
	if !l.Allow("field-7", types.ActionThrottle) {
		t.Error("different kind should have its own budget")
	}
	if !l.Allow("field-8", types.ActionAlert) {
		t.Error("different subject should have its own budget")
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewRateLimiter(1, 10*time.Minute, clock)

	if !l.Allow("field-7", types.ActionAlert) {
		t.Fatal("first call should be allowed")
	}
	if l.Allow("field-7", types.ActionAlert) {
		t.Fatal("second call in the same window should be rejected")
	}

	clock.advance(11 * time.Minute)
	if !l.Allow("field-7", types.ActionAlert) {
		t.Error("new window should reset the budget")
	}
}

func TestRateLimiterZeroLimitRejectsEverything(t *testing.T) {
	l := NewRateLimiter(0, time.Minute, nil)
	if l.Allow("field-7", types.ActionAlert) {
		t.Error("zero limit should reject all calls")
	}
}

func TestRateLimiterConcurrentExactBudget(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	const limit = 10
	l := NewRateLimiter(limit, time.Hour, clock)

	const workers = 50
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("field-7", types.ActionAlert) {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Errorf("%d calls allowed under contention, want exactly %d", got, limit)
	}
}
