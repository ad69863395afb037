package decision

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"agrosentinel/internal/types"
)

const (
	// countBits is the low portion of the packed counter word holding the
	// in-window count; the high bits hold the window epoch.
	countBits = 20
	countMask = (1 << countBits) - 1
)

// RateLimiter bounds issuance to at most limit actions per (subject, kind)
// within a fixed window. Each counter packs the window epoch and the count
// into one uint64 advanced with compare-and-swap, so concurrent evaluations
// never serialize on a shared lock.
type RateLimiter struct {
	limit  uint64
	window time.Duration
	clock  types.Clock

	counters sync.Map // "subject|kind" -> *atomic.Uint64
}

// NewRateLimiter creates a limiter allowing limit actions per window.
func NewRateLimiter(limit int, window time.Duration, clock types.Clock) *RateLimiter {
	if clock == nil {
		clock = types.RealClock{}
	}
	if limit < 0 {
		limit = 0
	}
	return &RateLimiter{
		limit:  uint64(limit),
		window: window,
		clock:  clock,
	}
}

// Allow reports whether another action of this kind may be issued for the
// subject in the current window, consuming one slot if so.
func (l *RateLimiter) Allow(subjectID string, kind types.ActionKind) bool {
	if l.limit == 0 {
		return false
	}

	key := fmt.Sprintf("%s|%s", subjectID, kind)
	v, _ := l.counters.LoadOrStore(key, &atomic.Uint64{})
	ctr := v.(*atomic.Uint64)

	epoch := uint64(l.clock.Now().UnixNano()) / uint64(l.window.Nanoseconds())
	for {
		cur := ctr.Load()
		if cur>>countBits != epoch {
			// New window: reset to count 1.
			if ctr.CompareAndSwap(cur, epoch<<countBits|1) {
				return true
			}
			continue
		}
		if cur&countMask >= l.limit {
			return false
		}
		if ctr.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}
