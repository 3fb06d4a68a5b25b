package execution

import (
	"sync"
	"time"
)

// Throttle caps order submissions per rolling 60-second window. Timestamps
// of granted slots live in a mutex-guarded deque; expired entries are pruned
// on every acquire.
type Throttle struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	grants   []time.Time
	nowFn    func() time.Time
}

// NewThrottle builds a rolling-minute throttle allowing limit submissions.
func NewThrottle(limit int) *Throttle {
	return &Throttle{
		limit:  limit,
		window: time.Minute,
		nowFn:  time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (t *Throttle) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nowFn = now
}

// Acquire takes a slot if one is free in the current window.
func (t *Throttle) Acquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFn()
	cutoff := now.Add(-t.window)
	kept := t.grants[:0]
	for _, g := range t.grants {
		if g.After(cutoff) {
			kept = append(kept, g)
		}
	}
	t.grants = kept

	if len(t.grants) >= t.limit {
		return false
	}
	t.grants = append(t.grants, now)
	return true
}

// InFlight reports how many slots the current window holds.
func (t *Throttle) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.nowFn().Add(-t.window)
	n := 0
	for _, g := range t.grants {
		if g.After(cutoff) {
			n++
		}
	}
	return n
}
