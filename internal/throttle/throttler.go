// Package throttle bounds outbound call frequency with windowed buckets.
//
// A call class (or a single endpoint) is a RateLimit: a capacity over a
// rolling window plus optional linked buckets that must be charged at the
// same time. Acquisition across the primary and all linked buckets is
// all-or-nothing; a bucket self-replenishes when its window elapses.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LinkedLimit names a secondary bucket charged alongside a primary one.
type LinkedLimit struct {
	LimitID string
	Weight  int
}

type RateLimit struct {
	LimitID string
	Limit   int
	Window  time.Duration
	Linked  []LinkedLimit
}

type bucket struct {
	capacity    int
	window      time.Duration
	used        int
	windowStart time.Time
}

func (b *bucket) refresh(now time.Time) {
	if now.Sub(b.windowStart) >= b.window {
		b.used = 0
		b.windowStart = now
	}
}

func (b *bucket) resetIn(now time.Time) time.Duration {
	return b.windowStart.Add(b.window).Sub(now)
}

type Options struct {
	// RetryInterval floors the wait between acquisition attempts so that
	// concurrent waiters never spin tighter than this. Default 100ms.
	RetryInterval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type Throttler struct {
	mu      sync.Mutex
	limits  map[string]RateLimit
	buckets map[string]*bucket
	retry   time.Duration
	now     func() time.Time
}

func New(limits []RateLimit) (*Throttler, error) {
	return NewWithOptions(limits, Options{})
}

func NewWithOptions(limits []RateLimit, opts Options) (*Throttler, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	retry := opts.RetryInterval
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}
	t := &Throttler{
		limits:  make(map[string]RateLimit, len(limits)),
		buckets: make(map[string]*bucket, len(limits)),
		retry:   retry,
		now:     now,
	}
	start := now()
	for _, l := range limits {
		if l.LimitID == "" {
			return nil, fmt.Errorf("rate limit id required")
		}
		if l.Limit < 1 {
			return nil, fmt.Errorf("rate limit %q: capacity must be >= 1", l.LimitID)
		}
		if l.Window <= 0 {
			return nil, fmt.Errorf("rate limit %q: window must be > 0", l.LimitID)
		}
		if _, ok := t.limits[l.LimitID]; ok {
			return nil, fmt.Errorf("duplicate rate limit %q", l.LimitID)
		}
		t.limits[l.LimitID] = l
		t.buckets[l.LimitID] = &bucket{capacity: l.Limit, window: l.Window, windowStart: start}
	}
	for _, l := range limits {
		for _, lw := range l.Linked {
			if _, ok := t.buckets[lw.LimitID]; !ok {
				return nil, fmt.Errorf("rate limit %q links unknown bucket %q", l.LimitID, lw.LimitID)
			}
			if lw.Weight < 1 {
				return nil, fmt.Errorf("rate limit %q: linked weight for %q must be >= 1", l.LimitID, lw.LimitID)
			}
		}
	}
	return t, nil
}

// Has reports whether limitID is a known bucket.
func (t *Throttler) Has(limitID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.limits[limitID]
	return ok
}

// Acquire blocks until one unit of capacity is available in limitID and in
// every bucket it links, then consumes from all of them.
func (t *Throttler) Acquire(ctx context.Context, limitID string) error {
	return t.AcquireWeight(ctx, limitID, 1)
}

// AcquireWeight is Acquire with a caller-supplied weight charged against the
// primary bucket. Linked buckets are charged their configured pair weights.
// Consumption is all-or-nothing: if any involved bucket lacks capacity,
// nothing is consumed and the caller waits for the earliest window reset.
func (t *Throttler) AcquireWeight(ctx context.Context, limitID string, weight int) error {
	if weight < 1 {
		weight = 1
	}
	t.mu.Lock()
	limit, ok := t.limits[limitID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown rate limit %q", limitID)
	}
	for {
		t.mu.Lock()
		wait, acquired := t.tryAcquireLocked(limit, weight)
		t.mu.Unlock()
		if acquired {
			return nil
		}
		if wait < t.retry {
			wait = t.retry
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (t *Throttler) tryAcquireLocked(limit RateLimit, weight int) (time.Duration, bool) {
	now := t.now()
	type demand struct {
		b *bucket
		w int
	}
	demands := make([]demand, 0, 1+len(limit.Linked))
	demands = append(demands, demand{t.buckets[limit.LimitID], weight})
	for _, lw := range limit.Linked {
		demands = append(demands, demand{t.buckets[lw.LimitID], lw.Weight})
	}

	var wait time.Duration
	fits := true
	for _, d := range demands {
		d.b.refresh(now)
		if d.b.used+d.w > d.b.capacity {
			fits = false
			if rem := d.b.resetIn(now); wait == 0 || rem < wait {
				wait = rem
			}
		}
	}
	if !fits {
		return wait, false
	}
	for _, d := range demands {
		d.b.used += d.w
	}
	return 0, true
}
