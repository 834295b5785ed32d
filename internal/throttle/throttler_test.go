package throttle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireDelaysSixthCallUntilWindowReset(t *testing.T) {
	tr, err := NewWithOptions([]RateLimit{
		{LimitID: "GET", Limit: 5, Window: 200 * time.Millisecond},
	}, Options{RetryInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Acquire(ctx, "GET"))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond, "first five acquisitions should not block")

	require.NoError(t, tr.Acquire(ctx, "GET"))
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond, "sixth acquisition should wait for the window reset")
}

func TestLinkedAcquisitionIsAllOrNothing(t *testing.T) {
	tr, err := NewWithOptions([]RateLimit{
		{LimitID: "A", Limit: 5, Window: time.Minute, Linked: []LinkedLimit{{LimitID: "B", Weight: 1}}},
		{LimitID: "B", Limit: 1, Window: time.Minute},
	}, Options{RetryInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, tr.Acquire(context.Background(), "B"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = tr.Acquire(ctx, "A")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Zero(t, tr.buckets["A"].used, "failed linked acquisition must not consume the primary bucket")
	require.Equal(t, 1, tr.buckets["B"].used)
}

func TestAcquireWeightChargesPrimaryAndLinked(t *testing.T) {
	tr, err := New([]RateLimit{
		{LimitID: "/api/v3/order", Limit: 100, Window: time.Minute, Linked: []LinkedLimit{{LimitID: "POST", Weight: 2}}},
		{LimitID: "POST", Limit: 100, Window: time.Minute},
	})
	require.NoError(t, err)

	require.NoError(t, tr.AcquireWeight(context.Background(), "/api/v3/order", 3))

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Equal(t, 3, tr.buckets["/api/v3/order"].used)
	require.Equal(t, 2, tr.buckets["POST"].used)
}

func TestAcquireUnknownLimit(t *testing.T) {
	tr, err := New([]RateLimit{{LimitID: "GET", Limit: 1, Window: time.Second}})
	require.NoError(t, err)
	require.Error(t, tr.Acquire(context.Background(), "nope"))
}

func TestNewRejectsUnknownLinkedBucket(t *testing.T) {
	_, err := New([]RateLimit{
		{LimitID: "A", Limit: 1, Window: time.Second, Linked: []LinkedLimit{{LimitID: "missing", Weight: 1}}},
	})
	require.Error(t, err)
}

func TestConcurrentAcquireNeverExceedsCapacity(t *testing.T) {
	const capacity = 4
	tr, err := NewWithOptions([]RateLimit{
		{LimitID: "BURST", Limit: capacity, Window: 100 * time.Millisecond},
	}, Options{RetryInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < capacity*3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, tr.Acquire(ctx, "BURST"))
		}()
	}
	wg.Wait()

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.LessOrEqual(t, tr.buckets["BURST"].used, capacity)
}
