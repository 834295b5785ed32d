package recon

import (
	"context"
	"errors"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"venue-connector/internal/core"
	"venue-connector/internal/venue"
)

func TestRunnerAuditsActiveOrders(t *testing.T) {
	rest := &fakeRest{handler: func(method, path string, _ url.Values) ([]byte, error) {
		switch {
		case method == "POST":
			return []byte(`{"orderId":555,"transactTime":1700000001000}`), nil
		case path == venue.AccountPath:
			return []byte(`{"balances":[]}`), nil
		case path == venue.MyTradesPath:
			return []byte(`[]`), nil
		default:
			return []byte(`{"orderId":555,"status":"FILLED","updateTime":1700000005000}`), nil
		}
	}}
	source := newFakeSource()
	c := newTestConnector(t, rest, source)

	_, _, err := c.PlaceOrder(context.Background(), "o1", "BTC-USDT",
		core.Buy, core.Limit, dec("100"), dec("1"))
	require.NoError(t, err)

	r, err := NewRunner(RunnerOptions{
		Connector:     c,
		AuditInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.runSession(ctx) }()

	require.Eventually(t, func() bool {
		ord, ok := c.Order("o1")
		return ok && ord.State == core.StateFilled
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

type failingSource struct {
	subscribes atomic.Int64
}

func (f *failingSource) Subscribe(context.Context) (<-chan []byte, <-chan error, error) {
	f.subscribes.Add(1)
	frames := make(chan []byte)
	errs := make(chan error, 1)
	errs <- errors.New("connection reset")
	return frames, errs, nil
}

func TestRunnerReconnectsAfterStreamFailure(t *testing.T) {
	rest := &fakeRest{handler: func(_, path string, _ url.Values) ([]byte, error) {
		return []byte(`{"balances":[]}`), nil
	}}
	source := &failingSource{}
	c := newTestConnector(t, rest, source)

	r, err := NewRunner(RunnerOptions{Connector: c})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 1300*time.Millisecond)
	defer cancel()
	err = r.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// First session fails immediately; after the minimum backoff the runner
	// must have dialed again.
	require.GreaterOrEqual(t, source.subscribes.Load(), int64(2))
}
