package recon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"venue-connector/internal/core"
	"venue-connector/internal/venue"
)

type restCall struct {
	method string
	path   string
	params url.Values
}

type fakeRest struct {
	mu      sync.Mutex
	handler func(method, path string, params url.Values) ([]byte, error)
	calls   []restCall
}

func (f *fakeRest) Request(_ context.Context, method, path string, params url.Values, _ bool, _ ...venue.RequestOption) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, restCall{method: method, path: path, params: params})
	f.mu.Unlock()
	return f.handler(method, path, params)
}

func (f *fakeRest) lastCall(t *testing.T) restCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

type fakeSource struct {
	frames chan []byte
	errs   chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan []byte, 16), errs: make(chan error, 1)}
}

func (f *fakeSource) Subscribe(context.Context) (<-chan []byte, <-chan error, error) {
	return f.frames, f.errs, nil
}

func testSymbols() *venue.SymbolMap {
	m := venue.NewSymbolMap()
	m.Add("BTC-USDT", "BTCUSDT")
	return m
}

func newTestConnector(t *testing.T, rest *fakeRest, source FrameSource) *Connector {
	t.Helper()
	c, err := NewConnector(ConnectorOptions{
		Rest:              rest,
		Symbols:           testSymbols(),
		Source:            source,
		EventFailurePause: time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestPlaceOrderTracksAndRecordsVenueID(t *testing.T) {
	rest := &fakeRest{handler: func(string, string, url.Values) ([]byte, error) {
		return []byte(`{"orderId":555,"transactTime":1700000001000}`), nil
	}}
	c := newTestConnector(t, rest, nil)

	venueID, transactTime, err := c.PlaceOrder(context.Background(), "o1", "BTC-USDT",
		core.Buy, core.Limit, dec("100"), dec("1"))
	require.NoError(t, err)
	require.Equal(t, "555", venueID)
	require.Equal(t, time.UnixMilli(1_700_000_001_000).UTC(), transactTime)

	call := rest.lastCall(t)
	require.Equal(t, venue.OrderPath, call.path)
	require.Equal(t, "BTCUSDT", call.params.Get("symbol"))
	require.Equal(t, "BUY", call.params.Get("side"))
	require.Equal(t, "100", call.params.Get("price"))
	require.Equal(t, "1", call.params.Get("quantity"))
	require.Equal(t, "GTC", call.params.Get("timeInForce"))
	require.Equal(t, "o1", call.params.Get("newClientOrderId"))

	ord, ok := c.Order("o1")
	require.True(t, ok)
	require.Equal(t, core.StatePendingCreate, ord.State)
	require.Equal(t, "555", ord.ExchangeOrderID)
}

func TestPlaceOrderRejectionMarksFailed(t *testing.T) {
	rest := &fakeRest{handler: func(string, string, url.Values) ([]byte, error) {
		return nil, fmt.Errorf("venue: %w", core.ErrInsufficientBalance)
	}}
	c := newTestConnector(t, rest, nil)

	_, _, err := c.PlaceOrder(context.Background(), "o1", "BTC-USDT",
		core.Buy, core.Limit, dec("100"), dec("1"))
	require.ErrorIs(t, err, core.ErrInsufficientBalance)

	ord, ok := c.Order("o1")
	require.True(t, ok)
	require.Equal(t, core.StateFailed, ord.State)
}

func TestPlaceOrderUnknownPair(t *testing.T) {
	rest := &fakeRest{handler: func(string, string, url.Values) ([]byte, error) {
		t.Fatal("no request expected")
		return nil, nil
	}}
	c := newTestConnector(t, rest, nil)

	_, _, err := c.PlaceOrder(context.Background(), "o1", "XYZ-ABC",
		core.Buy, core.Limit, dec("100"), dec("1"))
	require.Error(t, err)
	_, ok := c.Order("o1")
	require.False(t, ok)
}

func TestCancelOrderNotFoundResolvesLocally(t *testing.T) {
	rest := &fakeRest{handler: func(method, path string, _ url.Values) ([]byte, error) {
		if method == "POST" {
			return []byte(`{"orderId":555,"transactTime":1700000001000}`), nil
		}
		return nil, fmt.Errorf("venue: %w", core.ErrOrderNotFound)
	}}
	c := newTestConnector(t, rest, nil)

	_, _, err := c.PlaceOrder(context.Background(), "o1", "BTC-USDT",
		core.Buy, core.Limit, dec("100"), dec("1"))
	require.NoError(t, err)

	canceled, err := c.CancelOrder(context.Background(), "o1")
	require.NoError(t, err, "not-found during cancel is not an error")
	require.False(t, canceled)

	ord, _ := c.Order("o1")
	require.Equal(t, core.StateCanceled, ord.State)
}

func TestCancelOrderAcknowledged(t *testing.T) {
	rest := &fakeRest{handler: func(method, _ string, _ url.Values) ([]byte, error) {
		if method == "POST" {
			return []byte(`{"orderId":555,"transactTime":1700000001000}`), nil
		}
		return []byte(`{"orderId":555,"status":"CANCELED"}`), nil
	}}
	c := newTestConnector(t, rest, nil)

	_, _, err := c.PlaceOrder(context.Background(), "o1", "BTC-USDT",
		core.Buy, core.Limit, dec("100"), dec("1"))
	require.NoError(t, err)

	canceled, err := c.CancelOrder(context.Background(), "o1")
	require.NoError(t, err)
	require.True(t, canceled)

	call := rest.lastCall(t)
	require.Equal(t, "DELETE", call.method)
	require.Equal(t, "555", call.params.Get("orderId"))

	ord, _ := c.Order("o1")
	require.Equal(t, core.StateCanceled, ord.State)

	// Cancel of an already-terminal order is a quiet no-op.
	canceled, err = c.CancelOrder(context.Background(), "o1")
	require.NoError(t, err)
	require.False(t, canceled)
}

func TestCancelUnknownOrder(t *testing.T) {
	rest := &fakeRest{handler: func(string, string, url.Values) ([]byte, error) {
		t.Fatal("no request expected")
		return nil, nil
	}}
	c := newTestConnector(t, rest, nil)

	_, err := c.CancelOrder(context.Background(), "ghost")
	require.ErrorIs(t, err, core.ErrUnknownOrder)
}

func TestPollOrderStatusAppliesTransition(t *testing.T) {
	rest := &fakeRest{handler: func(method, _ string, _ url.Values) ([]byte, error) {
		if method == "POST" {
			return []byte(`{"orderId":555,"transactTime":1700000001000}`), nil
		}
		return []byte(`{"orderId":555,"status":"FILLED","updateTime":1700000005000}`), nil
	}}
	c := newTestConnector(t, rest, nil)

	_, _, err := c.PlaceOrder(context.Background(), "o1", "BTC-USDT",
		core.Buy, core.Limit, dec("100"), dec("1"))
	require.NoError(t, err)

	ord, err := c.PollOrderStatus(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, core.StateFilled, ord.State)
	require.Equal(t, time.UnixMilli(1_700_000_005_000).UTC(), ord.LastUpdateTime)
}

func TestPollOrderStatusNotFoundCountsTowardResolution(t *testing.T) {
	rest := &fakeRest{handler: func(method, _ string, _ url.Values) ([]byte, error) {
		if method == "POST" {
			return []byte(`{"orderId":555,"transactTime":1700000001000}`), nil
		}
		return nil, fmt.Errorf("venue: %w", core.ErrOrderNotFound)
	}}
	c := newTestConnector(t, rest, nil)

	_, _, err := c.PlaceOrder(context.Background(), "o1", "BTC-USDT",
		core.Buy, core.Limit, dec("100"), dec("1"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ord, err := c.PollOrderStatus(context.Background(), "o1")
		require.NoError(t, err)
		require.False(t, ord.State.Terminal())
	}
	ord, err := c.PollOrderStatus(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, core.StateCanceled, ord.State)
}

func TestPollFillsDeduplicates(t *testing.T) {
	trades := []byte(`[
		{"id":1,"orderId":555,"price":"100","qty":"0.4","quoteQty":"40","commission":"0.04","commissionAsset":"USDT","time":1700000002000},
		{"id":2,"orderId":555,"price":"101","qty":"0.6","quoteQty":"60.6","commission":"0.06","commissionAsset":"USDT","time":1700000003000}
	]`)
	rest := &fakeRest{handler: func(method, path string, _ url.Values) ([]byte, error) {
		if method == "POST" {
			return []byte(`{"orderId":555,"transactTime":1700000001000}`), nil
		}
		require.Equal(t, venue.MyTradesPath, path)
		return trades, nil
	}}
	c := newTestConnector(t, rest, nil)

	_, _, err := c.PlaceOrder(context.Background(), "o1", "BTC-USDT",
		core.Buy, core.Limit, dec("100"), dec("1"))
	require.NoError(t, err)

	_, err = c.PollFills(context.Background(), "o1")
	require.NoError(t, err)
	// Same history again: ledger totals must not change.
	_, err = c.PollFills(context.Background(), "o1")
	require.NoError(t, err)

	ord, _ := c.Order("o1")
	require.True(t, ord.FilledBase.Equal(dec("1")), "got %s", ord.FilledBase)
	require.True(t, ord.FilledQuote.Equal(dec("100.6")))
	require.True(t, ord.FeePaid.Equal(dec("0.1")))
	require.Len(t, c.Tracker().Fills("o1"), 2)
}

func TestResyncBalancesReplacesSnapshot(t *testing.T) {
	snapshots := [][]byte{
		[]byte(`{"balances":[
			{"asset":"BTC","free":"1","locked":"0.5"},
			{"asset":"ETH","free":"10","locked":"0"}
		]}`),
		[]byte(`{"balances":[
			{"asset":"BTC","free":"2","locked":"0"}
		]}`),
	}
	var call int
	rest := &fakeRest{handler: func(_, path string, _ url.Values) ([]byte, error) {
		require.Equal(t, venue.AccountPath, path)
		body := snapshots[call]
		call++
		return body, nil
	}}
	c := newTestConnector(t, rest, nil)

	bals, err := c.ResyncBalances(context.Background())
	require.NoError(t, err)
	require.True(t, bals["BTC"].Total.Equal(dec("1.5")))
	require.True(t, bals["ETH"].Free.Equal(dec("10")))

	bals, err = c.ResyncBalances(context.Background())
	require.NoError(t, err)
	_, hasETH := bals["ETH"]
	require.False(t, hasETH, "full resync drops assets the venue no longer reports")
	require.True(t, bals["BTC"].Free.Equal(dec("2")))
}

func pushFrame(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestConsumePushEventsAppliesReports(t *testing.T) {
	rest := &fakeRest{handler: func(string, string, url.Values) ([]byte, error) {
		return []byte(`{"orderId":555,"transactTime":1700000001000}`), nil
	}}
	source := newFakeSource()
	c := newTestConnector(t, rest, source)

	_, _, err := c.PlaceOrder(context.Background(), "o1", "BTC-USDT",
		core.Buy, core.Limit, dec("100"), dec("1"))
	require.NoError(t, err)

	// A garbage frame must not kill the stream.
	source.frames <- []byte("not json at all")
	source.frames <- pushFrame(t, map[string]any{
		"e": "executionReport", "E": 1700000002000,
		"s": "BTCUSDT", "c": "o1", "i": "555",
		"X": "PARTIALLY_FILLED",
		"l": "0.4", "L": "100", "n": "0.04", "N": "USDT", "t": 901,
	})
	source.frames <- pushFrame(t, map[string]any{
		"e": "executionReport", "E": 1700000003000,
		"s": "BTCUSDT", "c": "o1", "i": "555",
		"X": "FILLED",
		"l": "0.6", "L": "100", "n": "0.06", "N": "USDT", "t": 902,
	})
	source.frames <- pushFrame(t, map[string]any{
		"e": "outboundAccountPosition",
		"B": []map[string]any{{"a": "USDT", "f": "10", "l": "2"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.ConsumePushEvents(ctx) }()

	require.Eventually(t, func() bool {
		ord, ok := c.Order("o1")
		if !ok || ord.State != core.StateFilled {
			return false
		}
		bal, ok := c.Balances()["USDT"]
		return ok && bal.Total.Equal(dec("12"))
	}, 2*time.Second, 10*time.Millisecond)

	ord, _ := c.Order("o1")
	require.True(t, ord.FilledBase.Equal(dec("1")))
	require.Len(t, c.Tracker().Fills("o1"), 2)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestConsumePushEventsIgnoresUntrackedReport(t *testing.T) {
	rest := &fakeRest{handler: func(string, string, url.Values) ([]byte, error) {
		return nil, nil
	}}
	source := newFakeSource()
	c := newTestConnector(t, rest, source)

	source.frames <- pushFrame(t, map[string]any{
		"e": "executionReport", "E": 1700000002000,
		"s": "BTCUSDT", "c": "ghost", "i": "999",
		"X": "FILLED", "l": "1", "L": "100", "t": 903,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := c.ConsumePushEvents(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, c.ActiveOrders())
}
