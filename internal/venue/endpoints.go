// Package venue holds everything that speaks the venue's dialect: endpoint
// and rate-limit constants, request signing, the authenticated dispatcher,
// error classification, and the pair/symbol mapping.
package venue

import (
	"time"

	"venue-connector/internal/core"
	"venue-connector/internal/throttle"
)

const (
	TickerPath       = "/api/v3/ticker/24hr"
	ExchangeInfoPath = "/api/v3/exchangeInfo"
	ServerTimePath   = "/api/v3/time"
	AccountPath      = "/api/v3/account"
	MyTradesPath     = "/api/v3/myTrades"
	OrderPath        = "/api/v3/order"
	OpenOrdersPath   = "/api/v3/openOrders"
)

const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TimeInForceGTC = "GTC"
	TimeInForceIOC = "IOC"
)

// Push event discriminators.
const (
	EventExecutionReport = "executionReport"
	EventAccountPosition = "outboundAccountPosition"
)

// Shared call-class buckets. Every endpoint limit links into one class so a
// call is throttled by whichever bucket is tightest.
const (
	LimitGet       = "GET"
	LimitGetBurst  = "GET_BURST"
	LimitGetMixed  = "GET_MIXED"
	LimitPost      = "POST"
	LimitPostBurst = "POST_BURST"
	LimitPostMixed = "POST_MIXED"
)

const (
	maxRequestGet       = 6000
	maxRequestGetBurst  = 70
	maxRequestGetMixed  = 400
	maxRequestPost      = 2400
	maxRequestPostBurst = 50
	maxRequestPostMixed = 270
)

// DefaultRateLimits is the venue's published budget table.
func DefaultRateLimits() []throttle.RateLimit {
	getLinks := []throttle.LinkedLimit{
		{LimitID: LimitGet, Weight: 1},
		{LimitID: LimitGetBurst, Weight: 1},
		{LimitID: LimitGetMixed, Weight: 1},
	}
	postLinks := []throttle.LinkedLimit{
		{LimitID: LimitPost, Weight: 1},
		{LimitID: LimitPostBurst, Weight: 1},
		{LimitID: LimitPostMixed, Weight: 1},
	}
	return []throttle.RateLimit{
		{LimitID: LimitGet, Limit: maxRequestGet, Window: 2 * time.Minute},
		{LimitID: LimitGetBurst, Limit: maxRequestGetBurst, Window: time.Second},
		{LimitID: LimitGetMixed, Limit: maxRequestGetMixed, Window: 6 * time.Second},
		{LimitID: LimitPost, Limit: maxRequestPost, Window: 2 * time.Minute},
		{LimitID: LimitPostBurst, Limit: maxRequestPostBurst, Window: time.Second},
		{LimitID: LimitPostMixed, Limit: maxRequestPostMixed, Window: 6 * time.Second},

		{LimitID: TickerPath, Limit: maxRequestGet, Window: 2 * time.Minute, Linked: getLinks},
		{LimitID: ExchangeInfoPath, Limit: maxRequestGet, Window: 2 * time.Minute, Linked: getLinks},
		{LimitID: ServerTimePath, Limit: maxRequestGet, Window: time.Second, Linked: getLinks},
		{LimitID: OrderPath, Limit: maxRequestGet, Window: 2 * time.Minute, Linked: postLinks},
		{LimitID: AccountPath, Limit: maxRequestGet, Window: 2 * time.Minute, Linked: postLinks},
		{LimitID: MyTradesPath, Limit: maxRequestGet, Window: 2 * time.Minute, Linked: postLinks},
		{LimitID: OpenOrdersPath, Limit: maxRequestGet, Window: 2 * time.Minute, Linked: postLinks},
	}
}

// OrderStateFromStatus maps the venue's status vocabulary to the internal
// state enum. Unrecognized statuses report ok=false and must be skipped by
// the caller, never applied.
func OrderStateFromStatus(status string) (core.OrderState, bool) {
	switch status {
	case "NEW":
		return core.StateOpen, true
	case "PARTIALLY_FILLED":
		return core.StatePartiallyFilled, true
	case "FILLED":
		return core.StateFilled, true
	case "CANCELED":
		return core.StateCanceled, true
	case "PENDING_CANCEL":
		return core.StatePendingCancel, true
	case "REJECTED":
		return core.StateFailed, true
	case "EXPIRED":
		return core.StateCanceled, true
	default:
		return core.StatePendingCreate, false
	}
}
