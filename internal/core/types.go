package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit      OrderType = "LIMIT"
	Market     OrderType = "MARKET"
	LimitMaker OrderType = "LIMIT_MAKER"
)

// OrderState values are ordered: a transition is only legal toward a higher
// state, and the terminal states absorb everything after them.
type OrderState int

const (
	StatePendingCreate OrderState = iota
	StateOpen
	StatePartiallyFilled
	StatePendingCancel
	StateFilled
	StateCanceled
	StateFailed
)

func (s OrderState) String() string {
	switch s {
	case StatePendingCreate:
		return "PENDING_CREATE"
	case StateOpen:
		return "OPEN"
	case StatePartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatePendingCancel:
		return "PENDING_CANCEL"
	case StateFilled:
		return "FILLED"
	case StateCanceled:
		return "CANCELED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s OrderState) Terminal() bool {
	return s == StateFilled || s == StateCanceled || s == StateFailed
}

// Order is the local authoritative view of a single in-flight order.
// ClientOrderID is assigned locally and unique for the process lifetime;
// ExchangeOrderID is immutable once the venue acknowledges it.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	Side            Side
	Type            OrderType
	Price           decimal.Decimal
	Amount          decimal.Decimal
	State           OrderState
	FilledBase      decimal.Decimal
	FilledQuote     decimal.Decimal
	FeePaid         decimal.Decimal
	FeeAsset        string
	CreatedAt       time.Time
	LastUpdateTime  time.Time
}

// OrderUpdate is a state transition observed through either the push stream
// or a REST poll.
type OrderUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	NewState        OrderState
	UpdateTime      time.Time
}

// TradeUpdate is a single fill. TradeID is the venue-assigned dedup key:
// applying the same TradeID to an order twice is a no-op.
type TradeUpdate struct {
	TradeID         string
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	FillBase        decimal.Decimal
	FillQuote       decimal.Decimal
	FillPrice       decimal.Decimal
	FeeAmount       decimal.Decimal
	FeeAsset        string
	FillTime        time.Time
}

type Balance struct {
	Free  decimal.Decimal
	Total decimal.Decimal
}
