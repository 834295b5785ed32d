package recon

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"venue-connector/internal/core"
	"venue-connector/internal/stream"
	"venue-connector/internal/venue"
)

func (c *Connector) handleEvent(ev stream.Event) error {
	switch ev.Type() {
	case venue.EventExecutionReport:
		return c.handleExecutionReport(ev)
	case venue.EventAccountPosition:
		c.handleAccountPosition(ev)
		return nil
	default:
		c.log.Debug("ignoring push event", zap.String("event_type", ev.Type()))
		return nil
	}
}

// handleExecutionReport applies one executionReport: the fill portion first
// (when the status carries one), then the state transition. The original
// client order id ("C") wins over the current one ("c") so cancellations
// still map back to the order that was placed.
func (c *Connector) handleExecutionReport(ev stream.Event) error {
	clientOrderID := ev.Str("C")
	if clientOrderID == "" {
		clientOrderID = ev.Str("c")
	}
	if clientOrderID == "" {
		return errors.New("execution report without client order id")
	}

	if _, tracked := c.tracker.Order(clientOrderID); !tracked {
		c.log.Warn("execution report for untracked order",
			zap.String("client_order_id", clientOrderID),
			zap.String("symbol", ev.Str("s")),
		)
		return nil
	}

	status := ev.Str("X")
	eventTime := time.UnixMilli(ev.Int("E")).UTC()
	venueOrderID := ev.Str("i")

	if status == "PARTIALLY_FILLED" || status == "FILLED" {
		if ord, ok := c.tracker.FillableOrder(clientOrderID); ok {
			fillBase := ev.Dec("l")
			fillPrice := ev.Dec("L")
			c.tracker.ProcessTradeUpdate(core.TradeUpdate{
				TradeID:         ev.Str("t"),
				ClientOrderID:   clientOrderID,
				ExchangeOrderID: venueOrderID,
				TradingPair:     ord.TradingPair,
				FillBase:        fillBase,
				FillQuote:       fillBase.Mul(fillPrice),
				FillPrice:       fillPrice,
				FeeAmount:       ev.Dec("n"),
				FeeAsset:        ev.Str("N"),
				FillTime:        eventTime,
			})
		}
	}

	if _, ok := c.tracker.UpdatableOrder(clientOrderID); !ok {
		return nil
	}
	newState, known := venue.OrderStateFromStatus(status)
	if !known {
		c.log.Warn("unrecognized order status in execution report",
			zap.String("client_order_id", clientOrderID),
			zap.String("status", status),
		)
		return nil
	}
	pair := ""
	if p, ok := c.symbols.TradingPair(ev.Str("s")); ok {
		pair = p
	}
	c.tracker.ProcessOrderUpdate(core.OrderUpdate{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: venueOrderID,
		TradingPair:     pair,
		NewState:        newState,
		UpdateTime:      eventTime,
	})
	return nil
}

// handleAccountPosition patches individual asset balances from a push delta.
// Unlike a REST snapshot it never removes assets.
func (c *Connector) handleAccountPosition(ev stream.Event) {
	for _, entry := range ev.List("B") {
		asset := entry.Str("a")
		if asset == "" {
			continue
		}
		free := entry.Dec("f")
		locked := entry.Dec("l")
		c.balances.Set(asset, core.Balance{
			Free:  free,
			Total: free.Add(locked),
		})
	}
}
