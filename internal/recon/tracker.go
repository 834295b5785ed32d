// Package recon merges push events and REST poll results into a single
// authoritative order, trade, and balance view.
package recon

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"venue-connector/internal/core"
)

// After this many consecutive not-found responses for the same order, the
// tracker resolves the order locally instead of waiting for the venue.
const orderNotFoundResolveThreshold = 3

type trackedOrder struct {
	mu       sync.Mutex
	order    core.Order
	fills    map[string]core.TradeUpdate
	notFound int
}

// Tracker owns the active order set. All mutation funnels through it so the
// monotone-state and fill-dedup invariants are enforced in one place, under
// a per-order lock.
//
// Lock discipline: the tracker map lock is never held while a per-order lock
// is being acquired.
type Tracker struct {
	mu        sync.RWMutex
	active    map[string]*trackedOrder
	byVenueID map[string]string
	log       *zap.Logger
	now       func() time.Time
}

func NewTracker(log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		active:    make(map[string]*trackedOrder),
		byVenueID: make(map[string]string),
		log:       log,
		now:       time.Now,
	}
}

// StartTracking admits a new order, normally in StatePendingCreate.
func (t *Tracker) StartTracking(order core.Order) error {
	if order.ClientOrderID == "" {
		return errors.New("client order id required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[order.ClientOrderID]; ok {
		return core.ErrDuplicateOrder
	}
	if order.LastUpdateTime.IsZero() {
		order.LastUpdateTime = order.CreatedAt
	}
	t.active[order.ClientOrderID] = &trackedOrder{
		order: order,
		fills: make(map[string]core.TradeUpdate),
	}
	if order.ExchangeOrderID != "" {
		t.byVenueID[order.ExchangeOrderID] = order.ClientOrderID
	}
	return nil
}

// StopTracking evicts an order from the active set and returns its final
// view. Callers drain terminal orders this way.
func (t *Tracker) StopTracking(clientOrderID string) (core.Order, bool) {
	t.mu.Lock()
	to, ok := t.active[clientOrderID]
	if ok {
		delete(t.active, clientOrderID)
	}
	t.mu.Unlock()
	if !ok {
		return core.Order{}, false
	}
	to.mu.Lock()
	defer to.mu.Unlock()
	if to.order.ExchangeOrderID != "" {
		t.mu.Lock()
		delete(t.byVenueID, to.order.ExchangeOrderID)
		t.mu.Unlock()
	}
	return to.order, true
}

func (t *Tracker) lookup(clientOrderID, venueOrderID string) *trackedOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if clientOrderID != "" {
		if to, ok := t.active[clientOrderID]; ok {
			return to
		}
	}
	if venueOrderID != "" {
		if cid, ok := t.byVenueID[venueOrderID]; ok {
			return t.active[cid]
		}
	}
	return nil
}

func (t *Tracker) registerVenueID(venueOrderID, clientOrderID string) {
	if venueOrderID == "" || clientOrderID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[clientOrderID]; ok {
		t.byVenueID[venueOrderID] = clientOrderID
	}
}

// Order returns the current view of a tracked order.
func (t *Tracker) Order(clientOrderID string) (core.Order, bool) {
	to := t.lookup(clientOrderID, "")
	if to == nil {
		return core.Order{}, false
	}
	to.mu.Lock()
	defer to.mu.Unlock()
	return to.order, true
}

// OrderByVenueID looks an order up by its exchange-assigned id.
func (t *Tracker) OrderByVenueID(venueOrderID string) (core.Order, bool) {
	to := t.lookup("", venueOrderID)
	if to == nil {
		return core.Order{}, false
	}
	to.mu.Lock()
	defer to.mu.Unlock()
	return to.order, true
}

// FillableOrder is the fill-tracking view: any tracked order, terminal or
// not, since fill backfill may land after the final status.
func (t *Tracker) FillableOrder(clientOrderID string) (core.Order, bool) {
	return t.Order(clientOrderID)
}

// UpdatableOrder is the state-update view: tracked orders that have not yet
// reached a terminal state.
func (t *Tracker) UpdatableOrder(clientOrderID string) (core.Order, bool) {
	ord, ok := t.Order(clientOrderID)
	if !ok || ord.State.Terminal() {
		return core.Order{}, false
	}
	return ord, true
}

// ActiveOrders snapshots every tracked order.
func (t *Tracker) ActiveOrders() []core.Order {
	t.mu.RLock()
	tracked := make([]*trackedOrder, 0, len(t.active))
	for _, to := range t.active {
		tracked = append(tracked, to)
	}
	t.mu.RUnlock()

	orders := make([]core.Order, 0, len(tracked))
	for _, to := range tracked {
		to.mu.Lock()
		orders = append(orders, to.order)
		to.mu.Unlock()
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ClientOrderID < orders[j].ClientOrderID })
	return orders
}

// Fills returns a copy of an order's fill ledger, oldest first.
func (t *Tracker) Fills(clientOrderID string) []core.TradeUpdate {
	to := t.lookup(clientOrderID, "")
	if to == nil {
		return nil
	}
	to.mu.Lock()
	defer to.mu.Unlock()
	fills := make([]core.TradeUpdate, 0, len(to.fills))
	for _, f := range to.fills {
		fills = append(fills, f)
	}
	sort.Slice(fills, func(i, j int) bool {
		if fills[i].FillTime.Equal(fills[j].FillTime) {
			return fills[i].TradeID < fills[j].TradeID
		}
		return fills[i].FillTime.Before(fills[j].FillTime)
	})
	return fills
}

// SetVenueOrderID records the exchange-assigned id after placement
// acknowledgment without asserting any state transition.
func (t *Tracker) SetVenueOrderID(clientOrderID, venueOrderID string, ackTime time.Time) {
	to := t.lookup(clientOrderID, "")
	if to == nil || venueOrderID == "" {
		return
	}
	t.registerVenueID(venueOrderID, clientOrderID)
	to.mu.Lock()
	defer to.mu.Unlock()
	if to.order.ExchangeOrderID == "" {
		to.order.ExchangeOrderID = venueOrderID
	}
	if ackTime.After(to.order.LastUpdateTime) {
		to.order.LastUpdateTime = ackTime
	}
}

// ProcessOrderUpdate applies a state transition if it respects the monotone
// ordering. Stale or regressive updates are dropped with a diagnostic;
// terminal-to-terminal transitions are silent no-ops. Returns whether the
// order's state changed.
func (t *Tracker) ProcessOrderUpdate(u core.OrderUpdate) bool {
	to := t.lookup(u.ClientOrderID, u.ExchangeOrderID)
	if to == nil {
		t.log.Warn("order update for untracked order",
			zap.String("client_order_id", u.ClientOrderID),
			zap.String("venue_order_id", u.ExchangeOrderID),
		)
		return false
	}
	t.registerVenueID(u.ExchangeOrderID, u.ClientOrderID)

	to.mu.Lock()
	defer to.mu.Unlock()
	ord := &to.order

	if ord.ExchangeOrderID == "" && u.ExchangeOrderID != "" {
		ord.ExchangeOrderID = u.ExchangeOrderID
	}

	if u.NewState == core.StatePendingCreate {
		// The venue echoing the initial state carries no information.
		return false
	}
	if ord.State.Terminal() {
		if !u.NewState.Terminal() {
			t.log.Warn("dropping update regressing terminal order",
				zap.String("client_order_id", ord.ClientOrderID),
				zap.Stringer("state", ord.State),
				zap.Stringer("new_state", u.NewState),
			)
		}
		return false
	}
	if !u.UpdateTime.IsZero() && u.UpdateTime.Before(ord.LastUpdateTime) {
		t.log.Warn("dropping stale order update",
			zap.String("client_order_id", ord.ClientOrderID),
			zap.Time("update_time", u.UpdateTime),
			zap.Time("last_update_time", ord.LastUpdateTime),
		)
		return false
	}
	if u.NewState < ord.State {
		t.log.Warn("dropping regressive order update",
			zap.String("client_order_id", ord.ClientOrderID),
			zap.Stringer("state", ord.State),
			zap.Stringer("new_state", u.NewState),
		)
		return false
	}

	changed := u.NewState != ord.State
	ord.State = u.NewState
	if u.UpdateTime.After(ord.LastUpdateTime) {
		ord.LastUpdateTime = u.UpdateTime
	}
	to.notFound = 0
	return changed
}

// ProcessTradeUpdate appends a fill to the order's ledger. Re-delivery of a
// known trade id is a no-op. A fill arriving while the order is still
// PendingCreate first synthesizes the implicit Open transition the missed
// acknowledgment would have produced. Returns whether the fill was applied.
func (t *Tracker) ProcessTradeUpdate(u core.TradeUpdate) bool {
	to := t.lookup(u.ClientOrderID, u.ExchangeOrderID)
	if to == nil {
		t.log.Warn("fill for untracked order",
			zap.String("client_order_id", u.ClientOrderID),
			zap.String("trade_id", u.TradeID),
		)
		return false
	}
	if u.TradeID == "" {
		t.log.Warn("fill without trade id dropped",
			zap.String("client_order_id", u.ClientOrderID),
		)
		return false
	}
	t.registerVenueID(u.ExchangeOrderID, u.ClientOrderID)

	to.mu.Lock()
	defer to.mu.Unlock()
	ord := &to.order

	if _, seen := to.fills[u.TradeID]; seen {
		return false
	}
	if ord.State == core.StatePendingCreate {
		t.log.Debug("synthesizing open transition before fill",
			zap.String("client_order_id", ord.ClientOrderID),
			zap.String("trade_id", u.TradeID),
		)
		ord.State = core.StateOpen
	}

	to.fills[u.TradeID] = u
	ord.FilledBase = ord.FilledBase.Add(u.FillBase)
	ord.FilledQuote = ord.FilledQuote.Add(u.FillQuote)
	ord.FeePaid = ord.FeePaid.Add(u.FeeAmount)
	if u.FeeAsset != "" {
		ord.FeeAsset = u.FeeAsset
	}
	if ord.ExchangeOrderID == "" && u.ExchangeOrderID != "" {
		ord.ExchangeOrderID = u.ExchangeOrderID
	}
	if u.FillTime.After(ord.LastUpdateTime) {
		ord.LastUpdateTime = u.FillTime
	}
	return true
}

// ProcessOrderNotFound records a not-found response from a status poll. The
// order is resolved locally once the venue has denied knowing it enough
// times in a row. Terminal orders are left untouched.
func (t *Tracker) ProcessOrderNotFound(clientOrderID string) bool {
	to := t.lookup(clientOrderID, "")
	if to == nil {
		return false
	}
	to.mu.Lock()
	defer to.mu.Unlock()
	if to.order.State.Terminal() {
		return false
	}
	to.notFound++
	if to.notFound < orderNotFoundResolveThreshold {
		return false
	}
	t.resolveLocked(to)
	return true
}

// ResolveNotFound resolves an order immediately, used when the venue
// reports not-found during cancellation: the order already terminated
// there, so the condition is not an error.
func (t *Tracker) ResolveNotFound(clientOrderID string) bool {
	to := t.lookup(clientOrderID, "")
	if to == nil {
		return false
	}
	to.mu.Lock()
	defer to.mu.Unlock()
	if to.order.State.Terminal() {
		return false
	}
	t.resolveLocked(to)
	return true
}

func (t *Tracker) resolveLocked(to *trackedOrder) {
	to.order.State = core.StateCanceled
	now := t.now().UTC()
	if now.After(to.order.LastUpdateTime) {
		to.order.LastUpdateTime = now
	}
	t.log.Warn("order missing at venue, resolved locally",
		zap.String("client_order_id", to.order.ClientOrderID),
		zap.String("venue_order_id", to.order.ExchangeOrderID),
		zap.String("filled_base", to.order.FilledBase.String()),
	)
}
