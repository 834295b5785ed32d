package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"venue-connector/internal/core"
	"venue-connector/internal/stream"
	"venue-connector/internal/venue"
)

// The venue rejects client order ids longer than this.
const maxClientOrderIDLen = 40

const defaultOrderIDPrefix = "vc-"

// How long to back off after a push event handler fails, so a poisoned
// event cannot spin the consume loop.
const defaultEventFailurePause = 5 * time.Second

// Requester is the REST seam; *venue.Dispatcher satisfies it.
type Requester interface {
	Request(ctx context.Context, method, path string, params url.Values, authRequired bool, opts ...venue.RequestOption) ([]byte, error)
}

// FrameSource delivers raw push frames; *stream.Subscriber satisfies it.
type FrameSource interface {
	Subscribe(ctx context.Context) (<-chan []byte, <-chan error, error)
}

// Connector ties the dispatcher, push stream, and tracker together into the
// venue-facing order API.
type Connector struct {
	rest         Requester
	symbols      *venue.SymbolMap
	tracker      *Tracker
	balances     *BalanceBook
	source       FrameSource
	log          *zap.Logger
	orderPrefix  string
	failurePause time.Duration
	now          func() time.Time
}

type ConnectorOptions struct {
	Rest    Requester
	Symbols *venue.SymbolMap
	Source  FrameSource
	Logger  *zap.Logger

	// OrderPrefix namespaces generated client order ids.
	OrderPrefix string

	// EventFailurePause overrides the pause after a failed push handler.
	EventFailurePause time.Duration
}

func NewConnector(opts ConnectorOptions) (*Connector, error) {
	if opts.Rest == nil {
		return nil, errors.New("rest requester required")
	}
	if opts.Symbols == nil {
		return nil, errors.New("symbol map required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	prefix := opts.OrderPrefix
	if prefix == "" {
		prefix = defaultOrderIDPrefix
	}
	pause := opts.EventFailurePause
	if pause <= 0 {
		pause = defaultEventFailurePause
	}
	return &Connector{
		rest:         opts.Rest,
		symbols:      opts.Symbols,
		tracker:      NewTracker(log),
		balances:     NewBalanceBook(),
		source:       opts.Source,
		log:          log,
		orderPrefix:  prefix,
		failurePause: pause,
		now:          time.Now,
	}, nil
}

// NewClientOrderID generates a prefixed id within the venue's length cap.
func (c *Connector) NewClientOrderID() string {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	id := c.orderPrefix + nonce
	if len(id) > maxClientOrderIDLen {
		id = id[:maxClientOrderIDLen]
	}
	return id
}

// Tracker exposes the order view for callers and tests.
func (c *Connector) Tracker() *Tracker { return c.tracker }

// Order returns the current local view of an order.
func (c *Connector) Order(clientOrderID string) (core.Order, bool) {
	return c.tracker.Order(clientOrderID)
}

func (c *Connector) ActiveOrders() []core.Order {
	return c.tracker.ActiveOrders()
}

// StopTracking drains a terminal order from the active set.
func (c *Connector) StopTracking(clientOrderID string) (core.Order, bool) {
	return c.tracker.StopTracking(clientOrderID)
}

// Balances snapshots the current balance book.
func (c *Connector) Balances() map[string]core.Balance {
	return c.balances.Snapshot()
}

type placeOrderResponse struct {
	OrderID      int64 `json:"orderId"`
	TransactTime int64 `json:"transactTime"`
}

// PlaceOrder submits a new order. The order enters tracking in
// StatePendingCreate before the request goes out, so a fill racing ahead of
// the acknowledgment still finds it. A rejected submission transitions the
// order to StateFailed and the error is returned.
func (c *Connector) PlaceOrder(ctx context.Context, clientOrderID, pair string, side core.Side, typ core.OrderType, price, amount decimal.Decimal) (string, time.Time, error) {
	symbol, ok := c.symbols.VenueSymbol(pair)
	if !ok {
		return "", time.Time{}, fmt.Errorf("unknown trading pair %q", pair)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return "", time.Time{}, errors.New("order amount must be positive")
	}

	order := core.Order{
		ClientOrderID: clientOrderID,
		TradingPair:   pair,
		Side:          side,
		Type:          typ,
		Price:         price,
		Amount:        amount,
		State:         core.StatePendingCreate,
		CreatedAt:     c.now().UTC(),
	}
	if err := c.tracker.StartTracking(order); err != nil {
		return "", time.Time{}, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", string(typ))
	params.Set("quantity", amount.String())
	params.Set("newClientOrderId", clientOrderID)
	if typ != core.Market {
		params.Set("price", price.String())
	}
	if typ == core.Limit {
		params.Set("timeInForce", venue.TimeInForceGTC)
	}

	body, err := c.rest.Request(ctx, http.MethodPost, venue.OrderPath, params, true)
	if err != nil {
		c.tracker.ProcessOrderUpdate(core.OrderUpdate{
			ClientOrderID: clientOrderID,
			TradingPair:   pair,
			NewState:      core.StateFailed,
			UpdateTime:    c.now().UTC(),
		})
		return "", time.Time{}, fmt.Errorf("place order %s: %w", clientOrderID, err)
	}

	var resp placeOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", time.Time{}, fmt.Errorf("place order %s: decode response: %w", clientOrderID, err)
	}
	venueOrderID := strconv.FormatInt(resp.OrderID, 10)
	transactTime := time.UnixMilli(resp.TransactTime).UTC()
	c.tracker.SetVenueOrderID(clientOrderID, venueOrderID, transactTime)
	return venueOrderID, transactTime, nil
}

// CancelOrder asks the venue to cancel. A not-found response means the order
// already terminated at the venue; it is resolved locally and no error is
// surfaced. Returns whether the venue acknowledged a cancellation.
func (c *Connector) CancelOrder(ctx context.Context, clientOrderID string) (bool, error) {
	ord, ok := c.tracker.Order(clientOrderID)
	if !ok {
		return false, core.ErrUnknownOrder
	}
	if ord.State.Terminal() {
		return false, nil
	}
	symbol, ok := c.symbols.VenueSymbol(ord.TradingPair)
	if !ok {
		return false, fmt.Errorf("unknown trading pair %q", ord.TradingPair)
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	if ord.ExchangeOrderID != "" {
		params.Set("orderId", ord.ExchangeOrderID)
	} else {
		params.Set("origClientOrderId", clientOrderID)
	}

	body, err := c.rest.Request(ctx, http.MethodDelete, venue.OrderPath, params, true)
	if err != nil {
		if venue.IsNotFound(err) {
			c.tracker.ResolveNotFound(clientOrderID)
			c.log.Info("cancel target missing at venue, resolved locally",
				zap.String("client_order_id", clientOrderID),
			)
			return false, nil
		}
		return false, fmt.Errorf("cancel order %s: %w", clientOrderID, err)
	}

	var resp struct {
		OrderID int64 `json:"orderId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.OrderID == 0 {
		c.log.Warn("cancel acknowledgment without order id",
			zap.String("client_order_id", clientOrderID),
		)
		return false, nil
	}
	c.tracker.ProcessOrderUpdate(core.OrderUpdate{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: ord.ExchangeOrderID,
		TradingPair:     ord.TradingPair,
		NewState:        core.StateCanceled,
		UpdateTime:      c.now().UTC(),
	})
	return true, nil
}

type orderStatusResponse struct {
	OrderID    int64  `json:"orderId"`
	Status     string `json:"status"`
	UpdateTime int64  `json:"updateTime"`
}

// PollOrderStatus queries the venue for an order's current status and feeds
// the result through the tracker. Not-found responses are counted toward
// local resolution rather than returned as errors. The returned order is the
// post-update local view.
func (c *Connector) PollOrderStatus(ctx context.Context, clientOrderID string) (core.Order, error) {
	ord, ok := c.tracker.Order(clientOrderID)
	if !ok {
		return core.Order{}, core.ErrUnknownOrder
	}
	symbol, ok := c.symbols.VenueSymbol(ord.TradingPair)
	if !ok {
		return ord, fmt.Errorf("unknown trading pair %q", ord.TradingPair)
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	if ord.ExchangeOrderID != "" {
		params.Set("orderId", ord.ExchangeOrderID)
	} else {
		params.Set("origClientOrderId", clientOrderID)
	}

	body, err := c.rest.Request(ctx, http.MethodGet, venue.OrderPath, params, true)
	if err != nil {
		if venue.IsNotFound(err) {
			c.tracker.ProcessOrderNotFound(clientOrderID)
			cur, _ := c.tracker.Order(clientOrderID)
			return cur, nil
		}
		return ord, fmt.Errorf("poll order %s: %w", clientOrderID, err)
	}

	var resp orderStatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ord, fmt.Errorf("poll order %s: decode response: %w", clientOrderID, err)
	}
	newState, known := venue.OrderStateFromStatus(resp.Status)
	if !known {
		c.log.Warn("unrecognized order status from poll",
			zap.String("client_order_id", clientOrderID),
			zap.String("status", resp.Status),
		)
		cur, _ := c.tracker.Order(clientOrderID)
		return cur, nil
	}

	venueOrderID := ord.ExchangeOrderID
	if venueOrderID == "" && resp.OrderID != 0 {
		venueOrderID = strconv.FormatInt(resp.OrderID, 10)
	}
	update := core.OrderUpdate{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: venueOrderID,
		TradingPair:     ord.TradingPair,
		NewState:        newState,
		UpdateTime:      time.UnixMilli(resp.UpdateTime).UTC(),
	}
	// A poll can jump straight from PendingCreate to Filled when the
	// acknowledgment was missed; surface the intermediate Open first.
	if newState == core.StateFilled && ord.State == core.StatePendingCreate {
		open := update
		open.NewState = core.StateOpen
		c.tracker.ProcessOrderUpdate(open)
	}
	c.tracker.ProcessOrderUpdate(update)

	cur, _ := c.tracker.Order(clientOrderID)
	return cur, nil
}

type tradeResponse struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
}

// PollFills backfills an order's trade history from the venue. Trades the
// ledger has already seen are deduplicated by the tracker. Orders not yet
// acknowledged have no venue id to query by and are skipped.
func (c *Connector) PollFills(ctx context.Context, clientOrderID string) ([]core.TradeUpdate, error) {
	ord, ok := c.tracker.Order(clientOrderID)
	if !ok {
		return nil, core.ErrUnknownOrder
	}
	if ord.ExchangeOrderID == "" {
		return nil, nil
	}
	symbol, ok := c.symbols.VenueSymbol(ord.TradingPair)
	if !ok {
		return nil, fmt.Errorf("unknown trading pair %q", ord.TradingPair)
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", ord.ExchangeOrderID)

	body, err := c.rest.Request(ctx, http.MethodGet, venue.MyTradesPath, params, true)
	if err != nil {
		return nil, fmt.Errorf("poll fills %s: %w", clientOrderID, err)
	}

	var trades []tradeResponse
	if err := json.Unmarshal(body, &trades); err != nil {
		var single tradeResponse
		if err2 := json.Unmarshal(body, &single); err2 != nil {
			return nil, fmt.Errorf("poll fills %s: decode response: %w", clientOrderID, err)
		}
		trades = []tradeResponse{single}
	}

	updates := make([]core.TradeUpdate, 0, len(trades))
	for _, tr := range trades {
		price, amount := parseDecimal(tr.Price), parseDecimal(tr.Qty)
		quote := parseDecimal(tr.QuoteQty)
		if quote.IsZero() {
			quote = price.Mul(amount)
		}
		u := core.TradeUpdate{
			TradeID:         strconv.FormatInt(tr.ID, 10),
			ClientOrderID:   clientOrderID,
			ExchangeOrderID: ord.ExchangeOrderID,
			TradingPair:     ord.TradingPair,
			FillBase:        amount,
			FillQuote:       quote,
			FillPrice:       price,
			FeeAmount:       parseDecimal(tr.Commission),
			FeeAsset:        tr.CommissionAsset,
			FillTime:        time.UnixMilli(tr.Time).UTC(),
		}
		c.tracker.ProcessTradeUpdate(u)
		updates = append(updates, u)
	}
	return updates, nil
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// ResyncBalances pulls the authoritative account snapshot and replaces the
// local book with it, dropping assets the venue no longer reports.
func (c *Connector) ResyncBalances(ctx context.Context) (map[string]core.Balance, error) {
	body, err := c.rest.Request(ctx, http.MethodGet, venue.AccountPath, url.Values{}, true)
	if err != nil {
		return nil, fmt.Errorf("resync balances: %w", err)
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("resync balances: decode response: %w", err)
	}
	snapshot := make(map[string]core.Balance, len(resp.Balances))
	for _, b := range resp.Balances {
		if b.Asset == "" {
			continue
		}
		free := parseDecimal(b.Free)
		snapshot[b.Asset] = core.Balance{
			Free:  free,
			Total: free.Add(parseDecimal(b.Locked)),
		}
	}
	c.balances.Replace(snapshot)
	return c.balances.Snapshot(), nil
}

// ConsumePushEvents subscribes to the push stream and applies events until
// the context ends or the stream fails. Malformed frames are logged and
// skipped; the stream keeps going.
func (c *Connector) ConsumePushEvents(ctx context.Context) error {
	if c.source == nil {
		return errors.New("no push frame source configured")
	}
	frames, errs, err := c.source.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if ok && err != nil {
				return err
			}
			errs = nil
		case frame, ok := <-frames:
			if !ok {
				return errors.New("push stream closed")
			}
			ev, err := stream.Decode(frame)
			if err != nil {
				c.log.Warn("dropping malformed push frame", zap.Error(err))
				continue
			}
			if err := c.handleEvent(ev); err != nil {
				c.log.Error("push event handling failed",
					zap.String("event_type", ev.Type()),
					zap.Error(err),
				)
				select {
				case <-time.After(c.failurePause):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
