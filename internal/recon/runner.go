package recon

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	reconnectBackoffMin = time.Second
	reconnectBackoffMax = 30 * time.Second

	// A session surviving this long counts as healthy and resets backoff.
	healthySessionAge = time.Minute

	defaultAuditInterval   = 10 * time.Second
	defaultBalanceInterval = 30 * time.Second
)

// Runner drives the connector's background work: the push consume loop with
// reconnect backoff, the periodic order status/fill audit, and the periodic
// balance resync.
type Runner struct {
	connector       *Connector
	auditInterval   time.Duration
	balanceInterval time.Duration
	log             *zap.Logger
}

type RunnerOptions struct {
	Connector       *Connector
	AuditInterval   time.Duration
	BalanceInterval time.Duration
	Logger          *zap.Logger
}

func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Connector == nil {
		return nil, errors.New("connector required")
	}
	audit := opts.AuditInterval
	if audit <= 0 {
		audit = defaultAuditInterval
	}
	balance := opts.BalanceInterval
	if balance <= 0 {
		balance = defaultBalanceInterval
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		connector:       opts.Connector,
		auditInterval:   audit,
		balanceInterval: balance,
		log:             log,
	}, nil
}

// Run blocks until the context ends. The push session is restarted with
// doubling backoff after each failure; a session that stayed up long enough
// resets the backoff to the minimum.
func (r *Runner) Run(ctx context.Context) error {
	if _, err := r.connector.ResyncBalances(ctx); err != nil {
		r.log.Warn("startup balance resync failed", zap.Error(err))
	}

	backoff := reconnectBackoffMin
	for {
		started := time.Now()
		err := r.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) >= healthySessionAge {
			backoff = reconnectBackoffMin
		}
		r.log.Warn("push session ended, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > reconnectBackoffMax {
			backoff = reconnectBackoffMax
		}
	}
}

// runSession runs one push session alongside the audit and balance tickers.
// It returns when the session fails or the context ends.
func (r *Runner) runSession(ctx context.Context) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	consumeErr := make(chan error, 1)
	go func() {
		consumeErr <- r.connector.ConsumePushEvents(sctx)
	}()

	audit := time.NewTicker(r.auditInterval)
	defer audit.Stop()
	balance := time.NewTicker(r.balanceInterval)
	defer balance.Stop()

	for {
		select {
		case err := <-consumeErr:
			return err
		case <-audit.C:
			r.auditOrders(ctx)
		case <-balance.C:
			if _, err := r.connector.ResyncBalances(ctx); err != nil {
				r.log.Warn("balance resync failed", zap.Error(err))
			}
		case <-ctx.Done():
			cancel()
			<-consumeErr
			return ctx.Err()
		}
	}
}

// auditOrders cross-checks every active order against the venue: status
// first, then the trade history for orders the venue has acknowledged.
func (r *Runner) auditOrders(ctx context.Context) {
	for _, ord := range r.connector.ActiveOrders() {
		if ord.State.Terminal() {
			continue
		}
		if _, err := r.connector.PollOrderStatus(ctx, ord.ClientOrderID); err != nil {
			r.log.Warn("order status audit failed",
				zap.String("client_order_id", ord.ClientOrderID),
				zap.Error(err),
			)
			continue
		}
		if ord.ExchangeOrderID == "" {
			continue
		}
		if _, err := r.connector.PollFills(ctx, ord.ClientOrderID); err != nil {
			r.log.Warn("fill audit failed",
				zap.String("client_order_id", ord.ClientOrderID),
				zap.Error(err),
			)
		}
	}
}
