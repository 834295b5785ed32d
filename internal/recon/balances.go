package recon

import (
	"sync"

	"venue-connector/internal/core"
)

// BalanceBook holds the per-asset balance view. Push deltas patch individual
// assets; a REST snapshot replaces the whole book, removing assets the venue
// no longer reports.
type BalanceBook struct {
	mu       sync.RWMutex
	balances map[string]core.Balance
}

func NewBalanceBook() *BalanceBook {
	return &BalanceBook{balances: make(map[string]core.Balance)}
}

// Set patches a single asset, typically from a push delta.
func (b *BalanceBook) Set(asset string, bal core.Balance) {
	if asset == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[asset] = bal
}

// Replace installs a full snapshot. Assets absent from the snapshot are
// dropped so a stale local entry cannot outlive the venue's view.
func (b *BalanceBook) Replace(snapshot map[string]core.Balance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances = make(map[string]core.Balance, len(snapshot))
	for asset, bal := range snapshot {
		b.balances[asset] = bal
	}
}

// Balance returns a single asset's view.
func (b *BalanceBook) Balance(asset string) (core.Balance, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bal, ok := b.balances[asset]
	return bal, ok
}

// Snapshot copies the whole book.
func (b *BalanceBook) Snapshot() map[string]core.Balance {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]core.Balance, len(b.balances))
	for asset, bal := range b.balances {
		out[asset] = bal
	}
	return out
}
