package ledger

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	mu       sync.RWMutex
	balances map[AccountKey]decimal.Decimal
	applied  map[string]struct{} // batch ids already applied
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]decimal.Decimal),
		applied:  make(map[string]struct{}),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.applyLocked(j)
}

func (bt *BalanceTracker) applyLocked(j Journal) {
	bt.balances[j.DebitAccount] = bt.balances[j.DebitAccount].Add(j.Amount)
	bt.balances[j.CreditAccount] = bt.balances[j.CreditAccount].Sub(j.Amount)
}

// ApplyBatch applies all journals in a batch. A batch id seen before is
// skipped and reported as not applied.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) (bool, error) {
	if err := batch.Validate(); err != nil {
		return false, fmt.Errorf("invalid batch: %w", err)
	}

	bt.mu.Lock()
	defer bt.mu.Unlock()

	id := batch.BatchID.String()
	if _, dup := bt.applied[id]; dup {
		return false, nil
	}
	for _, j := range batch.Journals {
		bt.applyLocked(j)
	}
	bt.applied[id] = struct{}{}
	return true, nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) decimal.Decimal {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.balances[key]
}

// GetAvailableBalance returns the customer's available balance
func (bt *BalanceTracker) GetAvailableBalance(accountID, asset string) decimal.Decimal {
	return bt.GetBalance(NewAccountKey(accountID, SubTypeAvailable, asset))
}

// GetFeesCollected returns the system fee balance for an asset
func (bt *BalanceTracker) GetFeesCollected(asset string) decimal.Decimal {
	return bt.GetBalance(NewSystemAccountKey(SubTypeSystemFees, asset))
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]decimal.Decimal {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	totals := make(map[string]decimal.Decimal)
	for key, balance := range bt.balances {
		totals[key.Asset] = totals[key.Asset].Add(balance)
	}
	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.IsNegative() {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]decimal.Decimal {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	snapshot := make(map[AccountKey]decimal.Decimal, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
