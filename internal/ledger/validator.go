package ledger

import (
	"fmt"
	"sort"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateAccountNonNegative checks a customer's available balance >= 0.
// A reversal of funds already spent downstream drives it negative.
func (v *InvariantValidator) ValidateAccountNonNegative(accountID, asset string) error {
	return v.tracker.ValidateNonNegative(NewAccountKey(accountID, SubTypeAvailable, asset))
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	assets := make([]string, 0, len(totals))
	for a := range totals {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		if !totals[asset].IsZero() {
			return fmt.Errorf("global balance for %s is non-zero: %s", asset, totals[asset])
		}
	}

	return nil
}
