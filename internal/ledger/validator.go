package ledger

import (
	"fmt"
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

// ValidateBatchBalance verifies the batch is well-formed and that every
// journal is covered by balances and allowances.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return v.tracker.CheckBatch(batch)
}

// ValidateGlobalBalance verifies the ledger is zero-sum: held balances equal
// what the external account has issued.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	total, err := v.tracker.ComputeGlobalBalance()
	if err != nil {
		return fmt.Errorf("global balance: %w", err)
	}
	issued := v.tracker.Issued()
	if !total.Eq(issued) {
		return fmt.Errorf("global balance is non-zero: held=%s issued=%s", total.Dec(), issued.Dec())
	}
	return nil
}
