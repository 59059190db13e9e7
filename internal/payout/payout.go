// Package payout performs scoped value transfers out of the engine
// treasury. A transfer is the final, irreversible step of its enclosing
// operation: callers run it inside a store transaction after all terminal
// state transitions are committed, so a failure aborts the whole operation
// with no partial mutation.
package payout

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hedgemark/settlement-engine/internal/store"
)

// ErrTransferFailed is returned for any transfer that cannot complete.
var ErrTransferFailed = errors.New("payout: transfer failed")

// Executor moves value from the treasury to a recipient account. The store
// argument is the transactional view of the enclosing operation.
type Executor interface {
	Transfer(ctx context.Context, st store.Store, recipient string, amount decimal.Decimal) error
}

// LedgerExecutor implements Executor against the store's account ledger.
type LedgerExecutor struct{}

// NewLedgerExecutor creates the standard treasury-backed executor.
func NewLedgerExecutor() *LedgerExecutor {
	return &LedgerExecutor{}
}

func (e *LedgerExecutor) Transfer(ctx context.Context, st store.Store, recipient string, amount decimal.Decimal) error {
	if recipient == "" {
		return fmt.Errorf("%w: empty recipient", ErrTransferFailed)
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative amount %s", ErrTransferFailed, amount)
	}
	if amount.IsZero() {
		return nil
	}

	if err := st.Debit(ctx, store.TreasuryAccount, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := st.Credit(ctx, recipient, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}
