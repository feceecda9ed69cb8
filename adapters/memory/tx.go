package memory

import (
	"context"

	"github.com/artpar/runmeter/domain/billing"
	"github.com/artpar/runmeter/ports"
)

// LifecycleTx applies close-old-plus-open-new transitions against the
// in-memory stores. No real atomicity here; the writes are applied in
// order, which is enough for tests and dev mode.
type LifecycleTx struct {
	Periods  *PeriodStore
	Accounts *AccountStore

	// FailNext simulates a transaction failure (for rollback tests).
	FailNext error
}

// NewLifecycleTx creates a lifecycle transaction runner over memory stores.
func NewLifecycleTx(periods *PeriodStore, accounts *AccountStore) *LifecycleTx {
	return &LifecycleTx{Periods: periods, Accounts: accounts}
}

// CloseAndOpen marks the closing period with its final state, creates the
// next one (a zero-value next means no successor) and applies the account
// update.
func (t *LifecycleTx) CloseAndOpen(ctx context.Context, closing, next billing.Period, account ports.Account) error {
	if t.FailNext != nil {
		err := t.FailNext
		t.FailNext = nil
		return err
	}
	if err := t.Periods.Update(ctx, closing); err != nil {
		return err
	}
	if next.ID != "" {
		if err := t.Periods.Create(ctx, next); err != nil {
			return err
		}
	}
	return t.Accounts.Update(ctx, account)
}

// Ensure interface compliance.
var _ ports.LifecycleTx = (*LifecycleTx)(nil)
