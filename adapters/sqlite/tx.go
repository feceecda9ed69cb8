package sqlite

import (
	"context"
	"database/sql"

	"github.com/artpar/runmeter/domain/billing"
	"github.com/artpar/runmeter/ports"
)

// LifecycleTx implements ports.LifecycleTx: close-old-plus-open-new period
// transitions run as one SQLite transaction, so a crash can never leave an
// account with zero active periods mid-renewal.
type LifecycleTx struct {
	db *DB
}

// NewLifecycleTx creates a lifecycle transaction runner.
func NewLifecycleTx(db *DB) *LifecycleTx {
	return &LifecycleTx{db: db}
}

// CloseAndOpen marks the closing period with its final state, creates the
// next one (zero-value next means no successor) and applies the account
// update, atomically.
func (t *LifecycleTx) CloseAndOpen(ctx context.Context, closing, next billing.Period, account ports.Account) error {
	return t.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, updatePeriodSQL, updatePeriodArgs(closing)...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err == nil && n == 0 {
			return ports.ErrNotFound
		}
		if err != nil {
			return err
		}

		if next.ID != "" {
			if _, err := tx.ExecContext(ctx, insertPeriodSQL, periodArgs(next)...); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE accounts SET plan_id = ?, status = ?, credit_balance = ?, updated_at = ?
			WHERE id = ?`,
			account.PlanID, string(account.Status), account.CreditBalance, account.UpdatedAt,
			account.ID,
		)
		return err
	})
}

// Ensure interface compliance.
var _ ports.LifecycleTx = (*LifecycleTx)(nil)
