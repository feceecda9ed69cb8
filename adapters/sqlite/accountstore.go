package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/artpar/runmeter/domain/billing"
	"github.com/artpar/runmeter/ports"
)

// AccountStore implements ports.AccountStore with SQLite.
type AccountStore struct {
	db *DB
}

// NewAccountStore creates a new SQLite account store.
func NewAccountStore(db *DB) *AccountStore {
	return &AccountStore{db: db}
}

const accountColumns = `id, email, name, plan_id, provider_id, status, credit_balance,
	billing_anchor_day, trial_ends_at, daily_runs_used, daily_reset_at, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (ports.Account, error) {
	var a ports.Account
	var status string
	var trialEnds, dailyReset sql.NullTime
	err := row.Scan(
		&a.ID, &a.Email, &a.Name, &a.PlanID, &a.ProviderID, &status, &a.CreditBalance,
		&a.BillingAnchorDay, &trialEnds, &a.DailyRunsUsed, &dailyReset, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return ports.Account{}, err
	}
	a.Status = billing.AccountStatus(status)
	if trialEnds.Valid {
		t := trialEnds.Time
		a.TrialEndsAt = &t
	}
	if dailyReset.Valid {
		a.DailyResetAt = dailyReset.Time
	}
	return a, nil
}

// Get retrieves an account by ID.
func (s *AccountStore) Get(ctx context.Context, id string) (ports.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.Account{}, ports.ErrNotFound
	}
	return a, err
}

// GetByProviderID retrieves an account by payment-platform customer ID.
func (s *AccountStore) GetByProviderID(ctx context.Context, providerID string) (ports.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE provider_id = ? AND provider_id != ''`, providerID)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.Account{}, ports.ErrNotFound
	}
	return a, err
}

// Create stores a new account.
func (s *AccountStore) Create(ctx context.Context, a ports.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Email, a.Name, a.PlanID, a.ProviderID, string(a.Status), a.CreditBalance,
		a.BillingAnchorDay, nullableTime(a.TrialEndsAt), a.DailyRunsUsed,
		nullableZeroTime(a.DailyResetAt), a.CreatedAt, a.UpdatedAt,
	)
	return err
}

// Update modifies an existing account.
func (s *AccountStore) Update(ctx context.Context, a ports.Account) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET email = ?, name = ?, plan_id = ?, provider_id = ?, status = ?,
			credit_balance = ?, billing_anchor_day = ?, trial_ends_at = ?,
			daily_runs_used = ?, daily_reset_at = ?, updated_at = ?
		WHERE id = ?`,
		a.Email, a.Name, a.PlanID, a.ProviderID, string(a.Status),
		a.CreditBalance, a.BillingAnchorDay, nullableTime(a.TrialEndsAt),
		a.DailyRunsUsed, nullableZeroTime(a.DailyResetAt), a.UpdatedAt,
		a.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ports.ErrNotFound
	}
	return err
}

// List returns accounts with pagination.
func (s *AccountStore) List(ctx context.Context, limit, offset int) ([]ports.Account, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ports.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// Ensure interface compliance.
var _ ports.AccountStore = (*AccountStore)(nil)
