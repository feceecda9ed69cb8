package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/artpar/runmeter/domain/billing"
	"github.com/artpar/runmeter/ports"
)

// PeriodStore implements ports.PeriodStore with SQLite.
type PeriodStore struct {
	db *DB
}

// NewPeriodStore creates a new SQLite billing period store.
func NewPeriodStore(db *DB) *PeriodStore {
	return &PeriodStore{db: db}
}

const periodColumns = `id, account_id, plan_id, start_date, end_date, status,
	quota_used, quota_remaining, quota_override, rollover_credits,
	overage_credits, overage_cost_usd, overage_limit_usd,
	is_overage_limited, has_reached_limit, is_plan_change, previous_plan_id,
	invoiced, created_at, updated_at`

func scanPeriod(row interface{ Scan(...any) error }) (billing.Period, error) {
	var p billing.Period
	var status string
	err := row.Scan(
		&p.ID, &p.AccountID, &p.PlanID, &p.StartDate, &p.EndDate, &status,
		&p.QuotaUsed, &p.QuotaRemaining, &p.QuotaOverride, &p.RolloverCredits,
		&p.OverageCredits, &p.OverageCostUSD, &p.OverageLimitUSD,
		&p.IsOverageLimited, &p.HasReachedLimit, &p.IsPlanChange, &p.PreviousPlanID,
		&p.Invoiced, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return billing.Period{}, err
	}
	p.Status = billing.PeriodStatus(status)
	return p, nil
}

// Get retrieves a period by ID.
func (s *PeriodStore) Get(ctx context.Context, id string) (billing.Period, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+periodColumns+` FROM billing_periods WHERE id = ?`, id)
	p, err := scanPeriod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Period{}, ports.ErrNotFound
	}
	return p, err
}

// GetActiveByAccount retrieves the single active or canceling period for
// an account.
func (s *PeriodStore) GetActiveByAccount(ctx context.Context, accountID string) (billing.Period, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+periodColumns+` FROM billing_periods
		WHERE account_id = ? AND status IN ('active', 'canceling')
		ORDER BY start_date DESC LIMIT 1`, accountID)
	p, err := scanPeriod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Period{}, ports.ErrNotFound
	}
	return p, err
}

// Create stores a new period.
func (s *PeriodStore) Create(ctx context.Context, p billing.Period) error {
	_, err := s.db.ExecContext(ctx, insertPeriodSQL, periodArgs(p)...)
	return err
}

const insertPeriodSQL = `
	INSERT INTO billing_periods (` + periodColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func periodArgs(p billing.Period) []any {
	return []any{
		p.ID, p.AccountID, p.PlanID, p.StartDate, p.EndDate, string(p.Status),
		p.QuotaUsed, p.QuotaRemaining, p.QuotaOverride, p.RolloverCredits,
		p.OverageCredits, p.OverageCostUSD, p.OverageLimitUSD,
		p.IsOverageLimited, p.HasReachedLimit, p.IsPlanChange, p.PreviousPlanID,
		p.Invoiced, p.CreatedAt, p.UpdatedAt,
	}
}

// Update modifies an existing period.
func (s *PeriodStore) Update(ctx context.Context, p billing.Period) error {
	res, err := s.db.ExecContext(ctx, updatePeriodSQL, updatePeriodArgs(p)...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ports.ErrNotFound
	}
	return err
}

const updatePeriodSQL = `
	UPDATE billing_periods SET
		status = ?, quota_used = ?, quota_remaining = ?, quota_override = ?,
		rollover_credits = ?, overage_credits = ?, overage_cost_usd = ?,
		overage_limit_usd = ?, is_overage_limited = ?, has_reached_limit = ?,
		is_plan_change = ?, previous_plan_id = ?, invoiced = ?, updated_at = ?
	WHERE id = ?`

func updatePeriodArgs(p billing.Period) []any {
	return []any{
		string(p.Status), p.QuotaUsed, p.QuotaRemaining, p.QuotaOverride,
		p.RolloverCredits, p.OverageCredits, p.OverageCostUSD,
		p.OverageLimitUSD, p.IsOverageLimited, p.HasReachedLimit,
		p.IsPlanChange, p.PreviousPlanID, p.Invoiced, p.UpdatedAt,
		p.ID,
	}
}

// ListDue returns active periods whose end date has passed.
func (s *PeriodStore) ListDue(ctx context.Context, now time.Time, limit int) ([]billing.Period, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+periodColumns+` FROM billing_periods
		WHERE status IN ('active', 'canceling') AND end_date <= ?
		ORDER BY end_date ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPeriods(rows)
}

// ListUninvoiced returns completed periods with billable overage never
// invoiced.
func (s *PeriodStore) ListUninvoiced(ctx context.Context, limit int) ([]billing.Period, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+periodColumns+` FROM billing_periods
		WHERE status = 'completed' AND invoiced = 0 AND overage_cost_usd > 0
		ORDER BY end_date ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPeriods(rows)
}

// ListByAccount returns an account's periods, newest first.
func (s *PeriodStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]billing.Period, error) {
	if limit <= 0 {
		limit = 24
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+periodColumns+` FROM billing_periods
		WHERE account_id = ? ORDER BY start_date DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPeriods(rows)
}

func collectPeriods(rows *sql.Rows) ([]billing.Period, error) {
	var out []billing.Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Ensure interface compliance.
var _ ports.PeriodStore = (*PeriodStore)(nil)
