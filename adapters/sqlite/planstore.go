package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/artpar/runmeter/ports"
)

// PlanStore implements ports.PlanStore with SQLite.
type PlanStore struct {
	db *DB
}

// NewPlanStore creates a new SQLite plan store.
func NewPlanStore(db *DB) *PlanStore {
	return &PlanStore{db: db}
}

const planColumns = `id, name, description, monthly_quota_credits, max_runs_per_day,
	price_monthly_usd, overage_rate_usd, allows_overage, allows_rollover,
	default_overage_limit_usd, trial_days, is_default, active, created_at, updated_at`

func scanPlan(row interface{ Scan(...any) error }) (ports.Plan, error) {
	var p ports.Plan
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.MonthlyQuotaCredits, &p.MaxRunsPerDay,
		&p.PriceMonthlyUSD, &p.OverageRateUSD, &p.AllowsOverage, &p.AllowsRollover,
		&p.DefaultOverageLimitUSD, &p.TrialDays, &p.IsDefault, &p.Active,
		&p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

// List returns all active plans ordered by price.
func (s *PlanStore) List(ctx context.Context) ([]ports.Plan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE active = 1 ORDER BY price_monthly_usd ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []ports.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// Get retrieves a plan by ID.
func (s *PlanStore) Get(ctx context.Context, id string) (ports.Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.Plan{}, ports.ErrNotFound
	}
	return p, err
}

// GetDefault retrieves the default plan for new accounts.
func (s *PlanStore) GetDefault(ctx context.Context) (ports.Plan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE is_default = 1 AND active = 1 LIMIT 1`)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.Plan{}, ports.ErrNotFound
	}
	return p, err
}

// Upsert creates or replaces a plan (seeding routine only).
func (s *PlanStore) Upsert(ctx context.Context, p ports.Plan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			monthly_quota_credits = excluded.monthly_quota_credits,
			max_runs_per_day = excluded.max_runs_per_day,
			price_monthly_usd = excluded.price_monthly_usd,
			overage_rate_usd = excluded.overage_rate_usd,
			allows_overage = excluded.allows_overage,
			allows_rollover = excluded.allows_rollover,
			default_overage_limit_usd = excluded.default_overage_limit_usd,
			trial_days = excluded.trial_days,
			is_default = excluded.is_default,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Description, p.MonthlyQuotaCredits, p.MaxRunsPerDay,
		p.PriceMonthlyUSD, p.OverageRateUSD, p.AllowsOverage, p.AllowsRollover,
		p.DefaultOverageLimitUSD, p.TrialDays, p.IsDefault, p.Active,
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// Ensure interface compliance.
var _ ports.PlanStore = (*PlanStore)(nil)
