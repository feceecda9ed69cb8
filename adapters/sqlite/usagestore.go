package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/artpar/runmeter/domain/billing"
	"github.com/artpar/runmeter/ports"
)

// UsageRecordStore implements ports.UsageRecordStore with SQLite.
type UsageRecordStore struct {
	db *DB
}

// NewUsageRecordStore creates a new SQLite usage record store.
func NewUsageRecordStore(db *DB) *UsageRecordStore {
	return &UsageRecordStore{db: db}
}

// Create stores a record with its detail rows and applies the charged
// period inside one transaction. Any failure rolls the whole write back.
func (s *UsageRecordStore) Create(ctx context.Context, rec ports.UsageRecord, details ports.UsageDetails, period billing.Period) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO usage_records (id, run_id, account_id, period_id,
				fixed_cost, llm_cost, tools_cost, kb_cost, app_margin, total_cost, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.RunID, rec.AccountID, rec.PeriodID,
			rec.FixedCost, rec.LLMCost, rec.ToolsCost, rec.KBCost, rec.AppMargin, rec.TotalCost,
			rec.CreatedAt,
		); err != nil {
			return err
		}

		for _, d := range details.Tokens {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO usage_token_details (id, record_id, model, input_tokens, output_tokens, cost)
				VALUES (?, ?, ?, ?, ?, ?)`,
				d.ID, d.RecordID, d.Model, d.InputTokens, d.OutputTokens, d.Cost,
			); err != nil {
				return err
			}
		}
		for _, d := range details.Tools {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO usage_tool_details (id, record_id, name, count, cost)
				VALUES (?, ?, ?, ?, ?)`,
				d.ID, d.RecordID, d.Name, d.Count, d.Cost,
			); err != nil {
				return err
			}
		}
		for _, d := range details.KBs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO usage_kb_details (id, record_id, name, accesses, cost)
				VALUES (?, ?, ?, ?, ?)`,
				d.ID, d.RecordID, d.Name, d.Accesses, d.Cost,
			); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, updatePeriodSQL, updatePeriodArgs(period)...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err == nil && n == 0 {
			return ports.ErrNotFound
		}
		return err
	})
}

const usageRecordColumns = `id, run_id, account_id, period_id,
	fixed_cost, llm_cost, tools_cost, kb_cost, app_margin, total_cost, created_at`

func scanUsageRecord(row interface{ Scan(...any) error }) (ports.UsageRecord, error) {
	var r ports.UsageRecord
	err := row.Scan(
		&r.ID, &r.RunID, &r.AccountID, &r.PeriodID,
		&r.FixedCost, &r.LLMCost, &r.ToolsCost, &r.KBCost, &r.AppMargin, &r.TotalCost,
		&r.CreatedAt,
	)
	return r, err
}

// GetByRun retrieves the most recent record finalized for a run.
func (s *UsageRecordStore) GetByRun(ctx context.Context, runID string) (ports.UsageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+usageRecordColumns+` FROM usage_records
		WHERE run_id = ? ORDER BY created_at DESC LIMIT 1`, runID)
	r, err := scanUsageRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.UsageRecord{}, ports.ErrNotFound
	}
	return r, err
}

// ListByPeriod returns all records linked to a period.
func (s *UsageRecordStore) ListByPeriod(ctx context.Context, periodID string) ([]ports.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+usageRecordColumns+` FROM usage_records
		WHERE period_id = ? ORDER BY created_at ASC`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ports.UsageRecord
	for rows.Next() {
		r, err := scanUsageRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ensure interface compliance.
var _ ports.UsageRecordStore = (*UsageRecordStore)(nil)
