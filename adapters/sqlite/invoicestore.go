package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/artpar/runmeter/domain/billing"
	"github.com/artpar/runmeter/ports"
)

// InvoiceStore implements ports.InvoiceStore with SQLite. Line items are
// stored as a JSON column: they are written once and only ever read back
// whole.
type InvoiceStore struct {
	db *DB
}

// NewInvoiceStore creates a new SQLite invoice store.
func NewInvoiceStore(db *DB) *InvoiceStore {
	return &InvoiceStore{db: db}
}

// Create stores a new invoice.
func (s *InvoiceStore) Create(ctx context.Context, inv billing.Invoice) error {
	items, err := json.Marshal(inv.Items)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO invoices (id, account_id, period_id, provider_id, items,
			subtotal_usd, total_usd, status, paid_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.AccountID, inv.PeriodID, inv.ProviderID, string(items),
		inv.SubtotalUSD, inv.TotalUSD, string(inv.Status), nullableTime(inv.PaidAt), inv.CreatedAt,
	)
	return err
}

func scanInvoice(row interface{ Scan(...any) error }) (billing.Invoice, error) {
	var inv billing.Invoice
	var items, status string
	var paidAt sql.NullTime
	err := row.Scan(
		&inv.ID, &inv.AccountID, &inv.PeriodID, &inv.ProviderID, &items,
		&inv.SubtotalUSD, &inv.TotalUSD, &status, &paidAt, &inv.CreatedAt,
	)
	if err != nil {
		return billing.Invoice{}, err
	}
	inv.Status = billing.InvoiceStatus(status)
	if paidAt.Valid {
		t := paidAt.Time
		inv.PaidAt = &t
	}
	if err := json.Unmarshal([]byte(items), &inv.Items); err != nil {
		return billing.Invoice{}, err
	}
	return inv, nil
}

const invoiceColumns = `id, account_id, period_id, provider_id, items,
	subtotal_usd, total_usd, status, paid_at, created_at`

// GetByProviderID retrieves an invoice by its external ID.
func (s *InvoiceStore) GetByProviderID(ctx context.Context, providerID string) (billing.Invoice, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE provider_id = ? AND provider_id != ''`, providerID)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Invoice{}, ports.ErrNotFound
	}
	return inv, err
}

// GetByPeriod retrieves the invoice issued for a billing period.
func (s *InvoiceStore) GetByPeriod(ctx context.Context, periodID string) (billing.Invoice, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices WHERE period_id = ?`, periodID)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Invoice{}, ports.ErrNotFound
	}
	return inv, err
}

// ListByAccount returns invoices for an account, newest first.
func (s *InvoiceStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]billing.Invoice, error) {
	if limit <= 0 {
		limit = 24
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// UpdateStatus updates invoice status.
func (s *InvoiceStore) UpdateStatus(ctx context.Context, id string, status billing.InvoiceStatus, paidAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET status = ?, paid_at = ? WHERE id = ?`,
		string(status), nullableTime(paidAt), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ports.ErrNotFound
	}
	return err
}

// Ensure interface compliance.
var _ ports.InvoiceStore = (*InvoiceStore)(nil)
