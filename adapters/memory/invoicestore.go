package memory

import (
	"context"
	"sync"
	"time"

	"github.com/artpar/runmeter/domain/billing"
	"github.com/artpar/runmeter/ports"
)

// InvoiceStore is an in-memory implementation of ports.InvoiceStore.
type InvoiceStore struct {
	mu       sync.RWMutex
	invoices map[string]billing.Invoice
}

// NewInvoiceStore creates a new in-memory invoice store.
func NewInvoiceStore() *InvoiceStore {
	return &InvoiceStore{invoices: make(map[string]billing.Invoice)}
}

// Create stores a new invoice.
func (s *InvoiceStore) Create(ctx context.Context, inv billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.ID] = inv
	return nil
}

// GetByProviderID retrieves an invoice by its external ID.
func (s *InvoiceStore) GetByProviderID(ctx context.Context, providerID string) (billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inv := range s.invoices {
		if inv.ProviderID == providerID && providerID != "" {
			return inv, nil
		}
	}
	return billing.Invoice{}, ports.ErrNotFound
}

// GetByPeriod retrieves the invoice issued for a billing period.
func (s *InvoiceStore) GetByPeriod(ctx context.Context, periodID string) (billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inv := range s.invoices {
		if inv.PeriodID == periodID {
			return inv, nil
		}
	}
	return billing.Invoice{}, ports.ErrNotFound
}

// ListByAccount returns invoices for an account.
func (s *InvoiceStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []billing.Invoice
	for _, inv := range s.invoices {
		if inv.AccountID == accountID {
			out = append(out, inv)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// UpdateStatus updates invoice status.
func (s *InvoiceStore) UpdateStatus(ctx context.Context, id string, status billing.InvoiceStatus, paidAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return ports.ErrNotFound
	}
	inv.Status = status
	inv.PaidAt = paidAt
	s.invoices[id] = inv
	return nil
}

// Ensure interface compliance.
var _ ports.InvoiceStore = (*InvoiceStore)(nil)
