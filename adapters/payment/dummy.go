package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/artpar/runmeter/domain/billing"
	"github.com/google/uuid"
)

// DummyProvider simulates a payment platform for development and tests.
// Every call succeeds; created invoices are retained for inspection.
type DummyProvider struct {
	mu       sync.Mutex
	invoices map[string][]billing.InvoiceItem

	// FailInvoices makes CreateInvoice fail (for retry tests).
	FailInvoices bool
}

// NewDummyProvider creates a new dummy payment provider.
func NewDummyProvider() *DummyProvider {
	return &DummyProvider{invoices: make(map[string][]billing.InvoiceItem)}
}

// Name returns the provider name.
func (p *DummyProvider) Name() string {
	return "dummy"
}

// CreateCustomer returns a fake customer ID.
func (p *DummyProvider) CreateCustomer(ctx context.Context, email, name, accountID string) (string, error) {
	return "cus_dummy_" + accountID, nil
}

// CreateInvoice records the items and returns a fake invoice ID.
func (p *DummyProvider) CreateInvoice(ctx context.Context, customerID string, items []billing.InvoiceItem) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailInvoices {
		return "", fmt.Errorf("dummy provider: invoicing disabled")
	}
	id := "in_dummy_" + uuid.New().String()
	p.invoices[id] = items
	return id, nil
}

// CancelSubscription simulates successful cancellation.
func (p *DummyProvider) CancelSubscription(ctx context.Context, customerID string, immediately bool) error {
	return nil
}

// GetSubscriptionStatus reports every dummy subscription as active.
func (p *DummyProvider) GetSubscriptionStatus(ctx context.Context, customerID string) (billing.AccountStatus, error) {
	return billing.AccountStatusActive, nil
}

// ParseWebhook accepts any payload unverified.
func (p *DummyProvider) ParseWebhook(payload []byte, signature string) (string, map[string]any, error) {
	return "dummy.event", map[string]any{"id": uuid.New().String()}, nil
}

// InvoiceCount returns how many invoices were created (for testing).
func (p *DummyProvider) InvoiceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.invoices)
}
