package payment

import (
	"context"
	"errors"

	"github.com/artpar/runmeter/domain/billing"
)

// ErrPaymentsDisabled is returned when payments are not configured.
var ErrPaymentsDisabled = errors.New("payments are not configured")

// NoopProvider is a no-op payment provider for when payments are disabled.
type NoopProvider struct{}

// NewNoopProvider creates a new no-op payment provider.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

// Name returns the provider name.
func (p *NoopProvider) Name() string {
	return "none"
}

// CreateCustomer returns an error as payments are disabled.
func (p *NoopProvider) CreateCustomer(ctx context.Context, email, name, accountID string) (string, error) {
	return "", ErrPaymentsDisabled
}

// CreateInvoice returns an error as payments are disabled.
func (p *NoopProvider) CreateInvoice(ctx context.Context, customerID string, items []billing.InvoiceItem) (string, error) {
	return "", ErrPaymentsDisabled
}

// CancelSubscription returns an error as payments are disabled.
func (p *NoopProvider) CancelSubscription(ctx context.Context, customerID string, immediately bool) error {
	return ErrPaymentsDisabled
}

// GetSubscriptionStatus returns an error as payments are disabled.
func (p *NoopProvider) GetSubscriptionStatus(ctx context.Context, customerID string) (billing.AccountStatus, error) {
	return "", ErrPaymentsDisabled
}

// ParseWebhook returns an error as payments are disabled.
func (p *NoopProvider) ParseWebhook(payload []byte, signature string) (string, map[string]any, error) {
	return "", nil, ErrPaymentsDisabled
}
