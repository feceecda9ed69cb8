// Package payment provides payment platform adapters.
package payment

import (
	"context"
	"fmt"

	"github.com/artpar/runmeter/domain/billing"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/invoice"
	"github.com/stripe/stripe-go/v76/invoiceitem"
	"github.com/stripe/stripe-go/v76/subscription"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

// StripeProvider implements ports.PaymentProvider for Stripe.
type StripeProvider struct {
	config StripeConfig
}

// NewStripeProvider creates a new Stripe payment provider.
func NewStripeProvider(config StripeConfig) *StripeProvider {
	stripe.Key = config.SecretKey
	return &StripeProvider{config: config}
}

// Name returns the provider name.
func (p *StripeProvider) Name() string {
	return "stripe"
}

// CreateCustomer creates a customer in Stripe.
func (p *StripeProvider) CreateCustomer(ctx context.Context, email, name, accountID string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
	}
	params.AddMetadata("account_id", accountID)

	c, err := customer.New(params)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

// CreateInvoice creates line items for the customer and finalizes them
// into one invoice. Returns the Stripe invoice ID.
func (p *StripeProvider) CreateInvoice(ctx context.Context, customerID string, items []billing.InvoiceItem) (string, error) {
	for _, item := range items {
		_, err := invoiceitem.New(&stripe.InvoiceItemParams{
			Customer:    stripe.String(customerID),
			Description: stripe.String(item.Description),
			Quantity:    stripe.Int64(item.Quantity),
			UnitAmount:  stripe.Int64(int64(item.UnitUSD * 100)),
			Currency:    stripe.String(string(stripe.CurrencyUSD)),
		})
		if err != nil {
			return "", fmt.Errorf("create invoice item: %w", err)
		}
	}

	inv, err := invoice.New(&stripe.InvoiceParams{
		Customer:    stripe.String(customerID),
		AutoAdvance: stripe.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("create invoice: %w", err)
	}
	return inv.ID, nil
}

// CancelSubscription cancels the customer's subscription.
func (p *StripeProvider) CancelSubscription(ctx context.Context, customerID string, immediately bool) error {
	sub, err := p.firstSubscription(customerID)
	if err != nil {
		return err
	}
	if immediately {
		_, err := subscription.Cancel(sub.ID, nil)
		return err
	}
	_, err = subscription.Update(sub.ID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	})
	return err
}

// GetSubscriptionStatus retrieves the customer's subscription state.
func (p *StripeProvider) GetSubscriptionStatus(ctx context.Context, customerID string) (billing.AccountStatus, error) {
	sub, err := p.firstSubscription(customerID)
	if err != nil {
		return "", err
	}
	return mapStripeStatus(sub.Status), nil
}

func (p *StripeProvider) firstSubscription(customerID string) (*stripe.Subscription, error) {
	iter := subscription.List(&stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
	})
	for iter.Next() {
		return iter.Subscription(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("no subscription for customer %s", customerID)
}

// ParseWebhook verifies the signature and extracts the event payload.
func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (string, map[string]any, error) {
	event, err := webhook.ConstructEvent(payload, signature, p.config.WebhookSecret)
	if err != nil {
		return "", nil, fmt.Errorf("verify webhook: %w", err)
	}

	data := make(map[string]any)
	for k, v := range event.Data.Object {
		data[k] = v
	}
	return string(event.Type), data, nil
}

// mapStripeStatus converts a Stripe subscription status to an account status.
func mapStripeStatus(s stripe.SubscriptionStatus) billing.AccountStatus {
	switch s {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusPastDue:
		return billing.AccountStatusActive
	case stripe.SubscriptionStatusTrialing:
		return billing.AccountStatusTrialing
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		return billing.AccountStatusCanceled
	default:
		return billing.AccountStatusActive
	}
}
