package app

import (
	"context"
	"fmt"

	"github.com/artpar/runmeter/domain/billing"
	"github.com/artpar/runmeter/ports"
	"github.com/rs/zerolog"
)

// PaymentWebhookService reacts to payment-platform notifications. The
// platform is the source of truth for subscription status and invoice
// settlement; these handlers feed its confirmations back into accounts
// and invoices. Calls are treated as idempotent - providers redeliver.
type PaymentWebhookService struct {
	accounts ports.AccountStore
	invoices ports.InvoiceStore
	plans    ports.PlanStore
	clock    ports.Clock
	logger   zerolog.Logger
}

// NewPaymentWebhookService creates a new payment webhook service.
func NewPaymentWebhookService(
	accounts ports.AccountStore,
	invoices ports.InvoiceStore,
	plans ports.PlanStore,
	clock ports.Clock,
	logger zerolog.Logger,
) *PaymentWebhookService {
	return &PaymentWebhookService{
		accounts: accounts,
		invoices: invoices,
		plans:    plans,
		clock:    clock,
		logger:   logger,
	}
}

// HandleSubscriptionUpdated syncs provider-side subscription changes onto
// the account: status transitions and, when the provider reports a plan
// switch, the plan reference.
func (s *PaymentWebhookService) HandleSubscriptionUpdated(ctx context.Context, customerID, planID string, status billing.AccountStatus) error {
	s.logger.Info().
		Str("customer_id", customerID).
		Str("plan_id", planID).
		Str("status", string(status)).
		Msg("handling subscription updated webhook")

	account, err := s.accounts.GetByProviderID(ctx, customerID)
	if err != nil {
		return fmt.Errorf("find account for customer %s: %w", customerID, err)
	}

	if planID != "" && planID != account.PlanID {
		if _, err := s.plans.Get(ctx, planID); err != nil {
			return fmt.Errorf("verify plan %s: %w", planID, err)
		}
		account.PlanID = planID
	}
	if status != "" {
		account.Status = status
	}
	account.UpdatedAt = s.clock.Now().UTC()

	if err := s.accounts.Update(ctx, account); err != nil {
		return fmt.Errorf("update account %s: %w", account.ID, err)
	}
	return nil
}

// HandleInvoicePaid marks the referenced invoice paid.
func (s *PaymentWebhookService) HandleInvoicePaid(ctx context.Context, providerInvoiceID string) error {
	s.logger.Info().
		Str("provider_invoice_id", providerInvoiceID).
		Msg("handling invoice paid webhook")

	inv, err := s.invoices.GetByProviderID(ctx, providerInvoiceID)
	if err != nil {
		return fmt.Errorf("find invoice %s: %w", providerInvoiceID, err)
	}
	if inv.Status == billing.InvoiceStatusPaid {
		return nil // redelivery
	}

	now := s.clock.Now().UTC()
	if err := s.invoices.UpdateStatus(ctx, inv.ID, billing.InvoiceStatusPaid, &now); err != nil {
		return fmt.Errorf("mark invoice paid: %w", err)
	}
	return nil
}

// HandleInvoiceFailed marks the referenced invoice failed. The period
// stays invoiced: the provider retries collection on its own schedule.
func (s *PaymentWebhookService) HandleInvoiceFailed(ctx context.Context, providerInvoiceID string) error {
	s.logger.Warn().
		Str("provider_invoice_id", providerInvoiceID).
		Msg("handling invoice payment failed webhook")

	inv, err := s.invoices.GetByProviderID(ctx, providerInvoiceID)
	if err != nil {
		return fmt.Errorf("find invoice %s: %w", providerInvoiceID, err)
	}
	if err := s.invoices.UpdateStatus(ctx, inv.ID, billing.InvoiceStatusFailed, nil); err != nil {
		return fmt.Errorf("mark invoice failed: %w", err)
	}
	return nil
}
