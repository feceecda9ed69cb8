// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/runmeter/domain/billing"
	"github.com/artpar/runmeter/ports"
	"github.com/rs/zerolog"
)

// ErrNoActivePeriod is returned when an account has no active billing
// period and on-demand creation was not requested.
var ErrNoActivePeriod = errors.New("no active billing period")

// ErrDailyRunLimit is returned when the plan's per-day run cap is exhausted.
var ErrDailyRunLimit = errors.New("daily run limit reached")

// Lifecycle creates, renews, prorates and expires billing periods.
type Lifecycle struct {
	accounts ports.AccountStore
	plans    ports.PlanStore
	periods  ports.PeriodStore
	invoices ports.InvoiceStore
	tx       ports.LifecycleTx
	payment  ports.PaymentProvider
	clock    ports.Clock
	idGen    ports.IDGenerator
	logger   zerolog.Logger
	metrics  ports.MeterMetrics

	// invoiceRetries bounds the payment-platform retry loop during renewal.
	invoiceRetries int
	invoiceBackoff time.Duration
}

// LifecycleDeps contains dependencies for the lifecycle manager.
type LifecycleDeps struct {
	Accounts ports.AccountStore
	Plans    ports.PlanStore
	Periods  ports.PeriodStore
	Invoices ports.InvoiceStore
	Tx       ports.LifecycleTx
	Payment  ports.PaymentProvider
	Clock    ports.Clock
	IDGen    ports.IDGenerator
	Logger   zerolog.Logger

	// Metrics is optional; nil disables collection.
	Metrics ports.MeterMetrics
}

// NewLifecycle creates a new billing period lifecycle manager.
func NewLifecycle(deps LifecycleDeps) *Lifecycle {
	return &Lifecycle{
		accounts:       deps.Accounts,
		plans:          deps.Plans,
		periods:        deps.Periods,
		invoices:       deps.Invoices,
		tx:             deps.Tx,
		payment:        deps.Payment,
		clock:          deps.Clock,
		idGen:          deps.IDGen,
		logger:         deps.Logger,
		metrics:        deps.Metrics,
		invoiceRetries: 3,
		invoiceBackoff: 2 * time.Second,
	}
}

// CreateOptions tunes period creation.
type CreateOptions struct {
	// StartOverride forces the period start instead of anchoring to now.
	StartOverride *time.Time
	// QuotaOverride grants extra credits on top of the plan quota.
	QuotaOverride float64
}

// CreatePeriod opens a new active period for an account, anchored to the
// account's billing day. The anchor day is clamped to 1-28 so month-length
// edge cases cannot shift the cycle.
func (l *Lifecycle) CreatePeriod(ctx context.Context, account ports.Account, opts CreateOptions) (billing.Period, error) {
	plan, err := l.plans.Get(ctx, account.PlanID)
	if err != nil {
		return billing.Period{}, fmt.Errorf("get plan %s: %w", account.PlanID, err)
	}

	now := l.clock.Now().UTC()
	var start, end time.Time
	if opts.StartOverride != nil {
		start = opts.StartOverride.UTC()
		end = start.AddDate(0, 1, 0)
	} else {
		start, end = billing.CycleBounds(now, account.BillingAnchorDay)
	}

	granted := plan.MonthlyQuotaCredits + opts.QuotaOverride
	period := billing.Period{
		ID:               l.idGen.New(),
		AccountID:        account.ID,
		PlanID:           plan.ID,
		StartDate:        start,
		EndDate:          end,
		Status:           billing.PeriodStatusActive,
		QuotaUsed:        0,
		QuotaRemaining:   granted,
		QuotaOverride:    opts.QuotaOverride,
		OverageLimitUSD:  plan.DefaultOverageLimitUSD,
		IsOverageLimited: plan.AllowsOverage && plan.DefaultOverageLimitUSD > 0,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := l.periods.Create(ctx, period); err != nil {
		return billing.Period{}, fmt.Errorf("create period: %w", err)
	}

	account.CreditBalance = granted
	account.UpdatedAt = now
	if err := l.accounts.Update(ctx, account); err != nil {
		l.logger.Error().Err(err).Str("account_id", account.ID).
			Msg("period created but account balance update failed")
	}

	l.logger.Info().
		Str("account_id", account.ID).
		Str("period_id", period.ID).
		Time("start", start).
		Time("end", end).
		Float64("granted", granted).
		Msg("billing period created")

	return period, nil
}

// EnsureActivePeriod resolves the account's active period, creating one on
// demand from the account's current plan and anchor day when none exists.
func (l *Lifecycle) EnsureActivePeriod(ctx context.Context, accountID string) (billing.Period, error) {
	period, err := l.periods.GetActiveByAccount(ctx, accountID)
	if err == nil {
		return period, nil
	}
	if !errors.Is(err, ports.ErrNotFound) {
		return billing.Period{}, fmt.Errorf("get active period: %w", err)
	}

	account, err := l.accounts.Get(ctx, accountID)
	if err != nil {
		return billing.Period{}, fmt.Errorf("get account %s: %w", accountID, err)
	}
	return l.CreatePeriod(ctx, account, CreateOptions{})
}

// CountDailyRun records one run start against the account's daily counter.
// The counter resets at the first run of each UTC day. Plans with a
// MaxRunsPerDay cap refuse further runs once the counter reaches it.
func (l *Lifecycle) CountDailyRun(ctx context.Context, accountID string) error {
	account, err := l.accounts.Get(ctx, accountID)
	if err != nil {
		return fmt.Errorf("get account %s: %w", accountID, err)
	}
	plan, err := l.plans.Get(ctx, account.PlanID)
	if err != nil {
		return fmt.Errorf("get plan %s: %w", account.PlanID, err)
	}

	now := l.clock.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if account.DailyResetAt.Before(dayStart) {
		account.DailyRunsUsed = 0
		account.DailyResetAt = dayStart
	}
	if plan.MaxRunsPerDay > 0 && account.DailyRunsUsed >= plan.MaxRunsPerDay {
		return ErrDailyRunLimit
	}

	account.DailyRunsUsed++
	account.UpdatedAt = now
	if err := l.accounts.Update(ctx, account); err != nil {
		return fmt.Errorf("update daily runs for %s: %w", accountID, err)
	}
	return nil
}

// RenewPeriod closes an expired period and opens the next contiguous one.
// Rollover is granted only when the plan allows it. Billable overage on the
// closing period is invoiced through the payment platform only after the
// transition commits, so a failed renewal leaves nothing invoiced and a
// retry cannot double-charge. Invoicing failure never fails the renewal:
// the period stays uninvoiced and a later sweep retries.
func (l *Lifecycle) RenewPeriod(ctx context.Context, periodID string) (billing.Period, error) {
	closing, err := l.periods.Get(ctx, periodID)
	if err != nil {
		return billing.Period{}, fmt.Errorf("get period %s: %w", periodID, err)
	}
	if !closing.IsActive() {
		// Already renewed by a concurrent sweep; return the current
		// active period so callers see a consistent state.
		return l.periods.GetActiveByAccount(ctx, closing.AccountID)
	}

	account, err := l.accounts.Get(ctx, closing.AccountID)
	if err != nil {
		return billing.Period{}, fmt.Errorf("get account %s: %w", closing.AccountID, err)
	}
	closingPlan, err := l.plans.Get(ctx, closing.PlanID)
	if err != nil {
		return billing.Period{}, fmt.Errorf("get plan %s: %w", closing.PlanID, err)
	}

	now := l.clock.Now().UTC()
	canceling := closing.Status == billing.PeriodStatusCanceling

	closing.OverageCredits = closing.OverageUnits()
	closing.OverageCostUSD = billing.OverageCost(closing.QuotaRemaining, closingPlan.OverageRateUSD)
	closing.Status = billing.PeriodStatusCompleted
	closing.UpdatedAt = now

	if canceling {
		// A canceling period ends the subscription: no successor opens.
		account.CreditBalance = 0
		account.UpdatedAt = now
		if err := l.tx.CloseAndOpen(ctx, closing, billing.Period{}, account); err != nil {
			if l.metrics != nil {
				l.metrics.RenewalCompleted("error")
			}
			return billing.Period{}, fmt.Errorf("close canceling period: %w", err)
		}
		if l.metrics != nil {
			l.metrics.RenewalCompleted("closed")
		}
		l.invoiceClosed(ctx, account, &closing, closingPlan)
		l.logger.Info().Str("account_id", account.ID).Str("period_id", closing.ID).
			Msg("canceling period closed, subscription ended")
		return closing, nil
	}

	// The new grant follows the account's *current* plan; the closing
	// period may still be priced under an older one after a plan change.
	newPlan := closingPlan
	if account.PlanID != closing.PlanID {
		newPlan, err = l.plans.Get(ctx, account.PlanID)
		if err != nil {
			return billing.Period{}, fmt.Errorf("get plan %s: %w", account.PlanID, err)
		}
	}

	rollover := billing.RolloverAmount(newPlan.AllowsRollover, closing.QuotaRemaining)
	start, end := billing.NextBounds(closing.EndDate)
	granted := newPlan.MonthlyQuotaCredits + rollover

	next := billing.Period{
		ID:               l.idGen.New(),
		AccountID:        account.ID,
		PlanID:           newPlan.ID,
		StartDate:        start,
		EndDate:          end,
		Status:           billing.PeriodStatusActive,
		QuotaRemaining:   granted,
		RolloverCredits:  rollover,
		OverageLimitUSD:  newPlan.DefaultOverageLimitUSD,
		IsOverageLimited: newPlan.AllowsOverage && newPlan.DefaultOverageLimitUSD > 0,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	account.CreditBalance = granted
	account.UpdatedAt = now

	if err := l.tx.CloseAndOpen(ctx, closing, next, account); err != nil {
		if l.metrics != nil {
			l.metrics.RenewalCompleted("error")
		}
		return billing.Period{}, fmt.Errorf("renew period %s: %w", periodID, err)
	}
	if l.metrics != nil {
		l.metrics.RenewalCompleted("renewed")
	}
	l.invoiceClosed(ctx, account, &closing, closingPlan)

	l.logger.Info().
		Str("account_id", account.ID).
		Str("closed_period", closing.ID).
		Str("new_period", next.ID).
		Float64("rollover", rollover).
		Float64("granted", granted).
		Msg("billing period renewed")

	return next, nil
}

// invoiceClosed invoices billable overage on a period that already
// committed as completed, then persists the invoiced flag. Failure is
// logged only: the period stays uninvoiced and the sweep retries.
func (l *Lifecycle) invoiceClosed(ctx context.Context, account ports.Account, closed *billing.Period, plan ports.Plan) {
	if closed.OverageCostUSD <= 0 || closed.Invoiced || !plan.AllowsOverage {
		return
	}
	if err := l.invoiceOverage(ctx, account, closed, plan); err != nil {
		l.logger.Warn().Err(err).
			Str("period_id", closed.ID).
			Str("account_id", account.ID).
			Msg("overage invoicing failed, period stays uninvoiced")
		return
	}
	if err := l.periods.Update(ctx, *closed); err != nil {
		l.logger.Error().Err(err).Str("period_id", closed.ID).
			Msg("invoice issued but invoiced flag not persisted")
	}
}

// invoiceOverage creates the provider invoice for a closed period and
// records it locally. At most one invoice is ever issued per period: a
// period that already has a stored invoice is only marked invoiced.
func (l *Lifecycle) invoiceOverage(ctx context.Context, account ports.Account, closed *billing.Period, plan ports.Plan) error {
	if _, err := l.invoices.GetByPeriod(ctx, closed.ID); err == nil {
		closed.Invoiced = true
		return nil
	} else if !errors.Is(err, ports.ErrNotFound) {
		return fmt.Errorf("look up period invoice: %w", err)
	}

	inv := billing.BuildOverageInvoice(account.ID, *closed, plan.Name, plan.PriceMonthlyUSD, plan.OverageRateUSD)
	inv.ID = l.idGen.New()

	var providerID string
	var err error
	for attempt := 0; attempt <= l.invoiceRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.invoiceBackoff * time.Duration(attempt)):
			}
		}
		providerID, err = l.payment.CreateInvoice(ctx, account.ProviderID, inv.Items)
		if err == nil {
			if l.metrics != nil {
				l.metrics.InvoiceAttempted("ok")
			}
			break
		}
		if l.metrics != nil {
			l.metrics.InvoiceAttempted("error")
		}
		l.logger.Warn().Err(err).Int("attempt", attempt+1).
			Str("period_id", closed.ID).Msg("payment platform invoice attempt failed")
	}
	if err != nil {
		return fmt.Errorf("create provider invoice: %w", err)
	}

	inv.ProviderID = providerID
	if err := l.invoices.Create(ctx, inv); err != nil {
		return fmt.Errorf("store invoice: %w", err)
	}
	closed.Invoiced = true
	return nil
}

// RetryInvoicing re-attempts invoicing for a completed period left
// uninvoiced by an earlier gateway failure.
func (l *Lifecycle) RetryInvoicing(ctx context.Context, periodID string) error {
	period, err := l.periods.Get(ctx, periodID)
	if err != nil {
		return fmt.Errorf("get period %s: %w", periodID, err)
	}
	if period.Invoiced || period.OverageCostUSD <= 0 {
		return nil
	}
	plan, err := l.plans.Get(ctx, period.PlanID)
	if err != nil {
		return fmt.Errorf("get plan %s: %w", period.PlanID, err)
	}
	if !plan.AllowsOverage {
		return nil
	}
	account, err := l.accounts.Get(ctx, period.AccountID)
	if err != nil {
		return fmt.Errorf("get account %s: %w", period.AccountID, err)
	}
	if err := l.invoiceOverage(ctx, account, &period, plan); err != nil {
		return err
	}
	return l.periods.Update(ctx, period)
}

// ChangePlan moves an account to a new plan. With prorate, the active
// period closes immediately and a partial period runs until the original
// end date with a day-weighted quota grant. Without prorate, a fresh
// full-cycle period opens anchored normally.
func (l *Lifecycle) ChangePlan(ctx context.Context, accountID, newPlanID string, prorate bool) (billing.Period, error) {
	account, err := l.accounts.Get(ctx, accountID)
	if err != nil {
		return billing.Period{}, fmt.Errorf("get account %s: %w", accountID, err)
	}
	newPlan, err := l.plans.Get(ctx, newPlanID)
	if err != nil {
		return billing.Period{}, fmt.Errorf("get plan %s: %w", newPlanID, err)
	}

	now := l.clock.Now().UTC()
	current, err := l.periods.GetActiveByAccount(ctx, accountID)
	hasActive := err == nil
	if err != nil && !errors.Is(err, ports.ErrNotFound) {
		return billing.Period{}, fmt.Errorf("get active period: %w", err)
	}

	account.PlanID = newPlan.ID
	account.UpdatedAt = now

	if prorate && hasActive {
		totalDays := billing.DaysBetween(current.StartDate, current.EndDate)
		remainingDays := billing.DaysBetween(now, current.EndDate)
		granted := billing.ProratedQuota(newPlan.MonthlyQuotaCredits, remainingDays, totalDays)

		current.Status = billing.PeriodStatusCompleted
		current.UpdatedAt = now

		next := billing.Period{
			ID:               l.idGen.New(),
			AccountID:        account.ID,
			PlanID:           newPlan.ID,
			StartDate:        now,
			EndDate:          current.EndDate,
			Status:           billing.PeriodStatusActive,
			QuotaRemaining:   granted,
			OverageLimitUSD:  newPlan.DefaultOverageLimitUSD,
			IsOverageLimited: newPlan.AllowsOverage && newPlan.DefaultOverageLimitUSD > 0,
			IsPlanChange:     true,
			PreviousPlanID:   current.PlanID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}

		account.CreditBalance = granted
		if err := l.tx.CloseAndOpen(ctx, current, next, account); err != nil {
			return billing.Period{}, fmt.Errorf("prorated plan change: %w", err)
		}

		l.logger.Info().
			Str("account_id", account.ID).
			Str("old_plan", next.PreviousPlanID).
			Str("new_plan", newPlan.ID).
			Float64("prorated_grant", granted).
			Msg("plan changed with proration")
		return next, nil
	}

	if hasActive {
		// Close the old period and open the fresh full cycle in one
		// transaction so the account never sits without an active period.
		current.Status = billing.PeriodStatusInactive
		current.UpdatedAt = now

		start, end := billing.CycleBounds(now, account.BillingAnchorDay)
		granted := newPlan.MonthlyQuotaCredits
		next := billing.Period{
			ID:               l.idGen.New(),
			AccountID:        account.ID,
			PlanID:           newPlan.ID,
			StartDate:        start,
			EndDate:          end,
			Status:           billing.PeriodStatusActive,
			QuotaRemaining:   granted,
			OverageLimitUSD:  newPlan.DefaultOverageLimitUSD,
			IsOverageLimited: newPlan.AllowsOverage && newPlan.DefaultOverageLimitUSD > 0,
			CreatedAt:        now,
			UpdatedAt:        now,
		}

		account.CreditBalance = granted
		if err := l.tx.CloseAndOpen(ctx, current, next, account); err != nil {
			return billing.Period{}, fmt.Errorf("plan change: %w", err)
		}

		l.logger.Info().
			Str("account_id", account.ID).
			Str("old_plan", current.PlanID).
			Str("new_plan", newPlan.ID).
			Float64("granted", granted).
			Msg("plan changed")
		return next, nil
	}

	if err := l.accounts.Update(ctx, account); err != nil {
		return billing.Period{}, fmt.Errorf("update account plan: %w", err)
	}
	return l.CreatePeriod(ctx, account, CreateOptions{})
}

// CancelSubscription marks the active period canceling (it keeps applying
// until its natural end) and the account canceled. The provider-side
// subscription cancels at period end.
func (l *Lifecycle) CancelSubscription(ctx context.Context, accountID string) error {
	account, err := l.accounts.Get(ctx, accountID)
	if err != nil {
		return fmt.Errorf("get account %s: %w", accountID, err)
	}

	now := l.clock.Now().UTC()
	period, err := l.periods.GetActiveByAccount(ctx, accountID)
	if err == nil {
		period.Status = billing.PeriodStatusCanceling
		period.UpdatedAt = now
		if err := l.periods.Update(ctx, period); err != nil {
			return fmt.Errorf("mark period canceling: %w", err)
		}
	} else if !errors.Is(err, ports.ErrNotFound) {
		return fmt.Errorf("get active period: %w", err)
	}

	account.Status = billing.AccountStatusCanceled
	account.UpdatedAt = now
	if err := l.accounts.Update(ctx, account); err != nil {
		return fmt.Errorf("update account status: %w", err)
	}

	if account.ProviderID != "" {
		if err := l.payment.CancelSubscription(ctx, account.ProviderID, false); err != nil {
			l.logger.Warn().Err(err).Str("account_id", accountID).
				Msg("provider-side cancellation failed, will sync via webhook")
		}
	}

	l.logger.Info().Str("account_id", accountID).Msg("subscription canceled")
	return nil
}
