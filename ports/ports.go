// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/runmeter/domain/billing"
	"github.com/artpar/runmeter/domain/pricing"
	"github.com/artpar/runmeter/domain/usage"
)

// ErrNotFound is returned by all store implementations when a record
// does not exist.
var ErrNotFound = errors.New("not found")

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// MeterMetrics receives billing-engine counters from the application
// services. Implementations must be safe for concurrent use. A nil
// MeterMetrics disables collection.
type MeterMetrics interface {
	// RenewalCompleted records one period renewal with its outcome
	// ("renewed", "closed" or "error").
	RenewalCompleted(outcome string)

	// InvoiceAttempted records one payment-platform invoice attempt
	// ("ok" or "error").
	InvoiceAttempted(outcome string)

	// SweepCompleted records one sweep pass and the due periods it found.
	SweepCompleted(d time.Duration, due int)

	// UnmappedIdentifier records a usage component that matched no
	// pricing entry.
	UnmappedIdentifier()

	// OverageCharged records credits consumed beyond the period quota.
	OverageCharged(credits float64)
}

// -----------------------------------------------------------------------------
// Data Model
// -----------------------------------------------------------------------------

// Account represents a metered customer account.
type Account struct {
	ID         string
	Email      string
	Name       string
	PlanID     string
	ProviderID string // customer ID at the payment platform
	Status     billing.AccountStatus

	// CreditBalance is a denormalized cache of the active period's
	// remaining credits, refreshed at renewal and plan change.
	CreditBalance float64

	// BillingAnchorDay is the day of month (1-28) each cycle starts on.
	BillingAnchorDay int

	TrialEndsAt *time.Time

	// Daily usage reset counters.
	DailyRunsUsed int64
	DailyResetAt  time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InTrial reports whether the account's trial window covers now.
func (a Account) InTrial(now time.Time) bool {
	return a.TrialEndsAt != nil && now.Before(*a.TrialEndsAt)
}

// Plan represents an immutable-per-version subscription catalog entry.
// Runtime usage never mutates a plan; only the seeding routine writes them.
type Plan struct {
	ID                     string
	Name                   string
	Description            string
	MonthlyQuotaCredits    float64
	MaxRunsPerDay          int64 // 0 = unlimited
	PriceMonthlyUSD        float64
	OverageRateUSD         float64 // USD per credit over quota
	AllowsOverage          bool
	AllowsRollover         bool
	DefaultOverageLimitUSD float64
	TrialDays              int
	IsDefault              bool
	Active                 bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// UsageRecord holds the finalized, immutable cost breakdown of one run,
// linked to exactly one billing period.
type UsageRecord struct {
	ID        string
	RunID     string
	AccountID string
	PeriodID  string
	FixedCost float64
	LLMCost   float64
	ToolsCost float64
	KBCost    float64
	AppMargin float64
	TotalCost float64
	CreatedAt time.Time
}

// TokenDetail is an immutable token line item under a usage record.
type TokenDetail struct {
	ID           string
	RecordID     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// ToolDetail is an immutable tool line item under a usage record.
type ToolDetail struct {
	ID       string
	RecordID string
	Name     string
	Count    int64
	Cost     float64
}

// KBDetail is an immutable knowledge-base line item under a usage record.
type KBDetail struct {
	ID       string
	RecordID string
	Name     string
	Accesses int64
	Cost     float64
}

// UsageDetails groups the line items persisted with a usage record.
type UsageDetails struct {
	Tokens []TokenDetail
	Tools  []ToolDetail
	KBs    []KBDetail
}

// DetailsFromSet builds detail rows from a deduplicated usage set, pricing
// each line item with the given table. Per-line costs sum to the set's
// breakdown because all pricing functions are additive over entries.
func DetailsFromSet(recordID string, set usage.Set, table pricing.Table, idGen IDGenerator) UsageDetails {
	var d UsageDetails
	for _, t := range set.Tokens {
		d.Tokens = append(d.Tokens, TokenDetail{
			ID: idGen.New(), RecordID: recordID,
			Model: t.Model, InputTokens: t.InputTokens, OutputTokens: t.OutputTokens,
			Cost: pricing.LLMCost([]usage.TokenUsage{t}, table),
		})
	}
	for _, t := range set.Tools {
		d.Tools = append(d.Tools, ToolDetail{
			ID: idGen.New(), RecordID: recordID, Name: t.Name, Count: t.Count,
			Cost: pricing.ToolCost([]usage.ToolUsage{t}, table),
		})
	}
	for _, k := range set.KBs {
		d.KBs = append(d.KBs, KBDetail{
			ID: idGen.New(), RecordID: recordID, Name: k.Name, Accesses: k.Accesses,
			Cost: pricing.KBCost([]usage.KBUsage{k}, table),
		})
	}
	return d
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// AccountStore persists customer accounts.
type AccountStore interface {
	// Get retrieves an account by ID.
	Get(ctx context.Context, id string) (Account, error)

	// GetByProviderID retrieves an account by its payment-platform
	// customer ID (webhook routing).
	GetByProviderID(ctx context.Context, providerID string) (Account, error)

	// Create stores a new account.
	Create(ctx context.Context, a Account) error

	// Update modifies an existing account.
	Update(ctx context.Context, a Account) error

	// List returns accounts with pagination.
	List(ctx context.Context, limit, offset int) ([]Account, error)
}

// PlanStore persists subscription plans.
type PlanStore interface {
	// List returns all active plans.
	List(ctx context.Context) ([]Plan, error)

	// Get retrieves a plan by ID.
	Get(ctx context.Context, id string) (Plan, error)

	// GetDefault retrieves the default plan for new accounts.
	GetDefault(ctx context.Context) (Plan, error)

	// Upsert creates or replaces a plan (seeding routine only).
	Upsert(ctx context.Context, p Plan) error
}

// PeriodStore persists billing periods.
type PeriodStore interface {
	// Get retrieves a period by ID.
	Get(ctx context.Context, id string) (billing.Period, error)

	// GetActiveByAccount retrieves the single active (or canceling)
	// period for an account. Returns ErrNotFound if none exists.
	GetActiveByAccount(ctx context.Context, accountID string) (billing.Period, error)

	// Create stores a new period.
	Create(ctx context.Context, p billing.Period) error

	// Update modifies an existing period.
	Update(ctx context.Context, p billing.Period) error

	// ListDue returns active periods whose end date has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]billing.Period, error)

	// ListUninvoiced returns completed periods carrying overage that have
	// not been invoiced yet (sweep retry).
	ListUninvoiced(ctx context.Context, limit int) ([]billing.Period, error)

	// ListByAccount returns an account's periods, newest first.
	ListByAccount(ctx context.Context, accountID string, limit int) ([]billing.Period, error)
}

// UsageRecordStore persists finalized usage records and their detail rows.
type UsageRecordStore interface {
	// Create stores a record with its detail rows and applies the cost to
	// the owning period, all inside one transaction. The period passed in
	// carries the post-application quota counters.
	Create(ctx context.Context, rec UsageRecord, details UsageDetails, period billing.Period) error

	// GetByRun retrieves the record finalized for a run.
	GetByRun(ctx context.Context, runID string) (UsageRecord, error)

	// ListByPeriod returns all records linked to a period.
	ListByPeriod(ctx context.Context, periodID string) ([]UsageRecord, error)
}

// InvoiceStore persists invoices.
type InvoiceStore interface {
	// Create stores a new invoice.
	Create(ctx context.Context, inv billing.Invoice) error

	// GetByProviderID retrieves an invoice by its external ID.
	GetByProviderID(ctx context.Context, providerID string) (billing.Invoice, error)

	// GetByPeriod retrieves the invoice issued for a billing period.
	// At most one invoice exists per period.
	GetByPeriod(ctx context.Context, periodID string) (billing.Invoice, error)

	// ListByAccount returns invoices for an account.
	ListByAccount(ctx context.Context, accountID string, limit int) ([]billing.Invoice, error)

	// UpdateStatus updates invoice status.
	UpdateStatus(ctx context.Context, id string, status billing.InvoiceStatus, paidAt *time.Time) error
}

// LifecycleTx executes close-old-plus-open-new period transitions as one
// logical transaction. Implementations that cannot provide atomicity (the
// in-memory adapter) apply the writes sequentially.
type LifecycleTx interface {
	// CloseAndOpen marks closing with its final state, creates next and
	// applies the account update, all atomically. A zero-value next means
	// no successor opens (cancellation).
	CloseAndOpen(ctx context.Context, closing, next billing.Period, account Account) error
}

// -----------------------------------------------------------------------------
// External Service Ports
// -----------------------------------------------------------------------------

// PaymentProvider interfaces with the payment platform. Calls are opaque,
// retryable and idempotent; wire format is the provider's concern.
type PaymentProvider interface {
	// Name returns the provider name (e.g., "stripe").
	Name() string

	// CreateCustomer creates a customer in the payment system.
	CreateCustomer(ctx context.Context, email, name, accountID string) (customerID string, err error)

	// CreateInvoice creates an invoice for a closed period.
	// Returns the provider's invoice ID.
	CreateInvoice(ctx context.Context, customerID string, items []billing.InvoiceItem) (providerInvoiceID string, err error)

	// CancelSubscription cancels the provider-side subscription.
	CancelSubscription(ctx context.Context, customerID string, immediately bool) error

	// GetSubscriptionStatus retrieves the provider-side subscription state.
	GetSubscriptionStatus(ctx context.Context, customerID string) (billing.AccountStatus, error)

	// ParseWebhook parses and validates an incoming webhook.
	// Returns the event type and payload.
	ParseWebhook(payload []byte, signature string) (eventType string, data map[string]any, err error)
}
