package app

import (
	"context"
	"sync"
	"time"

	"github.com/artpar/runmeter/adapters/clock"
	"github.com/artpar/runmeter/adapters/idgen"
	"github.com/artpar/runmeter/adapters/memory"
	"github.com/artpar/runmeter/adapters/payment"
	"github.com/artpar/runmeter/domain/pricing"
	"github.com/artpar/runmeter/ports"
	"github.com/rs/zerolog"
)

// metricsRecorder counts ports.MeterMetrics calls for assertions.
type metricsRecorder struct {
	mu             sync.Mutex
	renewals       map[string]int
	invoices       map[string]int
	sweeps         int
	lastDue        int
	unmapped       int
	overageCredits float64
}

func newMetricsRecorder() *metricsRecorder {
	return &metricsRecorder{
		renewals: make(map[string]int),
		invoices: make(map[string]int),
	}
}

func (m *metricsRecorder) RenewalCompleted(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renewals[outcome]++
}

func (m *metricsRecorder) InvoiceAttempted(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[outcome]++
}

func (m *metricsRecorder) SweepCompleted(d time.Duration, due int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps++
	m.lastDue = due
}

func (m *metricsRecorder) UnmappedIdentifier() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmapped++
}

func (m *metricsRecorder) OverageCharged(credits float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overageCredits += credits
}

func (m *metricsRecorder) renewalCount(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewals[outcome]
}

func (m *metricsRecorder) invoiceCount(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invoices[outcome]
}

var _ ports.MeterMetrics = (*metricsRecorder)(nil)

// fixture wires the full service stack over in-memory adapters.
type fixture struct {
	accounts *memory.AccountStore
	plans    *memory.PlanStore
	periods  *memory.PeriodStore
	invoices *memory.InvoiceStore
	records  *memory.UsageRecordStore
	tx       *memory.LifecycleTx
	payment  *payment.DummyProvider
	clock    *clock.Fake
	idGen    *idgen.Sequential
	metrics  *metricsRecorder

	lifecycle *Lifecycle
	guard     *Guard
	ledger    *Ledger
}

var testNow = time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)

func newFixture() *fixture {
	f := &fixture{
		accounts: memory.NewAccountStore(),
		plans:    memory.NewPlanStore(),
		periods:  memory.NewPeriodStore(),
		invoices: memory.NewInvoiceStore(),
		payment:  payment.NewDummyProvider(),
		clock:    clock.NewFake(testNow),
		idGen:    idgen.NewSequential("id"),
		metrics:  newMetricsRecorder(),
	}
	f.records = memory.NewUsageRecordStore(f.periods)
	f.tx = memory.NewLifecycleTx(f.periods, f.accounts)

	logger := zerolog.Nop()
	f.lifecycle = NewLifecycle(LifecycleDeps{
		Accounts: f.accounts,
		Plans:    f.plans,
		Periods:  f.periods,
		Invoices: f.invoices,
		Tx:       f.tx,
		Payment:  f.payment,
		Clock:    f.clock,
		IDGen:    f.idGen,
		Logger:   logger,
		Metrics:  f.metrics,
	})
	f.lifecycle.invoiceRetries = 1
	f.lifecycle.invoiceBackoff = time.Millisecond

	f.guard = NewGuard(f.periods, f.plans, f.lifecycle, logger, f.metrics)
	f.ledger = NewLedger(LedgerDeps{
		Guard:   f.guard,
		Records: f.records,
		Table:   func() pricing.Table { return pricing.DefaultTable() },
		Clock:   f.clock,
		IDGen:   f.idGen,
		Logger:  logger,
		Metrics: f.metrics,
	})
	return f
}

func (f *fixture) seedPlans() {
	f.plans.Upsert(context.Background(), ports.Plan{
		ID:                  "free",
		Name:                "Free",
		MonthlyQuotaCredits: 1000,
		IsDefault:           true,
		Active:              true,
	})
	f.plans.Upsert(context.Background(), ports.Plan{
		ID:                     "pro",
		Name:                   "Pro",
		MonthlyQuotaCredits:    10000,
		PriceMonthlyUSD:        49,
		OverageRateUSD:         0.01,
		AllowsOverage:          true,
		AllowsRollover:         true,
		DefaultOverageLimitUSD: 20,
		Active:                 true,
	})
}

func (f *fixture) seedAccount(id, planID string) ports.Account {
	a := ports.Account{
		ID:               id,
		Email:            id + "@example.com",
		PlanID:           planID,
		ProviderID:       "cus_" + id,
		Status:           "active",
		BillingAnchorDay: 15,
		CreatedAt:        testNow,
		UpdatedAt:        testNow,
	}
	f.accounts.Create(context.Background(), a)
	return a
}
