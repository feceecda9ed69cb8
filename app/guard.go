package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/artpar/runmeter/domain/billing"
	"github.com/artpar/runmeter/ports"
	"github.com/rs/zerolog"
)

// Denial reasons reported in a Decision.
const (
	DenyLimitReached      = "limit_reached"
	DenyOverageNotAllowed = "overage_not_allowed"
	DenyOverageLimit      = "overage_limit_exceeded"
)

// Decision is the outcome of a quota/overage check. A denial is a defined
// business outcome, not an error.
type Decision struct {
	Allowed             bool
	Reason              string
	QuotaRemaining      float64
	CurrentOverageUSD   float64
	ProjectedOverageUSD float64
	OverageLimitUSD     float64
}

// CheckOverage decides whether additionalCredits may be consumed against a
// period. Exactly reaching the USD limit is approved; only strictly
// exceeding it denies. This is a PURE function - the sticky flag is
// persisted by the caller.
func CheckOverage(period billing.Period, plan ports.Plan, additionalCredits float64) Decision {
	current := billing.OverageCost(period.QuotaRemaining, plan.OverageRateUSD)
	d := Decision{
		QuotaRemaining:    period.QuotaRemaining,
		CurrentOverageUSD: current,
		OverageLimitUSD:   period.OverageLimitUSD,
	}

	if !period.IsOverageLimited {
		d.Allowed = true
		d.ProjectedOverageUSD = current
		return d
	}

	d.ProjectedOverageUSD = billing.OverageCost(period.QuotaRemaining-additionalCredits, plan.OverageRateUSD)
	if d.ProjectedOverageUSD <= period.OverageLimitUSD {
		d.Allowed = true
		return d
	}
	d.Reason = DenyOverageLimit
	return d
}

// Guard approves or denies usage against an account's active billing
// period. The read-modify-write of quota counters and the sticky
// HasReachedLimit flag is atomic per account.
type Guard struct {
	periods   ports.PeriodStore
	plans     ports.PlanStore
	lifecycle *Lifecycle
	logger    zerolog.Logger
	metrics   ports.MeterMetrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGuard creates a new quota/overage guard. A nil metrics disables
// collection.
func NewGuard(periods ports.PeriodStore, plans ports.PlanStore, lifecycle *Lifecycle, logger zerolog.Logger, metrics ports.MeterMetrics) *Guard {
	return &Guard{
		periods:   periods,
		plans:     plans,
		lifecycle: lifecycle,
		logger:    logger,
		metrics:   metrics,
		locks:     make(map[string]*sync.Mutex),
	}
}

// accountLock returns the mutex serializing quota updates for one account.
func (g *Guard) accountLock(accountID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[accountID] = l
	}
	return l
}

// Check reports whether the account could consume credits right now,
// without applying anything. Used for pre-flight checks on usage events.
func (g *Guard) Check(ctx context.Context, accountID string, credits float64) (Decision, error) {
	lock := g.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	period, plan, err := g.resolve(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}
	return g.decide(period, plan, credits), nil
}

// ApplyUsage atomically charges credits to the account's active period.
// When the decision allows, commit (if non-nil) persists the updated
// period inside the caller's transaction; a nil commit lets the guard
// persist the period itself. A commit failure leaves all state unchanged.
// When denied, the sticky limit flag is persisted and no usage is applied.
func (g *Guard) ApplyUsage(ctx context.Context, accountID string, credits float64, commit func(ctx context.Context, period billing.Period) error) (Decision, error) {
	lock := g.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	period, plan, err := g.resolve(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}

	d := g.decide(period, plan, credits)
	if !d.Allowed {
		if d.Reason == DenyOverageLimit && !period.HasReachedLimit {
			period.HasReachedLimit = true
			if err := g.periods.Update(ctx, period); err != nil {
				return d, fmt.Errorf("persist limit flag: %w", err)
			}
			g.logger.Warn().
				Str("account_id", accountID).
				Str("period_id", period.ID).
				Float64("projected_usd", d.ProjectedOverageUSD).
				Float64("limit_usd", d.OverageLimitUSD).
				Msg("overage limit reached, period locked")
		}
		return d, nil
	}

	prevOverage := period.OverageUnits()
	period.QuotaUsed += credits
	period.QuotaRemaining -= credits
	period.OverageCredits = period.OverageUnits()
	period.OverageCostUSD = billing.OverageCost(period.QuotaRemaining, plan.OverageRateUSD)
	period.UpdatedAt = g.lifecycle.clock.Now().UTC()

	if commit != nil {
		if err := commit(ctx, period); err != nil {
			return d, err
		}
	} else if err := g.periods.Update(ctx, period); err != nil {
		return d, fmt.Errorf("apply usage: %w", err)
	}

	if g.metrics != nil && period.OverageCredits > prevOverage {
		g.metrics.OverageCharged(period.OverageCredits - prevOverage)
	}

	d.QuotaRemaining = period.QuotaRemaining
	return d, nil
}

// resolve loads the active period (creating one on demand) and its plan.
func (g *Guard) resolve(ctx context.Context, accountID string) (billing.Period, ports.Plan, error) {
	period, err := g.lifecycle.EnsureActivePeriod(ctx, accountID)
	if err != nil {
		return billing.Period{}, ports.Plan{}, err
	}
	plan, err := g.plans.Get(ctx, period.PlanID)
	if err != nil {
		return billing.Period{}, ports.Plan{}, fmt.Errorf("get plan %s: %w", period.PlanID, err)
	}
	return period, plan, nil
}

// decide applies the refusal ladder: sticky flag first, then the
// no-overage rule, then the USD overage cap.
func (g *Guard) decide(period billing.Period, plan ports.Plan, credits float64) Decision {
	if period.HasReachedLimit {
		return Decision{
			Reason:            DenyLimitReached,
			QuotaRemaining:    period.QuotaRemaining,
			CurrentOverageUSD: billing.OverageCost(period.QuotaRemaining, plan.OverageRateUSD),
			OverageLimitUSD:   period.OverageLimitUSD,
		}
	}
	if !plan.AllowsOverage && period.QuotaRemaining-credits < 0 {
		return Decision{
			Reason:          DenyOverageNotAllowed,
			QuotaRemaining:  period.QuotaRemaining,
			OverageLimitUSD: period.OverageLimitUSD,
		}
	}
	return CheckOverage(period, plan, credits)
}
