// Package billing provides billing-period and invoice value types plus the
// pure cycle arithmetic used by the lifecycle manager.
package billing

import "time"

// PeriodStatus represents billing period state.
type PeriodStatus string

const (
	PeriodStatusActive    PeriodStatus = "active"
	PeriodStatusCompleted PeriodStatus = "completed"
	PeriodStatusInactive  PeriodStatus = "inactive"
	PeriodStatusCanceling PeriodStatus = "canceling"
)

// Period is the unit of quota enforcement (value type). Exactly one period
// per account may be active at a time. Periods are never deleted; renewal
// and cancellation only transition their status.
type Period struct {
	ID        string
	AccountID string
	// PlanID may differ from the account's current plan: a prorated
	// plan-change period keeps pricing under the plan it was opened with.
	PlanID    string
	StartDate time.Time
	EndDate   time.Time
	Status    PeriodStatus

	QuotaUsed      float64
	QuotaRemaining float64 // signed; negative means overage
	QuotaOverride  float64 // admin-granted extra credits

	RolloverCredits float64
	OverageCredits  float64
	OverageCostUSD  float64
	OverageLimitUSD float64

	IsOverageLimited bool
	// HasReachedLimit is sticky: once set for a period it is never
	// cleared. A fresh period starts over.
	HasReachedLimit bool

	IsPlanChange   bool
	PreviousPlanID string
	Invoiced       bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Granted returns the total credits granted to this period. The invariant
// QuotaUsed + QuotaRemaining == Granted holds at all times except inside a
// single atomic update.
func (p Period) Granted() float64 {
	return p.QuotaUsed + p.QuotaRemaining
}

// OverageUnits returns the credits consumed beyond the grant, zero when
// still within quota.
func (p Period) OverageUnits() float64 {
	if p.QuotaRemaining < 0 {
		return -p.QuotaRemaining
	}
	return 0
}

// IsActive reports whether this period currently enforces quota. A
// canceling period keeps applying until its natural end.
func (p Period) IsActive() bool {
	return p.Status == PeriodStatusActive || p.Status == PeriodStatusCanceling
}

// IsExpired reports whether the period's end date has passed.
func (p Period) IsExpired(now time.Time) bool {
	return !now.Before(p.EndDate)
}

// AccountStatus represents account subscription state.
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusTrialing AccountStatus = "trialing"
	AccountStatusCanceled AccountStatus = "canceled"
)
