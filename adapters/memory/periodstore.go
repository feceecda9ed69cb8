package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/runmeter/domain/billing"
	"github.com/artpar/runmeter/ports"
)

// PeriodStore is an in-memory implementation of ports.PeriodStore.
type PeriodStore struct {
	mu      sync.RWMutex
	periods map[string]billing.Period
}

// NewPeriodStore creates a new in-memory period store.
func NewPeriodStore() *PeriodStore {
	return &PeriodStore{periods: make(map[string]billing.Period)}
}

// Get retrieves a period by ID.
func (s *PeriodStore) Get(ctx context.Context, id string) (billing.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.periods[id]
	if !ok {
		return billing.Period{}, ports.ErrNotFound
	}
	return p, nil
}

// GetActiveByAccount retrieves the single active or canceling period for
// an account.
func (s *PeriodStore) GetActiveByAccount(ctx context.Context, accountID string) (billing.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.periods {
		if p.AccountID == accountID && p.IsActive() {
			return p, nil
		}
	}
	return billing.Period{}, ports.ErrNotFound
}

// Create stores a new period.
func (s *PeriodStore) Create(ctx context.Context, p billing.Period) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.periods[p.ID] = p
	return nil
}

// Update modifies an existing period.
func (s *PeriodStore) Update(ctx context.Context, p billing.Period) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.periods[p.ID]; !ok {
		return ports.ErrNotFound
	}
	s.periods[p.ID] = p
	return nil
}

// ListDue returns active periods whose end date has passed.
func (s *PeriodStore) ListDue(ctx context.Context, now time.Time, limit int) ([]billing.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []billing.Period
	for _, p := range s.periods {
		if p.IsActive() && p.IsExpired(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndDate.Before(out[j].EndDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListUninvoiced returns completed periods with billable overage that were
// never invoiced.
func (s *PeriodStore) ListUninvoiced(ctx context.Context, limit int) ([]billing.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []billing.Period
	for _, p := range s.periods {
		if p.Status == billing.PeriodStatusCompleted && !p.Invoiced && p.OverageCostUSD > 0 {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndDate.Before(out[j].EndDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByAccount returns an account's periods, newest first.
func (s *PeriodStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]billing.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []billing.Period
	for _, p := range s.periods {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.After(out[j].StartDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ensure interface compliance.
var _ ports.PeriodStore = (*PeriodStore)(nil)
