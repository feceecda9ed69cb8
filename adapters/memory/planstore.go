package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/artpar/runmeter/ports"
)

// PlanStore is an in-memory implementation of ports.PlanStore.
type PlanStore struct {
	mu    sync.RWMutex
	plans map[string]ports.Plan
}

// NewPlanStore creates a new in-memory plan store.
func NewPlanStore() *PlanStore {
	return &PlanStore{plans: make(map[string]ports.Plan)}
}

// List returns all active plans ordered by monthly price.
func (s *PlanStore) List(ctx context.Context) ([]ports.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ports.Plan
	for _, p := range s.plans {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceMonthlyUSD < out[j].PriceMonthlyUSD })
	return out, nil
}

// Get retrieves a plan by ID.
func (s *PlanStore) Get(ctx context.Context, id string) (ports.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return ports.Plan{}, ports.ErrNotFound
	}
	return p, nil
}

// GetDefault retrieves the default plan.
func (s *PlanStore) GetDefault(ctx context.Context) (ports.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.plans {
		if p.IsDefault && p.Active {
			return p, nil
		}
	}
	return ports.Plan{}, ports.ErrNotFound
}

// Upsert creates or replaces a plan.
func (s *PlanStore) Upsert(ctx context.Context, p ports.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p
	return nil
}

// Ensure interface compliance.
var _ ports.PlanStore = (*PlanStore)(nil)
