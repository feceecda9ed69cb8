package memory

import (
	"context"
	"sync"

	"github.com/artpar/runmeter/domain/billing"
	"github.com/artpar/runmeter/ports"
)

// UsageRecordStore is an in-memory implementation of ports.UsageRecordStore.
// It shares the period store so Create can apply the charged period the
// way the SQLite adapter's transaction does.
type UsageRecordStore struct {
	mu      sync.RWMutex
	records []ports.UsageRecord
	details map[string]ports.UsageDetails
	periods *PeriodStore

	// FailNext simulates a persistence failure on the next Create
	// (for rollback tests).
	FailNext error
}

// NewUsageRecordStore creates a new in-memory usage record store.
func NewUsageRecordStore(periods *PeriodStore) *UsageRecordStore {
	return &UsageRecordStore{
		details: make(map[string]ports.UsageDetails),
		periods: periods,
	}
}

// Create stores a record with its detail rows and applies the charged
// period. All-or-nothing: a simulated failure leaves no partial state.
func (s *UsageRecordStore) Create(ctx context.Context, rec ports.UsageRecord, details ports.UsageDetails, period billing.Period) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		return err
	}
	if s.periods != nil {
		if err := s.periods.Update(ctx, period); err != nil {
			return err
		}
	}
	s.records = append(s.records, rec)
	s.details[rec.ID] = details
	return nil
}

// GetByRun retrieves the most recent record finalized for a run.
func (s *UsageRecordStore) GetByRun(ctx context.Context, runID string) (ports.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].RunID == runID {
			return s.records[i], nil
		}
	}
	return ports.UsageRecord{}, ports.ErrNotFound
}

// ListByPeriod returns all records linked to a period.
func (s *UsageRecordStore) ListByPeriod(ctx context.Context, periodID string) ([]ports.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ports.UsageRecord
	for _, r := range s.records {
		if r.PeriodID == periodID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Details returns the detail rows stored for a record (for testing).
func (s *UsageRecordStore) Details(recordID string) ports.UsageDetails {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.details[recordID]
}

// Ensure interface compliance.
var _ ports.UsageRecordStore = (*UsageRecordStore)(nil)
