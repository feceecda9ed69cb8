package app

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/artpar/runmeter/domain/billing"
	"github.com/artpar/runmeter/domain/pricing"
	"github.com/artpar/runmeter/domain/usage"
	"github.com/artpar/runmeter/ports"
	"github.com/rs/zerolog"
)

// ErrNoUsage is returned by Finalize when a run has neither pending usage
// nor a cached breakdown.
var ErrNoUsage = errors.New("no usage recorded for run")

// pendingRun accumulates not-yet-finalized usage for one raw identifier.
// Created lazily on first event, consumed and deleted at finalization,
// never persisted.
type pendingRun struct {
	set    usage.Set
	kbSeen map[string]bool
}

// FinalizeResult is the outcome of finalizing a run.
type FinalizeResult struct {
	Breakdown pricing.Breakdown
	RecordID  string
	// Denied is set when the quota/overage guard refused the usage; the
	// breakdown is still reported but nothing was persisted or charged.
	Denied     bool
	DenyReason string
}

// Ledger accepts usage events keyed by run identifier and produces exactly
// one finalized, deduplicated cost breakdown per logical run.
//
// A run may be known under several identifiers: the run UUID assigned at
// flow build time, a session label assigned for conversational continuity,
// and component-scoped derivatives of either ("<id>_<component>"). The
// alias table seeded by RegisterRun maps UUID and label to each other so
// finalization can gather every contribution.
type Ledger struct {
	mu sync.Mutex
	// pending is the arena of accumulators, keyed by raw identifier.
	pending map[string]*pendingRun
	// aliases maps each identifier to its counterpart of the other kind.
	aliases map[string]string
	// base maps every registered identifier to the run UUID, which serves
	// as the stable key for locks, result cache and account binding.
	base     map[string]string
	accounts map[string]string
	results  map[string]FinalizeResult
	runLocks map[string]*sync.Mutex
	// warned tracks unmapped identifiers already reported, to keep
	// operator logs readable.
	warned map[string]bool

	guard   *Guard
	records ports.UsageRecordStore
	table   func() pricing.Table
	clock   ports.Clock
	idGen   ports.IDGenerator
	logger  zerolog.Logger
	metrics ports.MeterMetrics
}

// LedgerDeps contains dependencies for the usage ledger.
type LedgerDeps struct {
	Guard   *Guard
	Records ports.UsageRecordStore
	// Table returns the current pricing table; hot-reloadable sources
	// pass a closure over their config holder.
	Table  func() pricing.Table
	Clock  ports.Clock
	IDGen  ports.IDGenerator
	Logger zerolog.Logger

	// Metrics is optional; nil disables collection.
	Metrics ports.MeterMetrics
}

// NewLedger creates a new usage ledger.
func NewLedger(deps LedgerDeps) *Ledger {
	return &Ledger{
		pending:  make(map[string]*pendingRun),
		aliases:  make(map[string]string),
		base:     make(map[string]string),
		accounts: make(map[string]string),
		results:  make(map[string]FinalizeResult),
		runLocks: make(map[string]*sync.Mutex),
		warned:   make(map[string]bool),
		guard:    deps.Guard,
		records:  deps.Records,
		table:    deps.Table,
		clock:    deps.Clock,
		idGen:    deps.IDGen,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
	}
}

// RegisterRun seeds identifier reconciliation at run start: the run UUID
// and session label become aliases of each other, both bound to the
// owning account.
func (l *Ledger) RegisterRun(runID, sessionLabel, accountID string) {
	if runID == "" {
		l.logger.Debug().Msg("register run called with empty run id, ignoring")
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.base[runID] = runID
	if accountID != "" {
		l.accounts[runID] = accountID
	}
	if sessionLabel != "" && sessionLabel != runID {
		l.aliases[runID] = sessionLabel
		l.aliases[sessionLabel] = runID
		l.base[sessionLabel] = runID
	}
}

// RecordTokenUsage appends an LLM token entry to the run's pending usage.
// An empty identifier is a logged no-op.
func (l *Ledger) RecordTokenUsage(id string, t usage.TokenUsage) {
	if id == "" {
		l.logger.Debug().Str("model", t.Model).Msg("token usage with empty run id dropped")
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.noteUnmapped(id)
	p := l.pendingFor(id)
	p.set.Tokens = append(p.set.Tokens, t)
}

// RecordToolUsage appends a tool invocation entry to the run's pending usage.
func (l *Ledger) RecordToolUsage(id string, t usage.ToolUsage) {
	if id == "" {
		l.logger.Debug().Str("tool", t.Name).Msg("tool usage with empty run id dropped")
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.noteUnmapped(id)
	p := l.pendingFor(id)
	p.set.Tools = append(p.set.Tools, t)
}

// RecordKBUsage appends a knowledge-base access to the run's pending
// usage. Repeat recordings of the same KB name for the same run are
// dropped: internal callbacks may fire many times for one logical access.
func (l *Ledger) RecordKBUsage(id string, k usage.KBUsage) {
	if id == "" {
		l.logger.Debug().Str("kb", k.Name).Msg("kb usage with empty run id dropped")
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.noteUnmapped(id)
	p := l.pendingFor(id)
	if p.kbSeen[k.Name] {
		return
	}
	p.kbSeen[k.Name] = true
	p.set.KBs = append(p.set.KBs, k)
}

// pendingFor returns the accumulator for an identifier, creating it
// lazily. Caller holds l.mu.
func (l *Ledger) pendingFor(id string) *pendingRun {
	p, ok := l.pending[id]
	if !ok {
		p = &pendingRun{kbSeen: make(map[string]bool)}
		l.pending[id] = p
	}
	return p
}

// noteUnmapped flags events arriving for identifiers no run start ever
// announced. Usage is still accumulated; the log line is for operators.
// Caller holds l.mu.
func (l *Ledger) noteUnmapped(id string) {
	if _, ok := l.base[l.resolveBaseLocked(id)]; ok {
		return
	}
	if l.warned[id] {
		return
	}
	l.warned[id] = true
	if l.metrics != nil {
		l.metrics.UnmappedIdentifier()
	}
	l.logger.Warn().Str("run_id", id).Msg("usage event for unmapped run identifier")
}

// resolveBaseLocked maps any identifier (UUID, label, or component-scoped
// derivative) to its run's stable key. Unregistered identifiers map to
// themselves. Caller holds l.mu.
func (l *Ledger) resolveBaseLocked(id string) string {
	if b, ok := l.base[id]; ok {
		return b
	}
	for registered, b := range l.base {
		if strings.HasPrefix(id, registered+"_") {
			return b
		}
	}
	return id
}

// runLock returns the mutex serializing finalization for one logical run.
func (l *Ledger) runLock(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := l.resolveBaseLocked(id)
	m, ok := l.runLocks[key]
	if !ok {
		m = &sync.Mutex{}
		l.runLocks[key] = m
	}
	return m
}

// Finalize reconciles every identifier related to id, merges and
// deduplicates the gathered usage, prices it, charges the owning account's
// active period and persists the usage record with its detail rows in one
// transaction.
//
// Finalize is idempotent: a second call with no usage recorded in between
// returns the cached result. It is safe to race against in-flight record
// calls, and never runs concurrently with itself for the same run.
func (l *Ledger) Finalize(ctx context.Context, id string) (FinalizeResult, error) {
	if id == "" {
		return FinalizeResult{}, ErrNoUsage
	}

	runMu := l.runLock(id)
	runMu.Lock()
	defer runMu.Unlock()

	l.mu.Lock()
	key := l.resolveBaseLocked(id)
	counterpart := l.aliases[id]
	if counterpart == "" {
		if c, ok := l.aliases[key]; ok {
			counterpart = c
		} else {
			// Non-fatal: proceed with usage filed under the canonical
			// identifier alone.
			l.logger.Info().Str("run_id", id).
				Msg("no counterpart identifier found during reconciliation")
		}
	}
	contributors := l.gatherLocked(id, counterpart)
	// Take ownership of the contributors' accumulators: record calls
	// racing with this finalize start fresh entries that survive for a
	// later pass instead of being lost.
	taken := l.takeLocked(contributors)
	accountID := l.accounts[key]
	cached, hasCached := l.results[key]
	l.mu.Unlock()

	var set usage.Set
	for _, id := range contributors {
		if p, ok := taken[id]; ok {
			set = usage.Merge(set, p.set)
		}
	}

	if set.Empty() {
		if hasCached {
			return cached, nil
		}
		return FinalizeResult{}, ErrNoUsage
	}

	set.Tokens = usage.DedupTokens(set.Tokens)
	set.KBs = usage.DedupKBs(set.KBs)
	table := l.table()
	breakdown := pricing.Calculate(set, table)

	res := FinalizeResult{Breakdown: breakdown}

	if accountID == "" {
		// No account binding: price the usage but there is nothing to
		// charge or persist against.
		l.logger.Warn().Str("run_id", id).
			Msg("finalizing run with no account binding, breakdown not persisted")
		l.cacheResult(key, res)
		return res, nil
	}

	recordID := l.idGen.New()
	record := ports.UsageRecord{
		ID:        recordID,
		RunID:     key,
		AccountID: accountID,
		FixedCost: breakdown.FixedCost,
		LLMCost:   breakdown.LLMCost,
		ToolsCost: breakdown.ToolsCost,
		KBCost:    breakdown.KBCost,
		AppMargin: breakdown.AppMargin,
		TotalCost: breakdown.TotalCost,
		CreatedAt: l.clock.Now().UTC(),
	}
	details := ports.DetailsFromSet(recordID, set, table, l.idGen)

	decision, err := l.guard.ApplyUsage(ctx, accountID, breakdown.TotalCost,
		func(ctx context.Context, period billing.Period) error {
			record.PeriodID = period.ID
			return l.records.Create(ctx, record, details, period)
		})
	if err != nil {
		// Persistence failed: restore the taken usage so the caller can
		// retry without losing a single entry.
		l.restore(taken)
		return FinalizeResult{}, err
	}

	if decision.Allowed {
		res.RecordID = recordID
	} else {
		res.Denied = true
		res.DenyReason = decision.Reason
		l.logger.Warn().
			Str("run_id", id).
			Str("account_id", accountID).
			Str("reason", decision.Reason).
			Msg("usage finalization denied by quota guard")
	}

	l.cacheResult(key, res)
	return res, nil
}

// gatherLocked lists every pending identifier reachable from id: the
// identifier itself, its counterpart, and component-scoped derivatives of
// either. Caller holds l.mu.
func (l *Ledger) gatherLocked(id, counterpart string) []string {
	var ids []string
	add := func(candidate string) {
		if candidate == "" {
			return
		}
		for _, existing := range ids {
			if existing == candidate {
				return
			}
		}
		ids = append(ids, candidate)
	}

	add(id)
	add(counterpart)
	for pendingID := range l.pending {
		if strings.HasPrefix(pendingID, id+"_") {
			add(pendingID)
		}
		if counterpart != "" && strings.HasPrefix(pendingID, counterpart+"_") {
			add(pendingID)
		}
	}
	return ids
}

// takeLocked removes the given identifiers' accumulators from the arena
// and returns them, clearing their KB-dedup state with them. Caller holds
// l.mu.
func (l *Ledger) takeLocked(ids []string) map[string]*pendingRun {
	taken := make(map[string]*pendingRun, len(ids))
	for _, id := range ids {
		if p, ok := l.pending[id]; ok {
			taken[id] = p
			delete(l.pending, id)
		}
	}
	return taken
}

// restore puts taken accumulators back after a failed finalize, merging
// with anything recorded in the meantime.
func (l *Ledger) restore(taken map[string]*pendingRun) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, p := range taken {
		current, ok := l.pending[id]
		if !ok {
			l.pending[id] = p
			continue
		}
		// Taken usage predates the new arrivals, so it goes first.
		current.set = usage.Merge(p.set, current.set)
		for name := range p.kbSeen {
			current.kbSeen[name] = true
		}
	}
}

// cacheResult stores the finalized result under the run's stable key so a
// repeat finalize with no new usage short-circuits.
func (l *Ledger) cacheResult(key string, res FinalizeResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results[key] = res
}

// PendingCount reports how many identifiers currently hold pending usage.
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
