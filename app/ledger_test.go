package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/artpar/runmeter/domain/usage"
	"github.com/artpar/runmeter/ports"
)

func TestLedger_FinalizeChargesAccount(t *testing.T) {
	f := newFixture()
	f.seedPlans()
	f.seedAccount("acc1", "pro")
	ctx := context.Background()

	f.ledger.RegisterRun("run-1", "sess-1", "acc1")
	f.ledger.RecordToolUsage("run-1", usage.ToolUsage{Name: "web_search", Count: 1})
	f.ledger.RecordKBUsage("run-1", usage.KBUsage{Name: "docs", Accesses: 1})

	res, err := f.ledger.Finalize(ctx, "run-1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Denied {
		t.Fatalf("unexpected denial: %q", res.DenyReason)
	}
	// 10 fixed + 10 premium tool + 5 KB access.
	if res.Breakdown.TotalCost != 25 {
		t.Errorf("TotalCost = %v, want 25", res.Breakdown.TotalCost)
	}
	if res.RecordID == "" {
		t.Fatal("expected a persisted record ID")
	}

	rec, err := f.records.GetByRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetByRun: %v", err)
	}
	if rec.AccountID != "acc1" {
		t.Errorf("record AccountID = %q, want acc1", rec.AccountID)
	}
	if rec.PeriodID == "" {
		t.Error("record should carry the charged period")
	}

	period, _ := f.periods.GetActiveByAccount(ctx, "acc1")
	if period.QuotaUsed != 25 {
		t.Errorf("period QuotaUsed = %v, want 25", period.QuotaUsed)
	}

	details := f.records.Details(res.RecordID)
	if len(details.Tools) != 1 || details.Tools[0].Cost != 10 {
		t.Errorf("tool detail = %+v, want one row costing 10", details.Tools)
	}
	if len(details.KBs) != 1 || details.KBs[0].Cost != 5 {
		t.Errorf("KB detail = %+v, want one row costing 5", details.KBs)
	}
}

func TestLedger_FinalizeNoUsage(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.ledger.Finalize(ctx, "never-seen"); !errors.Is(err, ErrNoUsage) {
		t.Errorf("err = %v, want ErrNoUsage", err)
	}
	if _, err := f.ledger.Finalize(ctx, ""); !errors.Is(err, ErrNoUsage) {
		t.Errorf("err for empty id = %v, want ErrNoUsage", err)
	}
}

func TestLedger_UnmappedIdentifierCountedOnce(t *testing.T) {
	f := newFixture()

	// Events for an identifier no run start announced.
	f.ledger.RecordToolUsage("ghost-run", usage.ToolUsage{Name: "calc", Count: 1})
	f.ledger.RecordToolUsage("ghost-run", usage.ToolUsage{Name: "calc", Count: 1})
	f.ledger.RecordKBUsage("other-ghost", usage.KBUsage{Name: "docs", Accesses: 1})

	if f.metrics.unmapped != 2 {
		t.Errorf("unmapped count = %d, want 2 (one per distinct identifier)", f.metrics.unmapped)
	}
}

func TestLedger_EmptyIdentifierDropped(t *testing.T) {
	f := newFixture()

	f.ledger.RecordTokenUsage("", usage.TokenUsage{Model: "gpt-4o", InputTokens: 10})
	f.ledger.RecordToolUsage("", usage.ToolUsage{Name: "calc", Count: 1})
	f.ledger.RecordKBUsage("", usage.KBUsage{Name: "docs", Accesses: 1})

	if n := f.ledger.PendingCount(); n != 0 {
		t.Errorf("PendingCount = %d, want 0", n)
	}
}

func TestLedger_KBDedupPerRun(t *testing.T) {
	f := newFixture()
	f.seedPlans()
	f.seedAccount("acc1", "pro")
	ctx := context.Background()

	f.ledger.RegisterRun("run-1", "", "acc1")
	// Internal callbacks fire repeatedly for one logical access.
	for i := 0; i < 5; i++ {
		f.ledger.RecordKBUsage("run-1", usage.KBUsage{Name: "docs", Accesses: 1})
	}
	f.ledger.RecordKBUsage("run-1", usage.KBUsage{Name: "wiki", Accesses: 1})

	res, err := f.ledger.Finalize(ctx, "run-1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	// 10 fixed + 2 distinct KBs at 5 each.
	if res.Breakdown.KBCost != 10 {
		t.Errorf("KBCost = %v, want 10", res.Breakdown.KBCost)
	}

	details := f.records.Details(res.RecordID)
	if len(details.KBs) != 2 {
		t.Errorf("KB detail rows = %d, want 2", len(details.KBs))
	}
	// Each deduplicated row is priced as one access.
	for _, kb := range details.KBs {
		if kb.Cost != 5 {
			t.Errorf("KB %q detail cost = %v, want 5", kb.Name, kb.Cost)
		}
	}
}

func TestLedger_TokenDedupAtFinalize(t *testing.T) {
	f := newFixture()
	f.seedPlans()
	f.seedAccount("acc1", "pro")
	ctx := context.Background()

	f.ledger.RegisterRun("run-1", "sess-1", "acc1")
	same := usage.TokenUsage{Model: "gpt-4o", InputTokens: 1000, OutputTokens: 500}
	// The same call reported under both identifiers.
	f.ledger.RecordTokenUsage("run-1", same)
	f.ledger.RecordTokenUsage("sess-1", same)
	f.ledger.RecordTokenUsage("run-1", usage.TokenUsage{Model: "gpt-4o", InputTokens: 1000, OutputTokens: 501})

	res, err := f.ledger.Finalize(ctx, "run-1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	details := f.records.Details(res.RecordID)
	if len(details.Tokens) != 2 {
		t.Errorf("token detail rows = %d, want 2", len(details.Tokens))
	}
}

func TestLedger_ReconcilesAliasesAndComponents(t *testing.T) {
	f := newFixture()
	f.seedPlans()
	f.seedAccount("acc1", "pro")
	ctx := context.Background()

	f.ledger.RegisterRun("run-1", "sess-1", "acc1")
	f.ledger.RecordToolUsage("run-1", usage.ToolUsage{Name: "tool-a", Count: 1})
	f.ledger.RecordToolUsage("sess-1", usage.ToolUsage{Name: "tool-b", Count: 1})
	f.ledger.RecordToolUsage("run-1_agent", usage.ToolUsage{Name: "tool-c", Count: 1})
	f.ledger.RecordToolUsage("sess-1_retriever", usage.ToolUsage{Name: "tool-d", Count: 1})

	// Finalizing by the session label gathers every contribution.
	res, err := f.ledger.Finalize(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	details := f.records.Details(res.RecordID)
	if len(details.Tools) != 4 {
		t.Errorf("tool detail rows = %d, want 4", len(details.Tools))
	}
	// 10 fixed + 4 standard tools.
	if res.Breakdown.TotalCost != 14 {
		t.Errorf("TotalCost = %v, want 14", res.Breakdown.TotalCost)
	}

	rec, _ := f.records.GetByRun(ctx, "run-1")
	if rec.ID != res.RecordID {
		t.Error("record should be filed under the run UUID")
	}
}

func TestLedger_OrderIndependence(t *testing.T) {
	entries := []usage.ToolUsage{
		{Name: "tool-a", Count: 1},
		{Name: "web_search", Count: 2},
		{Name: "tool-b", Count: 3},
	}

	run := func(order []int) float64 {
		f := newFixture()
		f.seedPlans()
		f.seedAccount("acc1", "pro")
		f.ledger.RegisterRun("run-1", "", "acc1")
		for _, i := range order {
			f.ledger.RecordToolUsage("run-1", entries[i])
		}
		res, err := f.ledger.Finalize(context.Background(), "run-1")
		if err != nil {
			t.Fatalf("Finalize: %v", err)
		}
		return res.Breakdown.TotalCost
	}

	forward := run([]int{0, 1, 2})
	reversed := run([]int{2, 1, 0})
	if forward != reversed {
		t.Errorf("cost depends on arrival order: %v vs %v", forward, reversed)
	}
}

func TestLedger_IdempotentFinalize(t *testing.T) {
	f := newFixture()
	f.seedPlans()
	f.seedAccount("acc1", "pro")
	ctx := context.Background()

	f.ledger.RegisterRun("run-1", "sess-1", "acc1")
	f.ledger.RecordToolUsage("run-1", usage.ToolUsage{Name: "web_search", Count: 1})

	first, err := f.ledger.Finalize(ctx, "run-1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	// Repeat under the alias, with nothing recorded in between.
	second, err := f.ledger.Finalize(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Finalize (repeat): %v", err)
	}

	if second.RecordID != first.RecordID {
		t.Errorf("repeat finalize persisted again: %q vs %q", second.RecordID, first.RecordID)
	}
	if second.Breakdown != first.Breakdown {
		t.Errorf("repeat breakdown differs: %+v vs %+v", second.Breakdown, first.Breakdown)
	}

	period, _ := f.periods.GetActiveByAccount(ctx, "acc1")
	if period.QuotaUsed != first.Breakdown.TotalCost {
		t.Errorf("QuotaUsed = %v, want single charge %v", period.QuotaUsed, first.Breakdown.TotalCost)
	}
}

func TestLedger_NewUsageAfterFinalizeChargesAgain(t *testing.T) {
	f := newFixture()
	f.seedPlans()
	f.seedAccount("acc1", "pro")
	ctx := context.Background()

	f.ledger.RegisterRun("run-1", "", "acc1")
	f.ledger.RecordToolUsage("run-1", usage.ToolUsage{Name: "tool-a", Count: 1})
	first, err := f.ledger.Finalize(ctx, "run-1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	f.ledger.RecordToolUsage("run-1", usage.ToolUsage{Name: "tool-b", Count: 1})
	second, err := f.ledger.Finalize(ctx, "run-1")
	if err != nil {
		t.Fatalf("Finalize (second): %v", err)
	}
	if second.RecordID == first.RecordID {
		t.Error("new usage should produce a new record")
	}

	period, _ := f.periods.GetActiveByAccount(ctx, "acc1")
	// Two passes, each 10 fixed + 1 tool.
	if period.QuotaUsed != 22 {
		t.Errorf("QuotaUsed = %v, want 22", period.QuotaUsed)
	}
}

func TestLedger_DeniedUsageNotPersisted(t *testing.T) {
	f := newFixture()
	f.seedPlans()
	f.seedAccount("acc1", "free")
	ctx := context.Background()

	f.ledger.RegisterRun("run-1", "", "acc1")
	// 200 premium searches cost 2000 credits against a 1000 credit grant.
	f.ledger.RecordToolUsage("run-1", usage.ToolUsage{Name: "web_search", Count: 200})

	res, err := f.ledger.Finalize(ctx, "run-1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !res.Denied {
		t.Fatal("expected denial")
	}
	if res.DenyReason != DenyOverageNotAllowed {
		t.Errorf("DenyReason = %q, want %q", res.DenyReason, DenyOverageNotAllowed)
	}
	if res.RecordID != "" {
		t.Error("denied usage must not persist a record")
	}
	if res.Breakdown.TotalCost != 2010 {
		t.Errorf("denied breakdown TotalCost = %v, want 2010", res.Breakdown.TotalCost)
	}

	if _, err := f.records.GetByRun(ctx, "run-1"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("expected no persisted record, got %v", err)
	}
	period, _ := f.periods.GetActiveByAccount(ctx, "acc1")
	if period.QuotaUsed != 0 {
		t.Errorf("period QuotaUsed = %v, want 0", period.QuotaUsed)
	}
}

func TestLedger_NoAccountBinding(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Usage arrives for an identifier no run start announced.
	f.ledger.RecordToolUsage("orphan-run", usage.ToolUsage{Name: "web_search", Count: 1})

	res, err := f.ledger.Finalize(ctx, "orphan-run")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.RecordID != "" {
		t.Error("unbound run should not persist")
	}
	if res.Breakdown.TotalCost != 20 {
		t.Errorf("TotalCost = %v, want 20", res.Breakdown.TotalCost)
	}
}

func TestLedger_RestoreOnPersistFailure(t *testing.T) {
	f := newFixture()
	f.seedPlans()
	f.seedAccount("acc1", "pro")
	ctx := context.Background()

	f.ledger.RegisterRun("run-1", "", "acc1")
	f.ledger.RecordToolUsage("run-1", usage.ToolUsage{Name: "web_search", Count: 1})

	f.records.FailNext = fmt.Errorf("disk full")
	if _, err := f.ledger.Finalize(ctx, "run-1"); err == nil {
		t.Fatal("expected persistence error")
	}

	// Nothing was charged and the usage survived for a retry.
	period, _ := f.periods.GetActiveByAccount(ctx, "acc1")
	if period.QuotaUsed != 0 {
		t.Errorf("QuotaUsed after failed finalize = %v, want 0", period.QuotaUsed)
	}

	res, err := f.ledger.Finalize(ctx, "run-1")
	if err != nil {
		t.Fatalf("Finalize (retry): %v", err)
	}
	if res.Breakdown.TotalCost != 20 {
		t.Errorf("retry TotalCost = %v, want 20", res.Breakdown.TotalCost)
	}
	if res.RecordID == "" {
		t.Error("retry should persist")
	}
}

func TestLedger_ConcurrentRecording(t *testing.T) {
	f := newFixture()
	f.seedPlans()
	f.seedAccount("acc1", "pro")
	ctx := context.Background()

	f.ledger.RegisterRun("run-1", "sess-1", "acc1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "run-1"
			if i%2 == 0 {
				id = "sess-1"
			}
			f.ledger.RecordToolUsage(id, usage.ToolUsage{Name: fmt.Sprintf("tool-%d", i), Count: 1})
		}(i)
	}
	wg.Wait()

	res, err := f.ledger.Finalize(ctx, "run-1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	// 10 fixed + 50 standard tools.
	if res.Breakdown.TotalCost != 60 {
		t.Errorf("TotalCost = %v, want 60", res.Breakdown.TotalCost)
	}
}

func TestLedger_ConcurrentFinalizeChargesOnce(t *testing.T) {
	f := newFixture()
	f.seedPlans()
	f.seedAccount("acc1", "pro")
	ctx := context.Background()

	f.ledger.RegisterRun("run-1", "sess-1", "acc1")
	f.ledger.RecordToolUsage("run-1", usage.ToolUsage{Name: "web_search", Count: 1})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "run-1"
			if i%2 == 0 {
				id = "sess-1"
			}
			if _, err := f.ledger.Finalize(ctx, id); err != nil {
				t.Errorf("Finalize: %v", err)
			}
		}(i)
	}
	wg.Wait()

	period, _ := f.periods.GetActiveByAccount(ctx, "acc1")
	if period.QuotaUsed != 20 {
		t.Errorf("QuotaUsed = %v, want single charge of 20", period.QuotaUsed)
	}
}
