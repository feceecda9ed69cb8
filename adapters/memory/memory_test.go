package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/artpar/runmeter/adapters/memory"
	"github.com/artpar/runmeter/domain/billing"
	"github.com/artpar/runmeter/ports"
)

var memNow = time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)

func TestAccountStore_Roundtrip(t *testing.T) {
	store := memory.NewAccountStore()
	ctx := context.Background()

	a := ports.Account{ID: "acc1", Email: "a@example.com", ProviderID: "cus_1"}
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "acc1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Email != "a@example.com" {
		t.Errorf("Email = %q", got.Email)
	}

	byProvider, err := store.GetByProviderID(ctx, "cus_1")
	if err != nil || byProvider.ID != "acc1" {
		t.Errorf("GetByProviderID = (%+v, %v)", byProvider, err)
	}
	if _, err := store.GetByProviderID(ctx, ""); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("empty provider ID should not match, got %v", err)
	}

	if err := store.Update(ctx, ports.Account{ID: "ghost"}); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("Update missing = %v, want ErrNotFound", err)
	}
}

func TestAccountStore_ListPagination(t *testing.T) {
	store := memory.NewAccountStore()
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		store.Create(ctx, ports.Account{ID: id})
	}

	page, err := store.List(ctx, 2, 1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 2 || page[0].ID != "b" || page[1].ID != "c" {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestPeriodStore_ListDue(t *testing.T) {
	store := memory.NewPeriodStore()
	ctx := context.Background()

	store.Create(ctx, billing.Period{
		ID: "p1", AccountID: "acc1", Status: billing.PeriodStatusActive,
		EndDate: memNow.AddDate(0, -1, 0),
	})
	store.Create(ctx, billing.Period{
		ID: "p2", AccountID: "acc2", Status: billing.PeriodStatusCanceling,
		EndDate: memNow.AddDate(0, 0, -1),
	})
	store.Create(ctx, billing.Period{
		ID: "p3", AccountID: "acc3", Status: billing.PeriodStatusActive,
		EndDate: memNow.AddDate(0, 1, 0),
	})
	store.Create(ctx, billing.Period{
		ID: "p4", AccountID: "acc4", Status: billing.PeriodStatusCompleted,
		EndDate: memNow.AddDate(0, -2, 0),
	})

	due, err := store.ListDue(ctx, memNow, 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d, want 2 (active and canceling past end)", len(due))
	}
	if due[0].ID != "p1" || due[1].ID != "p2" {
		t.Errorf("due not ordered by end date: %q, %q", due[0].ID, due[1].ID)
	}
}

func TestInvoiceStore_GetByPeriod(t *testing.T) {
	store := memory.NewInvoiceStore()
	ctx := context.Background()

	store.Create(ctx, billing.Invoice{ID: "inv-1", AccountID: "acc1", PeriodID: "per-1"})
	store.Create(ctx, billing.Invoice{ID: "inv-2", AccountID: "acc1", PeriodID: "per-2"})

	inv, err := store.GetByPeriod(ctx, "per-2")
	if err != nil {
		t.Fatalf("GetByPeriod: %v", err)
	}
	if inv.ID != "inv-2" {
		t.Errorf("ID = %q, want inv-2", inv.ID)
	}
	if _, err := store.GetByPeriod(ctx, "per-none"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("missing period err = %v, want ErrNotFound", err)
	}
}

func TestLifecycleTx_FailNext(t *testing.T) {
	periods := memory.NewPeriodStore()
	accounts := memory.NewAccountStore()
	tx := memory.NewLifecycleTx(periods, accounts)
	ctx := context.Background()

	accounts.Create(ctx, ports.Account{ID: "acc1"})
	periods.Create(ctx, billing.Period{ID: "p1", AccountID: "acc1", Status: billing.PeriodStatusActive})

	boom := errors.New("boom")
	tx.FailNext = boom
	err := tx.CloseAndOpen(ctx, billing.Period{ID: "p1", Status: billing.PeriodStatusCompleted},
		billing.Period{ID: "p2"}, ports.Account{ID: "acc1"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want injected failure", err)
	}

	// The failure is one-shot and nothing was applied.
	if p, _ := periods.Get(ctx, "p1"); p.Status != billing.PeriodStatusActive {
		t.Errorf("closing applied despite failure: %q", p.Status)
	}
	if err := tx.CloseAndOpen(ctx, billing.Period{ID: "p1", Status: billing.PeriodStatusCompleted},
		billing.Period{ID: "p2", AccountID: "acc1"}, ports.Account{ID: "acc1"}); err != nil {
		t.Fatalf("CloseAndOpen after reset: %v", err)
	}
	if p, _ := periods.Get(ctx, "p2"); p.AccountID != "acc1" {
		t.Error("successor not created")
	}
}

func TestUsageRecordStore_FailNext(t *testing.T) {
	periods := memory.NewPeriodStore()
	store := memory.NewUsageRecordStore(periods)
	ctx := context.Background()

	periods.Create(ctx, billing.Period{ID: "p1", Status: billing.PeriodStatusActive})

	rec := ports.UsageRecord{ID: "r1", RunID: "run-1", PeriodID: "p1"}
	store.FailNext = errors.New("disk full")
	if err := store.Create(ctx, rec, ports.UsageDetails{}, billing.Period{ID: "p1", QuotaUsed: 5}); err == nil {
		t.Fatal("expected injected failure")
	}
	if _, err := store.GetByRun(ctx, "run-1"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("record stored despite failure: %v", err)
	}
	if p, _ := periods.Get(ctx, "p1"); p.QuotaUsed != 0 {
		t.Errorf("period charged despite failure: %v", p.QuotaUsed)
	}

	if err := store.Create(ctx, rec, ports.UsageDetails{}, billing.Period{ID: "p1", QuotaUsed: 5}); err != nil {
		t.Fatalf("Create after reset: %v", err)
	}
	if p, _ := periods.Get(ctx, "p1"); p.QuotaUsed != 5 {
		t.Errorf("period QuotaUsed = %v, want 5", p.QuotaUsed)
	}
}
