package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/artpar/runmeter/adapters/clock"
	"github.com/artpar/runmeter/adapters/idgen"
	"github.com/artpar/runmeter/adapters/memory"
	"github.com/artpar/runmeter/adapters/payment"
	"github.com/artpar/runmeter/app"
	"github.com/artpar/runmeter/domain/pricing"
	"github.com/artpar/runmeter/ports"
	"github.com/rs/zerolog"
)

type testStack struct {
	router   http.Handler
	accounts *memory.AccountStore
	plans    *memory.PlanStore
	periods  *memory.PeriodStore
	records  *memory.UsageRecordStore
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	accounts := memory.NewAccountStore()
	plans := memory.NewPlanStore()
	periods := memory.NewPeriodStore()
	invoices := memory.NewInvoiceStore()
	records := memory.NewUsageRecordStore(periods)
	fake := clock.NewFake(time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC))
	logger := zerolog.Nop()

	lifecycle := app.NewLifecycle(app.LifecycleDeps{
		Accounts: accounts,
		Plans:    plans,
		Periods:  periods,
		Invoices: invoices,
		Tx:       memory.NewLifecycleTx(periods, accounts),
		Payment:  payment.NewDummyProvider(),
		Clock:    fake,
		IDGen:    idgen.NewSequential("id"),
		Logger:   logger,
	})
	guard := app.NewGuard(periods, plans, lifecycle, logger, nil)
	ledger := app.NewLedger(app.LedgerDeps{
		Guard:   guard,
		Records: records,
		Table:   func() pricing.Table { return pricing.DefaultTable() },
		Clock:   fake,
		IDGen:   idgen.NewSequential("rec"),
		Logger:  logger,
	})

	ctx := context.Background()
	plans.Upsert(ctx, ports.Plan{
		ID:                     "pro",
		Name:                   "Pro",
		MonthlyQuotaCredits:    10000,
		OverageRateUSD:         0.01,
		AllowsOverage:          true,
		DefaultOverageLimitUSD: 20,
		Active:                 true,
	})
	accounts.Create(ctx, ports.Account{
		ID:               "acc1",
		Email:            "acc1@example.com",
		PlanID:           "pro",
		Status:           "active",
		BillingAnchorDay: 15,
	})

	meter := NewMeterHandler(ledger, lifecycle, logger)
	health := NewHealthHandler(nil)
	router := NewRouter(meter, health, logger, RouterConfig{})

	return &testStack{router: router, accounts: accounts, plans: plans, periods: periods, records: records}
}

func (s *testStack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
	return v
}

func TestRegisterRun(t *testing.T) {
	s := newTestStack(t)

	rec := s.do(t, http.MethodPost, "/api/v1/runs", RegisterRunRequest{
		RunID:        "run-1",
		SessionLabel: "sess-1",
		AccountID:    "acc1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestRegisterRun_UnknownAccount(t *testing.T) {
	s := newTestStack(t)

	rec := s.do(t, http.MethodPost, "/api/v1/runs", RegisterRunRequest{
		RunID:     "run-1",
		AccountID: "ghost",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRegisterRun_DailyLimit(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.plans.Upsert(ctx, ports.Plan{
		ID:                  "starter",
		Name:                "Starter",
		MonthlyQuotaCredits: 1000,
		MaxRunsPerDay:       1,
		Active:              true,
	})
	s.accounts.Create(ctx, ports.Account{
		ID:               "acc2",
		PlanID:           "starter",
		Status:           "active",
		BillingAnchorDay: 15,
	})

	first := s.do(t, http.MethodPost, "/api/v1/runs", RegisterRunRequest{
		RunID: "run-a", AccountID: "acc2",
	})
	if first.Code != http.StatusCreated {
		t.Fatalf("first run status = %d, want 201", first.Code)
	}

	second := s.do(t, http.MethodPost, "/api/v1/runs", RegisterRunRequest{
		RunID: "run-b", AccountID: "acc2",
	})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second run status = %d, want 429", second.Code)
	}
	body := decodeBody[errorBody](t, second)
	if body.Error.Code != "daily_run_limit" {
		t.Errorf("error code = %q, want daily_run_limit", body.Error.Code)
	}
}

func TestRegisterRun_Validation(t *testing.T) {
	s := newTestStack(t)

	rec := s.do(t, http.MethodPost, "/api/v1/runs", RegisterRunRequest{AccountID: "acc1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing run_id status = %d, want 400", rec.Code)
	}
	body := decodeBody[errorBody](t, rec)
	if body.Error.Code != "missing_run_id" {
		t.Errorf("error code = %q, want missing_run_id", body.Error.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/runs", RegisterRunRequest{RunID: "run-1"})
	body = decodeBody[errorBody](t, rec)
	if body.Error.Code != "missing_account_id" {
		t.Errorf("error code = %q, want missing_account_id", body.Error.Code)
	}
}

func TestRegisterRun_UnknownFieldRejected(t *testing.T) {
	s := newTestStack(t)

	rec := s.do(t, http.MethodPost, "/api/v1/runs", map[string]any{
		"run_id":     "run-1",
		"account_id": "acc1",
		"surprise":   true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRecordAndFinalize(t *testing.T) {
	s := newTestStack(t)

	s.do(t, http.MethodPost, "/api/v1/runs", RegisterRunRequest{
		RunID: "run-1", SessionLabel: "sess-1", AccountID: "acc1",
	})

	rec := s.do(t, http.MethodPost, "/api/v1/runs/run-1/usage", UsageRequest{
		Tools: []ToolUsageBody{{Name: "web_search", Count: 1}},
		KBs:   []KBUsageBody{{Name: "docs", Accesses: 1}},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("usage status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}

	// More usage arrives under the session label.
	rec = s.do(t, http.MethodPost, "/api/v1/runs/sess-1/usage", UsageRequest{
		Tools: []ToolUsageBody{{Name: "calculator", Count: 2}},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("usage status = %d, want 202", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/runs/run-1/finalize", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	resp := decodeBody[FinalizeResponse](t, rec)
	// 10 fixed + 10 premium + 2 standard + 5 KB.
	if resp.TotalCost != 27 {
		t.Errorf("total_cost = %v, want 27", resp.TotalCost)
	}
	if resp.RecordID == "" {
		t.Error("expected record_id")
	}
	if resp.Denied {
		t.Error("unexpected denial")
	}

	period, err := s.periods.GetActiveByAccount(context.Background(), "acc1")
	if err != nil {
		t.Fatalf("GetActiveByAccount: %v", err)
	}
	if period.QuotaUsed != 27 {
		t.Errorf("QuotaUsed = %v, want 27", period.QuotaUsed)
	}
}

func TestFinalize_NoUsage(t *testing.T) {
	s := newTestStack(t)

	rec := s.do(t, http.MethodPost, "/api/v1/runs/never-seen/finalize", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (body %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody[errorBody](t, rec)
	if body.Error.Code != "no_usage" {
		t.Errorf("error code = %q, want no_usage", body.Error.Code)
	}
}

func TestFinalize_Idempotent(t *testing.T) {
	s := newTestStack(t)

	s.do(t, http.MethodPost, "/api/v1/runs", RegisterRunRequest{RunID: "run-1", AccountID: "acc1"})
	s.do(t, http.MethodPost, "/api/v1/runs/run-1/usage", UsageRequest{
		Tools: []ToolUsageBody{{Name: "web_search", Count: 1}},
	})

	first := decodeBody[FinalizeResponse](t, s.do(t, http.MethodPost, "/api/v1/runs/run-1/finalize", nil))
	second := decodeBody[FinalizeResponse](t, s.do(t, http.MethodPost, "/api/v1/runs/run-1/finalize", nil))

	if second.RecordID != first.RecordID {
		t.Errorf("repeat finalize persisted again: %q vs %q", second.RecordID, first.RecordID)
	}

	period, _ := s.periods.GetActiveByAccount(context.Background(), "acc1")
	if period.QuotaUsed != first.TotalCost {
		t.Errorf("QuotaUsed = %v, want single charge %v", period.QuotaUsed, first.TotalCost)
	}
}

func TestGetAccountPeriod(t *testing.T) {
	s := newTestStack(t)

	rec := s.do(t, http.MethodGet, "/api/v1/accounts/acc1/period", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	resp := decodeBody[PeriodResponse](t, rec)
	if resp.AccountID != "acc1" || resp.PlanID != "pro" {
		t.Errorf("unexpected period: %+v", resp)
	}
	if resp.QuotaRemaining != 10000 {
		t.Errorf("quota_remaining = %v, want 10000", resp.QuotaRemaining)
	}
	if resp.Status != "active" {
		t.Errorf("status = %q, want active", resp.Status)
	}
}

func TestGetAccountPeriod_UnknownAccount(t *testing.T) {
	s := newTestStack(t)

	rec := s.do(t, http.MethodGet, "/api/v1/accounts/ghost/period", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	body := decodeBody[errorBody](t, rec)
	if body.Error.Code != "account_not_found" {
		t.Errorf("error code = %q, want account_not_found", body.Error.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestStack(t)

	if rec := s.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/healthz/ready", nil); rec.Code != http.StatusOK {
		t.Errorf("/healthz/ready status = %d, want 200", rec.Code)
	}
	rec := s.do(t, http.MethodGet, "/version", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("/version status = %d, want 200", rec.Code)
	}
	v := decodeBody[VersionResponse](t, rec)
	if v.Service != "runmeter" {
		t.Errorf("service = %q, want runmeter", v.Service)
	}
}

type failingPinger struct{}

func (failingPinger) Ping() error { return context.DeadlineExceeded }

func TestReadiness_UnhealthyStorage(t *testing.T) {
	h := NewHealthHandler(failingPinger{})
	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/healthz/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
