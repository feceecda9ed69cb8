// Package http provides HTTP handlers for the metering service.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/artpar/runmeter/adapters/metrics"
	"github.com/artpar/runmeter/app"
	"github.com/artpar/runmeter/domain/usage"
	"github.com/artpar/runmeter/ports"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// MeterHandler wraps the ledger and lifecycle services for HTTP handling.
type MeterHandler struct {
	ledger    *app.Ledger
	lifecycle *app.Lifecycle
	logger    zerolog.Logger
	metrics   *metrics.Collector
}

// NewMeterHandler creates a new HTTP metering handler.
func NewMeterHandler(ledger *app.Ledger, lifecycle *app.Lifecycle, logger zerolog.Logger) *MeterHandler {
	return &MeterHandler{
		ledger:    ledger,
		lifecycle: lifecycle,
		logger:    logger,
	}
}

// NewMeterHandlerWithMetrics creates a new HTTP metering handler with metrics.
func NewMeterHandlerWithMetrics(ledger *app.Ledger, lifecycle *app.Lifecycle, logger zerolog.Logger, m *metrics.Collector) *MeterHandler {
	return &MeterHandler{
		ledger:    ledger,
		lifecycle: lifecycle,
		logger:    logger,
		metrics:   m,
	}
}

// RegisterRunRequest is the body for POST /api/v1/runs.
type RegisterRunRequest struct {
	RunID        string `json:"run_id"`
	SessionLabel string `json:"session_label"`
	AccountID    string `json:"account_id"`
}

// UsageRequest is the body for POST /api/v1/runs/{id}/usage. Any
// combination of the three kinds may be reported in one call.
type UsageRequest struct {
	Tokens []TokenUsageBody `json:"tokens,omitempty"`
	Tools  []ToolUsageBody  `json:"tools,omitempty"`
	KBs    []KBUsageBody    `json:"kbs,omitempty"`
}

// TokenUsageBody reports one model call.
type TokenUsageBody struct {
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// ToolUsageBody reports tool invocations.
type ToolUsageBody struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// KBUsageBody reports knowledge base accesses.
type KBUsageBody struct {
	Name     string `json:"name"`
	Accesses int64  `json:"accesses"`
}

// FinalizeResponse is the result of POST /api/v1/runs/{id}/finalize.
type FinalizeResponse struct {
	RecordID   string  `json:"record_id,omitempty"`
	FixedCost  float64 `json:"fixed_cost"`
	LLMCost    float64 `json:"llm_cost"`
	ToolsCost  float64 `json:"tools_cost"`
	KBCost     float64 `json:"kb_cost"`
	AppMargin  float64 `json:"app_margin"`
	TotalCost  float64 `json:"total_cost"`
	Denied     bool    `json:"denied,omitempty"`
	DenyReason string  `json:"deny_reason,omitempty"`
}

// PeriodResponse summarizes an account's active billing period.
type PeriodResponse struct {
	ID              string  `json:"id"`
	AccountID       string  `json:"account_id"`
	PlanID          string  `json:"plan_id"`
	StartDate       string  `json:"start_date"`
	EndDate         string  `json:"end_date"`
	Status          string  `json:"status"`
	QuotaUsed       float64 `json:"quota_used"`
	QuotaRemaining  float64 `json:"quota_remaining"`
	RolloverCredits float64 `json:"rollover_credits"`
	OverageCredits  float64 `json:"overage_credits"`
	OverageCostUSD  float64 `json:"overage_cost_usd"`
	HasReachedLimit bool    `json:"has_reached_limit"`
}

// RegisterRun seeds identifier reconciliation for a new run.
func (h *MeterHandler) RegisterRun(w http.ResponseWriter, r *http.Request) {
	var req RegisterRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.RunID == "" {
		writeError(w, http.StatusBadRequest, "missing_run_id", "run_id is required")
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "missing_account_id", "account_id is required")
		return
	}

	if err := h.lifecycle.CountDailyRun(r.Context(), req.AccountID); err != nil {
		switch {
		case errors.Is(err, app.ErrDailyRunLimit):
			writeError(w, http.StatusTooManyRequests, "daily_run_limit", "daily run limit reached")
		case errors.Is(err, ports.ErrNotFound):
			writeError(w, http.StatusNotFound, "account_not_found", "account not found")
		default:
			h.logger.Error().Err(err).Str("account_id", req.AccountID).Msg("run registration failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to register run")
		}
		return
	}

	h.ledger.RegisterRun(req.RunID, req.SessionLabel, req.AccountID)
	if h.metrics != nil {
		h.metrics.RunsRegistered.Inc()
	}

	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

// RecordUsage appends usage events to a run's pending accumulator.
// Unknown run identifiers are accepted; reconciliation happens lazily.
func (h *MeterHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing_run_id", "run identifier is required")
		return
	}

	var req UsageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	for _, t := range req.Tokens {
		h.ledger.RecordTokenUsage(id, usage.TokenUsage{
			Model:        t.Model,
			InputTokens:  t.InputTokens,
			OutputTokens: t.OutputTokens,
		})
		if h.metrics != nil {
			h.metrics.UsageRecorded.WithLabelValues("token").Inc()
		}
	}
	for _, t := range req.Tools {
		h.ledger.RecordToolUsage(id, usage.ToolUsage{Name: t.Name, Count: t.Count})
		if h.metrics != nil {
			h.metrics.UsageRecorded.WithLabelValues("tool").Inc()
		}
	}
	for _, k := range req.KBs {
		h.ledger.RecordKBUsage(id, usage.KBUsage{Name: k.Name, Accesses: k.Accesses})
		if h.metrics != nil {
			h.metrics.UsageRecorded.WithLabelValues("kb").Inc()
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// FinalizeRun closes out a run: merges aliased usage, deduplicates,
// prices it and charges the owning account. Safe to call repeatedly;
// later calls return the cached breakdown.
func (h *MeterHandler) FinalizeRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing_run_id", "run identifier is required")
		return
	}

	start := time.Now()
	result, err := h.ledger.Finalize(r.Context(), id)
	if h.metrics != nil {
		h.metrics.FinalizeDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, app.ErrNoUsage) {
			writeError(w, http.StatusNotFound, "no_usage", "no usage recorded for this run")
			return
		}
		h.logger.Error().Err(err).Str("run_id", id).Msg("finalize failed")
		if h.metrics != nil {
			h.metrics.Finalizations.WithLabelValues("error").Inc()
		}
		writeError(w, http.StatusInternalServerError, "finalize_failed", "failed to finalize run")
		return
	}

	if h.metrics != nil {
		if result.Denied {
			h.metrics.Finalizations.WithLabelValues("denied").Inc()
			h.metrics.GuardDenials.WithLabelValues(result.DenyReason).Inc()
		} else {
			h.metrics.Finalizations.WithLabelValues("charged").Inc()
			h.metrics.CreditsFinalized.Add(result.Breakdown.TotalCost)
		}
	}

	writeJSON(w, http.StatusOK, FinalizeResponse{
		RecordID:   result.RecordID,
		FixedCost:  result.Breakdown.FixedCost,
		LLMCost:    result.Breakdown.LLMCost,
		ToolsCost:  result.Breakdown.ToolsCost,
		KBCost:     result.Breakdown.KBCost,
		AppMargin:  result.Breakdown.AppMargin,
		TotalCost:  result.Breakdown.TotalCost,
		Denied:     result.Denied,
		DenyReason: result.DenyReason,
	})
}

// GetAccountPeriod returns the account's active billing period, creating
// one on demand for accounts that have none yet.
func (h *MeterHandler) GetAccountPeriod(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "missing_account_id", "account identifier is required")
		return
	}

	period, err := h.lifecycle.EnsureActivePeriod(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account_not_found", "no such account")
			return
		}
		h.logger.Error().Err(err).Str("account_id", accountID).Msg("failed to resolve active period")
		writeError(w, http.StatusInternalServerError, "period_lookup_failed", "failed to resolve active period")
		return
	}

	writeJSON(w, http.StatusOK, PeriodResponse{
		ID:              period.ID,
		AccountID:       period.AccountID,
		PlanID:          period.PlanID,
		StartDate:       period.StartDate.Format(time.RFC3339),
		EndDate:         period.EndDate.Format(time.RFC3339),
		Status:          string(period.Status),
		QuotaUsed:       period.QuotaUsed,
		QuotaRemaining:  period.QuotaRemaining,
		RolloverCredits: period.RolloverCredits,
		OverageCredits:  period.OverageCredits,
		OverageCostUSD:  period.OverageCostUSD,
		HasReachedLimit: period.HasReachedLimit,
	})
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	db HealthChecker
}

// HealthChecker interface for checking storage health.
type HealthChecker interface {
	Ping() error
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db HealthChecker) *HealthHandler {
	return &HealthHandler{db: db}
}

// Liveness returns a simple liveness check.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness checks if the service is ready to handle traffic.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// VersionResponse represents the version endpoint response.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// Version returns the service version.
func Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version: "dev",
		Service: "runmeter",
	})
}

// RouterConfig holds optional configuration for the router.
type RouterConfig struct {
	Metrics        *metrics.Collector
	WebhookHandler http.Handler // payment provider webhooks
}

// NewRouter creates the main HTTP router.
func NewRouter(meter *MeterHandler, health *HealthHandler, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health endpoints (no auth required)
	r.Get("/healthz", health.Liveness)
	r.Get("/healthz/ready", health.Readiness)

	if cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Get("/version", Version)

	// Metering API
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs", meter.RegisterRun)
		r.Post("/runs/{id}/usage", meter.RecordUsage)
		r.Post("/runs/{id}/finalize", meter.FinalizeRun)
		r.Get("/accounts/{id}/period", meter.GetAccountPeriod)
	})

	// Payment provider webhooks. Not authenticated; signature
	// verification happens inside the handler.
	if cfg.WebhookHandler != nil {
		r.Method(http.MethodPost, "/webhooks/payment", cfg.WebhookHandler)
	}

	return r
}

// decodeJSON decodes a JSON request body with a size limit.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the error response envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// NewLoggingMiddleware creates a new logging middleware.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			// Skip logging for health checks and metrics
			if strings.HasPrefix(r.URL.Path, "/healthz") || r.URL.Path == "/metrics" {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
