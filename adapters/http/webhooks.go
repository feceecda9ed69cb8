package http

import (
	"io"
	"net/http"

	"github.com/artpar/runmeter/app"
	"github.com/artpar/runmeter/domain/billing"
	"github.com/artpar/runmeter/ports"
	"github.com/rs/zerolog"
)

// WebhookHandler receives payment provider webhooks, verifies them through
// the provider adapter and applies account state changes.
type WebhookHandler struct {
	provider ports.PaymentProvider
	service  *app.PaymentWebhookService
	logger   zerolog.Logger
}

// NewWebhookHandler creates a new payment webhook handler.
func NewWebhookHandler(provider ports.PaymentProvider, service *app.PaymentWebhookService, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		provider: provider,
		service:  service,
		logger:   logger,
	}
}

// ServeHTTP handles an incoming webhook POST.
//
// Providers retry on non-2xx. Events we do not recognize are acknowledged
// with 200 so the provider stops redelivering them; signature failures get
// 400 because redelivery will not fix a bad secret.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read webhook payload")
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	eventType, data, err := h.provider.ParseWebhook(payload, signature)
	if err != nil {
		h.logger.Warn().Err(err).Msg("webhook verification failed")
		writeError(w, http.StatusBadRequest, "invalid_signature", "webhook verification failed")
		return
	}

	if err := h.dispatch(r, eventType, data); err != nil {
		h.logger.Error().Err(err).Str("event_type", eventType).Msg("webhook handling failed")
		writeError(w, http.StatusInternalServerError, "webhook_failed", "failed to process webhook")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func (h *WebhookHandler) dispatch(r *http.Request, eventType string, data map[string]any) error {
	ctx := r.Context()

	switch eventType {
	case "customer.subscription.updated", "customer.subscription.deleted":
		customerID := stringField(data, "customer")
		status := billing.AccountStatus(stringField(data, "status"))
		planID := stringField(data, "plan_id")
		if eventType == "customer.subscription.deleted" {
			status = billing.AccountStatusCanceled
		}
		return h.service.HandleSubscriptionUpdated(ctx, customerID, planID, status)

	case "invoice.paid", "invoice.payment_succeeded":
		return h.service.HandleInvoicePaid(ctx, stringField(data, "id"))

	case "invoice.payment_failed":
		return h.service.HandleInvoiceFailed(ctx, stringField(data, "id"))

	default:
		h.logger.Debug().Str("event_type", eventType).Msg("ignoring webhook event")
		return nil
	}
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	// Expanded objects arrive as nested maps; fall back to their id.
	if m, ok := data[key].(map[string]any); ok {
		if id, ok := m["id"].(string); ok {
			return id
		}
	}
	return ""
}
