package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/genfity/fulfillment/internal/domain"
	"github.com/genfity/fulfillment/internal/payments"
	"github.com/genfity/fulfillment/internal/platform/httpx"
	"github.com/genfity/fulfillment/internal/platform/idempotency"
	"github.com/genfity/fulfillment/internal/platform/requestctx"
	"github.com/genfity/fulfillment/internal/services"
)

const (
	maxWebhookBodySize     = 64 * 1024
	stripeSignatureHeader  = "Stripe-Signature"
	webhookResultProcessed = "processed"
	webhookResultDuplicate = "duplicate"
	webhookResultIgnored   = "ignored"
	webhookResultInFlight  = "in_flight"
	webhookResultRejected  = "rejected"
	webhookResultRetry     = "retry"
	webhookResultError     = "error"
)

// PaymentEventVerifier authenticates and decodes a provider webhook payload.
type PaymentEventVerifier interface {
	Parse(payload []byte, signature string) (payments.Event, error)
}

// WebhookObserver records webhook delivery outcomes.
type WebhookObserver interface {
	ObserveWebhook(provider, result string)
}

// PaymentWebhookHandlers applies signed PSP notifications to the ledger.
type PaymentWebhookHandlers struct {
	stripe   PaymentEventVerifier
	payments services.PaymentService
	dedupe   idempotency.Store
	observer WebhookObserver
	clock    func() time.Time
	ttl      time.Duration
}

// WebhookOption customises PaymentWebhookHandlers.
type WebhookOption func(*PaymentWebhookHandlers)

// WithWebhookDedupe enables event-id deduplication backed by store.
func WithWebhookDedupe(store idempotency.Store, ttl time.Duration) WebhookOption {
	return func(h *PaymentWebhookHandlers) {
		h.dedupe = store
		if ttl > 0 {
			h.ttl = ttl
		}
	}
}

// WithWebhookObserver records delivery outcomes with observer.
func WithWebhookObserver(observer WebhookObserver) WebhookOption {
	return func(h *PaymentWebhookHandlers) {
		h.observer = observer
	}
}

// WithWebhookClock overrides the clock used for dedupe records.
func WithWebhookClock(clock func() time.Time) WebhookOption {
	return func(h *PaymentWebhookHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewPaymentWebhookHandlers constructs the webhook handler set.
func NewPaymentWebhookHandlers(stripe PaymentEventVerifier, paymentsSvc services.PaymentService, opts ...WebhookOption) *PaymentWebhookHandlers {
	h := &PaymentWebhookHandlers{
		stripe:   stripe,
		payments: paymentsSvc,
		clock:    time.Now,
		ttl:      idempotency.DefaultTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /webhooks endpoints.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/stripe", h.stripeWebhook)
}

type webhookResponse struct {
	Status        string `json:"status"`
	EventID       string `json:"event_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

func (h *PaymentWebhookHandlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stripe == nil || h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "stripe webhooks are not configured", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		h.observe(payments.ProviderStripe, webhookResultRejected)
		writeBodyError(ctx, w, err)
		return
	}

	event, err := h.stripe.Parse(body, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		h.observe(payments.ProviderStripe, webhookResultRejected)
		if errors.Is(err, payments.ErrInvalidSignature) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_event", "webhook payload could not be decoded", http.StatusBadRequest))
		return
	}

	logger := requestctx.Logger(ctx).With(
		zap.String("provider", event.Provider),
		zap.String("eventId", event.ID),
		zap.String("eventType", event.Type),
		zap.String("transaction", event.TransactionID),
	)

	if !event.Actionable() {
		h.observe(event.Provider, webhookResultIgnored)
		writeJSONResponse(w, http.StatusOK, webhookResponse{Status: webhookResultIgnored, EventID: event.ID})
		return
	}

	key := event.Provider + ":" + event.ID
	fingerprint := idempotency.Fingerprint(body)
	if h.dedupe != nil {
		reservation, err := h.dedupe.Reserve(ctx, key, fingerprint, h.clock(), idempotency.DefaultPendingTTL)
		switch {
		case errors.Is(err, idempotency.ErrFingerprintMismatch):
			h.observe(event.Provider, webhookResultRejected)
			httpx.WriteError(ctx, w, httpx.NewError("event_conflict", "event id was already used for a different payload", http.StatusConflict))
			return
		case err != nil:
			logger.Warn("webhook dedupe reserve failed", zap.Error(err))
			h.observe(event.Provider, webhookResultRetry)
			httpx.WriteError(ctx, w, httpx.NewError("temporarily_unavailable", "event log unavailable, retry later", http.StatusServiceUnavailable))
			return
		}
		switch reservation.State {
		case idempotency.ReservationStateCompleted:
			h.observe(event.Provider, webhookResultDuplicate)
			writeJSONResponse(w, http.StatusOK, webhookResponse{Status: webhookResultDuplicate, EventID: event.ID, TransactionID: event.TransactionID})
			return
		case idempotency.ReservationStatePending:
			h.observe(event.Provider, webhookResultInFlight)
			httpx.WriteError(ctx, w, httpx.NewError("event_in_flight", "event is being processed", http.StatusConflict))
			return
		}
	}

	status, err := h.apply(ctx, event)
	if err != nil && permanentWebhookError(err) {
		// The provider would redeliver a permanently rejected event for days.
		logger.Warn("webhook event ignored", zap.Error(err))
		status, err = webhookResultIgnored, nil
	}
	if err != nil {
		if h.dedupe != nil {
			if releaseErr := h.dedupe.Release(ctx, key, fingerprint); releaseErr != nil {
				logger.Warn("webhook dedupe release failed", zap.Error(releaseErr))
			}
		}
		result := webhookResultError
		if services.IsRetryable(err) {
			result = webhookResultRetry
		}
		h.observe(event.Provider, result)
		writeServiceError(ctx, w, err)
		return
	}

	if h.dedupe != nil {
		if err := h.dedupe.Complete(ctx, key, fingerprint, h.clock(), h.ttl); err != nil {
			logger.Warn("webhook dedupe complete failed", zap.Error(err))
		}
	}
	h.observe(event.Provider, status)
	writeJSONResponse(w, http.StatusOK, webhookResponse{Status: status, EventID: event.ID, TransactionID: event.TransactionID})
}

func (h *PaymentWebhookHandlers) apply(ctx context.Context, event payments.Event) (string, error) {
	switch event.Outcome {
	case payments.OutcomeSucceeded:
		result, err := h.payments.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
			TransactionID: event.TransactionID,
			Provider:      event.Provider,
			ProviderRef:   event.ProviderRef,
			Amount:        event.Amount,
			PaidAt:        event.OccurredAt,
			ActorID:       "webhook:" + event.Provider,
		})
		if err != nil {
			return "", err
		}
		if result.ActivationDispatch != nil {
			// The payment is recorded; redelivery of this event dispatches the activation again.
			return "", fmt.Errorf("%w: activation dispatch for %s: %v", services.ErrTransient, event.TransactionID, result.ActivationDispatch)
		}
		if result.AlreadyConfirmed {
			return webhookResultDuplicate, nil
		}
		return webhookResultProcessed, nil
	case payments.OutcomeFailed, payments.OutcomeCancelled:
		status := domain.PaymentStatusFailed
		if event.Outcome == payments.OutcomeCancelled {
			status = domain.PaymentStatusCancelled
		}
		if _, err := h.payments.RecordPaymentFailure(ctx, services.PaymentFailureCommand{
			TransactionID: event.TransactionID,
			Status:        status,
			Reason:        event.Reason,
		}); err != nil {
			return "", err
		}
		return webhookResultProcessed, nil
	default:
		return webhookResultIgnored, nil
	}
}

func permanentWebhookError(err error) bool {
	return errors.Is(err, services.ErrNotFound) ||
		errors.Is(err, services.ErrInvalidInput) ||
		errors.Is(err, services.ErrInvalidState)
}

func (h *PaymentWebhookHandlers) observe(provider, result string) {
	if h.observer != nil {
		h.observer.ObserveWebhook(provider, result)
	}
}
