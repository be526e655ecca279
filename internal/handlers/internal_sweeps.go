package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/genfity/fulfillment/internal/platform/auth"
	"github.com/genfity/fulfillment/internal/platform/httpx"
	"github.com/genfity/fulfillment/internal/platform/observability"
	"github.com/genfity/fulfillment/internal/services"
)

// SweepObserver records sweep runs.
type SweepObserver interface {
	ObserveSweep(result services.SweepResult, elapsed time.Duration)
}

// InternalSweepHandlers exposes maintenance triggers for schedulers and operators.
type InternalSweepHandlers struct {
	authn    *auth.Authenticator
	sweeper  services.PaymentSweeper
	observer SweepObserver
	clock    func() time.Time
}

// NewInternalSweepHandlers constructs the internal sweep endpoints.
func NewInternalSweepHandlers(authn *auth.Authenticator, sweeper services.PaymentSweeper, observer SweepObserver, clock func() time.Time) *InternalSweepHandlers {
	if clock == nil {
		clock = time.Now
	}
	return &InternalSweepHandlers{authn: authn, sweeper: sweeper, observer: observer, clock: clock}
}

// Routes registers the /internal endpoints.
func (h *InternalSweepHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireRoles(auth.RoleSystem, auth.RoleAdmin))
	}
	r.Use(observability.ActorMiddleware)
	r.Post("/sweeps:expire-payments", h.expirePayments)
}

type sweepFailurePayload struct {
	TransactionID string `json:"transaction_id"`
	Error         string `json:"error"`
}

type sweepResponse struct {
	Expired    int                   `json:"expired"`
	Scanned    int                   `json:"scanned"`
	Failures   []sweepFailurePayload `json:"failures"`
	DurationMS int64                 `json:"duration_ms"`
}

func (h *InternalSweepHandlers) expirePayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sweeper == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweeper_unavailable", "payment sweeper unavailable", http.StatusServiceUnavailable))
		return
	}

	started := h.clock()
	result, err := h.sweeper.SweepExpired(ctx, started)
	elapsed := h.clock().Sub(started)
	if h.observer != nil {
		h.observer.ObserveSweep(result, elapsed)
	}
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	payload := sweepResponse{
		Expired:    result.Expired,
		Scanned:    result.Scanned,
		Failures:   make([]sweepFailurePayload, 0, len(result.Failures)),
		DurationMS: elapsed.Milliseconds(),
	}
	for _, failure := range result.Failures {
		payload.Failures = append(payload.Failures, sweepFailurePayload{
			TransactionID: failure.TransactionID,
			Error:         failure.Err.Error(),
		})
	}
	writeJSONResponse(w, http.StatusOK, payload)
}
