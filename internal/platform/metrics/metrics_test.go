package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/genfity/fulfillment/internal/services"
)

func TestWrapPublisherCountsByResult(t *testing.T) {
	reg := New("test")
	boom := errors.New("publish failed")
	calls := 0
	publisher := reg.WrapPublisher(services.FulfillmentEventPublisherFunc(func(context.Context, services.FulfillmentEvent) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	}))

	event := services.FulfillmentEvent{Type: services.EventPaymentConfirmed}
	if err := publisher.PublishFulfillmentEvent(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := publisher.PublishFulfillmentEvent(context.Background(), event); !errors.Is(err, boom) {
		t.Fatalf("expected error to pass through, got %v", err)
	}
	if got := testutil.ToFloat64(reg.eventsPublished.WithLabelValues(services.EventPaymentConfirmed, "ok")); got != 1 {
		t.Fatalf("expected 1 ok, got %v", got)
	}
	if got := testutil.ToFloat64(reg.eventsPublished.WithLabelValues(services.EventPaymentConfirmed, "error")); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}

	if err := reg.WrapPublisher(nil).PublishFulfillmentEvent(context.Background(), event); err != nil {
		t.Fatalf("nil publisher should drop silently, got %v", err)
	}
}

func TestObserveSweepAndActivation(t *testing.T) {
	reg := New("")
	reg.ObserveSweep(services.SweepResult{Expired: 4, Failures: []services.SweepFailure{{TransactionID: "txn_1"}}}, 2*time.Second)
	reg.ObserveActivation("activated")
	reg.ObserveActivation("activated")
	reg.ObserveWebhook("stripe", "duplicate")
	reg.ObserveVerification("oidc", "invalid")

	if got := testutil.ToFloat64(reg.sweepExpired); got != 4 {
		t.Fatalf("expected 4 expired, got %v", got)
	}
	if got := testutil.ToFloat64(reg.sweepFailures); got != 1 {
		t.Fatalf("expected 1 failure, got %v", got)
	}
	if got := testutil.ToFloat64(reg.activations.WithLabelValues("activated")); got != 2 {
		t.Fatalf("expected 2 activations, got %v", got)
	}
	if got := testutil.ToFloat64(reg.webhookEvents.WithLabelValues("stripe", "duplicate")); got != 1 {
		t.Fatalf("expected 1 webhook, got %v", got)
	}
	if got := testutil.ToFloat64(reg.verifications.WithLabelValues("oidc", "invalid")); got != 1 {
		t.Fatalf("expected 1 verification, got %v", got)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	reg := New("test")
	router := chi.NewRouter()
	router.Use(reg.Middleware)
	router.Get("/transactions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	router.Method(http.MethodGet, "/metrics", reg.Handler())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transactions/txn_1", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if got := testutil.ToFloat64(reg.httpRequests.WithLabelValues(http.MethodGet, "/transactions/{id}", "202")); got != 1 {
		t.Fatalf("expected request counted under route pattern, got %v", got)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "test_http_requests_total") {
		t.Fatalf("expected exposition to include request counter")
	}
}
