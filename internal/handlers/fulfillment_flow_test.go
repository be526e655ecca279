package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/shopspring/decimal"

	domain "github.com/genfity/fulfillment/internal/domain"
	"github.com/genfity/fulfillment/internal/payments"
	"github.com/genfity/fulfillment/internal/platform/auth"
	"github.com/genfity/fulfillment/internal/platform/idempotency"
	"github.com/genfity/fulfillment/internal/repositories/memory"
	"github.com/genfity/fulfillment/internal/services"
)

const flowWebhookSecret = "whsec_flow"

type tokenTable map[string]*firebaseauth.Token

func (t tokenTable) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	if token, ok := t[idToken]; ok {
		return token, nil
	}
	return nil, errors.New("invalid token")
}

func testTokens() tokenTable {
	role := func(uid, role string) *firebaseauth.Token {
		claims := map[string]interface{}{"email": uid + "@genfity.test"}
		if role != "" {
			claims["role"] = role
		}
		return &firebaseauth.Token{UID: uid, Claims: claims}
	}
	return tokenTable{
		"admin-token":    role("ops", auth.RoleAdmin),
		"staff-token":    role("fulfiller", auth.RoleStaff),
		"system-token":   role("scheduler", auth.RoleSystem),
		"customer-token": role("cust", ""),
	}
}

type flowEnv struct {
	t      *testing.T
	mu     sync.Mutex
	now    time.Time
	orders services.OrderService
	router http.Handler
}

func newFlowEnv(t *testing.T, start time.Time) *flowEnv {
	t.Helper()
	env := &flowEnv{t: t, now: start}
	clock := func() time.Time {
		env.mu.Lock()
		defer env.mu.Unlock()
		return env.now
	}
	ledger := memory.NewLedger()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("wiring: %v", err)
		}
	}
	aggregator, err := services.NewStatusAggregator(services.StatusAggregatorDeps{Ledger: ledger, Clock: clock})
	must(err)
	delivery, err := services.NewDeliveryService(services.DeliveryServiceDeps{Ledger: ledger, Clock: clock})
	must(err)
	activator, err := services.NewSubscriptionActivator(services.SubscriptionActivatorDeps{Ledger: ledger, Clock: clock})
	must(err)
	inline := services.ActivationDispatcherFunc(func(ctx context.Context, transactionID string) error {
		_, err := activator.Activate(ctx, services.ActivateCommand{TransactionID: transactionID, ActorID: "system:inline"})
		return err
	})
	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{Ledger: ledger, Activation: inline, Clock: clock})
	must(err)
	sweeper, err := services.NewPaymentSweeper(services.PaymentSweeperDeps{Ledger: ledger, GraceWindow: 24 * time.Hour, Clock: clock})
	must(err)
	env.orders, err = services.NewOrderService(services.OrderServiceDeps{Ledger: ledger, Clock: clock})
	must(err)
	verifier, err := payments.NewStripeWebhookVerifier(flowWebhookSecret)
	must(err)

	authn := auth.NewAuthenticator(testTokens())
	admin := NewAdminFulfillmentHandlers(authn, AdminFulfillmentServices{
		Delivery:   delivery,
		Activator:  activator,
		Payments:   paymentSvc,
		Aggregator: aggregator,
		Orders:     env.orders,
	})
	webhooks := NewPaymentWebhookHandlers(verifier, paymentSvc,
		WithWebhookDedupe(idempotency.NewMemoryStore(0), time.Hour),
		WithWebhookClock(clock),
	)
	sweeps := NewInternalSweepHandlers(authn, sweeper, nil, clock)

	env.router = NewRouter(
		WithAdminRoutes(admin.Routes),
		WithWebhookRoutes(webhooks.Routes),
		WithInternalRoutes(sweeps.Routes),
	)
	return env
}

func (e *flowEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func (e *flowEnv) place(items ...services.PlaceOrderItem) services.TransactionView {
	e.t.Helper()
	view, err := e.orders.PlaceOrder(context.Background(), services.PlaceOrderCommand{
		CustomerID: "cust_1",
		Currency:   "IDR",
		Items:      items,
	})
	if err != nil {
		e.t.Fatalf("PlaceOrder: %v", err)
	}
	return view
}

func (e *flowEnv) do(method, path, token string, body []byte, header http.Header) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *flowEnv) stripeEvent(eventID, eventType, object string) *httptest.ResponseRecorder {
	e.t.Helper()
	payload := []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":1714554000,"data":{"object":%s}}`, eventID, eventType, object))
	now := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(flowWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", now, payload)
	header := http.Header{}
	header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", now, hex.EncodeToString(mac.Sum(nil))))
	return e.do(http.MethodPost, "/api/v1/webhooks/payments/stripe", "", payload, header)
}

func (e *flowEnv) transaction(id string) transactionViewPayload {
	e.t.Helper()
	rr := e.do(http.MethodGet, "/api/v1/admin/transactions/"+id, "staff-token", nil, nil)
	if rr.Code != http.StatusOK {
		e.t.Fatalf("get transaction: %d %s", rr.Code, rr.Body.String())
	}
	var view transactionViewPayload
	decodeBody(e.t, rr, &view)
	return view
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func lineItemID(view services.TransactionView, catalogItemID string) string {
	for _, item := range view.LineItems {
		if item.CatalogItemID == catalogItemID {
			return item.ID
		}
	}
	return ""
}

func TestFlowManualDeliveryCompletesParent(t *testing.T) {
	env := newFlowEnv(t, time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC))
	placed := env.place(
		services.PlaceOrderItem{Kind: domain.LineItemKindProduct, CatalogItemID: "prod_p", UnitPrice: decimal.NewFromInt(1000)},
		services.PlaceOrderItem{Kind: domain.LineItemKindAddon, CatalogItemID: "addon_a", UnitPrice: decimal.NewFromInt(500)},
	)
	txnID := placed.Transaction.ID

	// Delivery records only exist once the payment fanned out.
	early := env.do(http.MethodPost, "/api/v1/admin/line-items/"+lineItemID(placed, "prod_p")+":deliver", "staff-token", nil, nil)
	if early.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before payment, got %d %s", early.Code, early.Body.String())
	}

	intent := fmt.Sprintf(`{"id":"pi_1","object":"payment_intent","amount":150000,"amount_received":150000,"currency":"idr","metadata":{"transaction_id":%q}}`, txnID)
	first := env.stripeEvent("evt_paid", "payment_intent.succeeded", intent)
	if first.Code != http.StatusOK {
		t.Fatalf("webhook: %d %s", first.Code, first.Body.String())
	}
	var ack webhookResponse
	decodeBody(t, first, &ack)
	if ack.Status != webhookResultProcessed || ack.TransactionID != txnID {
		t.Fatalf("unexpected webhook ack %+v", ack)
	}
	replay := env.stripeEvent("evt_paid", "payment_intent.succeeded", intent)
	decodeBody(t, replay, &ack)
	if replay.Code != http.StatusOK || ack.Status != webhookResultDuplicate {
		t.Fatalf("expected duplicate ack, got %d %+v", replay.Code, ack)
	}

	deliver := func(catalogItemID string) deliveryResponse {
		t.Helper()
		rr := env.do(http.MethodPost, "/api/v1/admin/line-items/"+lineItemID(placed, catalogItemID)+":deliver", "staff-token", nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("deliver %s: %d %s", catalogItemID, rr.Code, rr.Body.String())
		}
		var resp deliveryResponse
		decodeBody(t, rr, &resp)
		return resp
	}

	p := deliver("prod_p")
	if p.TransactionStatus != string(domain.TransactionStatusInProgress) || p.ParentCompleted {
		t.Fatalf("parent must stay in progress while the add-on is pending, got %+v", p)
	}
	if p.Fulfillment.CompletedBy != "fulfiller:fulfiller@genfity.test" {
		t.Fatalf("expected actor recorded, got %q", p.Fulfillment.CompletedBy)
	}
	a := deliver("addon_a")
	if a.TransactionStatus != string(domain.TransactionStatusSuccess) || !a.ParentCompleted {
		t.Fatalf("expected parent success, got %+v", a)
	}
	again := deliver("prod_p")
	if !again.AlreadyCompleted || again.TransactionStatus != string(domain.TransactionStatusSuccess) {
		t.Fatalf("expected idempotent redelivery, got %+v", again)
	}

	view := env.transaction(txnID)
	if view.Transaction.Status != string(domain.TransactionStatusSuccess) || view.Payment.Status != string(domain.PaymentStatusPaid) {
		t.Fatalf("unexpected read model %+v", view)
	}
	if view.Payment.ProviderRef != "pi_1" || view.Payment.Amount != "1500" {
		t.Fatalf("expected provider details on payment, got %+v", view.Payment)
	}
}

func TestFlowSweepExpiresUnpaidOnce(t *testing.T) {
	start := time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)
	env := newFlowEnv(t, start)
	placed := env.place(services.PlaceOrderItem{
		Kind:          domain.LineItemKindWhatsAppService,
		CatalogItemID: "wa_basic",
		UnitPrice:     decimal.NewFromInt(99000),
		Duration:      domain.PackageDurationMonth,
	})

	env.advance(25 * time.Hour)
	sweep := func() sweepResponse {
		t.Helper()
		rr := env.do(http.MethodPost, "/api/v1/internal/sweeps:expire-payments", "system-token", nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("sweep: %d %s", rr.Code, rr.Body.String())
		}
		var resp sweepResponse
		decodeBody(t, rr, &resp)
		return resp
	}
	if got := sweep(); got.Expired != 1 {
		t.Fatalf("expected one expiry, got %+v", got)
	}
	if got := sweep(); got.Expired != 0 {
		t.Fatalf("expected second sweep to be a no-op, got %+v", got)
	}

	view := env.transaction(placed.Transaction.ID)
	if view.Transaction.Status != string(domain.TransactionStatusExpired) || view.Transaction.ExpiredAt == "" {
		t.Fatalf("expected expired transaction, got %+v", view.Transaction)
	}

	// Staff may operate on orders but not trigger maintenance.
	if rr := env.do(http.MethodPost, "/api/v1/internal/sweeps:expire-payments", "staff-token", nil, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff, got %d", rr.Code)
	}
}

func TestFlowMessagingPaymentActivatesInline(t *testing.T) {
	env := newFlowEnv(t, time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC))
	placed := env.place(services.PlaceOrderItem{
		Kind:          domain.LineItemKindWhatsAppService,
		CatalogItemID: "wa_basic",
		UnitPrice:     decimal.NewFromInt(99000),
		Duration:      domain.PackageDurationMonth,
	})
	txnID := placed.Transaction.ID

	session := fmt.Sprintf(`{"id":"cs_1","object":"checkout.session","payment_status":"paid","amount_total":9900000,"currency":"idr","client_reference_id":%q,"payment_intent":"pi_9"}`, txnID)
	if rr := env.stripeEvent("evt_checkout", "checkout.session.completed", session); rr.Code != http.StatusOK {
		t.Fatalf("webhook: %d %s", rr.Code, rr.Body.String())
	}

	view := env.transaction(txnID)
	if view.Transaction.Status != string(domain.TransactionStatusSuccess) {
		t.Fatalf("expected inline activation to complete the transaction, got %s", view.Transaction.Status)
	}
	if len(view.Fulfillments) != 1 || view.Fulfillments[0].Status != string(domain.FulfillmentStatusDelivered) {
		t.Fatalf("expected delivered activation record, got %+v", view.Fulfillments)
	}

	rr := env.do(http.MethodPost, "/api/v1/admin/transactions/"+txnID+"/subscription:activate", "admin-token", nil, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for repeated activation, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestFlowAdminRoutesRequireRole(t *testing.T) {
	env := newFlowEnv(t, time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC))
	path := "/api/v1/admin/transactions/txn_missing:recompute"

	if rr := env.do(http.MethodPost, path, "", nil, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, path, "customer-token", nil, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for customer, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, path, "admin-token", nil, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown transaction, got %d", rr.Code)
	}
}

func TestFlowPlaceOrderOverHTTP(t *testing.T) {
	env := newFlowEnv(t, time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC))

	body := []byte(`{"customer_id":"cust_7","currency":"idr","items":[{"kind":"product","catalog_item_id":"prod_p","quantity":2,"unit_price":"1500"},{"kind":"whatsapp_service","catalog_item_id":"wa_basic","unit_price":"99000","duration":"month"}]}`)
	rr := env.do(http.MethodPost, "/api/v1/admin/transactions", "admin-token", body, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rr.Code, rr.Body.String())
	}
	var created transactionViewPayload
	decodeBody(t, rr, &created)
	if created.Transaction.Status != string(domain.TransactionStatusPending) {
		t.Fatalf("expected pending transaction, got %s", created.Transaction.Status)
	}
	if created.Transaction.TotalAmount != "102000" || created.Transaction.Currency != "IDR" {
		t.Fatalf("unexpected totals %+v", created.Transaction)
	}
	if len(created.LineItems) != 2 {
		t.Fatalf("expected two line items, got %d", len(created.LineItems))
	}

	if got := env.transaction(created.Transaction.ID); got.Transaction.ID != created.Transaction.ID {
		t.Fatalf("placed transaction not readable: %+v", got.Transaction)
	}

	invalid := []byte(`{"currency":"IDR","items":[{"kind":"product","catalog_item_id":"prod_p","unit_price":"1"}]}`)
	if rr := env.do(http.MethodPost, "/api/v1/admin/transactions", "admin-token", invalid, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without customer, got %d %s", rr.Code, rr.Body.String())
	}
	if rr := env.do(http.MethodPost, "/api/v1/admin/transactions", "admin-token", nil, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", rr.Code)
	}
}
