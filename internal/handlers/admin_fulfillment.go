package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/genfity/fulfillment/internal/domain"
	"github.com/genfity/fulfillment/internal/platform/auth"
	"github.com/genfity/fulfillment/internal/platform/httpx"
	"github.com/genfity/fulfillment/internal/platform/observability"
	"github.com/genfity/fulfillment/internal/services"
)

const maxAdminBodySize = 4 * 1024

// AdminFulfillmentServices bundles the services behind the admin fulfilment endpoints.
type AdminFulfillmentServices struct {
	Delivery   services.DeliveryService
	Activator  services.SubscriptionActivator
	Payments   services.PaymentService
	Aggregator services.StatusAggregator
	Orders     services.OrderService
}

// AdminFulfillmentHandlers serves operator actions on transactions and line items.
type AdminFulfillmentHandlers struct {
	authn *auth.Authenticator
	svc   AdminFulfillmentServices
}

// NewAdminFulfillmentHandlers constructs the admin handler set. Without an authenticator the
// routes are mounted unguarded, which only tests rely on.
func NewAdminFulfillmentHandlers(authn *auth.Authenticator, svc AdminFulfillmentServices) *AdminFulfillmentHandlers {
	return &AdminFulfillmentHandlers{authn: authn, svc: svc}
}

// Routes registers the /admin endpoints.
func (h *AdminFulfillmentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireRoles(auth.RoleAdmin, auth.RoleStaff))
	}
	r.Use(observability.ActorMiddleware)

	r.Post("/transactions", h.placeOrder)
	r.Post("/line-items/{lineItemID}:deliver", h.deliverLineItem)
	r.Post("/transactions/{transactionID}/subscription:activate", h.activateSubscription)
	r.Post("/transactions/{transactionID}/subscription:fail", h.failSubscription)
	r.Post("/transactions/{transactionID}:confirm", h.confirmTransaction)
	r.Post("/transactions/{transactionID}:recompute", h.recomputeTransaction)
	r.Get("/transactions/{transactionID}", h.getTransaction)
}

type placeOrderRequest struct {
	TransactionID string                  `json:"transaction_id"`
	CustomerID    string                  `json:"customer_id"`
	Currency      string                  `json:"currency"`
	Items         []placeOrderItemRequest `json:"items"`
}

type placeOrderItemRequest struct {
	Kind          string          `json:"kind"`
	CatalogItemID string          `json:"catalog_item_id"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Duration      string          `json:"duration"`
}

// placeOrder registers a checkout: the transaction, its pending payment and its line items.
func (h *AdminFulfillmentHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	body, err := readLimitedBody(r, maxAdminBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req placeOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	items := make([]services.PlaceOrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.PlaceOrderItem{
			Kind:          domain.LineItemKind(strings.TrimSpace(item.Kind)),
			CatalogItemID: item.CatalogItemID,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			Duration:      domain.PackageDuration(strings.TrimSpace(item.Duration)),
		})
	}
	view, err := h.svc.Orders.PlaceOrder(ctx, services.PlaceOrderCommand{
		TransactionID: req.TransactionID,
		CustomerID:    req.CustomerID,
		Currency:      req.Currency,
		Items:         items,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildTransactionViewPayload(view))
}

func (h *AdminFulfillmentHandlers) deliverLineItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Delivery == nil {
		httpx.WriteError(ctx, w, httpx.NewError("delivery_service_unavailable", "delivery service unavailable", http.StatusServiceUnavailable))
		return
	}
	lineItemID := strings.TrimSpace(chi.URLParam(r, "lineItemID"))
	if lineItemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "line item id is required", http.StatusBadRequest))
		return
	}

	result, err := h.svc.Delivery.CompleteDelivery(ctx, services.CompleteDeliveryCommand{
		LineItemID: lineItemID,
		ActorID:    actorFromContext(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, deliveryResponse{
		LineItem:          buildLineItemPayload(result.LineItem),
		Fulfillment:       buildFulfillmentPayload(result.Record),
		TransactionStatus: string(result.TransactionStatus),
		ParentCompleted:   result.ParentCompleted,
		AlreadyCompleted:  result.AlreadyCompleted,
	})
}

func (h *AdminFulfillmentHandlers) activateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Activator == nil {
		httpx.WriteError(ctx, w, httpx.NewError("activation_service_unavailable", "activation service unavailable", http.StatusServiceUnavailable))
		return
	}
	transactionID, ok := transactionIDParam(w, r)
	if !ok {
		return
	}

	sub, err := h.svc.Activator.Activate(ctx, services.ActivateCommand{
		TransactionID: transactionID,
		ActorID:       actorFromContext(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, subscriptionResponse{Subscription: buildSubscriptionPayload(sub)})
}

type failSubscriptionRequest struct {
	Reason string `json:"reason"`
}

func (h *AdminFulfillmentHandlers) failSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Activator == nil {
		httpx.WriteError(ctx, w, httpx.NewError("activation_service_unavailable", "activation service unavailable", http.StatusServiceUnavailable))
		return
	}
	transactionID, ok := transactionIDParam(w, r)
	if !ok {
		return
	}

	var req failSubscriptionRequest
	body, err := readLimitedBody(r, maxAdminBodySize)
	switch {
	case errors.Is(err, errEmptyBody):
	case err != nil:
		writeBodyError(ctx, w, err)
		return
	default:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	result, err := h.svc.Activator.FailActivation(ctx, services.FailActivationCommand{
		TransactionID: transactionID,
		ActorID:       actorFromContext(ctx),
		Reason:        req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, failSubscriptionResponse{
		Fulfillment:       buildFulfillmentPayload(result.Record),
		TransactionStatus: string(result.TransactionStatus),
		AlreadyFailed:     result.AlreadyFailed,
	})
}

func (h *AdminFulfillmentHandlers) confirmTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	transactionID, ok := transactionIDParam(w, r)
	if !ok {
		return
	}

	result, err := h.svc.Payments.ConfirmTransaction(ctx, services.ConfirmTransactionCommand{
		TransactionID: transactionID,
		ActorID:       actorFromContext(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, confirmTransactionResponse{
		recomputeResponse: buildRecomputeResponse(result.RecomputeResult),
		ItemsCompleted:    result.ItemsCompleted,
		ActivationQueued:  result.ActivationQueued,
	})
}

func (h *AdminFulfillmentHandlers) recomputeTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Aggregator == nil {
		httpx.WriteError(ctx, w, httpx.NewError("aggregator_unavailable", "status aggregator unavailable", http.StatusServiceUnavailable))
		return
	}
	transactionID, ok := transactionIDParam(w, r)
	if !ok {
		return
	}

	result, err := h.svc.Aggregator.Recompute(ctx, transactionID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildRecomputeResponse(result))
}

func (h *AdminFulfillmentHandlers) getTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.svc.Orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	transactionID, ok := transactionIDParam(w, r)
	if !ok {
		return
	}

	view, err := h.svc.Orders.GetTransaction(ctx, transactionID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildTransactionViewPayload(view))
}

func transactionIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	transactionID := strings.TrimSpace(chi.URLParam(r, "transactionID"))
	if transactionID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "transaction id is required", http.StatusBadRequest))
		return "", false
	}
	return transactionID, true
}

type transactionPayload struct {
	ID          string `json:"id"`
	CustomerID  string `json:"customer_id"`
	Currency    string `json:"currency"`
	TotalAmount string `json:"total_amount"`
	Status      string `json:"status"`
	ConfirmedBy string `json:"confirmed_by,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	ExpiredAt   string `json:"expired_at,omitempty"`
}

type paymentPayload struct {
	Status        string `json:"status"`
	Provider      string `json:"provider,omitempty"`
	ProviderRef   string `json:"provider_ref,omitempty"`
	Amount        string `json:"amount"`
	FailureReason string `json:"failure_reason,omitempty"`
	PaidAt        string `json:"paid_at,omitempty"`
}

type lineItemPayload struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	CatalogItemID string `json:"catalog_item_id"`
	Status        string `json:"status"`
	Quantity      int    `json:"quantity"`
	Duration      string `json:"duration,omitempty"`
	UnitPrice     string `json:"unit_price"`
	UpdatedAt     string `json:"updated_at"`
}

type fulfillmentPayload struct {
	TransactionID string `json:"transaction_id"`
	CatalogItemID string `json:"catalog_item_id"`
	LineItemID    string `json:"line_item_id,omitempty"`
	Kind          string `json:"kind"`
	Status        string `json:"status"`
	AttemptID     string `json:"attempt_id,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
	CompletedBy   string `json:"completed_by,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

type subscriptionPayload struct {
	CustomerID        string `json:"customer_id"`
	PackageID         string `json:"package_id"`
	ExpiredAt         string `json:"expired_at"`
	LastTransactionID string `json:"last_transaction_id,omitempty"`
	ActivatedAt       string `json:"activated_at,omitempty"`
}

type transactionViewPayload struct {
	Transaction  transactionPayload   `json:"transaction"`
	Payment      paymentPayload       `json:"payment"`
	LineItems    []lineItemPayload    `json:"line_items"`
	Fulfillments []fulfillmentPayload `json:"fulfillments"`
}

type deliveryResponse struct {
	LineItem          lineItemPayload    `json:"line_item"`
	Fulfillment       fulfillmentPayload `json:"fulfillment"`
	TransactionStatus string             `json:"transaction_status"`
	ParentCompleted   bool               `json:"parent_completed"`
	AlreadyCompleted  bool               `json:"already_completed"`
}

type subscriptionResponse struct {
	Subscription subscriptionPayload `json:"subscription"`
}

type failSubscriptionResponse struct {
	Fulfillment       fulfillmentPayload `json:"fulfillment"`
	TransactionStatus string             `json:"transaction_status"`
	AlreadyFailed     bool               `json:"already_failed"`
}

type recomputeResponse struct {
	TransactionID  string `json:"transaction_id"`
	PreviousStatus string `json:"previous_status"`
	Status         string `json:"status"`
	Changed        bool   `json:"changed"`
}

type confirmTransactionResponse struct {
	recomputeResponse
	ItemsCompleted   int  `json:"items_completed"`
	ActivationQueued bool `json:"activation_queued"`
}

func buildRecomputeResponse(result services.RecomputeResult) recomputeResponse {
	return recomputeResponse{
		TransactionID:  result.TransactionID,
		PreviousStatus: string(result.Previous),
		Status:         string(result.Status),
		Changed:        result.Changed,
	}
}

func buildTransactionViewPayload(view services.TransactionView) transactionViewPayload {
	txn := view.Transaction
	out := transactionViewPayload{
		Transaction: transactionPayload{
			ID:          txn.ID,
			CustomerID:  txn.CustomerID,
			Currency:    txn.Currency,
			TotalAmount: txn.TotalAmount.String(),
			Status:      string(txn.Status),
			ConfirmedBy: txn.ConfirmedBy,
			CreatedAt:   formatTime(txn.CreatedAt),
			UpdatedAt:   formatTime(txn.UpdatedAt),
			ExpiredAt:   formatTimePtr(txn.ExpiredAt),
		},
		Payment: paymentPayload{
			Status:        string(view.Payment.Status),
			Provider:      view.Payment.Provider,
			ProviderRef:   view.Payment.ProviderRef,
			Amount:        view.Payment.Amount.String(),
			FailureReason: view.Payment.FailureReason,
			PaidAt:        formatTimePtr(view.Payment.PaidAt),
		},
		LineItems:    make([]lineItemPayload, 0, len(view.LineItems)),
		Fulfillments: make([]fulfillmentPayload, 0, len(view.Fulfillments)),
	}
	for _, item := range view.LineItems {
		out.LineItems = append(out.LineItems, buildLineItemPayload(item))
	}
	for _, record := range view.Fulfillments {
		out.Fulfillments = append(out.Fulfillments, buildFulfillmentPayload(record))
	}
	return out
}

func buildLineItemPayload(item domain.LineItem) lineItemPayload {
	return lineItemPayload{
		ID:            item.ID,
		Kind:          string(item.Kind),
		CatalogItemID: item.CatalogItemID,
		Status:        string(item.Status),
		Quantity:      item.Quantity,
		Duration:      string(item.Duration),
		UnitPrice:     item.UnitPrice.String(),
		UpdatedAt:     formatTime(item.UpdatedAt),
	}
}

func buildFulfillmentPayload(record domain.FulfillmentRecord) fulfillmentPayload {
	return fulfillmentPayload{
		TransactionID: record.TransactionID,
		CatalogItemID: record.CatalogItemID,
		LineItemID:    record.LineItemID,
		Kind:          string(record.Kind),
		Status:        string(record.Status),
		AttemptID:     record.AttemptID,
		CompletedAt:   formatTimePtr(record.CompletedAt),
		CompletedBy:   record.CompletedBy,
		FailureReason: record.FailureReason,
	}
}

func buildSubscriptionPayload(sub domain.Subscription) subscriptionPayload {
	return subscriptionPayload{
		CustomerID:        sub.CustomerID,
		PackageID:         sub.PackageID,
		ExpiredAt:         formatTime(sub.ExpiredAt),
		LastTransactionID: sub.LastTransactionID,
		ActivatedAt:       formatTime(sub.ActivatedAt),
	}
}
