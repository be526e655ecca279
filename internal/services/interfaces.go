package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/genfity/fulfillment/internal/domain"
)

// StatusAggregator recomputes a parent transaction status from its payment and children.
type StatusAggregator interface {
	Recompute(ctx context.Context, transactionID string) (RecomputeResult, error)
}

// DeliveryService records manual delivery of product and add-on line items.
type DeliveryService interface {
	CompleteDelivery(ctx context.Context, cmd CompleteDeliveryCommand) (DeliveryResult, error)
}

// SubscriptionActivator creates or extends messaging-service subscriptions for paid transactions.
type SubscriptionActivator interface {
	Activate(ctx context.Context, cmd ActivateCommand) (domain.Subscription, error)
	FailActivation(ctx context.Context, cmd FailActivationCommand) (FailActivationResult, error)
}

// PaymentSweeper expires transactions whose payment deadline passed.
type PaymentSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (SweepResult, error)
}

// PaymentService applies payment outcomes and the admin confirmation override.
type PaymentService interface {
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (ConfirmPaymentResult, error)
	RecordPaymentFailure(ctx context.Context, cmd PaymentFailureCommand) (domain.Payment, error)
	ConfirmTransaction(ctx context.Context, cmd ConfirmTransactionCommand) (ConfirmTransactionResult, error)
}

// OrderService registers checked-out transactions and exposes the read model.
type OrderService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (TransactionView, error)
	GetTransaction(ctx context.Context, transactionID string) (TransactionView, error)
}

// SubscriptionImporter converts legacy subscription rows into ledger subscriptions.
type SubscriptionImporter interface {
	Import(ctx context.Context, records []LegacySubscription) (ImportResult, error)
}

// SystemService exposes service health information.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// ActivationDispatcher hands a messaging transaction over to the subscription activator,
// either inline or through a task queue.
type ActivationDispatcher interface {
	DispatchActivation(ctx context.Context, transactionID string) error
}

// ActivationDispatcherFunc adapts a function to ActivationDispatcher.
type ActivationDispatcherFunc func(ctx context.Context, transactionID string) error

// DispatchActivation implements ActivationDispatcher.
func (f ActivationDispatcherFunc) DispatchActivation(ctx context.Context, transactionID string) error {
	return f(ctx, transactionID)
}

// Provisioner performs the downstream side of a subscription activation. Implementations must be
// idempotent per TransactionID because a crashed attempt is retried after its lease expires.
type Provisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) error
}

// ProvisionRequest describes the entitlement being granted downstream.
type ProvisionRequest struct {
	TransactionID string
	CustomerID    string
	PackageID     string
	AttemptID     string
	Duration      domain.PackageDuration
	ExpiresAt     time.Time
}

// FulfillmentEventPublisher notifies downstream consumers about fulfilment changes.
type FulfillmentEventPublisher interface {
	PublishFulfillmentEvent(ctx context.Context, event FulfillmentEvent) error
}

// FulfillmentEventPublisherFunc adapts a function to FulfillmentEventPublisher.
type FulfillmentEventPublisherFunc func(ctx context.Context, event FulfillmentEvent) error

// PublishFulfillmentEvent implements FulfillmentEventPublisher.
func (f FulfillmentEventPublisherFunc) PublishFulfillmentEvent(ctx context.Context, event FulfillmentEvent) error {
	return f(ctx, event)
}

const (
	EventTransactionPlaced        = "transaction.placed"
	EventTransactionStatusChanged = "transaction.status.changed"
	EventTransactionExpired       = "transaction.expired"
	EventLineItemDelivered        = "line_item.delivered"
	EventSubscriptionActivated    = "subscription.activated"
	EventSubscriptionFailed       = "subscription.failed"
	EventPaymentConfirmed         = "payment.confirmed"
	EventPaymentFailed            = "payment.failed"
)

// FulfillmentEvent captures metadata for emitted fulfilment events.
type FulfillmentEvent struct {
	ID             string
	Type           string
	TransactionID  string
	LineItemID     string
	CustomerID     string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// RecomputeResult reports the outcome of an aggregation pass.
type RecomputeResult struct {
	TransactionID string
	Previous      domain.TransactionStatus
	Status        domain.TransactionStatus
	Changed       bool
}

// CompleteDeliveryCommand marks a product or add-on line item delivered.
type CompleteDeliveryCommand struct {
	LineItemID string
	ActorID    string
}

// DeliveryResult describes the state after a delivery call.
type DeliveryResult struct {
	LineItem          domain.LineItem
	Record            domain.FulfillmentRecord
	TransactionStatus domain.TransactionStatus
	// ParentCompleted reports whether this call moved the parent transaction to success.
	ParentCompleted bool
	// AlreadyCompleted is set when the record was delivered before; nothing was written.
	AlreadyCompleted bool
}

// ActivateCommand requests activation of the messaging subscription bought in a transaction.
type ActivateCommand struct {
	TransactionID string
	ActorID       string
}

// FailActivationCommand marks the messaging line item of a transaction failed.
type FailActivationCommand struct {
	TransactionID string
	ActorID       string
	Reason        string
}

// FailActivationResult reports the state after a failure was recorded.
type FailActivationResult struct {
	Record            domain.FulfillmentRecord
	TransactionStatus domain.TransactionStatus
	AlreadyFailed     bool
}

// SweepResult summarises one sweep run.
type SweepResult struct {
	Expired  int
	Scanned  int
	Failures []SweepFailure
}

// SweepFailure records a per-row failure that did not abort the sweep.
type SweepFailure struct {
	TransactionID string
	Err           error
}

// ConfirmPaymentCommand records a successful payment reported by the provider.
type ConfirmPaymentCommand struct {
	TransactionID string
	Provider      string
	ProviderRef   string
	Amount        *decimal.Decimal
	PaidAt        time.Time
	ActorID       string
}

// ConfirmPaymentResult reports the state after a payment confirmation.
type ConfirmPaymentResult struct {
	TransactionID      string
	Status             domain.TransactionStatus
	AlreadyConfirmed   bool
	ActivationQueued   bool
	ActivationDispatch error
}

// PaymentFailureCommand records a failed or cancelled payment attempt.
type PaymentFailureCommand struct {
	TransactionID string
	Status        domain.PaymentStatus
	Reason        string
}

// ConfirmTransactionCommand is the admin manual override for non-automatic line items.
type ConfirmTransactionCommand struct {
	TransactionID string
	ActorID       string
}

// ConfirmTransactionResult reports the state after a manual confirmation.
type ConfirmTransactionResult struct {
	RecomputeResult
	ItemsCompleted   int
	ActivationQueued bool
}

// PlaceOrderCommand registers a checked-out transaction.
type PlaceOrderCommand struct {
	TransactionID string
	CustomerID    string
	Currency      string
	Items         []PlaceOrderItem
}

// PlaceOrderItem is a single purchased line.
type PlaceOrderItem struct {
	Kind          domain.LineItemKind
	CatalogItemID string
	Quantity      int
	UnitPrice     decimal.Decimal
	Duration      domain.PackageDuration
}

// TransactionView is the admin read model of a transaction.
type TransactionView struct {
	Transaction  domain.Transaction
	Payment      domain.Payment
	LineItems    []domain.LineItem
	Fulfillments []domain.FulfillmentRecord
}

// LegacySubscription is a subscription row exported from the previous platform.
type LegacySubscription struct {
	UserID      string `json:"userId"`
	ServiceID   string `json:"serviceId"`
	ExpireDate  string `json:"expireDate"`
	ActivatedAt string `json:"activatedAt,omitempty"`
}

// ImportResult summarises a legacy import.
type ImportResult struct {
	Imported int
	Extended int
	Skipped  int
	Failures []ImportFailure
}

// ImportFailure records a row that could not be imported.
type ImportFailure struct {
	UserID    string
	ServiceID string
	Err       error
}
