package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus enumerates the lifecycle states of a parent transaction.
type TransactionStatus string

const (
	TransactionStatusCreated    TransactionStatus = "created"
	TransactionStatusPending    TransactionStatus = "pending"
	TransactionStatusInProgress TransactionStatus = "in_progress"
	TransactionStatusSuccess    TransactionStatus = "success"
	TransactionStatusCancelled  TransactionStatus = "cancelled"
	TransactionStatusExpired    TransactionStatus = "expired"
)

// IsTerminal reports whether no further transition may leave the status.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TransactionStatusSuccess, TransactionStatusCancelled, TransactionStatusExpired:
		return true
	default:
		return false
	}
}

// AwaitingPayment reports whether the transaction has not yet observed a paid payment.
func (s TransactionStatus) AwaitingPayment() bool {
	return s == TransactionStatusCreated || s == TransactionStatusPending
}

// PaymentStatus enumerates payment states.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusPaid      PaymentStatus = "paid"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// LineItemKind identifies what a child line item fulfils.
type LineItemKind string

const (
	LineItemKindProduct         LineItemKind = "product"
	LineItemKindAddon           LineItemKind = "addon"
	LineItemKindWhatsAppService LineItemKind = "whatsapp_service"
)

// Valid reports whether the kind is known.
func (k LineItemKind) Valid() bool {
	switch k {
	case LineItemKindProduct, LineItemKindAddon, LineItemKindWhatsAppService:
		return true
	default:
		return false
	}
}

// LineItemStatus enumerates child line item states.
type LineItemStatus string

const (
	LineItemStatusPending    LineItemStatus = "pending"
	LineItemStatusInProgress LineItemStatus = "in_progress"
	LineItemStatusSuccess    LineItemStatus = "success"
	LineItemStatusFailed     LineItemStatus = "failed"
)

// ParseLineItemStatus normalises stored or user supplied values; "delivered" is accepted as success.
func ParseLineItemStatus(value string) (LineItemStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "pending":
		return LineItemStatusPending, true
	case "in_progress":
		return LineItemStatusInProgress, true
	case "success", "delivered":
		return LineItemStatusSuccess, true
	case "failed":
		return LineItemStatusFailed, true
	default:
		return "", false
	}
}

// IsTerminal reports whether the line item has finished, successfully or not.
func (s LineItemStatus) IsTerminal() bool {
	return s == LineItemStatusSuccess || s == LineItemStatusFailed
}

// FulfillmentStatus enumerates delivery/activation record states.
type FulfillmentStatus string

const (
	FulfillmentStatusPending    FulfillmentStatus = "pending"
	FulfillmentStatusInProgress FulfillmentStatus = "in_progress"
	FulfillmentStatusDelivered  FulfillmentStatus = "delivered"
	FulfillmentStatusFailed     FulfillmentStatus = "failed"
)

// Transaction is the customer-facing parent order.
type Transaction struct {
	ID          string
	CustomerID  string
	Currency    string
	TotalAmount decimal.Decimal
	Status      TransactionStatus
	ConfirmedBy string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiredAt   *time.Time
}

// Payment is the single payment attached to a transaction.
type Payment struct {
	TransactionID string
	Status        PaymentStatus
	Provider      string
	ProviderRef   string
	Amount        decimal.Decimal
	FailureReason string
	PaidAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LineItem is one purchased item within a transaction.
type LineItem struct {
	ID            string
	TransactionID string
	Kind          LineItemKind
	CatalogItemID string
	Status        LineItemStatus
	Quantity      int
	Duration      PackageDuration
	UnitPrice     decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LegacyTransactionPrefix marks fulfilment records imported without an originating transaction.
const LegacyTransactionPrefix = "legacy:"

// LegacyFulfillmentKey returns the deterministic record key used for an imported subscription.
func LegacyFulfillmentKey(customerID, packageID string) FulfillmentKey {
	return FulfillmentKey{TransactionID: LegacyTransactionPrefix + customerID, CatalogItemID: packageID}
}

// FulfillmentKey identifies a delivery/activation record.
type FulfillmentKey struct {
	TransactionID string
	CatalogItemID string
}

// keyPartEscaper escapes the separator, the escape character and the path delimiter so that
// joined keys stay unique and remain valid document IDs.
var keyPartEscaper = strings.NewReplacer("%", "%25", "_", "%5F", "/", "%2F")

func joinKeyParts(a, b string) string {
	return keyPartEscaper.Replace(a) + "_" + keyPartEscaper.Replace(b)
}

// String renders the key as a storage identifier.
func (k FulfillmentKey) String() string {
	return joinKeyParts(k.TransactionID, k.CatalogItemID)
}

// FulfillmentRecord tracks fulfilment progress for one line item. It is created once and updated in place.
type FulfillmentRecord struct {
	TransactionID string
	CatalogItemID string
	LineItemID    string
	CustomerID    string
	Kind          LineItemKind
	Status        FulfillmentStatus
	AttemptID     string
	LeaseUntil    *time.Time
	CompletedAt   *time.Time
	CompletedBy   string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Key returns the record identity.
func (r FulfillmentRecord) Key() FulfillmentKey {
	return FulfillmentKey{TransactionID: r.TransactionID, CatalogItemID: r.CatalogItemID}
}

// IsLegacy reports whether the record was migrated from the previous platform and has no
// transaction of its own.
func (r FulfillmentRecord) IsLegacy() bool {
	return strings.HasPrefix(r.TransactionID, LegacyTransactionPrefix)
}

// LeaseActive reports whether an in-progress claim is still held at now.
func (r FulfillmentRecord) LeaseActive(now time.Time) bool {
	return r.Status == FulfillmentStatusInProgress && r.LeaseUntil != nil && now.Before(*r.LeaseUntil)
}

// SubscriptionKey identifies a customer's subscription to a messaging package.
type SubscriptionKey struct {
	CustomerID string
	PackageID  string
}

// String renders the key as a storage identifier.
func (k SubscriptionKey) String() string {
	return joinKeyParts(k.CustomerID, k.PackageID)
}

// Subscription is the customer's messaging-service entitlement.
type Subscription struct {
	CustomerID        string
	PackageID         string
	ExpiredAt         time.Time
	LastTransactionID string
	ActivatedAt       time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Key returns the subscription identity.
func (s Subscription) Key() SubscriptionKey {
	return SubscriptionKey{CustomerID: s.CustomerID, PackageID: s.PackageID}
}

// ActiveAt reports whether the subscription has not yet expired at now.
func (s Subscription) ActiveAt(now time.Time) bool {
	return !s.ExpiredAt.IsZero() && s.ExpiredAt.After(now)
}
