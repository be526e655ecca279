package firestore

import (
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/genfity/fulfillment/internal/domain"
)

const (
	transactionsCollection  = "transactions"
	paymentsCollection      = "payments"
	lineItemsCollection     = "lineItems"
	fulfillmentsCollection  = "fulfillments"
	subscriptionsCollection = "subscriptions"
)

// Amounts are stored as decimal strings so no precision is lost to float64.

type transactionDocument struct {
	ID          string     `firestore:"id"`
	CustomerID  string     `firestore:"customerId"`
	Currency    string     `firestore:"currency"`
	TotalAmount string     `firestore:"totalAmount"`
	Status      string     `firestore:"status"`
	ConfirmedBy string     `firestore:"confirmedBy,omitempty"`
	CreatedAt   time.Time  `firestore:"createdAt"`
	UpdatedAt   time.Time  `firestore:"updatedAt"`
	ExpiredAt   *time.Time `firestore:"expiredAt,omitempty"`
}

func newTransactionDocument(txn domain.Transaction) transactionDocument {
	return transactionDocument{
		ID:          txn.ID,
		CustomerID:  txn.CustomerID,
		Currency:    txn.Currency,
		TotalAmount: txn.TotalAmount.String(),
		Status:      string(txn.Status),
		ConfirmedBy: txn.ConfirmedBy,
		CreatedAt:   txn.CreatedAt.UTC(),
		UpdatedAt:   txn.UpdatedAt.UTC(),
		ExpiredAt:   utcPtr(txn.ExpiredAt),
	}
}

func (d transactionDocument) toDomain() domain.Transaction {
	return domain.Transaction{
		ID:          d.ID,
		CustomerID:  d.CustomerID,
		Currency:    d.Currency,
		TotalAmount: parseAmount(d.TotalAmount),
		Status:      domain.TransactionStatus(d.Status),
		ConfirmedBy: d.ConfirmedBy,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
		ExpiredAt:   utcPtr(d.ExpiredAt),
	}
}

type paymentDocument struct {
	TransactionID string     `firestore:"transactionId"`
	Status        string     `firestore:"status"`
	Provider      string     `firestore:"provider,omitempty"`
	ProviderRef   string     `firestore:"providerRef,omitempty"`
	Amount        string     `firestore:"amount"`
	FailureReason string     `firestore:"failureReason,omitempty"`
	PaidAt        *time.Time `firestore:"paidAt,omitempty"`
	CreatedAt     time.Time  `firestore:"createdAt"`
	UpdatedAt     time.Time  `firestore:"updatedAt"`
}

func newPaymentDocument(p domain.Payment) paymentDocument {
	return paymentDocument{
		TransactionID: p.TransactionID,
		Status:        string(p.Status),
		Provider:      p.Provider,
		ProviderRef:   p.ProviderRef,
		Amount:        p.Amount.String(),
		FailureReason: p.FailureReason,
		PaidAt:        utcPtr(p.PaidAt),
		CreatedAt:     p.CreatedAt.UTC(),
		UpdatedAt:     p.UpdatedAt.UTC(),
	}
}

func (d paymentDocument) toDomain() domain.Payment {
	return domain.Payment{
		TransactionID: d.TransactionID,
		Status:        domain.PaymentStatus(d.Status),
		Provider:      d.Provider,
		ProviderRef:   d.ProviderRef,
		Amount:        parseAmount(d.Amount),
		FailureReason: d.FailureReason,
		PaidAt:        utcPtr(d.PaidAt),
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
}

type lineItemDocument struct {
	ID            string    `firestore:"id"`
	TransactionID string    `firestore:"transactionId"`
	Kind          string    `firestore:"kind"`
	CatalogItemID string    `firestore:"catalogItemId"`
	Status        string    `firestore:"status"`
	Quantity      int       `firestore:"quantity"`
	Duration      string    `firestore:"duration,omitempty"`
	UnitPrice     string    `firestore:"unitPrice"`
	CreatedAt     time.Time `firestore:"createdAt"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
}

func newLineItemDocument(item domain.LineItem) lineItemDocument {
	return lineItemDocument{
		ID:            item.ID,
		TransactionID: item.TransactionID,
		Kind:          string(item.Kind),
		CatalogItemID: item.CatalogItemID,
		Status:        string(item.Status),
		Quantity:      item.Quantity,
		Duration:      string(item.Duration),
		UnitPrice:     item.UnitPrice.String(),
		CreatedAt:     item.CreatedAt.UTC(),
		UpdatedAt:     item.UpdatedAt.UTC(),
	}
}

func (d lineItemDocument) toDomain() domain.LineItem {
	status, ok := domain.ParseLineItemStatus(d.Status)
	if !ok {
		status = domain.LineItemStatus(d.Status)
	}
	duration, _ := domain.ParsePackageDuration(d.Duration)
	return domain.LineItem{
		ID:            d.ID,
		TransactionID: d.TransactionID,
		Kind:          domain.LineItemKind(d.Kind),
		CatalogItemID: d.CatalogItemID,
		Status:        status,
		Quantity:      d.Quantity,
		Duration:      duration,
		UnitPrice:     parseAmount(d.UnitPrice),
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
}

type fulfillmentDocument struct {
	TransactionID string     `firestore:"transactionId"`
	CatalogItemID string     `firestore:"catalogItemId"`
	LineItemID    string     `firestore:"lineItemId"`
	CustomerID    string     `firestore:"customerId"`
	Kind          string     `firestore:"kind"`
	Status        string     `firestore:"status"`
	AttemptID     string     `firestore:"attemptId,omitempty"`
	LeaseUntil    *time.Time `firestore:"leaseUntil,omitempty"`
	CompletedAt   *time.Time `firestore:"completedAt,omitempty"`
	CompletedBy   string     `firestore:"completedBy,omitempty"`
	FailureReason string     `firestore:"failureReason,omitempty"`
	CreatedAt     time.Time  `firestore:"createdAt"`
	UpdatedAt     time.Time  `firestore:"updatedAt"`
}

func newFulfillmentDocument(r domain.FulfillmentRecord) fulfillmentDocument {
	return fulfillmentDocument{
		TransactionID: r.TransactionID,
		CatalogItemID: r.CatalogItemID,
		LineItemID:    r.LineItemID,
		CustomerID:    r.CustomerID,
		Kind:          string(r.Kind),
		Status:        string(r.Status),
		AttemptID:     r.AttemptID,
		LeaseUntil:    utcPtr(r.LeaseUntil),
		CompletedAt:   utcPtr(r.CompletedAt),
		CompletedBy:   r.CompletedBy,
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func (d fulfillmentDocument) toDomain() domain.FulfillmentRecord {
	return domain.FulfillmentRecord{
		TransactionID: d.TransactionID,
		CatalogItemID: d.CatalogItemID,
		LineItemID:    d.LineItemID,
		CustomerID:    d.CustomerID,
		Kind:          domain.LineItemKind(d.Kind),
		Status:        domain.FulfillmentStatus(d.Status),
		AttemptID:     d.AttemptID,
		LeaseUntil:    utcPtr(d.LeaseUntil),
		CompletedAt:   utcPtr(d.CompletedAt),
		CompletedBy:   d.CompletedBy,
		FailureReason: d.FailureReason,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
}

type subscriptionDocument struct {
	CustomerID        string    `firestore:"customerId"`
	PackageID         string    `firestore:"packageId"`
	ExpiredAt         time.Time `firestore:"expiredAt"`
	LastTransactionID string    `firestore:"lastTransactionId,omitempty"`
	ActivatedAt       time.Time `firestore:"activatedAt"`
	CreatedAt         time.Time `firestore:"createdAt"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

func newSubscriptionDocument(s domain.Subscription) subscriptionDocument {
	return subscriptionDocument{
		CustomerID:        s.CustomerID,
		PackageID:         s.PackageID,
		ExpiredAt:         s.ExpiredAt.UTC(),
		LastTransactionID: s.LastTransactionID,
		ActivatedAt:       s.ActivatedAt.UTC(),
		CreatedAt:         s.CreatedAt.UTC(),
		UpdatedAt:         s.UpdatedAt.UTC(),
	}
}

func (d subscriptionDocument) toDomain() domain.Subscription {
	return domain.Subscription{
		CustomerID:        d.CustomerID,
		PackageID:         d.PackageID,
		ExpiredAt:         d.ExpiredAt.UTC(),
		LastTransactionID: d.LastTransactionID,
		ActivatedAt:       d.ActivatedAt.UTC(),
		CreatedAt:         d.CreatedAt.UTC(),
		UpdatedAt:         d.UpdatedAt.UTC(),
	}
}

func parseAmount(value string) decimal.Decimal {
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero
	}
	return amount
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
