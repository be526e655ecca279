package repositories

import (
	"context"
	"time"

	domain "github.com/genfity/fulfillment/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// LedgerStore is the durable store for transactions, payments, line items, fulfilment records and
// subscriptions. All multi-row changes go through RunInTx.
type LedgerStore interface {
	// RunInTx executes fn atomically. Backends may retry fn on contention, so fn must not have
	// side effects outside the supplied LedgerTx. Within fn all reads must happen before the first write.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error
	// ListExpirable returns transactions still awaiting payment that were created before the cutoff.
	ListExpirable(ctx context.Context, query ExpirableQuery) ([]domain.Transaction, error)
	// ExpireIfUnpaid atomically moves a transaction to expired when it still matches the sweep
	// predicate. It reports false when another writer got there first or the payment completed.
	ExpireIfUnpaid(ctx context.Context, transactionID string, cutoff time.Time, now time.Time) (bool, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// ExpirableQuery selects sweep candidates ordered by creation time then id.
type ExpirableQuery struct {
	CreatedBefore  time.Time
	AfterCreatedAt time.Time
	AfterID        string
	Limit          int
}

// LedgerTx exposes typed reads and writes inside a store transaction.
type LedgerTx interface {
	Transaction(ctx context.Context, transactionID string) (domain.Transaction, error)
	Payment(ctx context.Context, transactionID string) (domain.Payment, error)
	LineItem(ctx context.Context, lineItemID string) (domain.LineItem, error)
	LineItems(ctx context.Context, transactionID string) ([]domain.LineItem, error)
	Fulfillment(ctx context.Context, key domain.FulfillmentKey) (domain.FulfillmentRecord, error)
	Fulfillments(ctx context.Context, transactionID string) ([]domain.FulfillmentRecord, error)
	// FulfillmentsForPackage lists records for a customer and catalog item created at or after since.
	FulfillmentsForPackage(ctx context.Context, customerID, catalogItemID string, since time.Time) ([]domain.FulfillmentRecord, error)
	Subscription(ctx context.Context, key domain.SubscriptionKey) (domain.Subscription, error)

	PutTransaction(ctx context.Context, txn domain.Transaction) error
	PutPayment(ctx context.Context, payment domain.Payment) error
	PutLineItem(ctx context.Context, item domain.LineItem) error
	// CreateFulfillment inserts a new record and fails with a conflict error when the key exists.
	CreateFulfillment(ctx context.Context, record domain.FulfillmentRecord) error
	PutFulfillment(ctx context.Context, record domain.FulfillmentRecord) error
	PutSubscription(ctx context.Context, subscription domain.Subscription) error
}

// HealthRepository aggregates dependency probes for readiness reporting.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}
