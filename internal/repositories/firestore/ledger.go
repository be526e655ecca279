// Package firestore implements the ledger store on Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/genfity/fulfillment/internal/domain"
	pfirestore "github.com/genfity/fulfillment/internal/platform/firestore"
	"github.com/genfity/fulfillment/internal/repositories"
)

var errReadAfterWrite = errors.New("firestore: read after write inside transaction")

// Ledger stores every ledger entity in its own top-level collection.
type Ledger struct {
	provider *pfirestore.Provider
}

var _ repositories.LedgerStore = (*Ledger)(nil)

// NewLedger constructs the Firestore ledger.
func NewLedger(provider *pfirestore.Provider) (*Ledger, error) {
	if provider == nil {
		return nil, errors.New("firestore ledger requires provider")
	}
	return &Ledger{provider: provider}, nil
}

// RunInTx implements repositories.LedgerStore. Firestore retries fn on contention.
func (l *Ledger) RunInTx(ctx context.Context, fn func(ctx context.Context, tx repositories.LedgerTx) error) error {
	client, err := l.provider.Client(ctx)
	if err != nil {
		return repositories.NewStoreError("firestore.tx", repositories.StoreErrorUnavailable, err)
	}
	return pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &ledgerTx{client: client, tx: tx, created: make(map[string]struct{})})
	})
}

// ListExpirable implements repositories.LedgerStore.
func (l *Ledger) ListExpirable(ctx context.Context, query repositories.ExpirableQuery) ([]domain.Transaction, error) {
	client, err := l.provider.Client(ctx)
	if err != nil {
		return nil, repositories.NewStoreError("firestore.expirable", repositories.StoreErrorUnavailable, err)
	}
	q := client.Collection(transactionsCollection).
		Where("status", "in", []string{string(domain.TransactionStatusCreated), string(domain.TransactionStatusPending)}).
		Where("createdAt", "<", query.CreatedBefore.UTC()).
		OrderBy("createdAt", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc)
	if !query.AfterCreatedAt.IsZero() || query.AfterID != "" {
		q = q.StartAfter(query.AfterCreatedAt.UTC(), query.AfterID)
	}
	if query.Limit > 0 {
		q = q.Limit(query.Limit)
	}

	docs, err := pfirestore.Query[transactionDocument](ctx, q, "firestore.expirable")
	if err != nil {
		return nil, err
	}
	out := make([]domain.Transaction, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toDomain())
	}
	return out, nil
}

// ExpireIfUnpaid implements repositories.LedgerStore. The predicate is re-read inside the
// transaction so a concurrent payment confirmation or sweeper wins cleanly.
func (l *Ledger) ExpireIfUnpaid(ctx context.Context, transactionID string, cutoff time.Time, now time.Time) (bool, error) {
	client, err := l.provider.Client(ctx)
	if err != nil {
		return false, repositories.NewStoreError("firestore.expire", repositories.StoreErrorUnavailable, err)
	}

	var expired bool
	err = pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		expired = false
		txnRef := client.Collection(transactionsCollection).Doc(transactionID)
		doc, err := pfirestore.GetInTx[transactionDocument](tx, txnRef, "firestore.expire.transaction")
		if err != nil {
			return err
		}
		txn := doc.toDomain()
		if !txn.Status.AwaitingPayment() || !txn.CreatedAt.Before(cutoff) {
			return nil
		}
		payment, err := pfirestore.GetInTx[paymentDocument](tx, client.Collection(paymentsCollection).Doc(transactionID), "firestore.expire.payment")
		switch {
		case err == nil && domain.PaymentStatus(payment.Status) == domain.PaymentStatusPaid:
			return nil
		case err != nil && !repositories.IsNotFound(err):
			return err
		}

		expiredAt := now.UTC()
		expired = true
		return tx.Update(txnRef, []firestore.Update{
			{Path: "status", Value: string(domain.TransactionStatusExpired)},
			{Path: "expiredAt", Value: expiredAt},
			{Path: "updatedAt", Value: expiredAt},
		})
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}

// Ping reads at most one document to prove connectivity and credentials.
func (l *Ledger) Ping(ctx context.Context) error {
	client, err := l.provider.Client(ctx)
	if err != nil {
		return err
	}
	iter := client.Collection(transactionsCollection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return pfirestore.WrapError("firestore.ping", err)
	}
	return nil
}

// Close releases the Firestore client.
func (l *Ledger) Close(ctx context.Context) error {
	return l.provider.Close(ctx)
}

type ledgerTx struct {
	client  *firestore.Client
	tx      *firestore.Transaction
	wrote   bool
	created map[string]struct{}
}

func (t *ledgerTx) beginRead(op string) error {
	if t.wrote {
		return repositories.NewStoreError(op, repositories.StoreErrorUnknown, errReadAfterWrite)
	}
	return nil
}

func (t *ledgerTx) doc(collection, id string) *firestore.DocumentRef {
	return t.client.Collection(collection).Doc(id)
}

func (t *ledgerTx) Transaction(_ context.Context, transactionID string) (domain.Transaction, error) {
	const op = "firestore.transaction.get"
	if err := t.beginRead(op); err != nil {
		return domain.Transaction{}, err
	}
	doc, err := pfirestore.GetInTx[transactionDocument](t.tx, t.doc(transactionsCollection, transactionID), op)
	if err != nil {
		return domain.Transaction{}, err
	}
	return doc.toDomain(), nil
}

func (t *ledgerTx) Payment(_ context.Context, transactionID string) (domain.Payment, error) {
	const op = "firestore.payment.get"
	if err := t.beginRead(op); err != nil {
		return domain.Payment{}, err
	}
	doc, err := pfirestore.GetInTx[paymentDocument](t.tx, t.doc(paymentsCollection, transactionID), op)
	if err != nil {
		return domain.Payment{}, err
	}
	return doc.toDomain(), nil
}

func (t *ledgerTx) LineItem(_ context.Context, lineItemID string) (domain.LineItem, error) {
	const op = "firestore.line_item.get"
	if err := t.beginRead(op); err != nil {
		return domain.LineItem{}, err
	}
	doc, err := pfirestore.GetInTx[lineItemDocument](t.tx, t.doc(lineItemsCollection, lineItemID), op)
	if err != nil {
		return domain.LineItem{}, err
	}
	return doc.toDomain(), nil
}

func (t *ledgerTx) LineItems(_ context.Context, transactionID string) ([]domain.LineItem, error) {
	const op = "firestore.line_item.list"
	if err := t.beginRead(op); err != nil {
		return nil, err
	}
	q := t.client.Collection(lineItemsCollection).
		Where("transactionId", "==", transactionID).
		OrderBy(firestore.DocumentID, firestore.Asc)
	docs, err := pfirestore.QueryInTx[lineItemDocument](t.tx, q, op)
	if err != nil {
		return nil, err
	}
	items := make([]domain.LineItem, 0, len(docs))
	for _, doc := range docs {
		items = append(items, doc.toDomain())
	}
	return items, nil
}

func (t *ledgerTx) Fulfillment(_ context.Context, key domain.FulfillmentKey) (domain.FulfillmentRecord, error) {
	const op = "firestore.fulfillment.get"
	if err := t.beginRead(op); err != nil {
		return domain.FulfillmentRecord{}, err
	}
	doc, err := pfirestore.GetInTx[fulfillmentDocument](t.tx, t.doc(fulfillmentsCollection, key.String()), op)
	if err != nil {
		return domain.FulfillmentRecord{}, err
	}
	return doc.toDomain(), nil
}

func (t *ledgerTx) Fulfillments(_ context.Context, transactionID string) ([]domain.FulfillmentRecord, error) {
	const op = "firestore.fulfillment.list"
	if err := t.beginRead(op); err != nil {
		return nil, err
	}
	q := t.client.Collection(fulfillmentsCollection).
		Where("transactionId", "==", transactionID).
		OrderBy("catalogItemId", firestore.Asc)
	return t.queryFulfillments(q, op)
}

func (t *ledgerTx) FulfillmentsForPackage(_ context.Context, customerID, catalogItemID string, since time.Time) ([]domain.FulfillmentRecord, error) {
	const op = "firestore.fulfillment.list_package"
	if err := t.beginRead(op); err != nil {
		return nil, err
	}
	q := t.client.Collection(fulfillmentsCollection).
		Where("customerId", "==", customerID).
		Where("catalogItemId", "==", catalogItemID).
		Where("createdAt", ">=", since.UTC()).
		OrderBy("createdAt", firestore.Asc)
	return t.queryFulfillments(q, op)
}

func (t *ledgerTx) queryFulfillments(q firestore.Query, op string) ([]domain.FulfillmentRecord, error) {
	docs, err := pfirestore.QueryInTx[fulfillmentDocument](t.tx, q, op)
	if err != nil {
		return nil, err
	}
	records := make([]domain.FulfillmentRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, doc.toDomain())
	}
	return records, nil
}

func (t *ledgerTx) Subscription(_ context.Context, key domain.SubscriptionKey) (domain.Subscription, error) {
	const op = "firestore.subscription.get"
	if err := t.beginRead(op); err != nil {
		return domain.Subscription{}, err
	}
	doc, err := pfirestore.GetInTx[subscriptionDocument](t.tx, t.doc(subscriptionsCollection, key.String()), op)
	if err != nil {
		return domain.Subscription{}, err
	}
	return doc.toDomain(), nil
}

func (t *ledgerTx) set(op string, ref *firestore.DocumentRef, data any) error {
	t.wrote = true
	if err := t.tx.Set(ref, data); err != nil {
		return pfirestore.WrapError(op, err)
	}
	return nil
}

func (t *ledgerTx) PutTransaction(_ context.Context, txn domain.Transaction) error {
	return t.set("firestore.transaction.put", t.doc(transactionsCollection, txn.ID), newTransactionDocument(txn))
}

func (t *ledgerTx) PutPayment(_ context.Context, payment domain.Payment) error {
	return t.set("firestore.payment.put", t.doc(paymentsCollection, payment.TransactionID), newPaymentDocument(payment))
}

func (t *ledgerTx) PutLineItem(_ context.Context, item domain.LineItem) error {
	return t.set("firestore.line_item.put", t.doc(lineItemsCollection, item.ID), newLineItemDocument(item))
}

// CreateFulfillment uses a Create mutation; an existing document fails the commit with AlreadyExists,
// which surfaces as a conflict.
func (t *ledgerTx) CreateFulfillment(_ context.Context, record domain.FulfillmentRecord) error {
	const op = "firestore.fulfillment.create"
	id := record.Key().String()
	if _, dup := t.created[id]; dup {
		return repositories.NewStoreError(op, repositories.StoreErrorConflict, fmt.Errorf("fulfillment %s already exists", id))
	}
	t.created[id] = struct{}{}
	t.wrote = true
	if err := t.tx.Create(t.doc(fulfillmentsCollection, id), newFulfillmentDocument(record)); err != nil {
		return pfirestore.WrapError(op, err)
	}
	return nil
}

func (t *ledgerTx) PutFulfillment(_ context.Context, record domain.FulfillmentRecord) error {
	return t.set("firestore.fulfillment.put", t.doc(fulfillmentsCollection, record.Key().String()), newFulfillmentDocument(record))
}

func (t *ledgerTx) PutSubscription(_ context.Context, sub domain.Subscription) error {
	return t.set("firestore.subscription.put", t.doc(subscriptionsCollection, sub.Key().String()), newSubscriptionDocument(sub))
}
