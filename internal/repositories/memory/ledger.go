// Package memory provides a process-local ledger store used by tests and the memory driver.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/genfity/fulfillment/internal/domain"
	"github.com/genfity/fulfillment/internal/repositories"
)

var errReadAfterWrite = errors.New("memory: read after write inside transaction")

// Ledger serialises transactions behind a single mutex and stages writes until commit.
type Ledger struct {
	mu sync.Mutex

	transactions  map[string]domain.Transaction
	payments      map[string]domain.Payment
	lineItems     map[string]domain.LineItem
	fulfillments  map[domain.FulfillmentKey]domain.FulfillmentRecord
	subscriptions map[domain.SubscriptionKey]domain.Subscription

	closed bool
}

var _ repositories.LedgerStore = (*Ledger)(nil)

// NewLedger constructs an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{
		transactions:  make(map[string]domain.Transaction),
		payments:      make(map[string]domain.Payment),
		lineItems:     make(map[string]domain.LineItem),
		fulfillments:  make(map[domain.FulfillmentKey]domain.FulfillmentRecord),
		subscriptions: make(map[domain.SubscriptionKey]domain.Subscription),
	}
}

// RunInTx implements repositories.LedgerStore. Writes become visible only when fn returns nil.
func (l *Ledger) RunInTx(ctx context.Context, fn func(ctx context.Context, tx repositories.LedgerTx) error) error {
	if fn == nil {
		return errors.New("memory: transaction function is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return repositories.NewStoreError("memory.tx", repositories.StoreErrorUnavailable, errors.New("ledger closed"))
	}

	tx := newLedgerTx(l)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// ListExpirable implements repositories.LedgerStore.
func (l *Ledger) ListExpirable(ctx context.Context, query repositories.ExpirableQuery) ([]domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.Transaction, 0)
	for _, txn := range l.transactions {
		if !txn.Status.AwaitingPayment() || !txn.CreatedAt.Before(query.CreatedBefore) {
			continue
		}
		if !afterCursor(txn, query) {
			continue
		}
		out = append(out, txn)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func afterCursor(txn domain.Transaction, query repositories.ExpirableQuery) bool {
	if query.AfterCreatedAt.IsZero() && query.AfterID == "" {
		return true
	}
	if txn.CreatedAt.After(query.AfterCreatedAt) {
		return true
	}
	return txn.CreatedAt.Equal(query.AfterCreatedAt) && txn.ID > query.AfterID
}

// ExpireIfUnpaid implements repositories.LedgerStore.
func (l *Ledger) ExpireIfUnpaid(ctx context.Context, transactionID string, cutoff time.Time, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	txn, ok := l.transactions[transactionID]
	if !ok {
		return false, repositories.NewStoreError("memory.expire", repositories.StoreErrorNotFound, fmt.Errorf("transaction %s not found", transactionID))
	}
	if !txn.Status.AwaitingPayment() || !txn.CreatedAt.Before(cutoff) {
		return false, nil
	}
	if payment, ok := l.payments[transactionID]; ok && payment.Status == domain.PaymentStatusPaid {
		return false, nil
	}
	txn.Status = domain.TransactionStatusExpired
	txn.UpdatedAt = now
	expiredAt := now
	txn.ExpiredAt = &expiredAt
	l.transactions[transactionID] = txn
	return true, nil
}

// Ping implements repositories.LedgerStore.
func (l *Ledger) Ping(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("memory: ledger closed")
	}
	return nil
}

// Close implements repositories.LedgerStore.
func (l *Ledger) Close(context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

type ledgerTx struct {
	store *Ledger
	wrote bool

	transactions  map[string]domain.Transaction
	payments      map[string]domain.Payment
	lineItems     map[string]domain.LineItem
	fulfillments  map[domain.FulfillmentKey]domain.FulfillmentRecord
	subscriptions map[domain.SubscriptionKey]domain.Subscription
}

func newLedgerTx(store *Ledger) *ledgerTx {
	return &ledgerTx{
		store:         store,
		transactions:  make(map[string]domain.Transaction),
		payments:      make(map[string]domain.Payment),
		lineItems:     make(map[string]domain.LineItem),
		fulfillments:  make(map[domain.FulfillmentKey]domain.FulfillmentRecord),
		subscriptions: make(map[domain.SubscriptionKey]domain.Subscription),
	}
}

func (t *ledgerTx) commit() {
	for id, txn := range t.transactions {
		t.store.transactions[id] = txn
	}
	for id, payment := range t.payments {
		t.store.payments[id] = payment
	}
	for id, item := range t.lineItems {
		t.store.lineItems[id] = item
	}
	for key, record := range t.fulfillments {
		t.store.fulfillments[key] = record
	}
	for key, sub := range t.subscriptions {
		t.store.subscriptions[key] = sub
	}
}

func (t *ledgerTx) beginRead(op string) error {
	if t.wrote {
		return repositories.NewStoreError(op, repositories.StoreErrorUnknown, errReadAfterWrite)
	}
	return nil
}

func notFound(op, format string, args ...any) error {
	return repositories.NewStoreError(op, repositories.StoreErrorNotFound, fmt.Errorf(format, args...))
}

func (t *ledgerTx) Transaction(_ context.Context, transactionID string) (domain.Transaction, error) {
	const op = "memory.transaction.get"
	if err := t.beginRead(op); err != nil {
		return domain.Transaction{}, err
	}
	txn, ok := t.store.transactions[transactionID]
	if !ok {
		return domain.Transaction{}, notFound(op, "transaction %s not found", transactionID)
	}
	return txn, nil
}

func (t *ledgerTx) Payment(_ context.Context, transactionID string) (domain.Payment, error) {
	const op = "memory.payment.get"
	if err := t.beginRead(op); err != nil {
		return domain.Payment{}, err
	}
	payment, ok := t.store.payments[transactionID]
	if !ok {
		return domain.Payment{}, notFound(op, "payment for %s not found", transactionID)
	}
	return payment, nil
}

func (t *ledgerTx) LineItem(_ context.Context, lineItemID string) (domain.LineItem, error) {
	const op = "memory.line_item.get"
	if err := t.beginRead(op); err != nil {
		return domain.LineItem{}, err
	}
	item, ok := t.store.lineItems[lineItemID]
	if !ok {
		return domain.LineItem{}, notFound(op, "line item %s not found", lineItemID)
	}
	return item, nil
}

func (t *ledgerTx) LineItems(_ context.Context, transactionID string) ([]domain.LineItem, error) {
	if err := t.beginRead("memory.line_item.list"); err != nil {
		return nil, err
	}
	items := make([]domain.LineItem, 0)
	for _, item := range t.store.lineItems {
		if item.TransactionID == transactionID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (t *ledgerTx) Fulfillment(_ context.Context, key domain.FulfillmentKey) (domain.FulfillmentRecord, error) {
	const op = "memory.fulfillment.get"
	if err := t.beginRead(op); err != nil {
		return domain.FulfillmentRecord{}, err
	}
	record, ok := t.store.fulfillments[key]
	if !ok {
		return domain.FulfillmentRecord{}, notFound(op, "fulfillment %s not found", key)
	}
	return record, nil
}

func (t *ledgerTx) Fulfillments(_ context.Context, transactionID string) ([]domain.FulfillmentRecord, error) {
	if err := t.beginRead("memory.fulfillment.list"); err != nil {
		return nil, err
	}
	records := make([]domain.FulfillmentRecord, 0)
	for _, record := range t.store.fulfillments {
		if record.TransactionID == transactionID {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CatalogItemID < records[j].CatalogItemID })
	return records, nil
}

func (t *ledgerTx) FulfillmentsForPackage(_ context.Context, customerID, catalogItemID string, since time.Time) ([]domain.FulfillmentRecord, error) {
	if err := t.beginRead("memory.fulfillment.list_package"); err != nil {
		return nil, err
	}
	records := make([]domain.FulfillmentRecord, 0)
	for _, record := range t.store.fulfillments {
		if record.CustomerID != customerID || record.CatalogItemID != catalogItemID {
			continue
		}
		if record.CreatedAt.Before(since) {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	return records, nil
}

func (t *ledgerTx) Subscription(_ context.Context, key domain.SubscriptionKey) (domain.Subscription, error) {
	const op = "memory.subscription.get"
	if err := t.beginRead(op); err != nil {
		return domain.Subscription{}, err
	}
	sub, ok := t.store.subscriptions[key]
	if !ok {
		return domain.Subscription{}, notFound(op, "subscription %s not found", key)
	}
	return sub, nil
}

func (t *ledgerTx) PutTransaction(_ context.Context, txn domain.Transaction) error {
	t.wrote = true
	t.transactions[txn.ID] = txn
	return nil
}

func (t *ledgerTx) PutPayment(_ context.Context, payment domain.Payment) error {
	t.wrote = true
	t.payments[payment.TransactionID] = payment
	return nil
}

func (t *ledgerTx) PutLineItem(_ context.Context, item domain.LineItem) error {
	t.wrote = true
	t.lineItems[item.ID] = item
	return nil
}

func (t *ledgerTx) CreateFulfillment(_ context.Context, record domain.FulfillmentRecord) error {
	key := record.Key()
	_, committed := t.store.fulfillments[key]
	_, staged := t.fulfillments[key]
	if committed || staged {
		return repositories.NewStoreError("memory.fulfillment.create", repositories.StoreErrorConflict, fmt.Errorf("fulfillment %s already exists", key))
	}
	t.wrote = true
	t.fulfillments[key] = record
	return nil
}

func (t *ledgerTx) PutFulfillment(_ context.Context, record domain.FulfillmentRecord) error {
	t.wrote = true
	t.fulfillments[record.Key()] = record
	return nil
}

func (t *ledgerTx) PutSubscription(_ context.Context, sub domain.Subscription) error {
	t.wrote = true
	t.subscriptions[sub.Key()] = sub
	return nil
}
