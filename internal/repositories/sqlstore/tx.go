package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/genfity/fulfillment/internal/domain"
	"github.com/genfity/fulfillment/internal/repositories"
)

var errReadAfterWrite = errors.New("sqlstore: read after write inside transaction")

const (
	transactionColumns  = "id, customer_id, currency, total_amount, status, confirmed_by, created_at, updated_at, expired_at"
	paymentColumns      = "transaction_id, status, provider, provider_ref, amount, failure_reason, paid_at, created_at, updated_at"
	lineItemColumns     = "id, transaction_id, kind, catalog_item_id, status, quantity, duration, unit_price, created_at, updated_at"
	fulfillmentColumns  = "transaction_id, catalog_item_id, line_item_id, customer_id, kind, status, attempt_id, lease_until, completed_at, completed_by, failure_reason, created_at, updated_at"
	subscriptionColumns = "customer_id, package_id, expired_at, last_transaction_id, activated_at, created_at, updated_at"
)

type scanner interface {
	Scan(dest ...any) error
}

type ledgerTx struct {
	tx      *sql.Tx
	dialect dialect
	wrote   bool
}

func (t *ledgerTx) beginRead(op string) error {
	if t.wrote {
		return repositories.NewStoreError(op, repositories.StoreErrorUnknown, errReadAfterWrite)
	}
	return nil
}

func (t *ledgerTx) queryRow(ctx context.Context, op, query string, args ...any) (*sql.Row, error) {
	if err := t.beginRead(op); err != nil {
		return nil, err
	}
	return t.tx.QueryRowContext(ctx, t.dialect.locking(query), args...), nil
}

func (t *ledgerTx) exec(ctx context.Context, op, query string, args ...any) error {
	t.wrote = true
	if _, err := t.tx.ExecContext(ctx, t.dialect.rebind(query), args...); err != nil {
		return wrapError(op, err)
	}
	return nil
}

func notFound(op string, err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repositories.NewStoreError(op, repositories.StoreErrorNotFound, fmt.Errorf(format, args...))
	}
	return wrapError(op, err)
}

func (t *ledgerTx) Transaction(ctx context.Context, transactionID string) (domain.Transaction, error) {
	const op = "sqlstore.transaction.get"
	row, err := t.queryRow(ctx, op, "SELECT "+transactionColumns+" FROM transactions WHERE id = ?", transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	txn, err := scanTransaction(row)
	if err != nil {
		return domain.Transaction{}, notFound(op, err, "transaction %s not found", transactionID)
	}
	return txn, nil
}

func (t *ledgerTx) Payment(ctx context.Context, transactionID string) (domain.Payment, error) {
	const op = "sqlstore.payment.get"
	row, err := t.queryRow(ctx, op, "SELECT "+paymentColumns+" FROM payments WHERE transaction_id = ?", transactionID)
	if err != nil {
		return domain.Payment{}, err
	}
	payment, err := scanPayment(row)
	if err != nil {
		return domain.Payment{}, notFound(op, err, "payment for %s not found", transactionID)
	}
	return payment, nil
}

func (t *ledgerTx) LineItem(ctx context.Context, lineItemID string) (domain.LineItem, error) {
	const op = "sqlstore.line_item.get"
	row, err := t.queryRow(ctx, op, "SELECT "+lineItemColumns+" FROM line_items WHERE id = ?", lineItemID)
	if err != nil {
		return domain.LineItem{}, err
	}
	item, err := scanLineItem(row)
	if err != nil {
		return domain.LineItem{}, notFound(op, err, "line item %s not found", lineItemID)
	}
	return item, nil
}

func (t *ledgerTx) LineItems(ctx context.Context, transactionID string) ([]domain.LineItem, error) {
	const op = "sqlstore.line_item.list"
	if err := t.beginRead(op); err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryContext(ctx, t.dialect.locking("SELECT "+lineItemColumns+" FROM line_items WHERE transaction_id = ? ORDER BY id"), transactionID)
	if err != nil {
		return nil, wrapError(op, err)
	}
	defer rows.Close()
	var items []domain.LineItem
	for rows.Next() {
		item, err := scanLineItem(rows)
		if err != nil {
			return nil, wrapError(op, err)
		}
		items = append(items, item)
	}
	return items, wrapError(op, rows.Err())
}

func (t *ledgerTx) Fulfillment(ctx context.Context, key domain.FulfillmentKey) (domain.FulfillmentRecord, error) {
	const op = "sqlstore.fulfillment.get"
	row, err := t.queryRow(ctx, op, "SELECT "+fulfillmentColumns+" FROM fulfillments WHERE transaction_id = ? AND catalog_item_id = ?", key.TransactionID, key.CatalogItemID)
	if err != nil {
		return domain.FulfillmentRecord{}, err
	}
	record, err := scanFulfillment(row)
	if err != nil {
		return domain.FulfillmentRecord{}, notFound(op, err, "fulfillment %s not found", key)
	}
	return record, nil
}

func (t *ledgerTx) Fulfillments(ctx context.Context, transactionID string) ([]domain.FulfillmentRecord, error) {
	return t.queryFulfillments(ctx, "sqlstore.fulfillment.list", t.dialect.locking("SELECT "+fulfillmentColumns+" FROM fulfillments WHERE transaction_id = ? ORDER BY catalog_item_id"), transactionID)
}

func (t *ledgerTx) FulfillmentsForPackage(ctx context.Context, customerID, catalogItemID string, since time.Time) ([]domain.FulfillmentRecord, error) {
	return t.queryFulfillments(ctx, "sqlstore.fulfillment.list_package",
		t.dialect.rebind("SELECT "+fulfillmentColumns+" FROM fulfillments WHERE customer_id = ? AND catalog_item_id = ? AND created_at >= ? ORDER BY created_at"),
		customerID, catalogItemID, since.UnixNano())
}

func (t *ledgerTx) queryFulfillments(ctx context.Context, op, query string, args ...any) ([]domain.FulfillmentRecord, error) {
	if err := t.beginRead(op); err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError(op, err)
	}
	defer rows.Close()
	var records []domain.FulfillmentRecord
	for rows.Next() {
		record, err := scanFulfillment(rows)
		if err != nil {
			return nil, wrapError(op, err)
		}
		records = append(records, record)
	}
	return records, wrapError(op, rows.Err())
}

func (t *ledgerTx) Subscription(ctx context.Context, key domain.SubscriptionKey) (domain.Subscription, error) {
	const op = "sqlstore.subscription.get"
	row, err := t.queryRow(ctx, op, "SELECT "+subscriptionColumns+" FROM subscriptions WHERE customer_id = ? AND package_id = ?", key.CustomerID, key.PackageID)
	if err != nil {
		return domain.Subscription{}, err
	}
	sub, err := scanSubscription(row)
	if err != nil {
		return domain.Subscription{}, notFound(op, err, "subscription %s not found", key)
	}
	return sub, nil
}

func (t *ledgerTx) PutTransaction(ctx context.Context, txn domain.Transaction) error {
	return t.exec(ctx, "sqlstore.transaction.put", `INSERT INTO transactions (`+transactionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET customer_id = excluded.customer_id, currency = excluded.currency,
total_amount = excluded.total_amount, status = excluded.status, confirmed_by = excluded.confirmed_by,
updated_at = excluded.updated_at, expired_at = excluded.expired_at`,
		txn.ID, txn.CustomerID, txn.Currency, txn.TotalAmount.String(), string(txn.Status), txn.ConfirmedBy,
		nanos(txn.CreatedAt), nanos(txn.UpdatedAt), nullTime(txn.ExpiredAt))
}

func (t *ledgerTx) PutPayment(ctx context.Context, p domain.Payment) error {
	return t.exec(ctx, "sqlstore.payment.put", `INSERT INTO payments (`+paymentColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (transaction_id) DO UPDATE SET status = excluded.status, provider = excluded.provider,
provider_ref = excluded.provider_ref, amount = excluded.amount, failure_reason = excluded.failure_reason,
paid_at = excluded.paid_at, updated_at = excluded.updated_at`,
		p.TransactionID, string(p.Status), p.Provider, p.ProviderRef, p.Amount.String(), p.FailureReason,
		nullTime(p.PaidAt), nanos(p.CreatedAt), nanos(p.UpdatedAt))
}

func (t *ledgerTx) PutLineItem(ctx context.Context, item domain.LineItem) error {
	return t.exec(ctx, "sqlstore.line_item.put", `INSERT INTO line_items (`+lineItemColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET status = excluded.status, quantity = excluded.quantity,
duration = excluded.duration, unit_price = excluded.unit_price, updated_at = excluded.updated_at`,
		item.ID, item.TransactionID, string(item.Kind), item.CatalogItemID, string(item.Status), item.Quantity,
		string(item.Duration), item.UnitPrice.String(), nanos(item.CreatedAt), nanos(item.UpdatedAt))
}

func fulfillmentArgs(r domain.FulfillmentRecord) []any {
	return []any{
		r.TransactionID, r.CatalogItemID, r.LineItemID, r.CustomerID, string(r.Kind), string(r.Status), r.AttemptID,
		nullTime(r.LeaseUntil), nullTime(r.CompletedAt), r.CompletedBy, r.FailureReason,
		nanos(r.CreatedAt), nanos(r.UpdatedAt),
	}
}

// CreateFulfillment relies on the unique key index; a duplicate surfaces as a conflict.
func (t *ledgerTx) CreateFulfillment(ctx context.Context, record domain.FulfillmentRecord) error {
	return t.exec(ctx, "sqlstore.fulfillment.create",
		`INSERT INTO fulfillments (`+fulfillmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fulfillmentArgs(record)...)
}

func (t *ledgerTx) PutFulfillment(ctx context.Context, record domain.FulfillmentRecord) error {
	return t.exec(ctx, "sqlstore.fulfillment.put", `INSERT INTO fulfillments (`+fulfillmentColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (transaction_id, catalog_item_id) DO UPDATE SET line_item_id = excluded.line_item_id,
customer_id = excluded.customer_id, kind = excluded.kind, status = excluded.status,
attempt_id = excluded.attempt_id, lease_until = excluded.lease_until, completed_at = excluded.completed_at,
completed_by = excluded.completed_by, failure_reason = excluded.failure_reason, updated_at = excluded.updated_at`,
		fulfillmentArgs(record)...)
}

func (t *ledgerTx) PutSubscription(ctx context.Context, s domain.Subscription) error {
	return t.exec(ctx, "sqlstore.subscription.put", `INSERT INTO subscriptions (`+subscriptionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (customer_id, package_id) DO UPDATE SET expired_at = excluded.expired_at,
last_transaction_id = excluded.last_transaction_id, activated_at = excluded.activated_at,
updated_at = excluded.updated_at`,
		s.CustomerID, s.PackageID, nanos(s.ExpiredAt), s.LastTransactionID, nanos(s.ActivatedAt),
		nanos(s.CreatedAt), nanos(s.UpdatedAt))
}

func scanTransaction(row scanner) (domain.Transaction, error) {
	var (
		txn                  domain.Transaction
		amount, status       string
		createdAt, updatedAt int64
		expiredAt            sql.NullInt64
	)
	if err := row.Scan(&txn.ID, &txn.CustomerID, &txn.Currency, &amount, &status, &txn.ConfirmedBy, &createdAt, &updatedAt, &expiredAt); err != nil {
		return domain.Transaction{}, err
	}
	txn.TotalAmount = parseAmount(amount)
	txn.Status = domain.TransactionStatus(status)
	txn.CreatedAt = fromNanos(createdAt)
	txn.UpdatedAt = fromNanos(updatedAt)
	txn.ExpiredAt = fromNullNanos(expiredAt)
	return txn, nil
}

func scanPayment(row scanner) (domain.Payment, error) {
	var (
		p                    domain.Payment
		status, amount       string
		paidAt               sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&p.TransactionID, &status, &p.Provider, &p.ProviderRef, &amount, &p.FailureReason, &paidAt, &createdAt, &updatedAt); err != nil {
		return domain.Payment{}, err
	}
	p.Status = domain.PaymentStatus(status)
	p.Amount = parseAmount(amount)
	p.PaidAt = fromNullNanos(paidAt)
	p.CreatedAt = fromNanos(createdAt)
	p.UpdatedAt = fromNanos(updatedAt)
	return p, nil
}

func scanLineItem(row scanner) (domain.LineItem, error) {
	var (
		item                           domain.LineItem
		kind, status, duration, amount string
		createdAt, updatedAt           int64
	)
	if err := row.Scan(&item.ID, &item.TransactionID, &kind, &item.CatalogItemID, &status, &item.Quantity, &duration, &amount, &createdAt, &updatedAt); err != nil {
		return domain.LineItem{}, err
	}
	item.Kind = domain.LineItemKind(kind)
	if parsed, ok := domain.ParseLineItemStatus(status); ok {
		item.Status = parsed
	} else {
		item.Status = domain.LineItemStatus(status)
	}
	item.Duration, _ = domain.ParsePackageDuration(duration)
	item.UnitPrice = parseAmount(amount)
	item.CreatedAt = fromNanos(createdAt)
	item.UpdatedAt = fromNanos(updatedAt)
	return item, nil
}

func scanFulfillment(row scanner) (domain.FulfillmentRecord, error) {
	var (
		r                       domain.FulfillmentRecord
		kind, status            string
		leaseUntil, completedAt sql.NullInt64
		createdAt, updatedAt    int64
	)
	if err := row.Scan(&r.TransactionID, &r.CatalogItemID, &r.LineItemID, &r.CustomerID, &kind, &status, &r.AttemptID,
		&leaseUntil, &completedAt, &r.CompletedBy, &r.FailureReason, &createdAt, &updatedAt); err != nil {
		return domain.FulfillmentRecord{}, err
	}
	r.Kind = domain.LineItemKind(kind)
	r.Status = domain.FulfillmentStatus(status)
	r.LeaseUntil = fromNullNanos(leaseUntil)
	r.CompletedAt = fromNullNanos(completedAt)
	r.CreatedAt = fromNanos(createdAt)
	r.UpdatedAt = fromNanos(updatedAt)
	return r, nil
}

func scanSubscription(row scanner) (domain.Subscription, error) {
	var (
		s                                          domain.Subscription
		expiredAt, activatedAt, createdAt, updated int64
	)
	if err := row.Scan(&s.CustomerID, &s.PackageID, &expiredAt, &s.LastTransactionID, &activatedAt, &createdAt, &updated); err != nil {
		return domain.Subscription{}, err
	}
	s.ExpiredAt = fromNanos(expiredAt)
	s.ActivatedAt = fromNanos(activatedAt)
	s.CreatedAt = fromNanos(createdAt)
	s.UpdatedAt = fromNanos(updated)
	return s, nil
}

func parseAmount(value string) decimal.Decimal {
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero
	}
	return amount
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
