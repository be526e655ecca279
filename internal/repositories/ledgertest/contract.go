// Package ledgertest holds the behavioural contract every repositories.LedgerStore backend must meet.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	domain "github.com/genfity/fulfillment/internal/domain"
	"github.com/genfity/fulfillment/internal/repositories"
)

// Factory returns an empty ledger. Cleanup is registered on t by the factory.
type Factory func(t *testing.T) repositories.LedgerStore

// Base is the reference timestamp used by the contract. Backends are expected to keep at least
// microsecond precision.
var Base = time.Date(2024, time.June, 1, 8, 30, 0, 123456000, time.UTC)

// Run executes the full contract against ledgers built by newLedger.
func Run(t *testing.T, newLedger Factory) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newLedger(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newLedger(t)) })
	t.Run("CreateFulfillmentConflicts", func(t *testing.T) { testCreateConflict(t, newLedger(t)) })
	t.Run("ConcurrentCreateFulfillment", func(t *testing.T) { testConcurrentCreate(t, newLedger(t)) })
	t.Run("FulfillmentsForPackage", func(t *testing.T) { testFulfillmentsForPackage(t, newLedger(t)) })
	t.Run("ExpirableSelection", func(t *testing.T) { testExpirable(t, newLedger(t)) })
}

// Seed writes a transaction, its payment and its line items in one store transaction.
func Seed(t *testing.T, ledger repositories.LedgerStore, txn domain.Transaction, payment domain.Payment, items ...domain.LineItem) {
	t.Helper()
	err := ledger.RunInTx(context.Background(), func(ctx context.Context, tx repositories.LedgerTx) error {
		if err := tx.PutTransaction(ctx, txn); err != nil {
			return err
		}
		if err := tx.PutPayment(ctx, payment); err != nil {
			return err
		}
		for _, item := range items {
			if err := tx.PutLineItem(ctx, item); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err, "seed %s", txn.ID)
}

func testRoundTrip(t *testing.T, ledger repositories.LedgerStore) {
	ctx := context.Background()
	paidAt := Base.Add(time.Minute)
	lease := Base.Add(2 * time.Minute)

	txn := domain.Transaction{
		ID:          "txn_rt",
		CustomerID:  "cust_1",
		Currency:    "IDR",
		TotalAmount: decimal.RequireFromString("150000.50"),
		Status:      domain.TransactionStatusInProgress,
		CreatedAt:   Base,
		UpdatedAt:   Base,
	}
	payment := domain.Payment{
		TransactionID: txn.ID,
		Status:        domain.PaymentStatusPaid,
		Provider:      "stripe",
		ProviderRef:   "pi_123",
		Amount:        txn.TotalAmount,
		PaidAt:        &paidAt,
		CreatedAt:     Base,
		UpdatedAt:     paidAt,
	}
	items := []domain.LineItem{
		{ID: "li_b", TransactionID: txn.ID, Kind: domain.LineItemKindWhatsAppService, CatalogItemID: "pkg_wa", Status: domain.LineItemStatusInProgress, Quantity: 1, Duration: domain.PackageDurationYear, UnitPrice: decimal.RequireFromString("100000"), CreatedAt: Base, UpdatedAt: Base},
		{ID: "li_a", TransactionID: txn.ID, Kind: domain.LineItemKindProduct, CatalogItemID: "prod_1", Status: domain.LineItemStatusInProgress, Quantity: 2, UnitPrice: decimal.RequireFromString("25000.25"), CreatedAt: Base, UpdatedAt: Base},
	}
	record := domain.FulfillmentRecord{
		TransactionID: txn.ID,
		CatalogItemID: "pkg_wa",
		LineItemID:    "li_b",
		CustomerID:    "cust_1",
		Kind:          domain.LineItemKindWhatsAppService,
		Status:        domain.FulfillmentStatusInProgress,
		AttemptID:     "att_1",
		LeaseUntil:    &lease,
		CreatedAt:     Base,
		UpdatedAt:     Base,
	}
	sub := domain.Subscription{
		CustomerID:        "cust_1",
		PackageID:         "pkg_wa",
		ExpiredAt:         Base.AddDate(1, 0, 0),
		LastTransactionID: txn.ID,
		ActivatedAt:       Base,
		CreatedAt:         Base,
		UpdatedAt:         Base,
	}

	Seed(t, ledger, txn, payment, items...)
	require.NoError(t, ledger.RunInTx(ctx, func(ctx context.Context, tx repositories.LedgerTx) error {
		if err := tx.CreateFulfillment(ctx, record); err != nil {
			return err
		}
		return tx.PutSubscription(ctx, sub)
	}))

	err := ledger.RunInTx(ctx, func(ctx context.Context, tx repositories.LedgerTx) error {
		gotTxn, err := tx.Transaction(ctx, txn.ID)
		require.NoError(t, err)
		require.Equal(t, txn.Status, gotTxn.Status)
		require.True(t, txn.TotalAmount.Equal(gotTxn.TotalAmount), "amount %s", gotTxn.TotalAmount)
		require.True(t, txn.CreatedAt.Equal(gotTxn.CreatedAt), "createdAt %s", gotTxn.CreatedAt)
		require.Nil(t, gotTxn.ExpiredAt)

		gotPayment, err := tx.Payment(ctx, txn.ID)
		require.NoError(t, err)
		require.Equal(t, domain.PaymentStatusPaid, gotPayment.Status)
		require.NotNil(t, gotPayment.PaidAt)
		require.True(t, paidAt.Equal(*gotPayment.PaidAt))

		gotItems, err := tx.LineItems(ctx, txn.ID)
		require.NoError(t, err)
		require.Len(t, gotItems, 2)
		require.Equal(t, "li_a", gotItems[0].ID)
		require.Equal(t, domain.PackageDurationYear, gotItems[1].Duration)
		require.True(t, items[1].UnitPrice.Equal(gotItems[0].UnitPrice))

		gotItem, err := tx.LineItem(ctx, "li_b")
		require.NoError(t, err)
		require.Equal(t, domain.LineItemKindWhatsAppService, gotItem.Kind)

		gotRecord, err := tx.Fulfillment(ctx, record.Key())
		require.NoError(t, err)
		require.Equal(t, "att_1", gotRecord.AttemptID)
		require.NotNil(t, gotRecord.LeaseUntil)
		require.True(t, lease.Equal(*gotRecord.LeaseUntil))
		require.Nil(t, gotRecord.CompletedAt)

		records, err := tx.Fulfillments(ctx, txn.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)

		gotSub, err := tx.Subscription(ctx, sub.Key())
		require.NoError(t, err)
		require.True(t, sub.ExpiredAt.Equal(gotSub.ExpiredAt))
		require.Equal(t, txn.ID, gotSub.LastTransactionID)

		_, err = tx.LineItem(ctx, "li_missing")
		require.True(t, repositories.IsNotFound(err), "expected not found, got %v", err)
		_, err = tx.Subscription(ctx, domain.SubscriptionKey{CustomerID: "cust_1", PackageID: "other"})
		require.True(t, repositories.IsNotFound(err), "expected not found, got %v", err)
		return nil
	})
	require.NoError(t, err)
}

func testRollback(t *testing.T, ledger repositories.LedgerStore) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := ledger.RunInTx(ctx, func(ctx context.Context, tx repositories.LedgerTx) error {
		if err := tx.PutTransaction(ctx, domain.Transaction{ID: "txn_rb", Status: domain.TransactionStatusPending, CreatedAt: Base, UpdatedAt: Base}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = ledger.RunInTx(ctx, func(ctx context.Context, tx repositories.LedgerTx) error {
		_, err := tx.Transaction(ctx, "txn_rb")
		return err
	})
	require.True(t, repositories.IsNotFound(err), "rolled back write must be invisible, got %v", err)
}

func fulfillment(txnID, catalogID, customerID string, createdAt time.Time) domain.FulfillmentRecord {
	return domain.FulfillmentRecord{
		TransactionID: txnID,
		CatalogItemID: catalogID,
		LineItemID:    "li_" + txnID,
		CustomerID:    customerID,
		Kind:          domain.LineItemKindWhatsAppService,
		Status:        domain.FulfillmentStatusPending,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

func testCreateConflict(t *testing.T, ledger repositories.LedgerStore) {
	ctx := context.Background()
	record := fulfillment("txn_cf", "pkg_wa", "cust_1", Base)
	create := func(ctx context.Context, tx repositories.LedgerTx) error { return tx.CreateFulfillment(ctx, record) }

	require.NoError(t, ledger.RunInTx(ctx, create))
	err := ledger.RunInTx(ctx, create)
	require.True(t, repositories.IsConflict(err), "expected conflict, got %v", err)
}

func testConcurrentCreate(t *testing.T, ledger repositories.LedgerStore) {
	const workers = 8
	record := fulfillment("txn_cc", "pkg_wa", "cust_1", Base)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		others    []error
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			rec := record
			rec.AttemptID = fmt.Sprintf("att_%d", i)
			err := ledger.RunInTx(context.Background(), func(ctx context.Context, tx repositories.LedgerTx) error {
				return tx.CreateFulfillment(ctx, rec)
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			others = append(others, err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, successes, "exactly one create must win")
	for _, err := range others {
		require.True(t, repositories.IsConflict(err) || repositories.IsUnavailable(err), "unexpected error %v", err)
	}
}

func testFulfillmentsForPackage(t *testing.T, ledger repositories.LedgerStore) {
	ctx := context.Background()
	require.NoError(t, ledger.RunInTx(ctx, func(ctx context.Context, tx repositories.LedgerTx) error {
		for _, r := range []domain.FulfillmentRecord{
			fulfillment("txn_old", "pkg_wa", "cust_1", Base.Add(-time.Hour)),
			fulfillment("txn_new", "pkg_wa", "cust_1", Base.Add(time.Hour)),
			fulfillment("txn_other_pkg", "pkg_other", "cust_1", Base.Add(time.Hour)),
			fulfillment("txn_other_cust", "pkg_wa", "cust_2", Base.Add(time.Hour)),
		} {
			if err := tx.CreateFulfillment(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, ledger.RunInTx(ctx, func(ctx context.Context, tx repositories.LedgerTx) error {
		records, err := tx.FulfillmentsForPackage(ctx, "cust_1", "pkg_wa", Base)
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.Equal(t, "txn_new", records[0].TransactionID)
		return nil
	}))
}

func testExpirable(t *testing.T, ledger repositories.LedgerStore) {
	ctx := context.Background()
	pending := func(id string, status domain.TransactionStatus, createdAt time.Time) domain.Transaction {
		return domain.Transaction{ID: id, CustomerID: "cust_1", Currency: "IDR", TotalAmount: decimal.NewFromInt(1000), Status: status, CreatedAt: createdAt, UpdatedAt: createdAt}
	}
	payment := func(id string, status domain.PaymentStatus) domain.Payment {
		return domain.Payment{TransactionID: id, Status: status, Amount: decimal.NewFromInt(1000), CreatedAt: Base, UpdatedAt: Base}
	}

	Seed(t, ledger, pending("txn_a", domain.TransactionStatusPending, Base), payment("txn_a", domain.PaymentStatusPending))
	Seed(t, ledger, pending("txn_b", domain.TransactionStatusCreated, Base), payment("txn_b", domain.PaymentStatusFailed))
	Seed(t, ledger, pending("txn_c", domain.TransactionStatusInProgress, Base), payment("txn_c", domain.PaymentStatusPaid))
	Seed(t, ledger, pending("txn_d", domain.TransactionStatusPending, Base.Add(48*time.Hour)), payment("txn_d", domain.PaymentStatusPending))
	// Paid but the fan-out has not run yet: selected, yet never expired.
	Seed(t, ledger, pending("txn_e", domain.TransactionStatusPending, Base.Add(time.Minute)), payment("txn_e", domain.PaymentStatusPaid))

	cutoff := Base.Add(time.Hour)
	first, err := ledger.ListExpirable(ctx, repositories.ExpirableQuery{CreatedBefore: cutoff, Limit: 1})
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, "txn_a", first[0].ID)

	rest, err := ledger.ListExpirable(ctx, repositories.ExpirableQuery{
		CreatedBefore:  cutoff,
		AfterCreatedAt: first[0].CreatedAt,
		AfterID:        first[0].ID,
		Limit:          10,
	})
	require.NoError(t, err)
	ids := make([]string, 0, len(rest))
	for _, txn := range rest {
		ids = append(ids, txn.ID)
	}
	require.Equal(t, []string{"txn_b", "txn_e"}, ids)

	now := Base.Add(25 * time.Hour)
	expired, err := ledger.ExpireIfUnpaid(ctx, "txn_a", cutoff, now)
	require.NoError(t, err)
	require.True(t, expired)

	again, err := ledger.ExpireIfUnpaid(ctx, "txn_a", cutoff, now)
	require.NoError(t, err)
	require.False(t, again, "second expire must be a no-op")

	for _, id := range []string{"txn_c", "txn_d", "txn_e"} {
		ok, err := ledger.ExpireIfUnpaid(ctx, id, cutoff, now)
		require.NoError(t, err)
		require.False(t, ok, "%s must not expire", id)
	}

	_, err = ledger.ExpireIfUnpaid(ctx, "txn_missing", cutoff, now)
	require.True(t, repositories.IsNotFound(err), "expected not found, got %v", err)

	require.NoError(t, ledger.RunInTx(ctx, func(ctx context.Context, tx repositories.LedgerTx) error {
		txn, err := tx.Transaction(ctx, "txn_a")
		require.NoError(t, err)
		require.Equal(t, domain.TransactionStatusExpired, txn.Status)
		require.NotNil(t, txn.ExpiredAt)
		require.True(t, now.Equal(*txn.ExpiredAt))
		return nil
	}))
}
