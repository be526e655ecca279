package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/genfity/fulfillment/internal/domain"
	"github.com/genfity/fulfillment/internal/repositories"
)

// flakyLedger fails the conditional expire for selected transactions.
type flakyLedger struct {
	repositories.LedgerStore
	failFor map[string]error
}

func (l *flakyLedger) ExpireIfUnpaid(ctx context.Context, transactionID string, cutoff, now time.Time) (bool, error) {
	if err, ok := l.failFor[transactionID]; ok {
		return false, err
	}
	return l.LedgerStore.ExpireIfUnpaid(ctx, transactionID, cutoff, now)
}

func TestPaymentSweeperExpiresUnpaidTransactions(t *testing.T) {
	t0 := time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC)
	f := newFixture(t, t0, fixtureOptions{})
	ctx := context.Background()

	unpaid := f.place("cust_1", product("prod_p", 1000), addon("addon_a", 500))
	paid := f.place("cust_2", product("prod_p", 1000))
	f.confirm(paid.Transaction.ID)

	f.clock.Advance(time.Hour)
	fresh := f.place("cust_3", product("prod_p", 1000))

	result, err := f.sweeper.SweepExpired(ctx, t0.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if result.Expired != 1 || len(result.Failures) != 0 {
		t.Fatalf("expected one expiry, got %+v", result)
	}

	view := f.view(unpaid.Transaction.ID)
	if view.Transaction.Status != domain.TransactionStatusExpired || view.Transaction.ExpiredAt == nil {
		t.Fatalf("expected expired transaction, got %+v", view.Transaction)
	}
	for _, item := range view.LineItems {
		if item.Status != domain.LineItemStatusPending {
			t.Fatalf("sweeper must not touch children, got %s", item.Status)
		}
	}
	if got := f.view(paid.Transaction.ID).Transaction.Status; got != domain.TransactionStatusInProgress {
		t.Fatalf("paid transaction must not expire, got %s", got)
	}
	if got := f.view(fresh.Transaction.ID).Transaction.Status; got != domain.TransactionStatusPending {
		t.Fatalf("transaction inside grace window must not expire, got %s", got)
	}

	again, err := f.sweeper.SweepExpired(ctx, t0.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("SweepExpired again: %v", err)
	}
	if again.Expired != 0 {
		t.Fatalf("expected second sweep to expire nothing, got %d", again.Expired)
	}
	if f.events.count(EventTransactionExpired) != 1 {
		t.Fatalf("expected a single expired event, got %v", f.events.types())
	}
}

func TestPaymentSweeperExpiredIsTerminal(t *testing.T) {
	t0 := time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC)
	f := newFixture(t, t0, fixtureOptions{})
	ctx := context.Background()

	placed := f.place("cust_1", product("prod_p", 1000))
	if _, err := f.sweeper.SweepExpired(ctx, t0.Add(25*time.Hour)); err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}

	late := f.confirm(placed.Transaction.ID)
	if late.Status != domain.TransactionStatusExpired {
		t.Fatalf("late payment must not revive the transaction, got %s", late.Status)
	}
	recomputed, err := f.recompute.Recompute(ctx, placed.Transaction.ID)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if recomputed.Status != domain.TransactionStatusExpired || recomputed.Changed {
		t.Fatalf("expected expired to stick, got %+v", recomputed)
	}
	_, err = f.delivery.CompleteDelivery(ctx, CompleteDeliveryCommand{LineItemID: placed.LineItems[0].ID})
	if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected delivery on expired transaction to be rejected, got %v", err)
	}
}

func TestPaymentSweeperBatchesPastPaidRows(t *testing.T) {
	t0 := time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC)
	f := newFixture(t, t0, fixtureOptions{sweepBatch: 2})

	var ids []string
	for i := 0; i < 7; i++ {
		f.clock.Advance(time.Second)
		ids = append(ids, f.place("cust_1", product("prod_p", 1000)).Transaction.ID)
	}
	// Paid payments on rows still marked pending must be skipped without stalling the cursor.
	f.put(func(ctx context.Context, tx repositories.LedgerTx) error {
		for _, id := range []string{ids[0], ids[1], ids[4]} {
			if err := tx.PutPayment(ctx, domain.Payment{TransactionID: id, Status: domain.PaymentStatusPaid}); err != nil {
				return err
			}
		}
		return nil
	})

	result, err := f.sweeper.SweepExpired(context.Background(), t0.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if result.Expired != 4 {
		t.Fatalf("expected 4 expired, got %+v", result)
	}
	if result.Scanned != 7 {
		t.Fatalf("expected 7 scanned, got %d", result.Scanned)
	}
}

func TestPaymentSweeperIsolatesRowFailures(t *testing.T) {
	t0 := time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC)
	f := newFixture(t, t0, fixtureOptions{})
	first := f.place("cust_1", product("prod_p", 1000))
	second := f.place("cust_2", product("prod_p", 1000))

	boom := repositories.NewStoreError("expire", repositories.StoreErrorUnavailable, errors.New("connection reset"))
	sweeper, err := NewPaymentSweeper(PaymentSweeperDeps{
		Ledger: &flakyLedger{LedgerStore: f.ledger, failFor: map[string]error{first.Transaction.ID: boom}},
		Clock:  f.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewPaymentSweeper: %v", err)
	}

	result, err := sweeper.SweepExpired(context.Background(), t0.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if result.Expired != 1 || len(result.Failures) != 1 {
		t.Fatalf("expected one expiry and one failure, got %+v", result)
	}
	if result.Failures[0].TransactionID != first.Transaction.ID || !errors.Is(result.Failures[0].Err, ErrTransient) {
		t.Fatalf("unexpected failure %+v", result.Failures[0])
	}
	if got := f.view(second.Transaction.ID).Transaction.Status; got != domain.TransactionStatusExpired {
		t.Fatalf("expected second transaction expired, got %s", got)
	}
}

func TestPaymentSweeperConcurrentRunsExpireOnce(t *testing.T) {
	t0 := time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC)
	f := newFixture(t, t0, fixtureOptions{})
	for i := 0; i < 20; i++ {
		f.place("cust_1", product("prod_p", 1000))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.sweeper.SweepExpired(context.Background(), t0.Add(25*time.Hour))
			if err != nil {
				t.Errorf("SweepExpired: %v", err)
				return
			}
			mu.Lock()
			total += result.Expired
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total != 20 {
		t.Fatalf("expected 20 expiries across sweepers, got %d", total)
	}
}

func TestPaymentSweeperStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t, time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC), fixtureOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.sweeper.SweepExpired(ctx, time.Time{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancelled, got %v", err)
	}
}

func TestNewPaymentSweeperValidates(t *testing.T) {
	if _, err := NewPaymentSweeper(PaymentSweeperDeps{}); err == nil {
		t.Fatalf("expected error when ledger missing")
	}
	if _, err := NewPaymentSweeper(PaymentSweeperDeps{Ledger: &flakyLedger{}, GraceWindow: -time.Second}); err == nil {
		t.Fatalf("expected error for negative grace window")
	}
}
