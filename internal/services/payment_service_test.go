package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/genfity/fulfillment/internal/domain"
)

func TestPaymentServiceConfirmPaymentFansOut(t *testing.T) {
	now := time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)
	var dispatched []string
	f := newFixture(t, now, fixtureOptions{dispatcher: ActivationDispatcherFunc(func(_ context.Context, id string) error {
		dispatched = append(dispatched, id)
		return nil
	})})

	placed := f.place("cust_1", product("prod_p", 1000), messagingPackage("wa_basic", domain.PackageDurationMonth))
	amount := decimal.NewFromInt(151000)
	result, err := f.payments.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		TransactionID: placed.Transaction.ID,
		Provider:      "stripe",
		ProviderRef:   "pi_123",
		Amount:        &amount,
	})
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if result.Status != domain.TransactionStatusInProgress || !result.ActivationQueued {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(dispatched) != 1 || dispatched[0] != placed.Transaction.ID {
		t.Fatalf("expected activation dispatch, got %v", dispatched)
	}

	view := f.view(placed.Transaction.ID)
	if view.Payment.Status != domain.PaymentStatusPaid || view.Payment.ProviderRef != "pi_123" || view.Payment.PaidAt == nil {
		t.Fatalf("unexpected payment %+v", view.Payment)
	}
	for _, item := range view.LineItems {
		if item.Status != domain.LineItemStatusInProgress {
			t.Fatalf("expected children in progress, got %s for %s", item.Status, item.Kind)
		}
	}
	if len(view.Fulfillments) != 1 || view.Fulfillments[0].CatalogItemID != "prod_p" {
		t.Fatalf("expected a delivery record for the product only, got %+v", view.Fulfillments)
	}

	replay, err := f.payments.ConfirmPayment(context.Background(), ConfirmPaymentCommand{TransactionID: placed.Transaction.ID})
	if err != nil {
		t.Fatalf("ConfirmPayment replay: %v", err)
	}
	if !replay.AlreadyConfirmed {
		t.Fatalf("expected replay to be flagged, got %+v", replay)
	}
	if len(dispatched) != 2 {
		t.Fatalf("replay should re-dispatch a pending activation, got %v", dispatched)
	}
	if got := len(f.view(placed.Transaction.ID).Fulfillments); got != 1 {
		t.Fatalf("replay must not duplicate records, got %d", got)
	}
}

func TestPaymentServiceDispatchFailureKeepsPayment(t *testing.T) {
	now := time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)
	boom := errors.New("queue unavailable")
	f := newFixture(t, now, fixtureOptions{dispatcher: ActivationDispatcherFunc(func(context.Context, string) error { return boom })})
	placed := f.place("cust_1", messagingPackage("wa_basic", domain.PackageDurationMonth))

	result := f.confirm(placed.Transaction.ID)
	if result.ActivationQueued || !errors.Is(result.ActivationDispatch, boom) {
		t.Fatalf("expected dispatch failure reported, got %+v", result)
	}
	if status := f.view(placed.Transaction.ID).Payment.Status; status != domain.PaymentStatusPaid {
		t.Fatalf("payment must stay paid, got %s", status)
	}
}

func TestPaymentServiceRecordPaymentFailure(t *testing.T) {
	f := newFixture(t, time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC), fixtureOptions{})
	placed := f.place("cust_1", product("prod_p", 1000))

	payment, err := f.payments.RecordPaymentFailure(context.Background(), PaymentFailureCommand{
		TransactionID: placed.Transaction.ID,
		Reason:        "card declined",
	})
	if err != nil {
		t.Fatalf("RecordPaymentFailure: %v", err)
	}
	if payment.Status != domain.PaymentStatusFailed || payment.FailureReason != "card declined" {
		t.Fatalf("unexpected payment %+v", payment)
	}
	if status := f.view(placed.Transaction.ID).Transaction.Status; status != domain.TransactionStatusPending {
		t.Fatalf("failure must not move the parent, got %s", status)
	}

	_, err = f.payments.RecordPaymentFailure(context.Background(), PaymentFailureCommand{TransactionID: placed.Transaction.ID, Status: domain.PaymentStatusPaid})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for paid status, got %v", err)
	}

	f.confirm(placed.Transaction.ID)
	_, err = f.payments.RecordPaymentFailure(context.Background(), PaymentFailureCommand{TransactionID: placed.Transaction.ID})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state after payment, got %v", err)
	}
}

func TestPaymentServiceConfirmTransactionOverride(t *testing.T) {
	now := time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)
	t.Run("products only", func(t *testing.T) {
		f := newFixture(t, now, fixtureOptions{})
		placed := f.place("cust_1", product("prod_p", 1000), addon("addon_a", 500))

		result, err := f.payments.ConfirmTransaction(context.Background(), ConfirmTransactionCommand{TransactionID: placed.Transaction.ID, ActorID: "admin_1"})
		if err != nil {
			t.Fatalf("ConfirmTransaction: %v", err)
		}
		if result.Status != domain.TransactionStatusSuccess || result.ItemsCompleted != 2 {
			t.Fatalf("unexpected result %+v", result)
		}
		view := f.view(placed.Transaction.ID)
		if view.Payment.Status != domain.PaymentStatusPaid || view.Payment.Provider != manualPaymentProvider {
			t.Fatalf("unexpected payment %+v", view.Payment)
		}
		if view.Transaction.ConfirmedBy != "admin_1" {
			t.Fatalf("expected confirmedBy admin_1, got %q", view.Transaction.ConfirmedBy)
		}

		_, err = f.payments.ConfirmTransaction(context.Background(), ConfirmTransactionCommand{TransactionID: placed.Transaction.ID})
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected invalid state on terminal parent, got %v", err)
		}
	})

	t.Run("messaging stays for activation", func(t *testing.T) {
		f := newFixture(t, now, fixtureOptions{inline: true})
		placed := f.place("cust_1", product("prod_p", 1000), messagingPackage("wa_basic", domain.PackageDurationMonth))

		result, err := f.payments.ConfirmTransaction(context.Background(), ConfirmTransactionCommand{TransactionID: placed.Transaction.ID})
		if err != nil {
			t.Fatalf("ConfirmTransaction: %v", err)
		}
		if result.Status != domain.TransactionStatusInProgress || !result.ActivationQueued {
			t.Fatalf("unexpected result %+v", result)
		}
		if status := f.view(placed.Transaction.ID).Transaction.Status; status != domain.TransactionStatusSuccess {
			t.Fatalf("expected inline activation to finish the transaction, got %s", status)
		}
	})
}

func TestPaymentServiceValidatesInput(t *testing.T) {
	f := newFixture(t, time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC), fixtureOptions{})
	if _, err := f.payments.ConfirmPayment(context.Background(), ConfirmPaymentCommand{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	negative := decimal.NewFromInt(-1)
	if _, err := f.payments.ConfirmPayment(context.Background(), ConfirmPaymentCommand{TransactionID: "txn_1", Amount: &negative}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := f.payments.ConfirmPayment(context.Background(), ConfirmPaymentCommand{TransactionID: "txn_missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
