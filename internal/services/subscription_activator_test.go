package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/genfity/fulfillment/internal/domain"
	"github.com/genfity/fulfillment/internal/repositories"
)

type stubProvisioner struct {
	calls     atomic.Int32
	provision func(context.Context, ProvisionRequest) error
}

func (s *stubProvisioner) Provision(ctx context.Context, req ProvisionRequest) error {
	s.calls.Add(1)
	if s.provision != nil {
		return s.provision(ctx, req)
	}
	return nil
}

func seedSubscription(f *fixture, customerID, packageID string, expiredAt time.Time) {
	f.t.Helper()
	f.put(func(ctx context.Context, tx repositories.LedgerTx) error {
		return tx.PutSubscription(ctx, domain.Subscription{
			CustomerID: customerID,
			PackageID:  packageID,
			ExpiredAt:  expiredAt,
			CreatedAt:  expiredAt.AddDate(-1, 0, 0),
		})
	})
}

func TestSubscriptionActivatorExtendsUnexpiredSubscription(t *testing.T) {
	now := time.Date(2024, time.February, 1, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, now, fixtureOptions{})
	ctx := context.Background()

	seedSubscription(f, "cust_1", "wa_pro", time.Date(2024, time.March, 10, 0, 0, 0, 0, time.UTC))
	placed := f.place("cust_1", messagingPackage("wa_pro", domain.PackageDurationYear))
	f.confirm(placed.Transaction.ID)

	sub, err := f.activator.Activate(ctx, ActivateCommand{TransactionID: placed.Transaction.ID, ActorID: "admin_1"})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	want := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	if !sub.ExpiredAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, sub.ExpiredAt)
	}
	if sub.LastTransactionID != placed.Transaction.ID {
		t.Fatalf("expected last transaction %s, got %s", placed.Transaction.ID, sub.LastTransactionID)
	}

	view := f.view(placed.Transaction.ID)
	if view.Transaction.Status != domain.TransactionStatusSuccess {
		t.Fatalf("expected success, got %s", view.Transaction.Status)
	}
	if view.LineItems[0].Status != domain.LineItemStatusSuccess {
		t.Fatalf("expected line item success, got %s", view.LineItems[0].Status)
	}
	if len(view.Fulfillments) != 1 || view.Fulfillments[0].Status != domain.FulfillmentStatusDelivered {
		t.Fatalf("expected one delivered activation record, got %+v", view.Fulfillments)
	}

	_, err = f.activator.Activate(ctx, ActivateCommand{TransactionID: placed.Transaction.ID})
	if !errors.Is(err, ErrAlreadyActivated) {
		t.Fatalf("expected already activated, got %v", err)
	}
	stored, _ := f.subscription("cust_1", "wa_pro")
	if !stored.ExpiredAt.Equal(want) {
		t.Fatalf("second call must not extend again, got %s", stored.ExpiredAt)
	}
}

func TestSubscriptionActivatorExpiryComputation(t *testing.T) {
	cases := []struct {
		name     string
		now      time.Time
		existing *time.Time
		duration domain.PackageDuration
		want     time.Time
	}{
		{
			name:     "fresh month",
			now:      time.Date(2024, time.February, 1, 10, 0, 0, 0, time.UTC),
			duration: domain.PackageDurationMonth,
			want:     time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name:     "expired subscription restarts from now",
			now:      time.Date(2024, time.February, 1, 10, 0, 0, 0, time.UTC),
			existing: valuePtr(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)),
			duration: domain.PackageDurationMonth,
			want:     time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name:     "month end clamps into leap february",
			now:      time.Date(2024, time.January, 31, 10, 0, 0, 0, time.UTC),
			duration: domain.PackageDurationMonth,
			want:     time.Date(2024, time.February, 29, 10, 0, 0, 0, time.UTC),
		},
		{
			name:     "unexpired extends from existing expiry",
			now:      time.Date(2024, time.February, 1, 10, 0, 0, 0, time.UTC),
			existing: valuePtr(time.Date(2024, time.August, 31, 0, 0, 0, 0, time.UTC)),
			duration: domain.PackageDurationMonth,
			want:     time.Date(2024, time.September, 30, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.now, fixtureOptions{})
			if tc.existing != nil {
				seedSubscription(f, "cust_1", "wa_basic", *tc.existing)
			}
			placed := f.place("cust_1", messagingPackage("wa_basic", tc.duration))
			f.confirm(placed.Transaction.ID)

			sub, err := f.activator.Activate(context.Background(), ActivateCommand{TransactionID: placed.Transaction.ID})
			if err != nil {
				t.Fatalf("Activate: %v", err)
			}
			if !sub.ExpiredAt.Equal(tc.want) {
				t.Fatalf("expected %s, got %s", tc.want, sub.ExpiredAt)
			}
			if tc.existing != nil && sub.ExpiredAt.Before(*tc.existing) {
				t.Fatalf("expiry shortened from %s to %s", *tc.existing, sub.ExpiredAt)
			}
		})
	}
}

func TestSubscriptionActivatorConcurrentCallsActivateOnce(t *testing.T) {
	now := time.Date(2024, time.February, 1, 10, 0, 0, 0, time.UTC)
	provisioner := &stubProvisioner{provision: func(ctx context.Context, _ ProvisionRequest) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}}
	f := newFixture(t, now, fixtureOptions{provisioner: provisioner})
	seedSubscription(f, "cust_1", "wa_pro", time.Date(2024, time.March, 10, 0, 0, 0, 0, time.UTC))
	placed := f.place("cust_1", messagingPackage("wa_pro", domain.PackageDurationMonth))
	f.confirm(placed.Transaction.ID)

	const workers = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		errs      = make(chan error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.activator.Activate(context.Background(), ActivateCommand{TransactionID: placed.Transaction.ID}); err != nil {
				errs <- err
				return
			}
			successes.Add(1)
		}()
	}
	wg.Wait()
	close(errs)

	if got := successes.Load(); got != 1 {
		t.Fatalf("expected exactly one successful activation, got %d", got)
	}
	for err := range errs {
		if !errors.Is(err, ErrAlreadyActivated) {
			t.Fatalf("expected already activated for losers, got %v", err)
		}
	}
	if got := provisioner.calls.Load(); got != 1 {
		t.Fatalf("expected a single provisioning call, got %d", got)
	}
	sub, _ := f.subscription("cust_1", "wa_pro")
	if want := time.Date(2024, time.April, 10, 0, 0, 0, 0, time.UTC); !sub.ExpiredAt.Equal(want) {
		t.Fatalf("expected one extension to %s, got %s", want, sub.ExpiredAt)
	}
}

func TestSubscriptionActivatorProvisioningFailureCancelsParent(t *testing.T) {
	now := time.Date(2024, time.February, 1, 10, 0, 0, 0, time.UTC)
	provisioner := &stubProvisioner{provision: func(context.Context, ProvisionRequest) error {
		return errors.New("number rejected by platform")
	}}
	f := newFixture(t, now, fixtureOptions{provisioner: provisioner})
	placed := f.place("cust_1", product("prod_p", 1000), messagingPackage("wa_basic", domain.PackageDurationMonth))
	f.confirm(placed.Transaction.ID)

	_, err := f.activator.Activate(context.Background(), ActivateCommand{TransactionID: placed.Transaction.ID})
	if !errors.Is(err, ErrActivationFailed) {
		t.Fatalf("expected activation failed, got %v", err)
	}
	view := f.view(placed.Transaction.ID)
	if view.Transaction.Status != domain.TransactionStatusCancelled {
		t.Fatalf("expected cancelled, got %s", view.Transaction.Status)
	}
	if item := itemOfKind(view, domain.LineItemKindWhatsAppService); item.Status != domain.LineItemStatusFailed {
		t.Fatalf("expected messaging item failed, got %s", item.Status)
	}
	if _, found := f.subscription("cust_1", "wa_basic"); found {
		t.Fatalf("failed activation must not write a subscription")
	}
	if f.events.count(EventSubscriptionFailed) != 1 {
		t.Fatalf("expected a subscription.failed event, got %v", f.events.types())
	}

	_, err = f.activator.Activate(context.Background(), ActivateCommand{TransactionID: placed.Transaction.ID})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state after failure, got %v", err)
	}
}

func TestSubscriptionActivatorTransientFailureReleasesClaim(t *testing.T) {
	now := time.Date(2024, time.February, 1, 10, 0, 0, 0, time.UTC)
	var attempts atomic.Int32
	provisioner := &stubProvisioner{provision: func(context.Context, ProvisionRequest) error {
		if attempts.Add(1) == 1 {
			return fmt.Errorf("%w: upstream timeout", ErrTransient)
		}
		return nil
	}}
	f := newFixture(t, now, fixtureOptions{provisioner: provisioner})
	placed := f.place("cust_1", messagingPackage("wa_basic", domain.PackageDurationMonth))
	f.confirm(placed.Transaction.ID)

	_, err := f.activator.Activate(context.Background(), ActivateCommand{TransactionID: placed.Transaction.ID})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient, got %v", err)
	}
	view := f.view(placed.Transaction.ID)
	if view.Fulfillments[0].Status != domain.FulfillmentStatusPending || view.Fulfillments[0].LeaseUntil != nil {
		t.Fatalf("expected released claim, got %+v", view.Fulfillments[0])
	}

	if _, err := f.activator.Activate(context.Background(), ActivateCommand{TransactionID: placed.Transaction.ID}); err != nil {
		t.Fatalf("retry Activate: %v", err)
	}
	if status := f.view(placed.Transaction.ID).Transaction.Status; status != domain.TransactionStatusSuccess {
		t.Fatalf("expected success after retry, got %s", status)
	}
}

func TestSubscriptionActivatorLeaseGuardsInFlightAttempt(t *testing.T) {
	now := time.Date(2024, time.February, 1, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, now, fixtureOptions{})
	placed := f.place("cust_1", messagingPackage("wa_basic", domain.PackageDurationMonth))
	f.confirm(placed.Transaction.ID)
	item := placed.LineItems[0]

	f.put(func(ctx context.Context, tx repositories.LedgerTx) error {
		return tx.CreateFulfillment(ctx, domain.FulfillmentRecord{
			TransactionID: placed.Transaction.ID,
			CatalogItemID: item.CatalogItemID,
			LineItemID:    item.ID,
			CustomerID:    "cust_1",
			Kind:          item.Kind,
			Status:        domain.FulfillmentStatusInProgress,
			AttemptID:     "att_crashed",
			LeaseUntil:    valuePtr(now.Add(time.Minute)),
			CreatedAt:     now,
		})
	})

	_, err := f.activator.Activate(context.Background(), ActivateCommand{TransactionID: placed.Transaction.ID})
	if !errors.Is(err, ErrActivationInProgress) || !errors.Is(err, ErrAlreadyActivated) {
		t.Fatalf("expected live lease to block, got %v", err)
	}

	f.clock.Advance(2 * time.Minute)
	if _, err := f.activator.Activate(context.Background(), ActivateCommand{TransactionID: placed.Transaction.ID}); err != nil {
		t.Fatalf("expected expired lease to be reclaimed, got %v", err)
	}
}

func TestSubscriptionActivatorLegacyRecordBlocksActivation(t *testing.T) {
	now := time.Date(2024, time.February, 1, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, now, fixtureOptions{})
	placed := f.place("cust_1", messagingPackage("wa_basic", domain.PackageDurationMonth))
	f.confirm(placed.Transaction.ID)

	importer, err := NewSubscriptionImporter(SubscriptionImporterDeps{Ledger: f.ledger, Clock: f.clock.Now})
	if err != nil {
		t.Fatalf("NewSubscriptionImporter: %v", err)
	}
	if _, err := importer.Import(context.Background(), []LegacySubscription{{
		UserID:      "cust_1",
		ServiceID:   "wa_basic",
		ExpireDate:  "2024-03-01",
		ActivatedAt: "2024-02-01 11:00:00",
	}}); err != nil {
		t.Fatalf("Import: %v", err)
	}

	_, err = f.activator.Activate(context.Background(), ActivateCommand{TransactionID: placed.Transaction.ID})
	if !errors.Is(err, ErrAlreadyActivated) {
		t.Fatalf("expected legacy activation to block, got %v", err)
	}
}

func TestSubscriptionActivatorLaterActivationCoversEarlierTransaction(t *testing.T) {
	start := time.Date(2024, time.January, 10, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, start, fixtureOptions{})
	ctx := context.Background()

	first := f.place("cust_1", messagingPackage("wa_basic", domain.PackageDurationMonth))
	f.confirm(first.Transaction.ID)
	f.clock.Advance(time.Hour)
	second := f.place("cust_1", messagingPackage("wa_basic", domain.PackageDurationMonth))
	f.confirm(second.Transaction.ID)

	sub, err := f.activator.Activate(ctx, ActivateCommand{TransactionID: second.Transaction.ID})
	if err != nil {
		t.Fatalf("Activate second: %v", err)
	}

	_, err = f.activator.Activate(ctx, ActivateCommand{TransactionID: first.Transaction.ID})
	if !errors.Is(err, ErrAlreadyActivated) {
		t.Fatalf("expected the later activation to cover the earlier transaction, got %v", err)
	}
	stored, _ := f.subscription("cust_1", "wa_basic")
	if !stored.ExpiredAt.Equal(sub.ExpiredAt) {
		t.Fatalf("subscription extended twice: %s then %s", sub.ExpiredAt, stored.ExpiredAt)
	}
}

func TestSubscriptionActivatorEarlierActivationDoesNotBlockNewTransaction(t *testing.T) {
	start := time.Date(2024, time.January, 10, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, start, fixtureOptions{})
	ctx := context.Background()

	first := f.place("cust_1", messagingPackage("wa_basic", domain.PackageDurationMonth))
	f.confirm(first.Transaction.ID)
	if _, err := f.activator.Activate(ctx, ActivateCommand{TransactionID: first.Transaction.ID}); err != nil {
		t.Fatalf("Activate first: %v", err)
	}

	f.clock.Advance(time.Hour)
	second := f.place("cust_1", messagingPackage("wa_basic", domain.PackageDurationMonth))
	f.confirm(second.Transaction.ID)
	sub, err := f.activator.Activate(ctx, ActivateCommand{TransactionID: second.Transaction.ID})
	if err != nil {
		t.Fatalf("Activate second: %v", err)
	}
	want := time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)
	if !sub.ExpiredAt.Equal(want) {
		t.Fatalf("expected renewal to extend to %s, got %s", want, sub.ExpiredAt)
	}
}

func TestSubscriptionActivatorPreconditions(t *testing.T) {
	now := time.Date(2024, time.February, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("unknown transaction", func(t *testing.T) {
		f := newFixture(t, now, fixtureOptions{})
		_, err := f.activator.Activate(ctx, ActivateCommand{TransactionID: "txn_missing"})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("no messaging item", func(t *testing.T) {
		f := newFixture(t, now, fixtureOptions{})
		placed := f.place("cust_1", product("prod_p", 1000))
		f.confirm(placed.Transaction.ID)
		_, err := f.activator.Activate(ctx, ActivateCommand{TransactionID: placed.Transaction.ID})
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected invalid state, got %v", err)
		}
	})

	t.Run("payment pending", func(t *testing.T) {
		f := newFixture(t, now, fixtureOptions{})
		placed := f.place("cust_1", messagingPackage("wa_basic", domain.PackageDurationMonth))
		_, err := f.activator.Activate(ctx, ActivateCommand{TransactionID: placed.Transaction.ID})
		if !errors.Is(err, ErrPaymentNotConfirmed) {
			t.Fatalf("expected payment not confirmed, got %v", err)
		}
	})

	t.Run("fail activation is idempotent", func(t *testing.T) {
		f := newFixture(t, now, fixtureOptions{})
		placed := f.place("cust_1", messagingPackage("wa_basic", domain.PackageDurationMonth))
		f.confirm(placed.Transaction.ID)
		if _, err := f.activator.FailActivation(ctx, FailActivationCommand{TransactionID: placed.Transaction.ID}); err != nil {
			t.Fatalf("FailActivation: %v", err)
		}
		again, err := f.activator.FailActivation(ctx, FailActivationCommand{TransactionID: placed.Transaction.ID})
		if err != nil {
			t.Fatalf("FailActivation again: %v", err)
		}
		if !again.AlreadyFailed || again.TransactionStatus != domain.TransactionStatusCancelled {
			t.Fatalf("unexpected repeat result %+v", again)
		}
	})
}

func TestPaymentConfirmationActivatesInline(t *testing.T) {
	now := time.Date(2024, time.February, 1, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, now, fixtureOptions{inline: true})
	placed := f.place("cust_1", messagingPackage("wa_basic", domain.PackageDurationYear))

	result := f.confirm(placed.Transaction.ID)
	if !result.ActivationQueued || result.ActivationDispatch != nil {
		t.Fatalf("expected inline activation, got %+v", result)
	}
	if status := f.view(placed.Transaction.ID).Transaction.Status; status != domain.TransactionStatusSuccess {
		t.Fatalf("expected success, got %s", status)
	}

	replay := f.confirm(placed.Transaction.ID)
	if !replay.AlreadyConfirmed || replay.ActivationQueued {
		t.Fatalf("replay after activation must not dispatch again, got %+v", replay)
	}
}
