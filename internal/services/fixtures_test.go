package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/genfity/fulfillment/internal/domain"
	"github.com/genfity/fulfillment/internal/repositories"
	"github.com/genfity/fulfillment/internal/repositories/memory"
)

type captureEvents struct {
	mu     sync.Mutex
	events []FulfillmentEvent
}

func (c *captureEvents) PublishFulfillmentEvent(_ context.Context, event FulfillmentEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, event := range c.events {
		out = append(out, event.Type)
	}
	return out
}

func (c *captureEvents) count(eventType string) int {
	n := 0
	for _, t := range c.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

func (c *captureEvents) reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sequenceIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%06d", n.Add(1))
	}
}

// fixture wires every service against one memory ledger and a shared clock.
type fixture struct {
	t         *testing.T
	ledger    *memory.Ledger
	clock     *testClock
	events    *captureEvents
	orders    OrderService
	payments  PaymentService
	delivery  DeliveryService
	activator SubscriptionActivator
	sweeper   PaymentSweeper
	recompute StatusAggregator
}

type fixtureOptions struct {
	provisioner Provisioner
	dispatcher  ActivationDispatcher
	inline      bool
	sweepBatch  int
}

func newFixture(t *testing.T, now time.Time, opts fixtureOptions) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		ledger: memory.NewLedger(),
		clock:  newTestClock(now),
		events: &captureEvents{},
	}
	ids := sequenceIDs()

	var err error
	f.orders, err = NewOrderService(OrderServiceDeps{Ledger: f.ledger, Clock: f.clock.Now, IDGenerator: ids, Events: f.events})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	f.activator, err = NewSubscriptionActivator(SubscriptionActivatorDeps{
		Ledger:      f.ledger,
		Provisioner: opts.provisioner,
		Clock:       f.clock.Now,
		IDGenerator: ids,
		Events:      f.events,
	})
	if err != nil {
		t.Fatalf("NewSubscriptionActivator: %v", err)
	}
	dispatcher := opts.dispatcher
	if opts.inline {
		dispatcher = ActivationDispatcherFunc(func(ctx context.Context, transactionID string) error {
			_, err := f.activator.Activate(ctx, ActivateCommand{TransactionID: transactionID})
			return err
		})
	}
	f.payments, err = NewPaymentService(PaymentServiceDeps{
		Ledger:      f.ledger,
		Activation:  dispatcher,
		Clock:       f.clock.Now,
		IDGenerator: ids,
		Events:      f.events,
	})
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}
	f.delivery, err = NewDeliveryService(DeliveryServiceDeps{Ledger: f.ledger, Clock: f.clock.Now, IDGenerator: ids, Events: f.events})
	if err != nil {
		t.Fatalf("NewDeliveryService: %v", err)
	}
	f.sweeper, err = NewPaymentSweeper(PaymentSweeperDeps{
		Ledger:      f.ledger,
		GraceWindow: 24 * time.Hour,
		BatchSize:   opts.sweepBatch,
		Clock:       f.clock.Now,
		Events:      f.events,
	})
	if err != nil {
		t.Fatalf("NewPaymentSweeper: %v", err)
	}
	f.recompute, err = NewStatusAggregator(StatusAggregatorDeps{Ledger: f.ledger, Clock: f.clock.Now, Events: f.events})
	if err != nil {
		t.Fatalf("NewStatusAggregator: %v", err)
	}
	return f
}

func (f *fixture) place(customerID string, items ...PlaceOrderItem) TransactionView {
	f.t.Helper()
	view, err := f.orders.PlaceOrder(context.Background(), PlaceOrderCommand{
		CustomerID: customerID,
		Currency:   "IDR",
		Items:      items,
	})
	if err != nil {
		f.t.Fatalf("PlaceOrder: %v", err)
	}
	return view
}

func (f *fixture) confirm(transactionID string) ConfirmPaymentResult {
	f.t.Helper()
	result, err := f.payments.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		TransactionID: transactionID,
		Provider:      "stripe",
		ProviderRef:   "pi_" + transactionID,
	})
	if err != nil {
		f.t.Fatalf("ConfirmPayment: %v", err)
	}
	return result
}

func (f *fixture) view(transactionID string) TransactionView {
	f.t.Helper()
	view, err := f.orders.GetTransaction(context.Background(), transactionID)
	if err != nil {
		f.t.Fatalf("GetTransaction: %v", err)
	}
	return view
}

func (f *fixture) subscription(customerID, packageID string) (domain.Subscription, bool) {
	f.t.Helper()
	var (
		sub   domain.Subscription
		found bool
	)
	err := f.ledger.RunInTx(context.Background(), func(ctx context.Context, tx repositories.LedgerTx) error {
		var err error
		sub, found, err = lookupSubscription(ctx, tx, domain.SubscriptionKey{CustomerID: customerID, PackageID: packageID})
		return err
	})
	if err != nil {
		f.t.Fatalf("subscription lookup: %v", err)
	}
	return sub, found
}

func (f *fixture) put(fn func(ctx context.Context, tx repositories.LedgerTx) error) {
	f.t.Helper()
	if err := f.ledger.RunInTx(context.Background(), fn); err != nil {
		f.t.Fatalf("seed: %v", err)
	}
}

func itemOfKind(view TransactionView, kind domain.LineItemKind) domain.LineItem {
	for _, item := range view.LineItems {
		if item.Kind == kind {
			return item
		}
	}
	return domain.LineItem{}
}

func product(catalogItemID string, price int64) PlaceOrderItem {
	return PlaceOrderItem{Kind: domain.LineItemKindProduct, CatalogItemID: catalogItemID, Quantity: 1, UnitPrice: decimal.NewFromInt(price)}
}

func addon(catalogItemID string, price int64) PlaceOrderItem {
	return PlaceOrderItem{Kind: domain.LineItemKindAddon, CatalogItemID: catalogItemID, Quantity: 1, UnitPrice: decimal.NewFromInt(price)}
}

func messagingPackage(catalogItemID string, duration domain.PackageDuration) PlaceOrderItem {
	return PlaceOrderItem{Kind: domain.LineItemKindWhatsAppService, CatalogItemID: catalogItemID, Quantity: 1, UnitPrice: decimal.NewFromInt(150000), Duration: duration}
}
