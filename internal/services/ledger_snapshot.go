package services

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/genfity/fulfillment/internal/domain"
	"github.com/genfity/fulfillment/internal/repositories"
)

const (
	eventIDPrefix   = "evt_"
	attemptIDPrefix = "att_"

	systemActor = "system"
)

// ledgerSnapshot is the in-transaction view of one parent transaction. Every handler loads it
// before its first write, mutates it, and then applies the aggregation rule to the same snapshot.
type ledgerSnapshot struct {
	txn     domain.Transaction
	payment domain.Payment
	items   []domain.LineItem
}

func loadSnapshot(ctx context.Context, tx repositories.LedgerTx, transactionID string) (*ledgerSnapshot, error) {
	txn, err := tx.Transaction(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, mapRepositoryError(err))
	}
	payment, err := tx.Payment(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("payment for %s: %w", transactionID, mapRepositoryError(err))
	}
	items, err := tx.LineItems(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("line items for %s: %w", transactionID, mapRepositoryError(err))
	}
	return &ledgerSnapshot{txn: txn, payment: payment, items: items}, nil
}

func (s *ledgerSnapshot) itemIndex(lineItemID string) int {
	for i := range s.items {
		if s.items[i].ID == lineItemID {
			return i
		}
	}
	return -1
}

func (s *ledgerSnapshot) messagingItems() []int {
	var out []int
	for i := range s.items {
		if s.items[i].Kind == domain.LineItemKindWhatsAppService {
			out = append(out, i)
		}
	}
	return out
}

func (s *ledgerSnapshot) hasMessagingItem() bool {
	return len(s.messagingItems()) > 0
}

// setItemStatus updates the item in the snapshot and reports whether it changed.
func (s *ledgerSnapshot) setItemStatus(idx int, status domain.LineItemStatus, now time.Time) bool {
	if s.items[idx].Status == status {
		return false
	}
	s.items[idx].Status = status
	s.items[idx].UpdatedAt = now
	return true
}

// settle applies the aggregation rule against the snapshot.
func (s *ledgerSnapshot) settle(now time.Time) RecomputeResult {
	previous := s.txn.Status
	next := domain.AggregateStatus(previous, s.payment.Status, domain.ChildStatuses(s.items))
	result := RecomputeResult{
		TransactionID: s.txn.ID,
		Previous:      previous,
		Status:        next,
		Changed:       next != previous,
	}
	if result.Changed {
		s.txn.Status = next
		s.txn.UpdatedAt = now
	}
	return result
}

func (s *ledgerSnapshot) writeTransactionIfChanged(ctx context.Context, tx repositories.LedgerTx, result RecomputeResult) error {
	if !result.Changed {
		return nil
	}
	return tx.PutTransaction(ctx, s.txn)
}

// serviceRuntime bundles the clock, id source, event sink and logger shared by the services.
type serviceRuntime struct {
	clock  func() time.Time
	newID  func() string
	events FulfillmentEventPublisher
	logger func(context.Context, string, map[string]any)
}

func newServiceRuntime(clock func() time.Time, newID func() string, events FulfillmentEventPublisher, logger func(context.Context, string, map[string]any)) serviceRuntime {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return serviceRuntime{
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  newID,
		events: events,
		logger: logger,
	}
}

func (r serviceRuntime) now() time.Time {
	return r.clock()
}

func (r serviceRuntime) publish(ctx context.Context, events ...FulfillmentEvent) {
	if r.events == nil {
		return
	}
	for _, event := range events {
		if event.ID == "" {
			event.ID = eventIDPrefix + r.newID()
		}
		if event.OccurredAt.IsZero() {
			event.OccurredAt = r.now()
		}
		if event.Metadata != nil {
			event.Metadata = maps.Clone(event.Metadata)
		}
		if err := r.events.PublishFulfillmentEvent(ctx, event); err != nil {
			r.logger(ctx, "fulfillment.event.publish.failed", map[string]any{
				"type":        event.Type,
				"transaction": event.TransactionID,
				"status":      event.CurrentStatus,
				"error":       err.Error(),
			})
		}
	}
}

func statusChangedEvent(snap *ledgerSnapshot, result RecomputeResult, actor string, now time.Time) []FulfillmentEvent {
	if !result.Changed {
		return nil
	}
	return []FulfillmentEvent{{
		Type:           EventTransactionStatusChanged,
		TransactionID:  result.TransactionID,
		CustomerID:     snap.txn.CustomerID,
		PreviousStatus: string(result.Previous),
		CurrentStatus:  string(result.Status),
		ActorID:        actor,
		OccurredAt:     now,
	}}
}

func normalizeActor(actor string) string {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return systemActor
	}
	return actor
}

func valuePtr[T any](v T) *T {
	return &v
}

func lookupFulfillment(ctx context.Context, tx repositories.LedgerTx, key domain.FulfillmentKey) (domain.FulfillmentRecord, bool, error) {
	record, err := tx.Fulfillment(ctx, key)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.FulfillmentRecord{}, false, nil
		}
		return domain.FulfillmentRecord{}, false, err
	}
	return record, true, nil
}

func lookupSubscription(ctx context.Context, tx repositories.LedgerTx, key domain.SubscriptionKey) (domain.Subscription, bool, error) {
	sub, err := tx.Subscription(ctx, key)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Subscription{}, false, nil
		}
		return domain.Subscription{}, false, err
	}
	return sub, true, nil
}
