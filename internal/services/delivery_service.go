package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/genfity/fulfillment/internal/domain"
	"github.com/genfity/fulfillment/internal/repositories"
)

// DeliveryServiceDeps bundles collaborators required to construct the delivery service.
type DeliveryServiceDeps struct {
	Ledger      repositories.LedgerStore
	Clock       func() time.Time
	IDGenerator func() string
	Events      FulfillmentEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type deliveryService struct {
	ledger repositories.LedgerStore
	serviceRuntime
}

var _ DeliveryService = (*deliveryService)(nil)

// NewDeliveryService constructs the handler admins use to mark products and add-ons delivered.
func NewDeliveryService(deps DeliveryServiceDeps) (DeliveryService, error) {
	if deps.Ledger == nil {
		return nil, errors.New("delivery service: ledger store is required")
	}
	return &deliveryService{
		ledger:         deps.Ledger,
		serviceRuntime: newServiceRuntime(deps.Clock, deps.IDGenerator, deps.Events, deps.Logger),
	}, nil
}

func (s *deliveryService) CompleteDelivery(ctx context.Context, cmd CompleteDeliveryCommand) (DeliveryResult, error) {
	lineItemID := strings.TrimSpace(cmd.LineItemID)
	if lineItemID == "" {
		return DeliveryResult{}, fmt.Errorf("%w: line item id is required", ErrInvalidInput)
	}
	actor := normalizeActor(cmd.ActorID)

	var (
		result DeliveryResult
		events []FulfillmentEvent
	)
	err := s.ledger.RunInTx(ctx, func(ctx context.Context, tx repositories.LedgerTx) error {
		result = DeliveryResult{}
		events = nil
		now := s.now()

		item, err := tx.LineItem(ctx, lineItemID)
		if err != nil {
			return fmt.Errorf("line item %s: %w", lineItemID, mapRepositoryError(err))
		}
		if item.Kind == domain.LineItemKindWhatsAppService {
			return fmt.Errorf("%w: line item %s is a messaging service; use subscription activation", ErrInvalidState, lineItemID)
		}

		snap, err := loadSnapshot(ctx, tx, item.TransactionID)
		if err != nil {
			return err
		}
		key := domain.FulfillmentKey{TransactionID: item.TransactionID, CatalogItemID: item.CatalogItemID}
		record, err := tx.Fulfillment(ctx, key)
		if err != nil {
			return fmt.Errorf("delivery record %s: %w", key, mapRepositoryError(err))
		}

		if record.Status == domain.FulfillmentStatusDelivered {
			result = DeliveryResult{
				LineItem:          item,
				Record:            record,
				TransactionStatus: snap.txn.Status,
				AlreadyCompleted:  true,
			}
			return nil
		}
		if snap.txn.Status != domain.TransactionStatusInProgress {
			return fmt.Errorf("%w: transaction %s is %s", ErrInvalidState, snap.txn.ID, snap.txn.Status)
		}
		if snap.payment.Status != domain.PaymentStatusPaid {
			return fmt.Errorf("%w: transaction %s payment is %s", ErrPaymentNotConfirmed, snap.txn.ID, snap.payment.Status)
		}

		record.Status = domain.FulfillmentStatusDelivered
		record.CompletedAt = valuePtr(now)
		record.CompletedBy = actor
		record.UpdatedAt = now

		idx := snap.itemIndex(item.ID)
		if idx < 0 {
			return fmt.Errorf("%w: line item %s not attached to transaction %s", ErrInvalidState, item.ID, snap.txn.ID)
		}
		snap.setItemStatus(idx, domain.LineItemStatusSuccess, now)
		settled := snap.settle(now)

		if err := tx.PutFulfillment(ctx, record); err != nil {
			return err
		}
		if err := tx.PutLineItem(ctx, snap.items[idx]); err != nil {
			return err
		}
		if err := snap.writeTransactionIfChanged(ctx, tx, settled); err != nil {
			return err
		}

		result = DeliveryResult{
			LineItem:          snap.items[idx],
			Record:            record,
			TransactionStatus: settled.Status,
			ParentCompleted:   settled.Changed && settled.Status == domain.TransactionStatusSuccess,
		}
		events = append(events, FulfillmentEvent{
			Type:          EventLineItemDelivered,
			TransactionID: snap.txn.ID,
			LineItemID:    item.ID,
			CustomerID:    snap.txn.CustomerID,
			CurrentStatus: string(domain.LineItemStatusSuccess),
			ActorID:       actor,
			OccurredAt:    now,
			Metadata: map[string]any{
				"catalogItemId": item.CatalogItemID,
				"kind":          string(item.Kind),
			},
		})
		events = append(events, statusChangedEvent(snap, settled, actor, now)...)
		return nil
	})
	if err != nil {
		return DeliveryResult{}, mapRepositoryError(err)
	}

	if result.AlreadyCompleted {
		s.logger(ctx, "fulfillment.delivery.already_completed", map[string]any{
			"lineItem":    lineItemID,
			"transaction": result.LineItem.TransactionID,
		})
		return result, nil
	}

	s.logger(ctx, "fulfillment.delivery.completed", map[string]any{
		"lineItem":        lineItemID,
		"transaction":     result.LineItem.TransactionID,
		"status":          string(result.TransactionStatus),
		"parentCompleted": result.ParentCompleted,
		"actor":           actor,
	})
	s.publish(ctx, events...)
	return result, nil
}
