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

const manualPaymentProvider = "manual"

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Ledger repositories.LedgerStore
	// Activation receives messaging transactions once their payment is confirmed. Optional.
	Activation  ActivationDispatcher
	Clock       func() time.Time
	IDGenerator func() string
	Events      FulfillmentEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	ledger     repositories.LedgerStore
	activation ActivationDispatcher
	serviceRuntime
}

var _ PaymentService = (*paymentService)(nil)

// NewPaymentService constructs the service that applies payment outcomes to the ledger.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Ledger == nil {
		return nil, errors.New("payment service: ledger store is required")
	}
	return &paymentService{
		ledger:         deps.Ledger,
		activation:     deps.Activation,
		serviceRuntime: newServiceRuntime(deps.Clock, deps.IDGenerator, deps.Events, deps.Logger),
	}, nil
}

func recordsByCatalogItem(records []domain.FulfillmentRecord) map[string]domain.FulfillmentRecord {
	out := make(map[string]domain.FulfillmentRecord, len(records))
	for _, record := range records {
		out[record.CatalogItemID] = record
	}
	return out
}

// activationPending reports whether the messaging item of the snapshot still awaits activation.
func activationPending(snap *ledgerSnapshot, records map[string]domain.FulfillmentRecord) bool {
	if snap.txn.Status != domain.TransactionStatusInProgress {
		return false
	}
	for _, idx := range snap.messagingItems() {
		item := snap.items[idx]
		if item.Status.IsTerminal() {
			continue
		}
		record, ok := records[item.CatalogItemID]
		if !ok || (record.Status != domain.FulfillmentStatusDelivered && record.Status != domain.FulfillmentStatusFailed) {
			return true
		}
	}
	return false
}

func (s *paymentService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (ConfirmPaymentResult, error) {
	transactionID := strings.TrimSpace(cmd.TransactionID)
	if transactionID == "" {
		return ConfirmPaymentResult{}, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	if cmd.Amount != nil && cmd.Amount.IsNegative() {
		return ConfirmPaymentResult{}, fmt.Errorf("%w: amount must not be negative", ErrInvalidInput)
	}
	actor := normalizeActor(cmd.ActorID)

	var (
		result          ConfirmPaymentResult
		events          []FulfillmentEvent
		needsActivation bool
		amountMismatch  bool
		terminal        bool
	)
	err := s.ledger.RunInTx(ctx, func(ctx context.Context, tx repositories.LedgerTx) error {
		result = ConfirmPaymentResult{TransactionID: transactionID}
		events = nil
		needsActivation, amountMismatch, terminal = false, false, false
		now := s.now()

		snap, err := loadSnapshot(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		records, err := tx.Fulfillments(ctx, transactionID)
		if err != nil {
			return err
		}
		byItem := recordsByCatalogItem(records)

		if snap.payment.Status == domain.PaymentStatusPaid {
			result.Status = snap.txn.Status
			result.AlreadyConfirmed = true
			needsActivation = activationPending(snap, byItem)
			return nil
		}

		paidAt := cmd.PaidAt
		if paidAt.IsZero() {
			paidAt = now
		}
		snap.payment.Status = domain.PaymentStatusPaid
		snap.payment.PaidAt = valuePtr(paidAt.UTC())
		snap.payment.FailureReason = ""
		snap.payment.UpdatedAt = now
		if provider := strings.TrimSpace(cmd.Provider); provider != "" {
			snap.payment.Provider = provider
		}
		if ref := strings.TrimSpace(cmd.ProviderRef); ref != "" {
			snap.payment.ProviderRef = ref
		}
		if cmd.Amount != nil {
			snap.payment.Amount = *cmd.Amount
			amountMismatch = !cmd.Amount.Equal(snap.txn.TotalAmount)
		}
		if err := tx.PutPayment(ctx, snap.payment); err != nil {
			return err
		}
		events = append(events, FulfillmentEvent{
			Type:          EventPaymentConfirmed,
			TransactionID: transactionID,
			CustomerID:    snap.txn.CustomerID,
			CurrentStatus: string(domain.PaymentStatusPaid),
			ActorID:       actor,
			OccurredAt:    now,
			Metadata: map[string]any{
				"provider":    snap.payment.Provider,
				"providerRef": snap.payment.ProviderRef,
			},
		})

		if snap.txn.Status.IsTerminal() {
			terminal = true
			result.Status = snap.txn.Status
			return nil
		}

		for i := range snap.items {
			item := snap.items[i]
			if item.Status == domain.LineItemStatusPending {
				snap.setItemStatus(i, domain.LineItemStatusInProgress, now)
				if err := tx.PutLineItem(ctx, snap.items[i]); err != nil {
					return err
				}
			}
			if item.Kind == domain.LineItemKindWhatsAppService {
				continue
			}
			if _, ok := byItem[item.CatalogItemID]; ok {
				continue
			}
			record := domain.FulfillmentRecord{
				TransactionID: transactionID,
				CatalogItemID: item.CatalogItemID,
				LineItemID:    item.ID,
				CustomerID:    snap.txn.CustomerID,
				Kind:          item.Kind,
				Status:        domain.FulfillmentStatusInProgress,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.CreateFulfillment(ctx, record); err != nil {
				return err
			}
		}

		settled := snap.settle(now)
		if err := snap.writeTransactionIfChanged(ctx, tx, settled); err != nil {
			return err
		}
		events = append(events, statusChangedEvent(snap, settled, actor, now)...)
		result.Status = settled.Status
		needsActivation = snap.hasMessagingItem() && settled.Status == domain.TransactionStatusInProgress
		return nil
	})
	if err != nil {
		return ConfirmPaymentResult{}, mapRepositoryError(err)
	}

	if amountMismatch {
		s.logger(ctx, "fulfillment.payment.amount_mismatch", map[string]any{
			"transaction": transactionID,
			"amount":      cmd.Amount.String(),
		})
	}
	if terminal {
		s.logger(ctx, "fulfillment.payment.confirmed_after_terminal", map[string]any{
			"transaction": transactionID,
			"status":      string(result.Status),
		})
	} else if !result.AlreadyConfirmed {
		s.logger(ctx, "fulfillment.payment.confirmed", map[string]any{
			"transaction": transactionID,
			"status":      string(result.Status),
			"provider":    strings.TrimSpace(cmd.Provider),
		})
	}
	s.publish(ctx, events...)

	if needsActivation {
		result.ActivationQueued, result.ActivationDispatch = s.dispatchActivation(ctx, transactionID)
	}
	return result, nil
}

// dispatchActivation hands the transaction to the activator. Failures do not undo the payment;
// a webhook replay or the admin activate action dispatches again.
func (s *paymentService) dispatchActivation(ctx context.Context, transactionID string) (bool, error) {
	if s.activation == nil {
		return false, nil
	}
	err := s.activation.DispatchActivation(ctx, transactionID)
	switch {
	case err == nil, errors.Is(err, ErrAlreadyActivated):
		return true, nil
	default:
		s.logger(ctx, "fulfillment.activation.dispatch.failed", map[string]any{
			"transaction": transactionID,
			"error":       err.Error(),
		})
		return false, err
	}
}

func (s *paymentService) RecordPaymentFailure(ctx context.Context, cmd PaymentFailureCommand) (domain.Payment, error) {
	transactionID := strings.TrimSpace(cmd.TransactionID)
	if transactionID == "" {
		return domain.Payment{}, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	status := cmd.Status
	if status == "" {
		status = domain.PaymentStatusFailed
	}
	if status != domain.PaymentStatusFailed && status != domain.PaymentStatusCancelled {
		return domain.Payment{}, fmt.Errorf("%w: payment status %q is not a failure", ErrInvalidInput, status)
	}

	var (
		payment  domain.Payment
		customer string
	)
	err := s.ledger.RunInTx(ctx, func(ctx context.Context, tx repositories.LedgerTx) error {
		txn, err := tx.Transaction(ctx, transactionID)
		if err != nil {
			return fmt.Errorf("transaction %s: %w", transactionID, mapRepositoryError(err))
		}
		current, err := tx.Payment(ctx, transactionID)
		if err != nil {
			return fmt.Errorf("payment for %s: %w", transactionID, mapRepositoryError(err))
		}
		if current.Status == domain.PaymentStatusPaid {
			return fmt.Errorf("%w: payment for %s already paid", ErrInvalidState, transactionID)
		}
		current.Status = status
		current.FailureReason = strings.TrimSpace(cmd.Reason)
		current.UpdatedAt = s.now()
		payment = current
		customer = txn.CustomerID
		return tx.PutPayment(ctx, current)
	})
	if err != nil {
		return domain.Payment{}, mapRepositoryError(err)
	}

	s.logger(ctx, "fulfillment.payment.failed", map[string]any{
		"transaction": transactionID,
		"status":      string(status),
		"reason":      payment.FailureReason,
	})
	s.publish(ctx, FulfillmentEvent{
		Type:          EventPaymentFailed,
		TransactionID: transactionID,
		CustomerID:    customer,
		CurrentStatus: string(status),
		ActorID:       systemActor,
		Metadata:      map[string]any{"reason": payment.FailureReason},
	})
	return payment, nil
}

func (s *paymentService) ConfirmTransaction(ctx context.Context, cmd ConfirmTransactionCommand) (ConfirmTransactionResult, error) {
	transactionID := strings.TrimSpace(cmd.TransactionID)
	if transactionID == "" {
		return ConfirmTransactionResult{}, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	actor := normalizeActor(cmd.ActorID)

	var (
		result          ConfirmTransactionResult
		events          []FulfillmentEvent
		needsActivation bool
	)
	err := s.ledger.RunInTx(ctx, func(ctx context.Context, tx repositories.LedgerTx) error {
		result = ConfirmTransactionResult{}
		events = nil
		needsActivation = false
		now := s.now()

		snap, err := loadSnapshot(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		records, err := tx.Fulfillments(ctx, transactionID)
		if err != nil {
			return err
		}
		byItem := recordsByCatalogItem(records)
		if snap.txn.Status.IsTerminal() {
			return fmt.Errorf("%w: transaction %s is %s", ErrInvalidState, transactionID, snap.txn.Status)
		}

		if snap.payment.Status != domain.PaymentStatusPaid {
			snap.payment.Status = domain.PaymentStatusPaid
			snap.payment.PaidAt = valuePtr(now)
			snap.payment.FailureReason = ""
			snap.payment.UpdatedAt = now
			if snap.payment.Provider == "" {
				snap.payment.Provider = manualPaymentProvider
			}
			if err := tx.PutPayment(ctx, snap.payment); err != nil {
				return err
			}
			events = append(events, FulfillmentEvent{
				Type:          EventPaymentConfirmed,
				TransactionID: transactionID,
				CustomerID:    snap.txn.CustomerID,
				CurrentStatus: string(domain.PaymentStatusPaid),
				ActorID:       actor,
				OccurredAt:    now,
				Metadata:      map[string]any{"provider": snap.payment.Provider, "manual": true},
			})
		}

		for i := range snap.items {
			item := snap.items[i]
			if item.Status.IsTerminal() {
				continue
			}
			if item.Kind == domain.LineItemKindWhatsAppService {
				if snap.setItemStatus(i, domain.LineItemStatusInProgress, now) {
					if err := tx.PutLineItem(ctx, snap.items[i]); err != nil {
						return err
					}
				}
				continue
			}

			record, found := byItem[item.CatalogItemID]
			if !found {
				record = domain.FulfillmentRecord{
					TransactionID: transactionID,
					CatalogItemID: item.CatalogItemID,
					LineItemID:    item.ID,
					CustomerID:    snap.txn.CustomerID,
					Kind:          item.Kind,
					CreatedAt:     now,
				}
			}
			record.Status = domain.FulfillmentStatusDelivered
			record.CompletedAt = valuePtr(now)
			record.CompletedBy = actor
			record.UpdatedAt = now
			if found {
				err = tx.PutFulfillment(ctx, record)
			} else {
				err = tx.CreateFulfillment(ctx, record)
			}
			if err != nil {
				return err
			}

			snap.setItemStatus(i, domain.LineItemStatusSuccess, now)
			if err := tx.PutLineItem(ctx, snap.items[i]); err != nil {
				return err
			}
			result.ItemsCompleted++
			events = append(events, FulfillmentEvent{
				Type:          EventLineItemDelivered,
				TransactionID: transactionID,
				LineItemID:    item.ID,
				CustomerID:    snap.txn.CustomerID,
				CurrentStatus: string(domain.LineItemStatusSuccess),
				ActorID:       actor,
				OccurredAt:    now,
				Metadata:      map[string]any{"catalogItemId": item.CatalogItemID, "manual": true},
			})
		}

		settled := snap.settle(now)
		snap.txn.ConfirmedBy = actor
		snap.txn.UpdatedAt = now
		if err := tx.PutTransaction(ctx, snap.txn); err != nil {
			return err
		}
		events = append(events, statusChangedEvent(snap, settled, actor, now)...)
		result.RecomputeResult = settled
		needsActivation = snap.hasMessagingItem() && settled.Status == domain.TransactionStatusInProgress
		return nil
	})
	if err != nil {
		return ConfirmTransactionResult{}, mapRepositoryError(err)
	}

	s.logger(ctx, "fulfillment.transaction.confirmed", map[string]any{
		"transaction":    transactionID,
		"status":         string(result.Status),
		"itemsCompleted": result.ItemsCompleted,
		"actor":          actor,
	})
	s.publish(ctx, events...)

	if needsActivation {
		result.ActivationQueued, _ = s.dispatchActivation(ctx, transactionID)
	}
	return result, nil
}
