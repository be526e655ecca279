package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	domain "github.com/genfity/fulfillment/internal/domain"
	"github.com/genfity/fulfillment/internal/repositories"
)

const (
	transactionIDPrefix = "txn_"
	lineItemIDPrefix    = "li_"

	maxOrderItems = 100
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Ledger      repositories.LedgerStore
	Clock       func() time.Time
	IDGenerator func() string
	Events      FulfillmentEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	ledger repositories.LedgerStore
	serviceRuntime
}

var _ OrderService = (*orderService)(nil)

// NewOrderService constructs the service that registers checked-out transactions.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Ledger == nil {
		return nil, errors.New("order service: ledger store is required")
	}
	return &orderService{
		ledger:         deps.Ledger,
		serviceRuntime: newServiceRuntime(deps.Clock, deps.IDGenerator, deps.Events, deps.Logger),
	}, nil
}

func (s *orderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (TransactionView, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return TransactionView{}, fmt.Errorf("%w: customer id is required", ErrInvalidInput)
	}
	unit, err := currency.ParseISO(strings.TrimSpace(cmd.Currency))
	if err != nil {
		return TransactionView{}, fmt.Errorf("%w: currency %q: %v", ErrInvalidInput, cmd.Currency, err)
	}
	if len(cmd.Items) == 0 {
		return TransactionView{}, fmt.Errorf("%w: at least one line item is required", ErrInvalidInput)
	}
	if len(cmd.Items) > maxOrderItems {
		return TransactionView{}, fmt.Errorf("%w: at most %d line items are allowed", ErrInvalidInput, maxOrderItems)
	}

	transactionID := strings.TrimSpace(cmd.TransactionID)
	if transactionID == "" {
		transactionID = transactionIDPrefix + s.newID()
	}
	now := s.now()

	items := make([]domain.LineItem, 0, len(cmd.Items))
	seen := make(map[string]struct{}, len(cmd.Items))
	total := decimal.Zero
	messaging := 0
	for i, input := range cmd.Items {
		item, err := s.buildLineItem(transactionID, i, input, now)
		if err != nil {
			return TransactionView{}, err
		}
		if _, dup := seen[item.CatalogItemID]; dup {
			return TransactionView{}, fmt.Errorf("%w: catalog item %s listed twice", ErrInvalidInput, item.CatalogItemID)
		}
		seen[item.CatalogItemID] = struct{}{}
		if item.Kind == domain.LineItemKindWhatsAppService {
			messaging++
		}
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
		items = append(items, item)
	}
	if messaging > 1 {
		return TransactionView{}, fmt.Errorf("%w: a transaction may carry one messaging-service package", ErrInvalidInput)
	}

	txn := domain.Transaction{
		ID:          transactionID,
		CustomerID:  customerID,
		Currency:    unit.String(),
		TotalAmount: total,
		Status:      domain.TransactionStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	payment := domain.Payment{
		TransactionID: transactionID,
		Status:        domain.PaymentStatusPending,
		Amount:        total,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.ledger.RunInTx(ctx, func(ctx context.Context, tx repositories.LedgerTx) error {
		if _, err := tx.Transaction(ctx, transactionID); err == nil {
			return fmt.Errorf("%w: transaction %s already exists", ErrInvalidState, transactionID)
		} else if !repositories.IsNotFound(err) {
			return err
		}
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
	if err != nil {
		return TransactionView{}, mapRepositoryError(err)
	}

	s.logger(ctx, "fulfillment.order.placed", map[string]any{
		"transaction": transactionID,
		"customer":    customerID,
		"items":       len(items),
		"total":       total.String(),
		"currency":    txn.Currency,
	})
	s.publish(ctx, FulfillmentEvent{
		Type:          EventTransactionPlaced,
		TransactionID: transactionID,
		CustomerID:    customerID,
		CurrentStatus: string(txn.Status),
		ActorID:       customerID,
		OccurredAt:    now,
		Metadata:      map[string]any{"total": total.String(), "currency": txn.Currency},
	})
	return TransactionView{Transaction: txn, Payment: payment, LineItems: items}, nil
}

func (s *orderService) buildLineItem(transactionID string, index int, input PlaceOrderItem, now time.Time) (domain.LineItem, error) {
	if !input.Kind.Valid() {
		return domain.LineItem{}, fmt.Errorf("%w: items[%d]: unknown kind %q", ErrInvalidInput, index, input.Kind)
	}
	catalogItemID := strings.TrimSpace(input.CatalogItemID)
	if catalogItemID == "" {
		return domain.LineItem{}, fmt.Errorf("%w: items[%d]: catalog item id is required", ErrInvalidInput, index)
	}
	quantity := input.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 0 {
		return domain.LineItem{}, fmt.Errorf("%w: items[%d]: quantity must be positive", ErrInvalidInput, index)
	}
	if input.UnitPrice.IsNegative() {
		return domain.LineItem{}, fmt.Errorf("%w: items[%d]: unit price must not be negative", ErrInvalidInput, index)
	}

	var duration domain.PackageDuration
	if input.Kind == domain.LineItemKindWhatsAppService {
		parsed, ok := domain.ParsePackageDuration(string(input.Duration))
		if !ok {
			return domain.LineItem{}, fmt.Errorf("%w: items[%d]: messaging package requires a month or year duration", ErrInvalidInput, index)
		}
		if quantity != 1 {
			return domain.LineItem{}, fmt.Errorf("%w: items[%d]: messaging package quantity must be 1", ErrInvalidInput, index)
		}
		duration = parsed
	}

	return domain.LineItem{
		ID:            lineItemIDPrefix + s.newID(),
		TransactionID: transactionID,
		Kind:          input.Kind,
		CatalogItemID: catalogItemID,
		Status:        domain.LineItemStatusPending,
		Quantity:      quantity,
		Duration:      duration,
		UnitPrice:     input.UnitPrice,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (s *orderService) GetTransaction(ctx context.Context, transactionID string) (TransactionView, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return TransactionView{}, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	var view TransactionView
	err := s.ledger.RunInTx(ctx, func(ctx context.Context, tx repositories.LedgerTx) error {
		snap, err := loadSnapshot(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		records, err := tx.Fulfillments(ctx, transactionID)
		if err != nil {
			return err
		}
		view = TransactionView{
			Transaction:  snap.txn,
			Payment:      snap.payment,
			LineItems:    snap.items,
			Fulfillments: records,
		}
		return nil
	})
	if err != nil {
		return TransactionView{}, mapRepositoryError(err)
	}
	return view, nil
}
