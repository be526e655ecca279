package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/genfity/fulfillment/internal/repositories"
)

// StatusAggregatorDeps bundles collaborators required to construct the status aggregator.
type StatusAggregatorDeps struct {
	Ledger repositories.LedgerStore
	Clock  func() time.Time
	Events FulfillmentEventPublisher
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type statusAggregator struct {
	ledger repositories.LedgerStore
	serviceRuntime
}

var _ StatusAggregator = (*statusAggregator)(nil)

// NewStatusAggregator constructs the aggregator used by admin recompute and repair tooling.
func NewStatusAggregator(deps StatusAggregatorDeps) (StatusAggregator, error) {
	if deps.Ledger == nil {
		return nil, errors.New("status aggregator: ledger store is required")
	}
	return &statusAggregator{
		ledger:         deps.Ledger,
		serviceRuntime: newServiceRuntime(deps.Clock, nil, deps.Events, deps.Logger),
	}, nil
}

func (s *statusAggregator) Recompute(ctx context.Context, transactionID string) (RecomputeResult, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return RecomputeResult{}, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	var (
		result RecomputeResult
		events []FulfillmentEvent
	)
	err := s.ledger.RunInTx(ctx, func(ctx context.Context, tx repositories.LedgerTx) error {
		now := s.now()
		snap, err := loadSnapshot(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		result = snap.settle(now)
		events = statusChangedEvent(snap, result, systemActor, now)
		return snap.writeTransactionIfChanged(ctx, tx, result)
	})
	if err != nil {
		return RecomputeResult{}, mapRepositoryError(err)
	}

	if result.Changed {
		s.logger(ctx, "fulfillment.status.recomputed", map[string]any{
			"transaction": transactionID,
			"previous":    string(result.Previous),
			"status":      string(result.Status),
		})
	}
	s.publish(ctx, events...)
	return result, nil
}
