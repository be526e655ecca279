package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/genfity/fulfillment/internal/domain"
	"github.com/genfity/fulfillment/internal/repositories"
)

const (
	defaultSweepGraceWindow = 24 * time.Hour
	defaultSweepBatchSize   = 200
)

// PaymentSweeperDeps bundles collaborators required to construct the sweeper.
type PaymentSweeperDeps struct {
	Ledger      repositories.LedgerStore
	GraceWindow time.Duration
	BatchSize   int
	Clock       func() time.Time
	Events      FulfillmentEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type paymentSweeper struct {
	ledger    repositories.LedgerStore
	grace     time.Duration
	batchSize int
	serviceRuntime
}

var _ PaymentSweeper = (*paymentSweeper)(nil)

// NewPaymentSweeper constructs the sweeper that expires unpaid transactions past the grace window.
func NewPaymentSweeper(deps PaymentSweeperDeps) (PaymentSweeper, error) {
	if deps.Ledger == nil {
		return nil, errors.New("payment sweeper: ledger store is required")
	}
	if deps.GraceWindow < 0 {
		return nil, errors.New("payment sweeper: grace window must not be negative")
	}
	grace := deps.GraceWindow
	if grace == 0 {
		grace = defaultSweepGraceWindow
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	return &paymentSweeper{
		ledger:         deps.Ledger,
		grace:          grace,
		batchSize:      batch,
		serviceRuntime: newServiceRuntime(deps.Clock, nil, deps.Events, deps.Logger),
	}, nil
}

// SweepExpired expires every transaction still awaiting payment whose creation time plus the grace
// window lies before now. A zero now uses the service clock. Per-row failures are collected in the
// result; only a failure to list candidates or context cancellation stops the sweep early.
func (s *paymentSweeper) SweepExpired(ctx context.Context, now time.Time) (SweepResult, error) {
	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()
	cutoff := now.Add(-s.grace)

	var (
		result SweepResult
		query  = repositories.ExpirableQuery{CreatedBefore: cutoff, Limit: s.batchSize}
	)
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		batch, err := s.ledger.ListExpirable(ctx, query)
		if err != nil {
			s.logger(ctx, "fulfillment.sweep.list.failed", map[string]any{
				"cutoff": cutoff.Format(time.RFC3339),
				"error":  err.Error(),
			})
			return result, mapRepositoryError(err)
		}

		for _, candidate := range batch {
			result.Scanned++
			expired, err := s.ledger.ExpireIfUnpaid(ctx, candidate.ID, cutoff, now)
			if err != nil {
				result.Failures = append(result.Failures, SweepFailure{TransactionID: candidate.ID, Err: mapRepositoryError(err)})
				s.logger(ctx, "fulfillment.sweep.row.failed", map[string]any{
					"transaction": candidate.ID,
					"error":       err.Error(),
				})
				continue
			}
			if !expired {
				continue
			}
			result.Expired++
			s.publish(ctx, FulfillmentEvent{
				Type:           EventTransactionExpired,
				TransactionID:  candidate.ID,
				CustomerID:     candidate.CustomerID,
				PreviousStatus: string(candidate.Status),
				CurrentStatus:  string(domain.TransactionStatusExpired),
				ActorID:        systemActor,
				OccurredAt:     now,
			})
		}

		if len(batch) < s.batchSize {
			break
		}
		last := batch[len(batch)-1]
		query.AfterCreatedAt = last.CreatedAt
		query.AfterID = last.ID
	}

	s.logger(ctx, "fulfillment.sweep.completed", map[string]any{
		"expired":  result.Expired,
		"scanned":  result.Scanned,
		"failures": len(result.Failures),
		"cutoff":   cutoff.Format(time.RFC3339),
	})
	return result, nil
}
