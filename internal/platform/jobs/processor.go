package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/genfity/fulfillment/internal/services"
)

// Observer receives job outcomes, typically the metrics registry.
type Observer interface {
	ObserveActivation(outcome string)
	ObserveSweep(result services.SweepResult, elapsed time.Duration)
}

// Activation outcomes reported to the Observer.
const (
	OutcomeActivated      = "activated"
	OutcomeDuplicate      = "duplicate"
	OutcomeRetry          = "retry"
	OutcomeFailed         = "failed"
	OutcomeInvalidPayload = "invalid_payload"
)

type noopObserver struct{}

func (noopObserver) ObserveActivation(string)                         {}
func (noopObserver) ObserveSweep(services.SweepResult, time.Duration) {}

// ActivationProcessor runs queued subscription activations.
type ActivationProcessor struct {
	activator services.SubscriptionActivator
	observer  Observer
	logger    *zap.Logger
}

// NewActivationProcessor wires the processor. Observer and logger are optional.
func NewActivationProcessor(activator services.SubscriptionActivator, observer Observer, logger *zap.Logger) (*ActivationProcessor, error) {
	if activator == nil {
		return nil, errors.New("activation processor: activator is required")
	}
	if observer == nil {
		observer = noopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivationProcessor{activator: activator, observer: observer, logger: logger}, nil
}

// ProcessTask implements asynq.Handler. Transient failures are returned for asynq to retry;
// everything else skips the retry queue.
func (p *ActivationProcessor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload ActivateSubscriptionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		p.observer.ObserveActivation(OutcomeInvalidPayload)
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	retry, _ := asynq.GetRetryCount(ctx)
	sub, err := p.activator.Activate(ctx, services.ActivateCommand{TransactionID: payload.TransactionID, ActorID: "worker"})
	switch {
	case err == nil:
		p.observer.ObserveActivation(OutcomeActivated)
		p.logger.Info("fulfillment.job.activation.completed",
			zap.String("transactionId", payload.TransactionID),
			zap.String("customerId", sub.CustomerID),
			zap.Time("expiredAt", sub.ExpiredAt),
			zap.Int("retry", retry),
		)
		return nil
	case errors.Is(err, services.ErrActivationInProgress):
		// The lease holder may have crashed; retry once its lease can be reclaimed.
		p.observer.ObserveActivation(OutcomeRetry)
		p.logger.Info("fulfillment.job.activation.leased",
			zap.String("transactionId", payload.TransactionID),
			zap.Int("retry", retry),
		)
		return err
	case errors.Is(err, services.ErrAlreadyActivated):
		p.observer.ObserveActivation(OutcomeDuplicate)
		return nil
	case services.IsRetryable(err):
		p.observer.ObserveActivation(OutcomeRetry)
		p.logger.Warn("fulfillment.job.activation.retry",
			zap.String("transactionId", payload.TransactionID),
			zap.Int("retry", retry),
			zap.Error(err),
		)
		return err
	default:
		p.observer.ObserveActivation(OutcomeFailed)
		p.logger.Error("fulfillment.job.activation.failed",
			zap.String("transactionId", payload.TransactionID),
			zap.Error(err),
		)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
}

// SweepProcessor runs the payment expiration sweep from the scheduler.
type SweepProcessor struct {
	sweeper  services.PaymentSweeper
	observer Observer
	logger   *zap.Logger
	clock    func() time.Time
}

// NewSweepProcessor wires the processor. Observer and logger are optional.
func NewSweepProcessor(sweeper services.PaymentSweeper, observer Observer, logger *zap.Logger) (*SweepProcessor, error) {
	if sweeper == nil {
		return nil, errors.New("sweep processor: sweeper is required")
	}
	if observer == nil {
		observer = noopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SweepProcessor{sweeper: sweeper, observer: observer, logger: logger, clock: time.Now}, nil
}

// ProcessTask implements asynq.Handler.
func (p *SweepProcessor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload SweepExpiredPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	started := p.clock()
	result, err := p.sweeper.SweepExpired(ctx, payload.Now)
	p.observer.ObserveSweep(result, p.clock().Sub(started))
	if err != nil {
		return fmt.Errorf("sweep expired payments: %w", err)
	}
	if len(result.Failures) > 0 {
		p.logger.Warn("fulfillment.job.sweep.partial",
			zap.Int("expired", result.Expired),
			zap.Int("failures", len(result.Failures)),
		)
	}
	return nil
}

// Mux registers both processors on an asynq ServeMux.
func Mux(activation *ActivationProcessor, sweep *SweepProcessor) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	if activation != nil {
		mux.Handle(TaskActivateSubscription, activation)
	}
	if sweep != nil {
		mux.Handle(TaskSweepExpiredPayments, sweep)
	}
	return mux
}
