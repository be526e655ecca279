package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/genfity/fulfillment/internal/services"
)

// NewSweepScheduler registers the sweep task on an asynq scheduler at a fixed interval.
func NewSweepScheduler(redisOpt asynq.RedisConnOpt, interval time.Duration) (*asynq.Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("sweep scheduler: interval must be positive")
	}
	task, err := NewSweepExpiredTask()
	if err != nil {
		return nil, err
	}
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
	if _, err := scheduler.Register(sweepCronSpec(interval), task, asynq.Unique(interval)); err != nil {
		return nil, fmt.Errorf("register sweep task: %w", err)
	}
	return scheduler, nil
}

func sweepCronSpec(interval time.Duration) string {
	return "@every " + interval.String()
}

// PeriodicSweeper runs the sweep in-process on a ticker, for deployments without a worker.
type PeriodicSweeper struct {
	Sweeper  services.PaymentSweeper
	Interval time.Duration
	Observer Observer
	Logger   *zap.Logger
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (p PeriodicSweeper) Run(ctx context.Context) error {
	if p.Sweeper == nil {
		return errors.New("periodic sweeper: sweeper is required")
	}
	if p.Interval <= 0 {
		return errors.New("periodic sweeper: interval must be positive")
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := p.Observer
	if observer == nil {
		observer = noopObserver{}
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		started := time.Now()
		result, err := p.Sweeper.SweepExpired(ctx, time.Time{})
		observer.ObserveSweep(result, time.Since(started))
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("fulfillment.sweep.tick.failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
