package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	domain "github.com/genfity/fulfillment/internal/domain"
	"github.com/genfity/fulfillment/internal/services"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: "task"}, nil
}

type stubActivator struct {
	activateFn func(context.Context, services.ActivateCommand) (domain.Subscription, error)
}

func (s stubActivator) Activate(ctx context.Context, cmd services.ActivateCommand) (domain.Subscription, error) {
	return s.activateFn(ctx, cmd)
}

func (stubActivator) FailActivation(context.Context, services.FailActivationCommand) (services.FailActivationResult, error) {
	return services.FailActivationResult{}, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	sweeps   int
}

func (r *recordingObserver) ObserveActivation(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingObserver) ObserveSweep(services.SweepResult, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps++
}

func TestDispatcherEnqueuesActivationTask(t *testing.T) {
	enq := &fakeEnqueuer{}
	dispatcher := newDispatcher(enq, "")

	if err := dispatcher.DispatchActivation(context.Background(), "txn_1"); err != nil {
		t.Fatalf("DispatchActivation: %v", err)
	}
	if len(enq.tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(enq.tasks))
	}
	task := enq.tasks[0]
	if task.Type() != TaskActivateSubscription {
		t.Fatalf("unexpected task type %q", task.Type())
	}
	var payload ActivateSubscriptionPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.TransactionID != "txn_1" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	var taskID, queue string
	for _, opt := range enq.opts[0] {
		switch opt.Type() {
		case asynq.TaskIDOpt:
			taskID = opt.Value().(string)
		case asynq.QueueOpt:
			queue = opt.Value().(string)
		}
	}
	if taskID != "activate:txn_1" || queue != QueueCritical {
		t.Fatalf("unexpected options id=%q queue=%q", taskID, queue)
	}
}

func TestDispatcherTreatsConflictAsQueued(t *testing.T) {
	dispatcher := newDispatcher(&fakeEnqueuer{err: asynq.ErrTaskIDConflict}, "")
	if err := dispatcher.DispatchActivation(context.Background(), "txn_1"); err != nil {
		t.Fatalf("expected conflict to be swallowed, got %v", err)
	}

	boom := errors.New("redis down")
	dispatcher = newDispatcher(&fakeEnqueuer{err: boom}, "")
	if err := dispatcher.DispatchActivation(context.Background(), "txn_1"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped enqueue error, got %v", err)
	}
	if err := dispatcher.DispatchActivation(context.Background(), " "); err == nil {
		t.Fatalf("expected error for blank transaction id")
	}
}

func TestActivationProcessorOutcomes(t *testing.T) {
	task, err := NewActivateSubscriptionTask("txn_1")
	if err != nil {
		t.Fatalf("NewActivateSubscriptionTask: %v", err)
	}

	cases := []struct {
		name      string
		err       error
		wantErr   bool
		skipRetry bool
		outcome   string
	}{
		{name: "activated", outcome: OutcomeActivated},
		{name: "duplicate", err: services.ErrAlreadyActivated, outcome: OutcomeDuplicate},
		{name: "leased", err: fmt.Errorf("%w: transaction txn_1", services.ErrActivationInProgress), wantErr: true, outcome: OutcomeRetry},
		{name: "transient", err: services.ErrTransient, wantErr: true, outcome: OutcomeRetry},
		{name: "permanent", err: services.ErrPaymentNotConfirmed, wantErr: true, skipRetry: true, outcome: OutcomeFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			observer := &recordingObserver{}
			processor, err := NewActivationProcessor(stubActivator{activateFn: func(_ context.Context, cmd services.ActivateCommand) (domain.Subscription, error) {
				if cmd.TransactionID != "txn_1" {
					t.Fatalf("unexpected transaction %q", cmd.TransactionID)
				}
				return domain.Subscription{CustomerID: "cust_1"}, tc.err
			}}, observer, nil)
			if err != nil {
				t.Fatalf("NewActivationProcessor: %v", err)
			}

			err = processor.ProcessTask(context.Background(), task)
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if errors.Is(err, asynq.SkipRetry) != tc.skipRetry {
				t.Fatalf("skip retry mismatch for %v", err)
			}
			if len(observer.outcomes) != 1 || observer.outcomes[0] != tc.outcome {
				t.Fatalf("expected outcome %s, got %v", tc.outcome, observer.outcomes)
			}
		})
	}
}

func TestActivationProcessorRejectsBadPayload(t *testing.T) {
	processor, _ := NewActivationProcessor(stubActivator{activateFn: func(context.Context, services.ActivateCommand) (domain.Subscription, error) {
		t.Fatalf("activator must not run")
		return domain.Subscription{}, nil
	}}, nil, nil)
	err := processor.ProcessTask(context.Background(), asynq.NewTask(TaskActivateSubscription, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected skip retry, got %v", err)
	}
}

type stubSweeper struct {
	mu    sync.Mutex
	calls int
	fn    func(context.Context, time.Time) (services.SweepResult, error)
}

func (s *stubSweeper) SweepExpired(ctx context.Context, now time.Time) (services.SweepResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, now)
	}
	return services.SweepResult{}, nil
}

func TestSweepProcessorRunsSweep(t *testing.T) {
	boom := errors.New("list failed")
	sweeper := &stubSweeper{fn: func(_ context.Context, now time.Time) (services.SweepResult, error) {
		if !now.IsZero() {
			t.Fatalf("scheduled sweep must use the worker clock")
		}
		return services.SweepResult{Expired: 3}, nil
	}}
	observer := &recordingObserver{}
	processor, err := NewSweepProcessor(sweeper, observer, nil)
	if err != nil {
		t.Fatalf("NewSweepProcessor: %v", err)
	}
	task, _ := NewSweepExpiredTask()
	if err := processor.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if observer.sweeps != 1 {
		t.Fatalf("expected sweep observed once, got %d", observer.sweeps)
	}

	sweeper.fn = func(context.Context, time.Time) (services.SweepResult, error) { return services.SweepResult{}, boom }
	if err := processor.ProcessTask(context.Background(), task); !errors.Is(err, boom) {
		t.Fatalf("expected sweep error, got %v", err)
	}
}

func TestRetryDelay(t *testing.T) {
	want := map[int]time.Duration{0: 0, 1: time.Minute, 3: 5 * time.Minute, 5: 15 * time.Minute, 9: 15 * time.Minute}
	for n, expected := range want {
		if got := RetryDelay(n, nil, nil); got != expected {
			t.Fatalf("RetryDelay(%d) = %s, want %s", n, got, expected)
		}
	}
}

func TestSweepCronSpec(t *testing.T) {
	if got := sweepCronSpec(15 * time.Minute); got != "@every 15m0s" {
		t.Fatalf("unexpected cronspec %q", got)
	}
	if _, err := NewSweepScheduler(asynq.RedisClientOpt{Addr: "localhost:6379"}, 0); err == nil {
		t.Fatalf("expected error for zero interval")
	}
}

func TestPeriodicSweeperStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sweeper := &stubSweeper{fn: func(context.Context, time.Time) (services.SweepResult, error) {
		cancel()
		return services.SweepResult{}, nil
	}}
	done := make(chan error, 1)
	go func() {
		done <- PeriodicSweeper{Sweeper: sweeper, Interval: time.Hour}.Run(ctx)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("periodic sweeper did not stop")
	}
	if sweeper.calls != 1 {
		t.Fatalf("expected one immediate sweep, got %d", sweeper.calls)
	}
	if err := (PeriodicSweeper{}).Run(context.Background()); err == nil {
		t.Fatalf("expected error without sweeper")
	}
}
