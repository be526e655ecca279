package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/genfity/fulfillment/internal/services"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqActivationDispatcher queues activations on Redis through asynq.
type AsynqActivationDispatcher struct {
	client enqueuer
	queue  string
}

var _ services.ActivationDispatcher = (*AsynqActivationDispatcher)(nil)

// NewAsynqActivationDispatcher wraps an asynq client. An empty queue uses QueueCritical.
func NewAsynqActivationDispatcher(client *asynq.Client, queue string) (*AsynqActivationDispatcher, error) {
	if client == nil {
		return nil, errors.New("asynq dispatcher: client is required")
	}
	return newDispatcher(client, queue), nil
}

func newDispatcher(client enqueuer, queue string) *AsynqActivationDispatcher {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		queue = QueueCritical
	}
	return &AsynqActivationDispatcher{client: client, queue: queue}
}

// DispatchActivation enqueues one activation per transaction. A task that is already queued
// or running for the same transaction counts as dispatched.
func (d *AsynqActivationDispatcher) DispatchActivation(ctx context.Context, transactionID string) error {
	task, err := NewActivateSubscriptionTask(transactionID)
	if err != nil {
		return err
	}
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.TaskID(activationTaskPrefix+strings.TrimSpace(transactionID)),
		asynq.Queue(d.queue),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue activation: %w", err)
	}
	return nil
}
