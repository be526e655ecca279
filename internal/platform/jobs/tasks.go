package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskActivateSubscription = "fulfillment:activate_subscription"
	TaskSweepExpiredPayments = "fulfillment:sweep_expired_payments"

	// QueueCritical carries activations, QueueDefault carries sweeps.
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"

	activationTaskPrefix = "activate:"
)

// ActivateSubscriptionPayload is the body of an activation task.
type ActivateSubscriptionPayload struct {
	TransactionID string `json:"transactionId"`
}

// SweepExpiredPayload is the body of a sweep task. A zero Now means "use the worker clock".
type SweepExpiredPayload struct {
	Now time.Time `json:"now,omitempty"`
}

// NewActivateSubscriptionTask builds the task handed to the worker after payment confirmation.
func NewActivateSubscriptionTask(transactionID string) (*asynq.Task, error) {
	id := strings.TrimSpace(transactionID)
	if id == "" {
		return nil, fmt.Errorf("jobs: transaction id is required")
	}
	payload, err := json.Marshal(ActivateSubscriptionPayload{TransactionID: id})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(
		TaskActivateSubscription,
		payload,
		asynq.MaxRetry(5),
		asynq.Timeout(5*time.Minute),
	), nil
}

// NewSweepExpiredTask builds the periodic sweep task.
func NewSweepExpiredTask() (*asynq.Task, error) {
	payload, err := json.Marshal(SweepExpiredPayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(
		TaskSweepExpiredPayments,
		payload,
		asynq.MaxRetry(1),
		asynq.Timeout(10*time.Minute),
		asynq.Queue(QueueDefault),
	), nil
}

// RetryDelay backs off 1, 3, 5, 10 then 15 minutes.
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	backoff := []time.Duration{1, 3, 5, 10, 15}
	if n <= 0 {
		return 0
	}
	if n <= len(backoff) {
		return backoff[n-1] * time.Minute
	}
	return 15 * time.Minute
}

// QueuePriorities is the weighted queue layout used by the worker server.
func QueuePriorities() map[string]int {
	return map[string]int{
		QueueCritical: 6,
		QueueDefault:  3,
		QueueLow:      1,
	}
}
