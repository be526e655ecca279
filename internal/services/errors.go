package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/genfity/fulfillment/internal/repositories"
)

var (
	// ErrInvalidInput signals the caller supplied malformed or missing data.
	ErrInvalidInput = errors.New("fulfillment: invalid input")
	// ErrNotFound indicates the referenced transaction, line item or record does not exist.
	ErrNotFound = errors.New("fulfillment: not found")
	// ErrInvalidState indicates the requested transition is not legal from the current state.
	ErrInvalidState = errors.New("fulfillment: invalid state")
	// ErrPaymentNotConfirmed indicates the transaction payment is not paid yet.
	ErrPaymentNotConfirmed = errors.New("fulfillment: payment not confirmed")
	// ErrAlreadyActivated is returned when the subscription for a transaction was already activated
	// or is being activated by a concurrent attempt. Callers treat it as an idempotent outcome.
	ErrAlreadyActivated = errors.New("fulfillment: already activated")
	// ErrActivationInProgress wraps ErrAlreadyActivated when another attempt holds a live lease.
	// Queue workers retry it until that lease is released or expires.
	ErrActivationInProgress = fmt.Errorf("%w: activation in progress", ErrAlreadyActivated)
	// ErrTransient indicates a retryable failure such as store unavailability or contention.
	ErrTransient = errors.New("fulfillment: transient failure")
	// ErrActivationFailed indicates downstream provisioning failed and the line item was marked failed.
	ErrActivationFailed = errors.New("fulfillment: activation failed")
)

var serviceSentinels = []error{
	ErrInvalidInput,
	ErrNotFound,
	ErrInvalidState,
	ErrPaymentNotConfirmed,
	ErrAlreadyActivated,
	ErrTransient,
	ErrActivationFailed,
}

// IsRetryable reports whether err is worth retrying with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range serviceSentinels {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: concurrent update: %v", ErrTransient, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: ledger unavailable: %v", ErrTransient, err)
		}
	}
	return err
}
