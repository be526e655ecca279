package payments

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome enumerates the normalised payment results shared across providers.
type Outcome string

const (
	// OutcomeSucceeded indicates the PSP captured the funds.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed indicates the attempt failed; the customer may retry until the payment expires.
	OutcomeFailed Outcome = "failed"
	// OutcomeCancelled indicates the PSP or the customer abandoned the payment.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeIgnored marks event types that carry no payment state change.
	OutcomeIgnored Outcome = "ignored"
)

// ProviderStripe is the provider name stored on confirmed payments.
const ProviderStripe = "stripe"

var (
	// ErrInvalidSignature is returned when a webhook payload fails signature verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrMalformedEvent is returned when a verified payload cannot be decoded.
	ErrMalformedEvent = errors.New("payments: malformed webhook event")
)

// Event is a verified provider notification normalised for the payment service.
type Event struct {
	ID            string
	Provider      string
	Type          string
	Outcome       Outcome
	TransactionID string
	ProviderRef   string
	Currency      string
	// Amount is expressed in major units; nil when the provider did not report one.
	Amount     *decimal.Decimal
	Reason     string
	OccurredAt time.Time
}

// Actionable reports whether the event changes payment state.
func (e Event) Actionable() bool {
	return e.Outcome != OutcomeIgnored && e.TransactionID != ""
}
