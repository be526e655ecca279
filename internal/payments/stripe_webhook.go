package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

const (
	// DefaultStripeTolerance is the maximum accepted age of a signed Stripe payload.
	DefaultStripeTolerance = 5 * time.Minute

	// TransactionMetadataKey is the metadata key checkout stores the ledger transaction id under.
	TransactionMetadataKey = "transaction_id"

	stripeEventIntentSucceeded  = "payment_intent.succeeded"
	stripeEventIntentFailed     = "payment_intent.payment_failed"
	stripeEventIntentCanceled   = "payment_intent.canceled"
	stripeEventCheckoutComplete = "checkout.session.completed"
	stripeEventCheckoutAsyncOK  = "checkout.session.async_payment_succeeded"
	stripeEventCheckoutAsyncErr = "checkout.session.async_payment_failed"
	stripeEventCheckoutExpired  = "checkout.session.expired"
)

// StripeWebhookVerifier validates Stripe-Signature headers and decodes payment events.
type StripeWebhookVerifier struct {
	secret    string
	tolerance time.Duration
}

// StripeOption customises the verifier.
type StripeOption func(*StripeWebhookVerifier)

// WithStripeTolerance overrides the accepted timestamp skew.
func WithStripeTolerance(d time.Duration) StripeOption {
	return func(v *StripeWebhookVerifier) {
		if d > 0 {
			v.tolerance = d
		}
	}
}

// NewStripeWebhookVerifier constructs a verifier for the endpoint signing secret.
func NewStripeWebhookVerifier(secret string, opts ...StripeOption) (*StripeWebhookVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("stripe: webhook signing secret is required")
	}
	v := &StripeWebhookVerifier{secret: secret, tolerance: DefaultStripeTolerance}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Parse verifies the payload signature and maps the event onto a payment outcome.
// Event types unrelated to payment state come back with OutcomeIgnored.
func (v *StripeWebhookVerifier) Parse(payload []byte, signature string) (Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := Event{
		ID:       evt.ID,
		Provider: ProviderStripe,
		Type:     string(evt.Type),
		Outcome:  OutcomeIgnored,
	}
	if evt.Created > 0 {
		out.OccurredAt = time.Unix(evt.Created, 0).UTC()
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		if out.Type == "" {
			return Event{}, fmt.Errorf("%w: missing event data", ErrMalformedEvent)
		}
		return out, nil
	}

	switch out.Type {
	case stripeEventIntentSucceeded, stripeEventIntentFailed, stripeEventIntentCanceled:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &intent); err != nil {
			return Event{}, fmt.Errorf("%w: payment intent: %v", ErrMalformedEvent, err)
		}
		applyIntent(&out, &intent)
	case stripeEventCheckoutComplete, stripeEventCheckoutAsyncOK, stripeEventCheckoutAsyncErr, stripeEventCheckoutExpired:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
			return Event{}, fmt.Errorf("%w: checkout session: %v", ErrMalformedEvent, err)
		}
		applySession(&out, &session)
	}
	return out, nil
}

func applyIntent(out *Event, intent *stripe.PaymentIntent) {
	out.TransactionID = strings.TrimSpace(intent.Metadata[TransactionMetadataKey])
	out.ProviderRef = intent.ID
	out.Currency = strings.ToUpper(string(intent.Currency))

	switch out.Type {
	case stripeEventIntentSucceeded:
		out.Outcome = OutcomeSucceeded
		received := intent.AmountReceived
		if received == 0 {
			received = intent.Amount
		}
		out.Amount = majorUnits(received, out.Currency)
	case stripeEventIntentFailed:
		out.Outcome = OutcomeFailed
		if intent.LastPaymentError != nil {
			out.Reason = strings.TrimSpace(intent.LastPaymentError.Msg)
		}
	case stripeEventIntentCanceled:
		out.Outcome = OutcomeCancelled
		out.Reason = string(intent.CancellationReason)
	}
}

func applySession(out *Event, session *stripe.CheckoutSession) {
	out.TransactionID = strings.TrimSpace(session.Metadata[TransactionMetadataKey])
	if out.TransactionID == "" {
		out.TransactionID = strings.TrimSpace(session.ClientReferenceID)
	}
	out.ProviderRef = session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		out.ProviderRef = session.PaymentIntent.ID
	}
	out.Currency = strings.ToUpper(string(session.Currency))

	switch out.Type {
	case stripeEventCheckoutComplete, stripeEventCheckoutAsyncOK:
		// Delayed payment methods complete the session before the funds arrive.
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return
		}
		out.Outcome = OutcomeSucceeded
		out.Amount = majorUnits(session.AmountTotal, out.Currency)
	case stripeEventCheckoutAsyncErr:
		out.Outcome = OutcomeFailed
		out.Reason = "async payment failed"
	case stripeEventCheckoutExpired:
		out.Outcome = OutcomeCancelled
		out.Reason = "checkout session expired"
	}
}

// Stripe's minor-unit exponents where they differ from two decimals. IDR, HUF, TWD, ISK and UGX
// are charged in two-decimal units even though their ISO scale is zero.
var (
	stripeZeroDecimal = map[string]struct{}{
		"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
		"PYG": {}, "RWF": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
	}
	stripeThreeDecimal = map[string]struct{}{
		"BHD": {}, "JOD": {}, "KWD": {}, "OMR": {}, "TND": {},
	}
)

func stripeScale(code string) int32 {
	code = strings.ToUpper(strings.TrimSpace(code))
	if _, ok := stripeZeroDecimal[code]; ok {
		return 0
	}
	if _, ok := stripeThreeDecimal[code]; ok {
		return 3
	}
	return 2
}

// majorUnits converts Stripe's smallest-unit integer amounts to the ledger's major units.
func majorUnits(amount int64, code string) *decimal.Decimal {
	value := decimal.New(amount, -stripeScale(code))
	return &value
}
