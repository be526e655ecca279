package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"
)

const testSecret = "whsec_test_secret"

func signPayload(t *testing.T, payload []byte, secret string, at time.Time) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(id, eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":1714554000,"data":{"object":%s}}`, id, eventType, object))
}

func TestStripeWebhookVerifierParse(t *testing.T) {
	verifier, err := NewStripeWebhookVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewStripeWebhookVerifier: %v", err)
	}

	cases := []struct {
		name        string
		payload     []byte
		wantOutcome Outcome
		wantTxn     string
		wantRef     string
		wantAmount  string
		wantReason  string
	}{
		{
			name:        "intent succeeded",
			payload:     eventPayload("evt_1", "payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent","amount":150000,"amount_received":150000,"currency":"idr","metadata":{"transaction_id":"txn_1"}}`),
			wantOutcome: OutcomeSucceeded,
			wantTxn:     "txn_1",
			wantRef:     "pi_1",
			wantAmount:  "1500",
		},
		{
			name:        "zero decimal currency",
			payload:     eventPayload("evt_2", "payment_intent.succeeded", `{"id":"pi_2","object":"payment_intent","amount":1200,"amount_received":1200,"currency":"jpy","metadata":{"transaction_id":"txn_2"}}`),
			wantOutcome: OutcomeSucceeded,
			wantTxn:     "txn_2",
			wantRef:     "pi_2",
			wantAmount:  "1200",
		},
		{
			name:        "intent failed",
			payload:     eventPayload("evt_3", "payment_intent.payment_failed", `{"id":"pi_3","object":"payment_intent","currency":"usd","metadata":{"transaction_id":"txn_3"},"last_payment_error":{"message":"card declined"}}`),
			wantOutcome: OutcomeFailed,
			wantTxn:     "txn_3",
			wantRef:     "pi_3",
			wantReason:  "card declined",
		},
		{
			name:        "intent canceled",
			payload:     eventPayload("evt_4", "payment_intent.canceled", `{"id":"pi_4","object":"payment_intent","currency":"usd","metadata":{"transaction_id":"txn_4"},"cancellation_reason":"abandoned"}`),
			wantOutcome: OutcomeCancelled,
			wantTxn:     "txn_4",
			wantRef:     "pi_4",
			wantReason:  "abandoned",
		},
		{
			name:        "checkout paid with client reference",
			payload:     eventPayload("evt_5", "checkout.session.completed", `{"id":"cs_5","object":"checkout.session","payment_status":"paid","amount_total":2599,"currency":"usd","client_reference_id":"txn_5","payment_intent":"pi_5"}`),
			wantOutcome: OutcomeSucceeded,
			wantTxn:     "txn_5",
			wantRef:     "pi_5",
			wantAmount:  "25.99",
		},
		{
			name:        "checkout awaiting async payment",
			payload:     eventPayload("evt_6", "checkout.session.completed", `{"id":"cs_6","object":"checkout.session","payment_status":"unpaid","amount_total":2599,"currency":"usd","metadata":{"transaction_id":"txn_6"}}`),
			wantOutcome: OutcomeIgnored,
			wantTxn:     "txn_6",
			wantRef:     "cs_6",
		},
		{
			name:        "unrelated event",
			payload:     eventPayload("evt_7", "customer.created", `{"id":"cus_7","object":"customer"}`),
			wantOutcome: OutcomeIgnored,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evt, err := verifier.Parse(tc.payload, signPayload(t, tc.payload, testSecret, time.Now()))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if evt.Outcome != tc.wantOutcome || evt.TransactionID != tc.wantTxn || evt.ProviderRef != tc.wantRef {
				t.Fatalf("unexpected event %+v", evt)
			}
			if evt.Provider != ProviderStripe || evt.ID == "" {
				t.Fatalf("expected stripe provider and event id, got %+v", evt)
			}
			if tc.wantAmount == "" {
				if evt.Amount != nil {
					t.Fatalf("expected no amount, got %s", evt.Amount)
				}
			} else if evt.Amount == nil || evt.Amount.String() != tc.wantAmount {
				t.Fatalf("expected amount %s, got %v", tc.wantAmount, evt.Amount)
			}
			if evt.Reason != tc.wantReason {
				t.Fatalf("expected reason %q, got %q", tc.wantReason, evt.Reason)
			}
			if want := time.Unix(1714554000, 0).UTC(); !evt.OccurredAt.Equal(want) {
				t.Fatalf("expected occurred at %s, got %s", want, evt.OccurredAt)
			}
		})
	}
}

func TestStripeWebhookVerifierRejectsBadSignatures(t *testing.T) {
	verifier, _ := NewStripeWebhookVerifier(testSecret, WithStripeTolerance(time.Minute))
	payload := eventPayload("evt_1", "payment_intent.succeeded", `{"id":"pi_1","metadata":{"transaction_id":"txn_1"}}`)

	tests := map[string]string{
		"wrong secret": signPayload(t, payload, "whsec_other", time.Now()),
		"stale":        signPayload(t, payload, testSecret, time.Now().Add(-10*time.Minute)),
		"missing":      "",
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := verifier.Parse(payload, header); !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestNewStripeWebhookVerifierRequiresSecret(t *testing.T) {
	if _, err := NewStripeWebhookVerifier("  "); err == nil {
		t.Fatalf("expected error for blank secret")
	}
}

func TestEventActionable(t *testing.T) {
	if (Event{Outcome: OutcomeSucceeded}).Actionable() {
		t.Fatalf("event without transaction id must not be actionable")
	}
	if (Event{Outcome: OutcomeIgnored, TransactionID: "txn"}).Actionable() {
		t.Fatalf("ignored event must not be actionable")
	}
	if !(Event{Outcome: OutcomeFailed, TransactionID: "txn"}).Actionable() {
		t.Fatalf("failed event with transaction must be actionable")
	}
}

func TestMajorUnitsFollowsStripeMinorUnits(t *testing.T) {
	tests := []struct {
		amount   int64
		currency string
		want     string
	}{
		{amount: 150000, currency: "idr", want: "1500"},
		{amount: 250050, currency: "HUF", want: "2500.5"},
		{amount: 9900, currency: "twd", want: "99"},
		{amount: 500000, currency: "ugx", want: "5000"},
		{amount: 1200, currency: "jpy", want: "1200"},
		{amount: 25000, currency: "krw", want: "25000"},
		{amount: 12345, currency: "kwd", want: "12.345"},
		{amount: 2599, currency: "usd", want: "25.99"},
	}
	for _, tt := range tests {
		t.Run(tt.currency, func(t *testing.T) {
			if got := majorUnits(tt.amount, tt.currency).String(); got != tt.want {
				t.Fatalf("majorUnits(%d, %s) = %s, want %s", tt.amount, tt.currency, got, tt.want)
			}
		})
	}
}
