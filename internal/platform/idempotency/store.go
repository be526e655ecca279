package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Status represents the lifecycle state of a processed-event record.
type Status string

const (
	// DefaultTTL is how long a delivered webhook event id is remembered. Providers stop retrying well before this.
	DefaultTTL = 72 * time.Hour
	// DefaultPendingTTL bounds how long an in-flight reservation blocks redelivery if the holder dies.
	DefaultPendingTTL = 5 * time.Minute

	// StatusPending indicates that a handler reserved the event but has not finished processing it.
	StatusPending Status = "pending"
	// StatusCompleted indicates that the event was fully applied and redeliveries can be acknowledged.
	StatusCompleted Status = "completed"
)

// ReservationState describes the outcome of attempting to reserve an event key.
type ReservationState int

const (
	// ReservationStateNew means no existing reservation was found and the caller may continue processing.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means the event was already applied.
	ReservationStateCompleted
	// ReservationStatePending means another worker is currently processing this event.
	ReservationStatePending
)

// Reservation encapsulates the result of reserving a key, including the stored record if available.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record captures the processing state of one provider event.
type Record struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store deduplicates provider webhook deliveries.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	Complete(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
}

var (
	// ErrFingerprintMismatch is returned when an event id is reused with a different payload.
	ErrFingerprintMismatch = errors.New("idempotency: key reserved for different payload fingerprint")
	// ErrInvalidKey is returned for blank keys.
	ErrInvalidKey = errors.New("idempotency: key is required")
)

// Fingerprint hashes a raw payload for mismatch detection.
func Fingerprint(payload []byte) string {
	return sha256Hex(payload)
}

func compositeKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", ErrInvalidKey
	}
	return sha256Hex([]byte(trimmed)), nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalizeTTL(ttl, fallback time.Duration) time.Duration {
	if ttl <= 0 {
		return fallback
	}
	return ttl
}

func classify(record Record, fingerprint string) (Reservation, error) {
	if record.Fingerprint != "" && fingerprint != "" && record.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if record.Status == StatusCompleted {
		return Reservation{State: ReservationStateCompleted, Record: record}, nil
	}
	return Reservation{State: ReservationStatePending, Record: record}, nil
}
