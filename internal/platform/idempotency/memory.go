package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultMemoryCapacity = 10000

// MemoryStore keeps event records in a bounded, expiring LRU. Suitable for single-instance deployments and tests.
type MemoryStore struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, Record]
}

// NewMemoryStore constructs a memory-backed store. Entries are evicted after DefaultTTL regardless of per-call ttl.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryStore{cache: expirable.NewLRU[string, Record](capacity, nil, DefaultTTL)}
}

// Reserve implements the Store interface.
func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	id, err := compositeKey(key)
	if err != nil {
		return Reservation{}, err
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.cache.Get(id)
	if ok && (record.ExpiresAt.IsZero() || now.Before(record.ExpiresAt)) {
		return classify(record, fingerprint)
	}

	record = Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(normalizeTTL(ttl, DefaultPendingTTL)),
	}
	s.cache.Add(id, record)
	return Reservation{State: ReservationStateNew, Record: record}, nil
}

// Complete implements the Store interface.
func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) error {
	id, err := compositeKey(key)
	if err != nil {
		return err
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.cache.Get(id)
	if ok && record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	if !ok {
		record = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	}
	record.Status = StatusCompleted
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(normalizeTTL(ttl, DefaultTTL))
	s.cache.Add(id, record)
	return nil
}

// Release implements the Store interface. Completed records are kept.
func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	id, err := compositeKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.cache.Peek(id)
	if !ok {
		return nil
	}
	if record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	if record.Status == StatusCompleted {
		return nil
	}
	s.cache.Remove(id)
	return nil
}
