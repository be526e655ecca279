package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultRedisPrefix = "fulfillment:webhook:"

var releaseScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local record = cjson.decode(raw)
if record.fingerprint ~= ARGV[1] then return -1 end
if record.status == 'completed' then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)

// RedisStore shares event records across API replicas.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore wraps a go-redis client. An empty prefix uses the default namespace.
func NewRedisStore(client redis.Cmdable, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Reserve implements the Store interface using SET NX.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	id, err := s.key(key)
	if err != nil {
		return Reservation{}, err
	}
	now = now.UTC()
	ttl = normalizeTTL(ttl, DefaultPendingTTL)
	record := Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	// The existing key can expire between SETNX and GET; one retry covers that window.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, id, payload, ttl).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
		}
		if ok {
			return Reservation{State: ReservationStateNew, Record: record}, nil
		}
		existing, found, err := s.load(ctx, id)
		if err != nil {
			return Reservation{}, err
		}
		if found {
			return classify(existing, fingerprint)
		}
	}
	return Reservation{State: ReservationStatePending, Record: record}, nil
}

// Complete implements the Store interface.
func (s *RedisStore) Complete(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) error {
	id, err := s.key(key)
	if err != nil {
		return err
	}
	now = now.UTC()
	ttl = normalizeTTL(ttl, DefaultTTL)

	record, found, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if found && record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	if !found {
		record = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	}
	record.Status = StatusCompleted
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(ttl)

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}
	if err := s.client.Set(ctx, id, payload, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	return nil
}

// Release implements the Store interface. Completed records are kept.
func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	id, err := s.key(key)
	if err != nil {
		return err
	}
	result, err := releaseScript.Run(ctx, s.client, []string{id}, fingerprint).Int()
	if err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	if result < 0 {
		return ErrFingerprintMismatch
	}
	return nil
}

func (s *RedisStore) key(key string) (string, error) {
	hashed, err := compositeKey(key)
	if err != nil {
		return "", err
	}
	return s.prefix + hashed, nil
}

func (s *RedisStore) load(ctx context.Context, id string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: load: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return record, true, nil
}
