package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "idempotency:v1:"

// RedisRegistry stores entries as JSON values claimed with SETNX.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis constructs a Redis-backed registry whose entries expire after ttl.
func NewRedis(client *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl}
}

var _ Registry = (*RedisRegistry)(nil)

func (r *RedisRegistry) Reserve(ctx context.Context, key, fingerprint, reference string) (Entry, error) {
	if key == "" {
		return Entry{}, ErrEmptyKey
	}
	now := time.Now().UTC()
	entry := Entry{
		Key:         key,
		Fingerprint: fingerprint,
		Reference:   reference,
		State:       StateInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("encode idempotency entry: %w", err)
	}

	// The loser may find the key gone if it expired between SETNX and GET.
	for attempt := 0; attempt < 3; attempt++ {
		won, err := r.client.SetNX(ctx, redisPrefix+key, payload, r.ttl).Result()
		if err != nil {
			return Entry{}, fmt.Errorf("idempotency reservation: %w", err)
		}
		if won {
			entry.Reserved = true
			return entry, nil
		}
		existing, err := r.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Entry{}, err
		}
		return checkFingerprint(existing, fingerprint)
	}
	return Entry{}, fmt.Errorf("idempotency reservation for %s did not settle", key)
}

func (r *RedisRegistry) Finalize(ctx context.Context, key string, outcome Outcome) error {
	entry, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	entry.State = StateCompleted
	entry.Outcome = &outcome
	entry.UpdatedAt = time.Now().UTC()

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode idempotency entry: %w", err)
	}
	if err := r.client.Set(ctx, redisPrefix+key, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("persist idempotency outcome: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisPrefix+key).Err()
}

// Reclaim deletes the entry under WATCH so a reservation made by another
// caller in between is left alone.
func (r *RedisRegistry) Reclaim(ctx context.Context, key, reference string) (bool, error) {
	removed := false
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, redisPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("decode idempotency entry: %w", err)
		}
		if entry.State != StateInProgress || entry.Reference != reference {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, redisPrefix+key)
			return nil
		})
		if err == nil {
			removed = true
		}
		return err
	}, redisPrefix+key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reclaim idempotency key: %w", err)
	}
	return removed, nil
}

func (r *RedisRegistry) Get(ctx context.Context, key string) (Entry, error) {
	raw, err := r.client.Get(ctx, redisPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("idempotency lookup: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode idempotency entry: %w", err)
	}
	return entry, nil
}
