package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// maxTxRetries bounds optimistic transaction retries under contention.
const maxTxRetries = 8

// RedisStore shares limiter state across gateway replicas. Updates run as an
// optimistic WATCH transaction: read, apply, write, retry on concurrent
// modification.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store backed by the given client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Update applies fn to the state of key inside a WATCH transaction.
func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn func(prev []byte) ([]byte, error)) ([]byte, error) {
	key = keyPrefix + key

	var next []byte
	txf := func(tx *redis.Tx) error {
		prev, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				return fmt.Errorf("redis get limiter state: %w", err)
			}
			prev = nil
		}

		next, err = fn(prev)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return next, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("redis limiter state for %q: transaction contention", key)
}
