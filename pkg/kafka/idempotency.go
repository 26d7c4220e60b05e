package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// IdempotencyStore records processed event IDs so redelivered messages can
// be skipped. Implementations must be safe for concurrent use.
type IdempotencyStore interface {
	// Contains reports whether the event ID has already been processed.
	Contains(ctx context.Context, eventID string) (bool, error)
	// Add marks an event ID as processed after successful handling.
	Add(ctx context.Context, eventID string) error
}

// MemoryIdempotencyStore keeps processed IDs in a map with per-entry expiry.
// It suits development and single-instance deployments; replicas each see
// their own view, so use the Redis store when consumers scale out.
type MemoryIdempotencyStore struct {
	mu       sync.RWMutex
	deadline map[string]time.Time
	ttl      time.Duration
}

func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		deadline: make(map[string]time.Time),
		ttl:      ttl,
	}
}

func (s *MemoryIdempotencyStore) Contains(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	dl, ok := s.deadline[eventID]
	s.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if time.Now().After(dl) {
		s.mu.Lock()
		delete(s.deadline, eventID)
		s.mu.Unlock()
		return false, nil
	}
	return true, nil
}

func (s *MemoryIdempotencyStore) Add(_ context.Context, eventID string) error {
	now := time.Now()
	s.mu.Lock()
	s.deadline[eventID] = now.Add(s.ttl)
	// Expired entries only leave the map when probed, so sweep opportunistically
	// once the map grows large to bound memory on busy topics.
	if len(s.deadline) >= 4096 {
		for id, dl := range s.deadline {
			if now.After(dl) {
				delete(s.deadline, id)
			}
		}
	}
	s.mu.Unlock()
	return nil
}

// Len returns the number of tracked entries, expired ones included.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.deadline)
}

// RedisIdempotencyStore shares processed IDs across consumer replicas using
// Redis keys with a TTL. Keys are namespaced per consumer group so groups
// deduplicate independently.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	group  string
	ttl    time.Duration
}

func NewRedisIdempotencyStore(client redis.UniversalClient, group string, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, group: group, ttl: ttl}
}

func (s *RedisIdempotencyStore) key(eventID string) string {
	return "dedup:" + s.group + ":" + eventID
}

func (s *RedisIdempotencyStore) Contains(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisIdempotencyStore) Add(ctx context.Context, eventID string) error {
	if err := s.client.Set(ctx, s.key(eventID), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency set: %w", err)
	}
	return nil
}

// IdempotentHandler wraps a MessageHandler with deduplication keyed on the
// event_id message header. Messages whose event ID was already processed
// are skipped with a nil result; messages without an event_id header cannot
// be deduplicated and always pass through. Store failures fail open: the
// message is processed rather than risking loss.
func IdempotentHandler(store IdempotencyStore, group string, inner MessageHandler, logger *slog.Logger) MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		eventID := HeaderValue(msg.Headers, HeaderEventID)
		if eventID == "" {
			return inner(ctx, msg)
		}

		seen, err := store.Contains(ctx, eventID)
		if err != nil {
			logger.Warn("idempotency store lookup failed, processing anyway",
				slog.String("event_id", eventID),
				slog.String("error", err.Error()),
			)
			return inner(ctx, msg)
		}
		if seen {
			ConsumerMessagesDuplicate.WithLabelValues(msg.Topic, group).Inc()
			logger.Debug("skipping duplicate message",
				slog.String("event_id", eventID),
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
			)
			return nil
		}

		if err := inner(ctx, msg); err != nil {
			return err
		}

		// Record only after the handler succeeded, so a crash mid-handling
		// leads to a retry rather than a silent drop.
		if addErr := store.Add(ctx, eventID); addErr != nil {
			logger.Warn("failed to record event ID in idempotency store",
				slog.String("event_id", eventID),
				slog.String("error", addErr.Error()),
			)
		}
		return nil
	}
}
