// Package idempotency caches generation outcomes keyed by a hash of the
// request, so a retried identical request replays the stored result instead
// of reserving credits and calling the provider again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Manager stores and retrieves cached results. Values are opaque JSON so
// the cache stays decoupled from the caller's result type.
type Manager interface {
	// Key derives a deterministic idempotency key from the inputs.
	Key(inputs ...any) (string, error)

	// Get returns the cached result and whether it was present.
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)

	// Set stores a result for ttl.
	Set(ctx context.Context, key string, result any, ttl time.Duration) error

	// Delete removes a cached result.
	Delete(ctx context.Context, key string) error
}

type redisManager struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisManager creates a Redis-backed Manager.
func NewRedisManager(client *redis.Client, prefix string, logger *zap.Logger) Manager {
	if prefix == "" {
		prefix = "idempotency:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisManager{client: client, prefix: prefix, logger: logger}
}

func (m *redisManager) Key(inputs ...any) (string, error) {
	h := sha256.New()
	for _, in := range inputs {
		b, err := json.Marshal(in)
		if err != nil {
			return "", fmt.Errorf("marshal idempotency input: %w", err)
		}
		h.Write(b)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (m *redisManager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	val, err := m.client.Get(ctx, m.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency get: %w", err)
	}
	return json.RawMessage(val), true, nil
}

func (m *redisManager) Set(ctx context.Context, key string, result any, ttl time.Duration) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal idempotency result: %w", err)
	}
	if err := m.client.Set(ctx, m.prefix+key, b, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency set: %w", err)
	}
	return nil
}

func (m *redisManager) Delete(ctx context.Context, key string) error {
	if err := m.client.Del(ctx, m.prefix+key).Err(); err != nil {
		return fmt.Errorf("idempotency delete: %w", err)
	}
	return nil
}
