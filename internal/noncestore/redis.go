package noncestore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sheikh-saqib/milestone-escrow/internal/interfaces"
)

const (
	// Redis key prefix for claimed nonces
	nonceKeyPrefix = "escrow:nonce:"
)

// RedisStore shares claimed nonces between engine instances.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisStoreOption configures a RedisStore instance.
type RedisStoreOption func(*RedisStore)

// WithTTL overrides how long a nonce is remembered.
func WithTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewRedisStore constructs a Redis-backed nonce guard.
func NewRedisStore(client *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client: client,
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Claim uses SET NX so two instances racing on the same nonce cannot both win.
func (s *RedisStore) Claim(ctx context.Context, contributorID uuid.UUID, nonce string) (bool, error) {
	key := nonceKeyPrefix + contributorID.String() + ":" + nonce
	ok, err := s.client.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim nonce: %w", err)
	}
	return ok, nil
}

// Close is a no-op; the client lifecycle is managed by the caller.
func (s *RedisStore) Close() {}

var _ interfaces.NonceGuard = (*RedisStore)(nil)
