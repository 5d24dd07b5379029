package noncestore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestMemoryStoreClaim(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)
	alice, bob := uuid.New(), uuid.New()

	ok, err := s.Claim(ctx, alice, "n1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, alice, "n1")
	require.NoError(t, err)
	assert.False(t, ok, "replay must be rejected")

	ok, err = s.Claim(ctx, bob, "n1")
	require.NoError(t, err)
	assert.True(t, ok, "nonces are scoped per contributor")
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	id := uuid.New()

	ok, _ := s.Claim(ctx, id, "n")
	require.True(t, ok)

	clock = clock.Add(time.Minute)
	assert.Equal(t, 1, s.Sweep())

	ok, _ = s.Claim(ctx, id, "n")
	assert.True(t, ok, "expired nonce can be claimed again")
}

func TestMemoryStoreConcurrentClaims(t *testing.T) {
	s := NewMemoryStore(0)
	id := uuid.New()
	wins := make(chan bool, 50)

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			ok, err := s.Claim(context.Background(), id, "same")
			wins <- ok
			return err
		})
	}
	require.NoError(t, g.Wait())
	close(wins)

	n := 0
	for ok := range wins {
		if ok {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

// TestRedisStoreClaim runs against a real server when REDIS_ADDR is set.
func TestRedisStoreClaim(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStore(client, WithTTL(time.Minute))
	ctx := context.Background()
	id := uuid.New()

	ok, err := s.Claim(ctx, id, "n1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, id, "n1")
	require.NoError(t, err)
	assert.False(t, ok)
}
