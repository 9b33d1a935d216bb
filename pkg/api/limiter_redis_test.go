package api

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisAddr skips unless CHECKOUT_TEST_REDIS_ADDR names a live server.
func redisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("CHECKOUT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHECKOUT_TEST_REDIS_ADDR not set")
	}
	return addr
}

func TestRedisLimiter(t *testing.T) {
	addr := redisAddr(t)
	ctx := context.Background()
	rdb, err := DialRedis(ctx, addr, "", 0)
	require.NoError(t, err)
	defer rdb.Close()
	rl := NewRedisLimiter(rdb, RateLimit{RPS: 0.001, Burst: 2})

	key := "test-" + uuid.NewString()
	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisIdempotencyStore(t *testing.T) {
	addr := redisAddr(t)
	ctx := context.Background()
	rdb, err := DialRedis(ctx, addr, "", 0)
	require.NoError(t, err)
	defer rdb.Close()
	s := NewRedisIdempotencyStore(rdb, time.Minute)

	key := "test-" + uuid.NewString()
	_, ok, err := s.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, key, CachedResponse{StatusCode: 200, ContentType: "application/json", Body: []byte(`{"id":"pi_1"}`)}))
	got, ok, err := s.Lookup(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"id":"pi_1"}`, string(got.Body))
}
