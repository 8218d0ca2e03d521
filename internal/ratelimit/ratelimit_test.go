package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/broadcast-pipeline/internal/clock"
)

func TestMemoryLimiterWindowBoundary(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	l := NewMemoryLimiter(fc)
	ctx := context.Background()
	key := BroadcastCreateKey("user-1")

	for i := 1; i <= 5; i++ {
		d, err := l.Allow(ctx, key, 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "call %d should pass", i)
		assert.Equal(t, 5-i, d.Remaining)
	}

	d, err := l.Allow(ctx, key, 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	fc.Advance(59 * time.Second)
	d, err = l.Allow(ctx, key, 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	fc.Advance(time.Second)
	d, err = l.Allow(ctx, key, 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Count)
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(clock.NewFakeClock(time.Now()))
	ctx := context.Background()

	d, err := l.Allow(ctx, "a", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "b", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "a", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestLimiterRejectsInvalidArgs(t *testing.T) {
	l := NewMemoryLimiter(nil)
	_, err := l.Allow(context.Background(), "", 5, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidArgs)
	_, err = l.Allow(context.Background(), "k", 0, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidArgs)
}

func TestRedisLimiterWindowBoundary(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l := NewRedisLimiter(client)
	require.True(t, l.Enabled())
	ctx := context.Background()
	key := BroadcastCreateKey("user-1")

	for i := 1; i <= 5; i++ {
		d, err := l.Allow(ctx, key, 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "call %d should pass", i)
	}

	d, err := l.Allow(ctx, key, 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(6), d.Count)
	assert.Greater(t, d.ResetIn, time.Duration(0))

	mr.FastForward(61 * time.Second)

	d, err = l.Allow(ctx, key, 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Count)
}

func TestNilRedisLimiterIsDisabled(t *testing.T) {
	var l *RedisLimiter
	assert.False(t, l.Enabled())
	assert.Nil(t, NewRedisLimiter(nil))
}
