package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMemoryExpiry(t *testing.T) {
	c := NewMemory()
	now := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "queue:r1:alice", []byte("2"), time.Minute))
	got, err := c.Get(ctx, "queue:r1:alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)

	now = now.Add(2 * time.Minute)
	_, err = c.Get(ctx, "queue:r1:alice")
	require.ErrorIs(t, err, ErrMiss)
}

func TestMemoryDeleteByPattern(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	for _, k := range []string{"queue:r1:alice", "queue:r1:bob", "queue:r10:carol", "other"} {
		require.NoError(t, c.Set(ctx, k, []byte("1"), 0))
	}

	require.NoError(t, c.DeleteByPattern(ctx, "queue:r1:*"))

	_, err := c.Get(ctx, "queue:r1:alice")
	require.ErrorIs(t, err, ErrMiss)
	_, err = c.Get(ctx, "queue:r1:bob")
	require.ErrorIs(t, err, ErrMiss)
	_, err = c.Get(ctx, "queue:r10:carol")
	require.NoError(t, err)
	_, err = c.Get(ctx, "other")
	require.NoError(t, err)

	require.Error(t, c.DeleteByPattern(ctx, "queue:[r1"))
}

func TestNewFallsBackWithoutRedis(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	c := New(context.Background(), RedisConfig{}, zap.New(core))
	assert.IsType(t, &Memory{}, c)
	assert.Equal(t, 1, logs.FilterMessage("redis not configured, using in-memory cache").Len())

	c = New(context.Background(), RedisConfig{Addr: "127.0.0.1:1"}, zap.New(core))
	assert.IsType(t, &Memory{}, c)
	assert.Equal(t, 1, logs.FilterMessage("redis unreachable, using in-memory cache").Len())
}
