package rediscache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_GetSetDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Set(ctx, "track:1", []byte(`{"id":"1"}`), time.Minute))

	b, ok, err := c.Get(ctx, "track:1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`{"id":"1"}`), b)

	require.NoError(t, c.Delete(ctx, "track:1"))
	_, ok, err = c.Get(ctx, "track:1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisCache_Expires(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisCache_DownIsError(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())
	mr.Close()

	_, _, err := c.Get(context.Background(), "k")
	require.Error(t, err)
	require.Contains(t, err.Error(), "redis get")
}

func TestRateLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())

	ctx := context.Background()
	ok, n, err := rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), n)

	ok, n, _ = rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.True(t, ok)
	require.Equal(t, int64(2), n)

	ok, n, _ = rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.False(t, ok)
	require.Equal(t, int64(3), n)

	// window restarts once the key expired
	mr.FastForward(2 * time.Minute)
	ok, n, _ = rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.True(t, ok)
	require.Equal(t, int64(1), n)
}

func TestRateLimiter_RetriesDoNotExtendWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())
	ctx := context.Background()

	ok, _, err := rl.Allow(ctx, "rl:retry", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(40 * time.Second)
	for i := 0; i < 3; i++ {
		ok, _, err = rl.Allow(ctx, "rl:retry", 1, time.Minute)
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.Equal(t, 20*time.Second, mr.TTL("rl:retry"))

	// the window still ends a minute after the first hit
	mr.FastForward(21 * time.Second)
	ok, n, err := rl.Allow(ctx, "rl:retry", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), n)
}

func TestRateLimiter_SharesClient(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())
	rl := NewRateLimiterWithClient(c.c)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	ok, _, err := rl.Allow(ctx, "rl:shared", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, mr.TotalConnectionCount())

	require.NoError(t, c.Close())
	_, _, err = rl.Allow(ctx, "rl:shared", 1, time.Minute)
	require.Error(t, err)
}
