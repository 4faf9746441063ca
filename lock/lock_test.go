package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gip-inclusion/immersion-facile-sub025/test/infra"
)

func TestLocalLocker(t *testing.T) {
	var l Locker = LocalLocker{}
	ctx := context.Background()

	a, ok, err := l.TryAcquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	b, ok, err := l.TryAcquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "local leases are never contended")
	assert.Equal(t, "sweep", a.Key)
	assert.NoError(t, l.Release(ctx, a))
	assert.NoError(t, l.Release(ctx, b))
}

func TestRedisLocker_Guards(t *testing.T) {
	ctx := context.Background()

	_, _, err := (&RedisLocker{}).TryAcquire(ctx, "k", time.Second)
	assert.Error(t, err)
	assert.Error(t, (*RedisLocker)(nil).Release(ctx, &Lease{}))

	l := NewRedisLocker(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "p:")
	_, _, err = l.TryAcquire(ctx, "k", 0)
	assert.Error(t, err)
	assert.Error(t, l.Release(ctx, nil))
}

func TestRedisLocker(t *testing.T) {
	if testing.Short() {
		t.Skip("redis test skipped in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if os.Getenv("STRESS_TEST_REDIS_ADDR") == "" && !infra.DockerAvailable(ctx) {
		t.Skip("docker unavailable and STRESS_TEST_REDIS_ADDR unset")
	}
	container, client, err := infra.StartRedis(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
		_ = container.Terminate(context.Background())
	})

	l := NewRedisLocker(client, "test:lock:")

	lease, ok, err := l.TryAcquire(ctx, "retry-sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "test:lock:retry-sweep", lease.Key)

	_, ok, err = l.TryAcquire(ctx, "retry-sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lease must not be granted twice")

	t.Run("stale holder cannot release a lease taken over", func(t *testing.T) {
		short, ok, err := l.TryAcquire(ctx, "takeover", 50*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
		time.Sleep(120 * time.Millisecond)

		current, ok, err := l.TryAcquire(ctx, "takeover", time.Minute)
		require.NoError(t, err)
		require.True(t, ok, "expired lease must be re-grantable")

		require.NoError(t, l.Release(ctx, short))
		holder, err := client.Get(ctx, current.Key).Result()
		require.NoError(t, err)
		assert.Equal(t, current.Token, holder)
	})

	require.NoError(t, l.Release(ctx, lease))
	_, ok, err = l.TryAcquire(ctx, "retry-sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released lease must be re-grantable")
}
