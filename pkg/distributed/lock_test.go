package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestLock_SingleHolder(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	a := NewLock(client, "deskrelay:lock:sweep", time.Minute)
	b := NewLock(client, "deskrelay:lock:sweep", time.Minute)

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, b.Unlock(ctx), ErrNotHeld)
	held, err := a.Held(ctx)
	require.NoError(t, err)
	assert.True(t, held, "foreign unlock must not release the lease")

	require.NoError(t, a.Unlock(ctx))
	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_LeaseLapses(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	a := NewLock(client, "k", 10*time.Second)
	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(11 * time.Second)

	b := NewLock(client, "k", 10*time.Second)
	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, a.Unlock(ctx), ErrNotHeld)
}

func TestLock_RedisDown(t *testing.T) {
	mr, client := newRedis(t)
	mr.Close()

	_, err := NewLock(client, "k", time.Second).TryLock(context.Background())
	assert.Error(t, err)
}
