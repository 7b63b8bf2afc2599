package runlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestLocker_ExclusiveUntilReleased(t *testing.T) {
	_, client := setupTestRedis(t)
	l := NewLockerWithClient(client, time.Minute)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "reconciliation-full")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "reconciliation-full")
	assert.ErrorIs(t, err, ErrNotAcquired)

	other, err := l.Acquire(ctx, "reconciliation-quick")
	require.NoError(t, err, "names are independent")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	again, err := l.Acquire(ctx, "reconciliation-full")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLocker_Expiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	l := NewLockerWithClient(client, 30*time.Second)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, mr.TTL(keyPrefix+"job"))

	mr.FastForward(31 * time.Second)
	_, err = l.Acquire(ctx, "job")
	assert.NoError(t, err, "an expired lease can be taken over")
}

func TestLease_ReleaseKeepsForeignLock(t *testing.T) {
	mr, client := setupTestRedis(t)
	l := NewLockerWithClient(client, 10*time.Second)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "job")
	require.NoError(t, err)
	mr.FastForward(11 * time.Second)

	current, err := l.Acquire(ctx, "job")
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists(keyPrefix+"job"), "old owner must not release the new lease")

	require.NoError(t, current.Release(ctx))
	assert.False(t, mr.Exists(keyPrefix+"job"))
}

func TestNewLocker(t *testing.T) {
	mr := miniredis.RunT(t)

	l, err := NewLocker("redis://"+mr.Addr(), 0)
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, 10*time.Minute, l.ttl)

	_, err = NewLocker("not a url", time.Second)
	assert.Error(t, err)
}
