package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMutexMutualExclusion(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	key := BackfillLockKey(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))

	first := NewMutex(client, key, time.Hour)
	second := NewMutex(client, key, time.Hour)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, first.Unlock(ctx))

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMutexUnlockOnlyReleasesOwnToken(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	holder := NewMutex(client, "curb:backfill:test:lock", time.Hour)
	intruder := NewMutex(client, "curb:backfill:test:lock", time.Hour)

	ok, err := holder.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// An unlock from a mutex that never acquired must not free the key.
	require.NoError(t, intruder.Unlock(ctx))

	ok, err = intruder.TryLock(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}
