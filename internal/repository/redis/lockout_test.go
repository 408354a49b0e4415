package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLockoutStore(t *testing.T) (*LockoutStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLockoutStore(client), mr
}

func TestLockoutStore_GetEmpty(t *testing.T) {
	store, _ := setupLockoutStore(t)

	state, err := store.Get(context.Background(), "dshay")
	require.NoError(t, err)
	assert.Equal(t, 0, state.FailedCount)
	assert.Nil(t, state.LockedUntil)
	assert.False(t, state.Locked(time.Now()))
}

func TestLockoutStore_RecordFailureBelowThreshold(t *testing.T) {
	store, _ := setupLockoutStore(t)
	now := time.Now().UTC()

	state, err := store.RecordFailure(context.Background(), "dshay", now, 5, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, state.FailedCount)
	assert.Nil(t, state.LockedUntil)

	state, err = store.Get(context.Background(), "dshay")
	require.NoError(t, err)
	assert.Equal(t, 1, state.FailedCount)
}

func TestLockoutStore_RecordFailureLocksAtThreshold(t *testing.T) {
	store, _ := setupLockoutStore(t)
	now := time.Now().UTC()

	var state LockoutState
	var err error
	for i := 0; i < 3; i++ {
		state, err = store.RecordFailure(context.Background(), "dshay", now, 3, 15*time.Minute)
		require.NoError(t, err)
	}

	require.NotNil(t, state.LockedUntil)
	assert.Equal(t, 3, state.FailedCount)
	assert.True(t, state.Locked(now))
	assert.False(t, state.Locked(now.Add(16*time.Minute)))

	state, err = store.Get(context.Background(), "dshay")
	require.NoError(t, err)
	require.NotNil(t, state.LockedUntil)
	assert.True(t, state.Locked(now))
}

func TestLockoutStore_Clear(t *testing.T) {
	store, _ := setupLockoutStore(t)
	now := time.Now().UTC()

	_, err := store.RecordFailure(context.Background(), "dshay", now, 1, 15*time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Clear(context.Background(), "dshay"))

	state, err := store.Get(context.Background(), "dshay")
	require.NoError(t, err)
	assert.Equal(t, 0, state.FailedCount)
	assert.Nil(t, state.LockedUntil)
}
