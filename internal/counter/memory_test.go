package counter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_FirstIncrement(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	before := time.Now()
	count, resetAt, err := store.Increment(ctx, "key-a", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, int64(1), count)
	assert.WithinDuration(t, before.Add(time.Minute), resetAt, time.Second)
}

func TestMemoryStore_SequentialIncrements(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, firstReset, err := store.Increment(ctx, "key-a", time.Minute)
	require.NoError(t, err)

	for i := 2; i <= 5; i++ {
		count, resetAt, err := store.Increment(ctx, "key-a", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(i), count)
		assert.Equal(t, firstReset, resetAt, "reset time must not move within a window")
	}
}

func TestMemoryStore_ConcurrentIncrements(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _, err := store.Increment(ctx, "shared", time.Minute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, err := store.Get(ctx, "shared")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(n), entry.Count, "no increments may be lost")
}

func TestMemoryStore_WindowRollover(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, _, err := store.Increment(ctx, "key-a", 50*time.Millisecond)
		require.NoError(t, err)
	}

	time.Sleep(60 * time.Millisecond)

	count, _, err := store.Increment(ctx, "key-a", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "expired entry must reset as if absent")
}

func TestMemoryStore_GetAbsentAndExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	entry, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, entry)

	_, _, err = store.Increment(ctx, "short", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	entry, err = store.Get(ctx, "short")
	require.NoError(t, err)
	assert.Nil(t, entry, "expired entry must read as absent")
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, _, err := store.Increment(ctx, "key-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "key-a"))

	count, _, err := store.Increment(ctx, "key-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Deleting an absent key is not an error
	assert.NoError(t, store.Delete(ctx, "never-seen"))
}

func TestMemoryStore_KeysAndDeleteAll(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, k := range []string{
		"ratelimit:counter:a:user1",
		"ratelimit:counter:b:user2",
		"other:key",
	} {
		_, _, err := store.Increment(ctx, k, time.Minute)
		require.NoError(t, err)
	}

	keys, err := store.Keys(ctx, "ratelimit:counter:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	deleted, err := store.DeleteAll(ctx, "ratelimit:counter:*")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	keys, err = store.Keys(ctx, "ratelimit:counter:*")
	require.NoError(t, err)
	assert.Empty(t, keys)

	// Unmatched keys stay
	entry, err := store.Get(ctx, "other:key")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestMemoryStore_PatternCrossesPathSeparators(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Counter keys embed request paths with slashes; the wildcard must not
	// stop at them
	_, _, err := store.Increment(ctx, "ratelimit:counter:rule-1:user-1:/api/files/upload", time.Minute)
	require.NoError(t, err)

	keys, err := store.Keys(ctx, "ratelimit:counter:*")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	keys, err = store.Keys(ctx, "ratelimit:counter:rule-1:*")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	keys, err = store.Keys(ctx, "ratelimit:counter:rule-2:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryStore_SweepEvictsExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, _, err := store.Increment(ctx, "stale", 10*time.Millisecond)
	require.NoError(t, err)
	_, _, err = store.Increment(ctx, "live", time.Minute)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	store.Sweep()

	assert.Equal(t, 1, store.Len())
}
