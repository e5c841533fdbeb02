package counter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fileboxlabs/gateway/internal/storage"
)

func setupTestRedis(t *testing.T) *storage.RedisClient {
	client, err := storage.NewRedis("localhost:6379", "", 15)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	t.Cleanup(func() {
		ctx := context.Background()
		store := NewRedisStore(client, true)
		store.DeleteAll(ctx, "gwtest:*")
		client.Close()
	})

	return client
}

func testKey(name string) string {
	return fmt.Sprintf("gwtest:%s:%d", name, time.Now().UnixNano())
}

func TestRedisStore_FirstIncrement(t *testing.T) {
	client := setupTestRedis(t)
	store := NewRedisStore(client, true)
	ctx := context.Background()

	key := testKey("first")
	count, resetAt, err := store.Increment(ctx, key, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, int64(1), count)
	assert.WithinDuration(t, time.Now().Add(time.Minute), resetAt, 2*time.Second)
}

func TestRedisStore_SequentialIncrements(t *testing.T) {
	client := setupTestRedis(t)
	store := NewRedisStore(client, true)
	ctx := context.Background()

	key := testKey("seq")
	for i := 1; i <= 5; i++ {
		count, _, err := store.Increment(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(i), count)
	}

	entry, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(5), entry.Count)
}

func TestRedisStore_WindowRollover(t *testing.T) {
	client := setupTestRedis(t)
	store := NewRedisStore(client, true)
	ctx := context.Background()

	key := testKey("rollover")
	for i := 0; i < 3; i++ {
		_, _, err := store.Increment(ctx, key, 100*time.Millisecond)
		require.NoError(t, err)
	}

	time.Sleep(150 * time.Millisecond)

	count, _, err := store.Increment(ctx, key, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "TTL expiry must reset the counter")
}

func TestRedisStore_GetAbsent(t *testing.T) {
	client := setupTestRedis(t)
	store := NewRedisStore(client, true)
	ctx := context.Background()

	entry, err := store.Get(ctx, testKey("absent"))
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRedisStore_KeysAndDeleteAll(t *testing.T) {
	client := setupTestRedis(t)
	store := NewRedisStore(client, true)
	ctx := context.Background()

	prefix := testKey("bulk")
	for i := 0; i < 3; i++ {
		_, _, err := store.Increment(ctx, fmt.Sprintf("%s:%d", prefix, i), time.Minute)
		require.NoError(t, err)
	}

	keys, err := store.Keys(ctx, prefix+":*")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	deleted, err := store.DeleteAll(ctx, prefix+":*")
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	keys, err = store.Keys(ctx, prefix+":*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRedisStore_ScanDisabled(t *testing.T) {
	client := setupTestRedis(t)
	store := NewRedisStore(client, false)
	ctx := context.Background()

	key := testKey("noscan")
	_, _, err := store.Increment(ctx, key, time.Minute)
	require.NoError(t, err)

	_, err = store.Keys(ctx, "gwtest:*")
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)

	deleted, err := store.DeleteAll(ctx, "gwtest:*")
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)
	assert.Zero(t, deleted)

	// Counters must be untouched by the failed bulk clear
	entry, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(1), entry.Count)
}
