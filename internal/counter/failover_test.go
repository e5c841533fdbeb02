package counter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fileboxlabs/gateway/internal/circuitbreaker"
)

// brokenStore simulates an unreachable shared backend.
type brokenStore struct {
	calls   int
	keysErr error
}

func (b *brokenStore) Increment(context.Context, string, time.Duration) (int64, time.Time, error) {
	b.calls++
	return 0, time.Time{}, ErrBackendUnavailable
}

func (b *brokenStore) Get(context.Context, string) (*Entry, error) {
	b.calls++
	return nil, ErrBackendUnavailable
}

func (b *brokenStore) Delete(context.Context, string) error {
	b.calls++
	return ErrBackendUnavailable
}

func (b *brokenStore) Keys(context.Context, string) ([]string, error) {
	b.calls++
	if b.keysErr != nil {
		return nil, b.keysErr
	}
	return nil, ErrBackendUnavailable
}

func (b *brokenStore) DeleteAll(context.Context, string) (int64, error) {
	b.calls++
	if b.keysErr != nil {
		return 0, b.keysErr
	}
	return 0, ErrBackendUnavailable
}

func newTestFailover(primary Store) (*FailoverStore, *MemoryStore) {
	local := NewMemoryStore()
	f := NewFailoverStore(primary, local, circuitbreaker.Config{
		MaxFailures:     3,
		Timeout:         time.Minute,
		HalfOpenSuccess: 1,
	})
	return f, local
}

func TestFailoverStore_IncrementFailsOver(t *testing.T) {
	primary := &brokenStore{}
	f, _ := newTestFailover(primary)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		count, _, err := f.Increment(ctx, "key-a", time.Minute)
		require.NoError(t, err, "failover must absorb backend errors")
		assert.Equal(t, int64(i), count)
	}
}

func TestFailoverStore_CircuitStopsHammeringPrimary(t *testing.T) {
	primary := &brokenStore{}
	f, _ := newTestFailover(primary)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, _, err := f.Increment(ctx, "key-a", time.Minute)
		require.NoError(t, err)
	}

	// Only the first three failures reach the primary; after that the
	// open circuit short-circuits straight to the local store
	assert.Equal(t, 3, primary.calls)
	assert.Equal(t, circuitbreaker.StateOpen, f.BreakerState())
}

func TestFailoverStore_RecoversWhenPrimaryHeals(t *testing.T) {
	local := NewMemoryStore()
	primary := NewMemoryStore() // a healthy primary
	f := NewFailoverStore(primary, local, circuitbreaker.Config{
		MaxFailures:     3,
		Timeout:         time.Minute,
		HalfOpenSuccess: 1,
	})
	ctx := context.Background()

	count, _, err := f.Increment(ctx, "key-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Served by the primary, not the local fallback
	entry, err := primary.Get(ctx, "key-a")
	require.NoError(t, err)
	require.NotNil(t, entry)
	localEntry, err := local.Get(ctx, "key-a")
	require.NoError(t, err)
	assert.Nil(t, localEntry)
}

func TestFailoverStore_CapabilityErrorIsNotFailover(t *testing.T) {
	primary := &brokenStore{keysErr: ErrCapabilityUnavailable}
	f, local := newTestFailover(primary)
	ctx := context.Background()

	// Seed the local store to prove it is not consulted
	_, _, err := local.Increment(ctx, "ratelimit:counter:x:y", time.Minute)
	require.NoError(t, err)

	_, err = f.Keys(ctx, "ratelimit:counter:*")
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)

	deleted, err := f.DeleteAll(ctx, "ratelimit:counter:*")
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)
	assert.Zero(t, deleted)

	// The capability error must not clear anything
	entry, err := local.Get(ctx, "ratelimit:counter:x:y")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestFailoverStore_DeleteClearsBothStores(t *testing.T) {
	local := NewMemoryStore()
	primary := NewMemoryStore()
	f := NewFailoverStore(primary, local, circuitbreaker.Config{MaxFailures: 3, Timeout: time.Minute})
	ctx := context.Background()

	_, _, err := primary.Increment(ctx, "key-a", time.Minute)
	require.NoError(t, err)
	_, _, err = local.Increment(ctx, "key-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.Delete(ctx, "key-a"))

	pEntry, _ := primary.Get(ctx, "key-a")
	lEntry, _ := local.Get(ctx, "key-a")
	assert.Nil(t, pEntry)
	assert.Nil(t, lEntry)
}

func TestFailoverStore_KeysFallsBackOnOutage(t *testing.T) {
	primary := &brokenStore{}
	f, local := newTestFailover(primary)
	ctx := context.Background()

	_, _, err := local.Increment(ctx, "ratelimit:counter:a:b", time.Minute)
	require.NoError(t, err)

	keys, err := f.Keys(ctx, "ratelimit:counter:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"ratelimit:counter:a:b"}, keys)
}

func TestFailoverStore_ErrorsAreClassified(t *testing.T) {
	assert.True(t, errors.Is(ErrBackendUnavailable, ErrBackendUnavailable))
	assert.False(t, errors.Is(ErrBackendUnavailable, ErrCapabilityUnavailable))
}
