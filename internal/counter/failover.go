package counter

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/fileboxlabs/gateway/internal/circuitbreaker"
)

// FailoverStore serves from a shared primary backend and degrades to a local
// store when the primary is unreachable. A circuit breaker stops hammering a
// dead primary: while the circuit is open every call goes straight to the
// local store, and a half-open probe restores the primary once it recovers.
//
// Counts diverge between the two stores during an outage. That is the
// accepted trade-off: rate limiting keeps working per-instance instead of
// becoming a total outage.
type FailoverStore struct {
	primary Store
	local   *MemoryStore
	breaker *circuitbreaker.CircuitBreaker
}

func NewFailoverStore(primary Store, local *MemoryStore, cfg circuitbreaker.Config) *FailoverStore {
	return &FailoverStore{
		primary: primary,
		local:   local,
		breaker: circuitbreaker.New(cfg),
	}
}

func (f *FailoverStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	var count int64
	var resetAt time.Time

	err := f.breaker.Call(func() error {
		var err error
		count, resetAt, err = f.primary.Increment(ctx, key, window)
		return err
	})

	if err != nil {
		f.logFailover("increment", err)
		return f.local.Increment(ctx, key, window)
	}

	return count, resetAt, nil
}

func (f *FailoverStore) Get(ctx context.Context, key string) (*Entry, error) {
	var entry *Entry

	err := f.breaker.Call(func() error {
		var err error
		entry, err = f.primary.Get(ctx, key)
		return err
	})

	if err != nil {
		f.logFailover("get", err)
		return f.local.Get(ctx, key)
	}

	return entry, nil
}

func (f *FailoverStore) Delete(ctx context.Context, key string) error {
	// Clear both so a reset holds regardless of which store is serving
	localErr := f.local.Delete(ctx, key)

	err := f.breaker.Call(func() error {
		return f.primary.Delete(ctx, key)
	})
	if err != nil {
		f.logFailover("delete", err)
		return localErr
	}

	return localErr
}

func (f *FailoverStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string

	err := f.breaker.Call(func() error {
		var err error
		keys, err = f.primary.Keys(ctx, pattern)
		return err
	})

	if errors.Is(err, ErrCapabilityUnavailable) {
		// The primary is healthy but cannot enumerate. Do not fabricate a
		// partial answer from the local store.
		return nil, ErrCapabilityUnavailable
	}
	if err != nil {
		f.logFailover("keys", err)
		return f.local.Keys(ctx, pattern)
	}

	return keys, nil
}

func (f *FailoverStore) DeleteAll(ctx context.Context, pattern string) (int64, error) {
	var deleted int64

	err := f.breaker.Call(func() error {
		var err error
		deleted, err = f.primary.DeleteAll(ctx, pattern)
		return err
	})

	if errors.Is(err, ErrCapabilityUnavailable) {
		return 0, ErrCapabilityUnavailable
	}
	if err != nil {
		f.logFailover("delete_all", err)
		return f.local.DeleteAll(ctx, pattern)
	}

	localDeleted, localErr := f.local.DeleteAll(ctx, pattern)
	if localErr == nil && localDeleted > deleted {
		deleted = localDeleted
	}

	return deleted, nil
}

// BreakerState exposes the circuit state for health reporting.
func (f *FailoverStore) BreakerState() circuitbreaker.State {
	return f.breaker.State()
}

func (f *FailoverStore) logFailover(op string, err error) {
	if err == circuitbreaker.ErrCircuitOpen {
		return
	}
	log.Printf("Counter store %s failed, serving from local fallback: %v", op, err)
}
