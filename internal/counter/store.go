// Package counter provides key->counter storage with atomic
// increment-and-expire semantics, backed either by a shared Redis instance or
// by an in-process map.
package counter

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCapabilityUnavailable is returned when a backend cannot support a
	// requested operation (key enumeration, bulk delete). Distinct from a
	// backend failure: the backend is fine, the operation is unsupported.
	ErrCapabilityUnavailable = errors.New("operation not supported by counter backend")

	// ErrBackendUnavailable wraps network or timeout failures talking to the
	// shared backend.
	ErrBackendUnavailable = errors.New("counter backend unavailable")
)

// Entry is the ephemeral state held per key.
type Entry struct {
	Count   int64     `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

// Store is the counter storage contract. Increment is the only operation on
// the hot request path; the rest serve admin inspection and resets.
type Store interface {
	// Increment atomically creates the entry with count=1 and
	// resetAt=now+window, or increments it if present and unexpired. An
	// expired entry is reset as if absent. Safe for concurrent callers on
	// the same key.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)

	// Get returns the entry for key, or nil when absent or expired. Never
	// mutates.
	Get(ctx context.Context, key string) (*Entry, error)

	// Delete resets a single key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys enumerates keys matching a glob pattern. Backends without
	// enumeration support return ErrCapabilityUnavailable.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// DeleteAll removes every key matching pattern and reports how many
	// were removed. Backends without enumeration support return
	// ErrCapabilityUnavailable and touch nothing.
	DeleteAll(ctx context.Context, pattern string) (int64, error)
}
