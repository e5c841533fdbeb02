package counter

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the process-local fallback. Counts are scoped to one gateway
// instance, which is acceptable degraded behavior when no shared backend is
// configured or the shared backend is down.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

type memEntry struct {
	count   int64
	resetAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
	}
}

func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok || !ent.resetAt.After(now) {
		ent = &memEntry{count: 1, resetAt: now.Add(window)}
		s.entries[key] = ent
		return 1, ent.resetAt, nil
	}

	ent.count++
	return ent.count, ent.resetAt, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok {
		return nil, nil
	}

	// Lazy expiry: an expired entry is gone as far as callers can tell
	if !ent.resetAt.After(now) {
		delete(s.entries, key)
		return nil, nil
	}

	return &Entry{Count: ent.count, ResetAt: ent.resetAt}, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k, ent := range s.entries {
		if !ent.resetAt.After(now) {
			continue
		}
		if matchKey(pattern, k) {
			keys = append(keys, k)
		}
	}

	return keys, nil
}

func (s *MemoryStore) DeleteAll(_ context.Context, pattern string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for k := range s.entries {
		if matchKey(pattern, k) {
			delete(s.entries, k)
			deleted++
		}
	}

	return deleted, nil
}

// Sweep evicts expired entries. Increment and Get already ignore expired
// entries, so this only bounds memory growth.
func (s *MemoryStore) Sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if !ent.resetAt.After(now) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor sweeps expired entries periodically until the context is
// cancelled.
func (s *MemoryStore) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Sweep()
			}
		}
	}()
}

// matchKey implements Redis-style glob matching. Counter keys embed request
// paths, so * must cross every character including '/', which rules out
// path.Match.
func matchKey(pattern, s string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if matchKey(pattern, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
		default:
			if len(s) == 0 || s[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		s = s[1:]
	}
	return len(s) == 0
}

// Len reports the number of live entries, for tests and diagnostics.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}
