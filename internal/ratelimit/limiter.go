package ratelimit

import (
	"context"
	"time"

	"github.com/fileboxlabs/gateway/internal/counter"
)

// Limiter makes fixed-window allow/deny decisions over a counter store.
//
// Fixed-window counting is deliberately coarse: two bursts straddling a
// window boundary can each observe a freshly reset counter, briefly letting
// through up to twice the configured max. That imprecision is accepted in
// exchange for a single atomic increment per request.
type Limiter struct {
	store counter.Store
}

func NewLimiter(store counter.Store) *Limiter {
	return &Limiter{store: store}
}

// Check increments the counter for key and decides. A count equal to limit is
// still allowed; denial begins strictly above it. On a store error the
// returned decision is an allow (fail open) and the error is reported so the
// caller can log it.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration, ruleID string) (Decision, error) {
	count, resetAt, err := l.store.Increment(ctx, key, window)
	if err != nil {
		return Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			ResetAt:   time.Now().Add(window),
			RuleID:    ruleID,
		}, err
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
		RuleID:    ruleID,
	}, nil
}

// CheckRule runs a check under a resolved rule for the given caller identity
// and request path.
func (l *Limiter) CheckRule(ctx context.Context, rule *ResolvedRule, identity, path string) (Decision, error) {
	key := BuildKey(rule.ID, identity, path)
	return l.Check(ctx, key, rule.MaxRequests, rule.Window, rule.ID)
}
