package ratelimit

import (
	"context"
	"time"
)

// AdaptivePolicy is the conservative default applied to API paths with no
// explicit rule, so unprotected endpoints are never fully unbounded.
type AdaptivePolicy struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultAdaptivePolicy allows a moderate request volume per minute.
var DefaultAdaptivePolicy = AdaptivePolicy{
	MaxRequests: 60,
	Window:      time.Minute,
}

// CheckAdaptive applies the fallback policy keyed by caller identity alone.
// Same algorithm and store as the ruled path.
func (l *Limiter) CheckAdaptive(ctx context.Context, identity string, policy AdaptivePolicy) (Decision, error) {
	if policy.MaxRequests <= 0 {
		policy = DefaultAdaptivePolicy
	}
	return l.Check(ctx, AdaptiveKey(identity), policy.MaxRequests, policy.Window, AdaptiveRuleID)
}
