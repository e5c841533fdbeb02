// Package ratelimit implements fixed-window rate limiting: rule resolution,
// key derivation, and the allow/deny decision over a counter store.
package ratelimit

import "time"

// Rule identities reported in decisions for requests not matched by a
// persisted rule.
const (
	AdaptiveRuleID = "adaptive"
	NoRuleID       = "none"
)

// Decision is the outcome of a single rate-limit check. It is produced and
// consumed synchronously per request, never persisted.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	RuleID    string    `json:"rule_id"`
}

// RetryAfter returns the whole seconds to wait before the window resets,
// rounded up. A denied decision never reports zero: telling a still-limited
// caller to retry immediately just earns them another 429.
func (d Decision) RetryAfter() int {
	secs := int((time.Until(d.ResetAt) + time.Second - 1) / time.Second)
	if secs < 0 {
		secs = 0
	}
	if !d.Allowed && secs == 0 {
		secs = 1
	}
	return secs
}
