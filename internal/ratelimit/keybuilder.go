package ratelimit

import (
	"fmt"
	"strings"
)

const keyPrefix = "ratelimit:counter"

// KeyPattern matches every counter key this package writes, for admin
// enumeration and bulk clear.
const KeyPattern = keyPrefix + ":*"

// KeyPrefix is the namespace all counter keys live under.
const KeyPrefix = keyPrefix + ":"

// BuildKey derives the counter key for a ruled check. The rule identity is
// part of the key so distinct rules never share a counter; identity and path
// make it deterministic per caller and endpoint.
func BuildKey(ruleID, identity, path string) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, ruleID, identity, NormalizePath(path))
}

// AdaptiveKey derives the counter key for the fallback policy. Keyed by
// caller identity alone: the adaptive budget is shared across all unruled
// paths.
func AdaptiveKey(identity string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, AdaptiveRuleID, identity)
}

// RuleIDFromKey recovers the rule identity embedded in a counter key. The
// rule segment sits at a fixed position after the prefix, so identities
// containing colons (IPv6 addresses) do not confuse it.
func RuleIDFromKey(key string) string {
	rest := strings.TrimPrefix(key, keyPrefix+":")
	if rest == key {
		return ""
	}
	if strings.HasPrefix(rest, "default:") {
		// Static default IDs span two segments: "default:<path>"
		parts := strings.SplitN(rest, ":", 3)
		if len(parts) >= 2 {
			return parts[0] + ":" + parts[1]
		}
	}
	return strings.SplitN(rest, ":", 2)[0]
}

// NormalizePath canonicalizes a request path so equivalent spellings share a
// counter and match the same rule.
func NormalizePath(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}
