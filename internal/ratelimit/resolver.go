package ratelimit

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fileboxlabs/gateway/internal/config"
	"github.com/fileboxlabs/gateway/internal/models"
)

// RuleSource supplies the enabled database-backed rules.
type RuleSource interface {
	FindEnabled(ctx context.Context) ([]models.RateLimitRule, error)
}

// ResolvedRule is a rule selected for a request, unified across static
// config defaults and database-backed custom rules.
type ResolvedRule struct {
	ID          string
	Path        string
	Method      string
	UserTier    string
	Window      time.Duration
	MaxRequests int

	// Custom is true for database-backed rules
	Custom bool

	createdAt time.Time
}

// Resolver maps (path, method, tier) to at most one applicable rule.
// Database rules are cached for a bounded staleness window so admin updates
// take effect without querying on every request.
type Resolver struct {
	source   RuleSource
	statics  []ResolvedRule
	cacheTTL time.Duration

	mu        sync.RWMutex
	cached    []ResolvedRule
	fetchedAt time.Time
}

func NewResolver(source RuleSource, defaults []config.PathDefault, cacheTTL time.Duration) *Resolver {
	statics := make([]ResolvedRule, 0, len(defaults))
	for _, d := range defaults {
		method := strings.ToUpper(d.Method)
		if method == "" {
			method = models.MethodAll
		}
		tier := d.UserTier
		if tier == "" {
			tier = models.TierAll
		}
		statics = append(statics, ResolvedRule{
			ID:          "default:" + NormalizePath(d.Path),
			Path:        NormalizePath(d.Path),
			Method:      method,
			UserTier:    tier,
			Window:      time.Duration(d.WindowMs) * time.Millisecond,
			MaxRequests: d.MaxRequests,
		})
	}

	return &Resolver{
		source:   source,
		statics:  statics,
		cacheTTL: cacheTTL,
	}
}

// Resolve returns the applicable rule for the request, or nil when none
// matches. Deterministic for a fixed rule set: exact path beats prefix, the
// longest prefix wins, and ties fall to the custom rule, then the
// most-recently-created one.
func (r *Resolver) Resolve(ctx context.Context, path, method, tier string) *ResolvedRule {
	path = NormalizePath(path)
	method = strings.ToUpper(method)

	var best *ResolvedRule
	var bestRank matchRank

	consider := func(rule ResolvedRule) {
		rank, ok := rankMatch(&rule, path, method, tier)
		if !ok {
			return
		}
		if best == nil || rank.beats(bestRank) {
			c := rule
			best = &c
			bestRank = rank
		}
	}

	for _, rule := range r.statics {
		consider(rule)
	}
	for _, rule := range r.customRules(ctx) {
		consider(rule)
	}

	return best
}

// StaticRuleLister exposes the shipped static defaults, used by the admin
// surface to report limits for counters keyed by a default rule.
type StaticRuleLister interface {
	StaticRules() []ResolvedRule
}

// StaticRules returns the configured path defaults.
func (r *Resolver) StaticRules() []ResolvedRule {
	rules := make([]ResolvedRule, len(r.statics))
	copy(rules, r.statics)
	return rules
}

// Refresh forces the next Resolve to re-read the database, used after admin
// writes so changes are visible immediately on this instance.
func (r *Resolver) Refresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchedAt = time.Time{}
}

func (r *Resolver) customRules(ctx context.Context) []ResolvedRule {
	if r.source == nil {
		return nil
	}

	r.mu.RLock()
	fresh := time.Since(r.fetchedAt) < r.cacheTTL
	cached := r.cached
	r.mu.RUnlock()

	if fresh {
		return cached
	}

	rules, err := r.source.FindEnabled(ctx)
	if err != nil {
		// Serve the stale snapshot rather than dropping all custom rules
		log.Printf("Failed to refresh rate limit rules, using cached set: %v", err)
		return cached
	}

	resolved := make([]ResolvedRule, 0, len(rules))
	for _, rule := range rules {
		resolved = append(resolved, ResolvedRule{
			ID:          rule.ID.String(),
			Path:        NormalizePath(rule.Path),
			Method:      strings.ToUpper(rule.Method),
			UserTier:    rule.UserTier,
			Window:      rule.Window(),
			MaxRequests: rule.MaxRequests,
			Custom:      true,
			createdAt:   rule.CreatedAt,
		})
	}

	r.mu.Lock()
	r.cached = resolved
	r.fetchedAt = time.Now()
	r.mu.Unlock()

	return resolved
}

type matchRank struct {
	exact     bool
	prefixLen int
	custom    bool
	createdAt time.Time
	id        string
}

func rankMatch(rule *ResolvedRule, path, method, tier string) (matchRank, bool) {
	if rule.Method != models.MethodAll && rule.Method != method {
		return matchRank{}, false
	}
	if rule.UserTier != models.TierAll && rule.UserTier != tier {
		return matchRank{}, false
	}

	rank := matchRank{
		custom:    rule.Custom,
		createdAt: rule.createdAt,
		id:        rule.ID,
	}

	switch {
	case rule.Path == path:
		rank.exact = true
	case isPathPrefix(path, rule.Path):
		rank.prefixLen = len(rule.Path)
	default:
		return matchRank{}, false
	}

	return rank, true
}

// Prefix matches respect path segment boundaries: "/api/file" is not a
// prefix of "/api/files".
func isPathPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if prefix == "/" || len(path) == len(prefix) {
		return true
	}
	return path[len(prefix)] == '/'
}

func (a matchRank) beats(b matchRank) bool {
	if a.exact != b.exact {
		return a.exact
	}
	if a.prefixLen != b.prefixLen {
		return a.prefixLen > b.prefixLen
	}
	if a.custom != b.custom {
		return a.custom
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.After(b.createdAt)
	}
	// Final stable tiebreak so resolution never depends on iteration order
	return a.id < b.id
}
