package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fileboxlabs/gateway/internal/counter"
	"github.com/fileboxlabs/gateway/internal/models"
	"github.com/fileboxlabs/gateway/internal/ratelimit"
)

// RuleRepository is the persistence surface the service needs. Narrowed to an
// interface so tests can run against an in-memory fake.
type RuleRepository interface {
	Create(ctx context.Context, rule *models.RateLimitRule) error
	FindByID(ctx context.Context, id string) (*models.RateLimitRule, error)
	FindEnabled(ctx context.Context) ([]models.RateLimitRule, error)
	List(ctx context.Context) ([]models.RateLimitRule, error)
	Update(ctx context.Context, id string, updates map[string]interface{}) error
	Delete(ctx context.Context, id string) error
	CountConflicting(ctx context.Context, path, method, tier, excludeID string) (int64, error)
}

// RuleRefresher invalidates cached rule snapshots after admin writes.
type RuleRefresher interface {
	Refresh()
}

type RateLimitRuleService struct {
	repo     RuleRepository
	counters counter.Store
	resolver RuleRefresher
	adaptive ratelimit.AdaptivePolicy
}

func NewRateLimitRuleService(repo RuleRepository, counters counter.Store, resolver RuleRefresher, adaptive ratelimit.AdaptivePolicy) *RateLimitRuleService {
	return &RateLimitRuleService{
		repo:     repo,
		counters: counters,
		resolver: resolver,
		adaptive: adaptive,
	}
}

type CreateRuleInput struct {
	Name        string
	Path        string
	Method      string
	WindowMs    int64
	MaxRequests int
	UserTier    string
	Enabled     *bool
	Description string
	CreatedBy   string
}

type UpdateRuleInput struct {
	Name        *string
	Path        *string
	Method      *string
	WindowMs    *int64
	MaxRequests *int
	UserTier    *string
	Enabled     *bool
	Description *string
}

func (s *RateLimitRuleService) List(ctx context.Context) ([]models.RateLimitRule, error) {
	return s.repo.List(ctx)
}

func (s *RateLimitRuleService) Get(ctx context.Context, id string) (*models.RateLimitRule, error) {
	rule, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, ErrRuleNotFound
	}
	return rule, nil
}

func (s *RateLimitRuleService) Create(ctx context.Context, input CreateRuleInput) (*models.RateLimitRule, error) {
	rule := &models.RateLimitRule{
		Name:        strings.TrimSpace(input.Name),
		Path:        ratelimit.NormalizePath(input.Path),
		Method:      normalizeMethod(input.Method),
		WindowMs:    input.WindowMs,
		MaxRequests: input.MaxRequests,
		UserTier:    normalizeTier(input.UserTier),
		Enabled:     true,
		Description: strings.TrimSpace(input.Description),
		CreatedBy:   input.CreatedBy,
	}
	if input.Enabled != nil {
		rule.Enabled = *input.Enabled
	}

	if err := validateRule(rule); err != nil {
		return nil, err
	}

	// At most one enabled rule per (path, method, tier)
	if rule.Enabled {
		conflicts, err := s.repo.CountConflicting(ctx, rule.Path, rule.Method, rule.UserTier, "")
		if err != nil {
			return nil, err
		}
		if conflicts > 0 {
			return nil, ErrRuleConflict
		}
	}

	if err := s.repo.Create(ctx, rule); err != nil {
		return nil, err
	}

	s.refresh()
	return rule, nil
}

func (s *RateLimitRuleService) Update(ctx context.Context, id string, input UpdateRuleInput) (*models.RateLimitRule, error) {
	existing, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrRuleNotFound
	}

	// Apply the patch to a copy and validate the result as a whole
	next := *existing
	updates := make(map[string]interface{})
	if input.Name != nil {
		next.Name = strings.TrimSpace(*input.Name)
		updates["name"] = next.Name
	}
	if input.Path != nil {
		next.Path = ratelimit.NormalizePath(*input.Path)
		updates["path"] = next.Path
	}
	if input.Method != nil {
		next.Method = normalizeMethod(*input.Method)
		updates["method"] = next.Method
	}
	if input.WindowMs != nil {
		next.WindowMs = *input.WindowMs
		updates["window_ms"] = next.WindowMs
	}
	if input.MaxRequests != nil {
		next.MaxRequests = *input.MaxRequests
		updates["max_requests"] = next.MaxRequests
	}
	if input.UserTier != nil {
		next.UserTier = normalizeTier(*input.UserTier)
		updates["user_tier"] = next.UserTier
	}
	if input.Enabled != nil {
		next.Enabled = *input.Enabled
		updates["enabled"] = next.Enabled
	}
	if input.Description != nil {
		next.Description = strings.TrimSpace(*input.Description)
		updates["description"] = next.Description
	}

	if len(updates) == 0 {
		return existing, nil
	}

	if err := validateRule(&next); err != nil {
		return nil, err
	}

	if next.Enabled {
		conflicts, err := s.repo.CountConflicting(ctx, next.Path, next.Method, next.UserTier, id)
		if err != nil {
			return nil, err
		}
		if conflicts > 0 {
			return nil, ErrRuleConflict
		}
	}

	if err := s.repo.Update(ctx, id, updates); err != nil {
		return nil, err
	}

	s.refresh()
	return &next, nil
}

func (s *RateLimitRuleService) Delete(ctx context.Context, id string) error {
	existing, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrRuleNotFound
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.refresh()
	return nil
}

// ActiveLimit describes a counter key currently at or above its configured
// max.
type ActiveLimit struct {
	Key     string    `json:"key"`
	RuleID  string    `json:"rule_id"`
	Count   int64     `json:"count"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

// ActiveLimits enumerates counters at or above their limit. Best-effort and
// backend-dependent: a backend without enumeration support yields
// counter.ErrCapabilityUnavailable.
func (s *RateLimitRuleService) ActiveLimits(ctx context.Context) ([]ActiveLimit, error) {
	keys, err := s.counters.Keys(ctx, ratelimit.KeyPattern)
	if err != nil {
		return nil, err
	}

	limits, err := s.limitsByRuleID(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]ActiveLimit, 0)
	for _, key := range keys {
		ruleID := ratelimit.RuleIDFromKey(key)
		limit, known := limits[ruleID]
		if !known {
			// Counter left behind by a deleted rule; it expires on its own
			continue
		}

		entry, err := s.counters.Get(ctx, key)
		if err != nil || entry == nil {
			continue
		}

		if entry.Count >= int64(limit) {
			active = append(active, ActiveLimit{
				Key:     key,
				RuleID:  ruleID,
				Count:   entry.Count,
				Limit:   limit,
				ResetAt: entry.ResetAt,
			})
		}
	}

	return active, nil
}

// ClearKey resets a single counter.
func (s *RateLimitRuleService) ClearKey(ctx context.Context, key string) error {
	if !strings.HasPrefix(key, ratelimit.KeyPrefix) {
		return &ValidationError{Issues: []string{fmt.Sprintf("key must start with %q", ratelimit.KeyPrefix)}}
	}
	return s.counters.Delete(ctx, key)
}

// ClearAll resets every counter. Backends without enumeration support fail
// explicitly instead of silently succeeding.
func (s *RateLimitRuleService) ClearAll(ctx context.Context) (int64, error) {
	return s.counters.DeleteAll(ctx, ratelimit.KeyPattern)
}

func (s *RateLimitRuleService) limitsByRuleID(ctx context.Context) (map[string]int, error) {
	limits := map[string]int{
		ratelimit.AdaptiveRuleID: s.adaptive.MaxRequests,
	}

	rules, err := s.repo.FindEnabled(ctx)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		limits[rule.ID.String()] = rule.MaxRequests
	}

	if lister, ok := s.resolver.(ratelimit.StaticRuleLister); ok {
		for _, rule := range lister.StaticRules() {
			limits[rule.ID] = rule.MaxRequests
		}
	}

	return limits, nil
}

func (s *RateLimitRuleService) refresh() {
	if s.resolver != nil {
		s.resolver.Refresh()
	}
}

func validateRule(rule *models.RateLimitRule) error {
	var issues []string

	if rule.Name == "" {
		issues = append(issues, "name is required")
	}
	if rule.Path == "" || !strings.HasPrefix(rule.Path, "/") {
		issues = append(issues, "path must start with /")
	}
	if !validMethods[rule.Method] {
		issues = append(issues, fmt.Sprintf("method %q is not a valid HTTP verb or ALL", rule.Method))
	}
	if rule.WindowMs < models.MinWindowMs || rule.WindowMs > models.MaxWindowMs {
		issues = append(issues, fmt.Sprintf("window_ms must be between %d and %d", models.MinWindowMs, models.MaxWindowMs))
	}
	if rule.MaxRequests < models.MinMaxRequests || rule.MaxRequests > models.MaxMaxRequests {
		issues = append(issues, fmt.Sprintf("max_requests must be between %d and %d", models.MinMaxRequests, models.MaxMaxRequests))
	}
	if rule.UserTier == "" {
		issues = append(issues, "user_tier is required")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

var validMethods = map[string]bool{
	models.MethodAll: true,
	"GET":            true,
	"POST":           true,
	"PUT":            true,
	"PATCH":          true,
	"DELETE":         true,
	"HEAD":           true,
	"OPTIONS":        true,
}

func normalizeMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return models.MethodAll
	}
	return method
}

func normalizeTier(tier string) string {
	tier = strings.TrimSpace(tier)
	if tier == "" {
		return models.TierAll
	}
	return tier
}
