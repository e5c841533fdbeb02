package middleware

import (
	"log"
	"net/http"
	"strconv"

	"github.com/fileboxlabs/gateway/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// RateLimit decides allow/deny for every inbound request: resolve the
// applicable rule, run the fixed-window check, annotate quota headers, and
// short-circuit with 429 when the caller is over budget.
//
// Rate limiting must never be the reason the whole gateway is down. Any
// internal failure during evaluation is logged and the request forwarded.
func RateLimit(resolver *ratelimit.Resolver, limiter *ratelimit.Limiter, adaptive ratelimit.AdaptivePolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Preflights are answered by the CORS middleware and never counted
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		identity := callerIdentity(c)
		tier := callerTier(c)
		path := c.Request.URL.Path

		rule := resolver.Resolve(ctx, path, c.Request.Method, tier)

		var decision ratelimit.Decision
		var err error
		if rule != nil {
			decision, err = limiter.CheckRule(ctx, rule, identity, path)
		} else {
			decision, err = limiter.CheckAdaptive(ctx, identity, adaptive)
		}

		if err != nil {
			// Fail open: the counter backend is unavailable and the local
			// fallback also failed, or the check itself errored
			requestID := c.GetString("request_id")
			log.Printf("[%s] Rate limit check failed, allowing request: %v", requestID, err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		c.Header("X-RateLimit-Rule", decision.RuleID)

		if !decision.Allowed {
			c.Header("Retry-After", strconv.Itoa(decision.RetryAfter()))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":     "Rate limit exceeded",
				"limit":     decision.Limit,
				"remaining": 0,
				"reset_at":  decision.ResetAt.Unix(),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// The authenticated user id when present, else the client IP
func callerIdentity(c *gin.Context) string {
	if userID := c.GetString("user_id"); userID != "" {
		return userID
	}
	return c.ClientIP()
}

func callerTier(c *gin.Context) string {
	if tier := c.GetString("user_tier"); tier != "" {
		return tier
	}
	return "anonymous"
}
