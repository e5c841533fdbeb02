package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fileboxlabs/gateway/internal/config"
	"github.com/fileboxlabs/gateway/internal/counter"
	"github.com/fileboxlabs/gateway/internal/ratelimit"
)

func newLimitedRouter(t *testing.T, defaults []config.PathDefault, adaptive ratelimit.AdaptivePolicy, pre ...gin.HandlerFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	resolver := ratelimit.NewResolver(nil, defaults, time.Minute)
	limiter := ratelimit.NewLimiter(counter.NewMemoryStore())

	router := gin.New()
	router.Use(pre...)
	router.Use(RateLimit(resolver, limiter, adaptive))
	router.POST("/api/auth/login", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	router.GET("/api/files", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return router
}

func doRequest(router *gin.Engine, method, path, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = ip + ":54321"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimit_LoginBudgetExhaustion(t *testing.T) {
	router := newLimitedRouter(t, []config.PathDefault{
		{Path: "/api/auth/login", WindowMs: 600000, MaxRequests: 5},
	}, ratelimit.AdaptivePolicy{MaxRequests: 60, Window: time.Minute})

	for i := 0; i < 5; i++ {
		w := doRequest(router, http.MethodPost, "/api/auth/login", "198.51.100.10")
		require.Equal(t, http.StatusOK, w.Code, "attempt %d", i+1)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(4-i), w.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, "default:/api/auth/login", w.Header().Get("X-RateLimit-Rule"))
	}

	w := doRequest(router, http.MethodPost, "/api/auth/login", "198.51.100.10")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryAfter, 0)

	assert.Contains(t, w.Body.String(), "Rate limit exceeded")

	// A different client still has a full budget
	w = doRequest(router, http.MethodPost, "/api/auth/login", "198.51.100.11")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_ResetHeaderIsUnixTime(t *testing.T) {
	router := newLimitedRouter(t, []config.PathDefault{
		{Path: "/api/files", WindowMs: 60000, MaxRequests: 5},
	}, ratelimit.AdaptivePolicy{})

	w := doRequest(router, http.MethodGet, "/api/files", "198.51.100.10")
	require.Equal(t, http.StatusOK, w.Code)

	reset, err := strconv.ParseInt(w.Header().Get("X-RateLimit-Reset"), 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Add(time.Minute).Unix(), reset, 2)
}

func TestRateLimit_AdaptiveFallbackForUnruledPath(t *testing.T) {
	router := newLimitedRouter(t, nil, ratelimit.AdaptivePolicy{MaxRequests: 2, Window: time.Minute})

	for i := 0; i < 2; i++ {
		w := doRequest(router, http.MethodGet, "/api/files", "198.51.100.10")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, ratelimit.AdaptiveRuleID, w.Header().Get("X-RateLimit-Rule"))
	}

	w := doRequest(router, http.MethodGet, "/api/files", "198.51.100.10")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRateLimit_PreflightNeverCounted(t *testing.T) {
	router := newLimitedRouter(t, []config.PathDefault{
		{Path: "/api/files", WindowMs: 60000, MaxRequests: 1},
	}, ratelimit.AdaptivePolicy{}, CORS())

	for i := 0; i < 5; i++ {
		w := doRequest(router, http.MethodOptions, "/api/files", "198.51.100.10")
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}

	// The real request still sees a full budget afterwards
	w := doRequest(router, http.MethodGet, "/api/files", "198.51.100.10")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimit_AuthenticatedIdentityBeatsIP(t *testing.T) {
	setUser := func(id string) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Set("user_id", id)
			c.Next()
		}
	}

	router := newLimitedRouter(t, []config.PathDefault{
		{Path: "/api/files", WindowMs: 60000, MaxRequests: 1},
	}, ratelimit.AdaptivePolicy{}, setUser("user-1"))

	// Same IP both times, but the budget belongs to the user id
	w := doRequest(router, http.MethodGet, "/api/files", "198.51.100.10")
	require.Equal(t, http.StatusOK, w.Code)
	w = doRequest(router, http.MethodGet, "/api/files", "198.51.100.10")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	other := newLimitedRouter(t, []config.PathDefault{
		{Path: "/api/files", WindowMs: 60000, MaxRequests: 1},
	}, ratelimit.AdaptivePolicy{}, setUser("user-2"))
	w = doRequest(other, http.MethodGet, "/api/files", "198.51.100.10")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_TierScopedRule(t *testing.T) {
	setTier := func(tier string) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Set("user_tier", tier)
			c.Next()
		}
	}

	defaults := []config.PathDefault{
		{Path: "/api/files", UserTier: "free", WindowMs: 60000, MaxRequests: 1},
	}

	free := newLimitedRouter(t, defaults, ratelimit.AdaptivePolicy{MaxRequests: 100, Window: time.Minute}, setTier("free"))
	w := doRequest(free, http.MethodGet, "/api/files", "198.51.100.10")
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))

	// A pro caller does not match the free-tier rule and falls to adaptive
	pro := newLimitedRouter(t, defaults, ratelimit.AdaptivePolicy{MaxRequests: 100, Window: time.Minute}, setTier("pro"))
	w = doRequest(pro, http.MethodGet, "/api/files", "198.51.100.10")
	assert.Equal(t, ratelimit.AdaptiveRuleID, w.Header().Get("X-RateLimit-Rule"))
}

type failingStore struct{}

func (failingStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, counter.ErrBackendUnavailable
}
func (failingStore) Get(ctx context.Context, key string) (*counter.Entry, error) {
	return nil, counter.ErrBackendUnavailable
}
func (failingStore) Delete(ctx context.Context, key string) error {
	return counter.ErrBackendUnavailable
}
func (failingStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return nil, counter.ErrBackendUnavailable
}
func (failingStore) DeleteAll(ctx context.Context, pattern string) (int64, error) {
	return 0, counter.ErrBackendUnavailable
}

func TestRateLimit_FailsOpenWhenStoreIsDown(t *testing.T) {
	gin.SetMode(gin.TestMode)

	resolver := ratelimit.NewResolver(nil, []config.PathDefault{
		{Path: "/api/files", WindowMs: 60000, MaxRequests: 1},
	}, time.Minute)
	limiter := ratelimit.NewLimiter(failingStore{})

	router := gin.New()
	router.Use(RateLimit(resolver, limiter, ratelimit.AdaptivePolicy{}))
	router.GET("/api/files", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	// Every request goes through despite the dead backend
	for i := 0; i < 10; i++ {
		w := doRequest(router, http.MethodGet, "/api/files", "198.51.100.10")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}
