package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/fileboxlabs/gateway/internal/circuitbreaker"
	"github.com/fileboxlabs/gateway/internal/config"
	"github.com/fileboxlabs/gateway/internal/counter"
	"github.com/fileboxlabs/gateway/internal/handler"
	"github.com/fileboxlabs/gateway/internal/healthcheck"
	"github.com/fileboxlabs/gateway/internal/middleware"
	"github.com/fileboxlabs/gateway/internal/proxy"
	"github.com/fileboxlabs/gateway/internal/ratelimit"
	"github.com/fileboxlabs/gateway/internal/repository"
	"github.com/fileboxlabs/gateway/internal/service"
	"github.com/fileboxlabs/gateway/internal/storage"
	"github.com/gin-gonic/gin"
)

type Server struct {
	router      *gin.Engine
	config      *config.Config
	redis       *storage.RedisClient
	postgres    *storage.Postgres
	counters    counter.Store
	failover    *counter.FailoverStore
	proxies     map[string]*proxy.Proxy
	authHandler *handler.AuthHandler
	ruleHandler *handler.RateLimitRuleHandler
	httpServer  *http.Server
	stopJanitor context.CancelFunc
}

// New wires the rate-limiting subsystem and the proxy pipeline. redis may be
// nil, in which case counters live in the process-local store only.
func New(cfg *config.Config, redis *storage.RedisClient, postgres *storage.Postgres) *Server {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	s := &Server{
		router:   router,
		config:   cfg,
		redis:    redis,
		postgres: postgres,
		proxies:  make(map[string]*proxy.Proxy),
	}

	// Counter store: shared Redis with local failover when configured,
	// local only otherwise
	local := counter.NewMemoryStore()
	janitorCtx, cancel := context.WithCancel(context.Background())
	s.stopJanitor = cancel
	local.StartJanitor(janitorCtx, 2*time.Minute)

	if redis != nil {
		primary := counter.NewRedisStore(redis, !cfg.Redis.DisableScan)
		s.failover = counter.NewFailoverStore(primary, local, circuitbreaker.Config{
			MaxFailures:     3,
			Timeout:         15 * time.Second,
			HalfOpenSuccess: 1,
		})
		s.counters = s.failover
	} else {
		log.Println("No Redis configured, rate limit counters are per-instance only")
		s.counters = local
	}

	ruleRepo := repository.NewRateLimitRuleRepository(postgres)
	userRepo := repository.NewUserRepository(postgres)

	resolver := ratelimit.NewResolver(
		ruleRepo,
		cfg.RateLimit.PathDefaults,
		time.Duration(cfg.RateLimit.RuleCacheTTLMs)*time.Millisecond,
	)
	limiter := ratelimit.NewLimiter(s.counters)
	adaptive := ratelimit.AdaptivePolicy{
		MaxRequests: cfg.RateLimit.AdaptiveMaxRequests,
		Window:      time.Duration(cfg.RateLimit.AdaptiveWindowMs) * time.Millisecond,
	}

	authService := service.NewAuthService(userRepo, cfg.Auth.JWTSecret, cfg.Auth.ExpiryHours)
	ruleService := service.NewRateLimitRuleService(ruleRepo, s.counters, resolver, adaptive)

	s.authHandler = handler.NewAuthHandler(authService)
	s.ruleHandler = handler.NewRateLimitRuleHandler(ruleService)

	s.initializeProxies()

	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger())
	s.router.Use(middleware.CORS())
	s.router.Use(middleware.OptionalAuth(authService))
	s.router.Use(middleware.RateLimit(resolver, limiter, adaptive))

	s.setupRoutes(authService)

	return s
}

func (s *Server) initializeProxies() {
	for _, svc := range s.config.Services {
		if len(svc.Targets) == 0 {
			log.Printf("Warning: Service %s has no targets configured", svc.Path)
			continue
		}

		p, err := proxy.New(svc.Targets)
		if err != nil {
			log.Printf("Failed to create proxy for %s: %v", svc.Path, err)
			continue
		}

		s.proxies[svc.Path] = p
		log.Printf("Initialized proxy for %s -> %v", svc.Path, svc.Targets)
	}
}

func (s *Server) setupRoutes(authService *service.AuthService) {
	s.router.GET("/health", s.healthCheck)

	auth := s.router.Group("/auth")
	{
		auth.POST("/register", s.authHandler.Register)
		auth.POST("/login", s.authHandler.Login)
	}

	admin := s.router.Group("/admin")
	admin.Use(middleware.RequireAuth(authService), middleware.RequireAdmin())
	{
		admin.GET("/rules", s.ruleHandler.List)
		admin.POST("/rules", s.ruleHandler.Create)
		admin.GET("/rules/:id", s.ruleHandler.Get)
		admin.PUT("/rules/:id", s.ruleHandler.Update)
		admin.DELETE("/rules/:id", s.ruleHandler.Delete)

		admin.GET("/limits/active", s.ruleHandler.ActiveLimits)
		admin.POST("/limits/clear", s.ruleHandler.ClearKey)
		admin.DELETE("/limits", s.ruleHandler.ClearAll)
	}

	s.setupProxyRoutes()
}

func (s *Server) setupProxyRoutes() {
	for path, proxyInstance := range s.proxies {
		proxyPath := path
		p := proxyInstance

		s.router.Any(proxyPath+"/*proxyPath", func(c *gin.Context) {
			p.Handle(c)
		})

		s.router.Any(proxyPath, func(c *gin.Context) {
			p.Handle(c)
		})

		log.Printf("Registered proxy route: %s", proxyPath)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	checks := gin.H{}

	redisHealthy := true
	if s.redis != nil {
		if err := s.redis.Ping(c.Request.Context()); err != nil {
			redisHealthy = false
			log.Printf("Redis health check failed: %v", err)
		}
		checks["redis"] = redisHealthy
		if s.failover != nil {
			checks["counter_breaker"] = s.failover.BreakerState().String()
		}
	}

	dbHealthy := true
	if err := s.postgres.Ping(c.Request.Context()); err != nil {
		dbHealthy = false
		log.Printf("Database health check failed: %v", err)
	}
	checks["database"] = dbHealthy

	backendsHealthy := true
	if len(s.proxies) > 0 {
		backends, ok := backendHealth(s.proxies)
		checks["backends"] = backends
		backendsHealthy = ok
	}

	status := "healthy"
	statusCode := http.StatusOK

	// A Redis outage degrades counting to per-instance and a dead backend
	// degrades one proxied service, but the gateway still serves; only a
	// database outage takes the admin surface down
	if !redisHealthy || !backendsHealthy {
		status = "degraded"
	}
	if !dbHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    status,
		"service":   "filebox-gateway",
		"timestamp": time.Now().Unix(),
		"checks":    checks,
	})
}

// backendHealth reports per-service backend status and whether every service
// still has at least one healthy target.
func backendHealth(proxies map[string]*proxy.Proxy) (gin.H, bool) {
	statuses := gin.H{}
	allServing := true

	for path, p := range proxies {
		h := p.Health()
		statuses[path] = h.String()
		if h == healthcheck.Unhealthy {
			allServing = false
		}
	}

	return statuses, allServing
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	log.Printf("Starting gateway on %s", addr)
	log.Printf("Environment: %s", s.config.Server.Environment)

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down server...")

	s.stopJanitor()
	for _, p := range s.proxies {
		p.Stop()
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
