package proxy

import (
	"errors"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/fileboxlabs/gateway/internal/circuitbreaker"
	"github.com/fileboxlabs/gateway/internal/healthcheck"
	"github.com/fileboxlabs/gateway/internal/loadbalancer"
	"github.com/gin-gonic/gin"
)

// Proxy forwards requests that cleared the middleware chain to the storage
// app backends.
type Proxy struct {
	targets        []string
	proxies        map[string]*httputil.ReverseProxy
	circuitBreaker *circuitbreaker.CircuitBreaker
	loadBalancer   loadbalancer.Strategy
	healthChecker  *healthcheck.Checker
}

type Config struct {
	Targets        []string
	CircuitBreaker circuitbreaker.Config
	HealthCheck    healthcheck.Config
}

func New(targets []string) (*Proxy, error) {
	return NewWithConfig(Config{
		Targets: targets,
		CircuitBreaker: circuitbreaker.Config{
			MaxFailures:     5,
			Timeout:         30 * time.Second,
			HalfOpenSuccess: 1,
		},
	})
}

func NewWithConfig(cfg Config) (*Proxy, error) {
	if len(cfg.Targets) == 0 {
		return nil, errors.New("at least one target is required")
	}

	proxies := make(map[string]*httputil.ReverseProxy)
	for _, targetURL := range cfg.Targets {
		target, err := url.Parse(targetURL)
		if err != nil {
			return nil, err
		}

		proxies[targetURL] = httputil.NewSingleHostReverseProxy(target)
	}

	if cfg.HealthCheck.Targets == nil {
		cfg.HealthCheck.Targets = cfg.Targets
	}

	hc := healthcheck.NewChecker(&cfg.HealthCheck)
	hc.Start()

	p := &Proxy{
		targets:        cfg.Targets,
		proxies:        proxies,
		circuitBreaker: circuitbreaker.New(cfg.CircuitBreaker),
		loadBalancer:   loadbalancer.NewRoundRobin(),
		healthChecker:  hc,
	}

	log.Printf("Proxy initialized with %d targets, strategy: %s", len(cfg.Targets), p.loadBalancer.Name())

	return p, nil
}

// Forwards the request to a healthy backend
func (p *Proxy) Handle(c *gin.Context) {
	healthyTargets := p.healthChecker.GetHealthyTargets()
	if len(healthyTargets) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "No healthy backend servers available",
		})
		return
	}

	selectedTarget := p.loadBalancer.Next(healthyTargets)
	targetProxy, exists := p.proxies[selectedTarget]
	if !exists {
		log.Printf("Proxy not found for target: %s", selectedTarget)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to select backend server",
		})
		return
	}

	target, _ := url.Parse(selectedTarget)

	err := p.circuitBreaker.Call(func() error {
		recorder := &responseRecorder{
			ResponseWriter: c.Writer,
			statusCode:     http.StatusOK,
		}

		req := c.Request
		req.URL.Host = target.Host
		req.URL.Scheme = target.Scheme
		req.Header.Set("X-Forwarded-Host", req.Header.Get("Host"))
		req.Host = target.Host

		if clientIP := c.ClientIP(); clientIP != "" {
			req.Header.Set("X-Forwarded-For", clientIP)
		}

		c.Header("X-Backend-Server", selectedTarget)
		c.Writer = recorder

		targetProxy.ServeHTTP(c.Writer, req)

		if recorder.statusCode >= 500 {
			return errors.New("backend error")
		}

		return nil
	})

	if err == circuitbreaker.ErrCircuitOpen {
		log.Printf("Circuit breaker open for %s", selectedTarget)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Service temporarily unavailable",
		})
	}
}

// Returns the current circuit breaker state
func (p *Proxy) CircuitBreakerState() circuitbreaker.State {
	return p.circuitBreaker.State()
}

// Overall backend health for the /health endpoint
func (p *Proxy) Health() healthcheck.HealthStatus {
	return p.healthChecker.OverallHealth()
}

// Stop halts background health checking.
func (p *Proxy) Stop() {
	p.healthChecker.Stop()
}

type responseRecorder struct {
	gin.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
