package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Redis     RedisConfig     `json:"redis"`
	Database  DatabaseConfig  `json:"database"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Auth      AuthConfig      `json:"auth"`
	Services  []ServiceConfig `json:"services"`
}

type ServerConfig struct {
	Port        string `json:"port"`
	Environment string `json:"environment"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`

	// Managed Redis offerings sometimes block SCAN/KEYS. When set, key
	// enumeration and bulk clear report unsupported instead of failing
	// mid-iteration.
	DisableScan bool `json:"disable_scan"`
}

type DatabaseConfig struct {
	DSN string `json:"dsn"`
}

type RateLimitConfig struct {
	// Fallback policy for API paths with no explicit rule
	AdaptiveMaxRequests int   `json:"adaptive_max_requests"`
	AdaptiveWindowMs    int64 `json:"adaptive_window_ms"`

	// How long the resolver may serve a cached rule set before re-reading
	// the database
	RuleCacheTTLMs int64 `json:"rule_cache_ttl_ms"`

	// Static path-prefix defaults, consulted alongside custom rules
	PathDefaults []PathDefault `json:"path_defaults"`
}

type PathDefault struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	WindowMs    int64  `json:"window_ms"`
	MaxRequests int    `json:"max_requests"`
	UserTier    string `json:"user_tier"`
}

type AuthConfig struct {
	JWTSecret   string `json:"jwt_secret"`
	ExpiryHours int    `json:"expiry_hours"`
}

type ServiceConfig struct {
	Path    string   `json:"path"`
	Targets []string `json:"targets"`
}

func Load(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	config.applyEnvOverrides()
	config.applyDefaults()

	return &config, nil
}

// Environment variables win over config.json so secrets stay out of the file
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Server.Environment = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		c.Redis.Port = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Redis.Port == "" {
		c.Redis.Port = "6379"
	}
	if c.RateLimit.AdaptiveMaxRequests <= 0 {
		c.RateLimit.AdaptiveMaxRequests = 60
	}
	if c.RateLimit.AdaptiveWindowMs <= 0 {
		c.RateLimit.AdaptiveWindowMs = 60_000
	}
	if c.RateLimit.RuleCacheTTLMs <= 0 {
		c.RateLimit.RuleCacheTTLMs = 30_000
	}
	if c.Auth.ExpiryHours <= 0 {
		c.Auth.ExpiryHours = 24
	}
}

func (r *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}
