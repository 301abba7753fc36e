// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Recycle policies for pooled connections.
const (
	RecycleFast     = "fast"
	RecycleVerified = "verified"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// PoolConfig provides connection lease settings.
type PoolConfig interface {
	DatabaseConfig
	GetPoolMaxConns() int32
	GetPoolMinConns() int32
	GetPoolMaxConnLifetime() time.Duration
	GetPoolMaxConnIdleTime() time.Duration
	GetPoolHealthCheckPeriod() time.Duration
	GetPoolRecycleMethod() string
	GetPoolAcquireTimeout() time.Duration
	GetPoolAcquireRetries() uint64
	GetPoolAcquireBackoff() time.Duration
}

// SearchConfig provides defaults and limits for business search.
type SearchConfig interface {
	GetSearchDefaultLatitude() float64
	GetSearchDefaultLongitude() float64
	GetSearchDefaultRadius() float64
	GetSearchMaxRadius() float64
	GetSearchDefaultLimit() int
	GetSearchMaxLimit() int
	GetSearchTextLanguage() string
	GetSearchMaxMappingFaultRatio() float64
	GetSearchZeroCoordinateIsUnset() bool
}

// CursorConfig provides the pagination token signing key.
type CursorConfig interface {
	GetCursorSigningKey() []byte
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
	GetShutdownTimeout() time.Duration
	GetRequestTimeout() time.Duration
}

// RateLimitConfig provides per-client request rate limits.
type RateLimitConfig interface {
	GetRateLimitPerSecond() float64
	GetRateLimitBurst() int
}

// CacheConfig provides settings for the optional Redis view cache.
type CacheConfig interface {
	GetRedisURL() string
	GetViewCacheTTL() time.Duration
	IsViewCacheEnabled() bool
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                   string
	HTTPAddr              string
	ShutdownTimeout       time.Duration
	RequestTimeout        time.Duration
	DatabaseURL           string
	PoolMaxConns          int32
	PoolMinConns          int32
	PoolMaxConnLifetime   time.Duration
	PoolMaxConnIdleTime   time.Duration
	PoolHealthCheckPeriod time.Duration
	PoolRecycleMethod     string
	PoolAcquireTimeout    time.Duration
	PoolAcquireRetries    uint64
	PoolAcquireBackoff    time.Duration
	SearchDefaultLat      float64
	SearchDefaultLng      float64
	SearchDefaultRadius   float64
	SearchMaxRadius       float64
	SearchDefaultLimit    int
	SearchMaxLimit        int
	SearchTextLanguage    string
	SearchMaxFaultRatio   float64
	SearchZeroIsUnset     bool
	CursorSigningKey      []byte
	CORSAllowAll          bool
	CORSOrigins           []string
	CORSAllowCreds        bool
	RateLimitPerSecond    float64
	RateLimitBurst        int
	RedisURL              string
	ViewCacheTTL          time.Duration
	MigrationsEnabled     bool
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// PoolConfig implementation
func (c *Config) GetPoolMaxConns() int32                  { return c.PoolMaxConns }
func (c *Config) GetPoolMinConns() int32                  { return c.PoolMinConns }
func (c *Config) GetPoolMaxConnLifetime() time.Duration   { return c.PoolMaxConnLifetime }
func (c *Config) GetPoolMaxConnIdleTime() time.Duration   { return c.PoolMaxConnIdleTime }
func (c *Config) GetPoolHealthCheckPeriod() time.Duration { return c.PoolHealthCheckPeriod }
func (c *Config) GetPoolRecycleMethod() string            { return c.PoolRecycleMethod }
func (c *Config) GetPoolAcquireTimeout() time.Duration    { return c.PoolAcquireTimeout }
func (c *Config) GetPoolAcquireRetries() uint64           { return c.PoolAcquireRetries }
func (c *Config) GetPoolAcquireBackoff() time.Duration    { return c.PoolAcquireBackoff }

// SearchConfig implementation
func (c *Config) GetSearchDefaultLatitude() float64      { return c.SearchDefaultLat }
func (c *Config) GetSearchDefaultLongitude() float64     { return c.SearchDefaultLng }
func (c *Config) GetSearchDefaultRadius() float64        { return c.SearchDefaultRadius }
func (c *Config) GetSearchMaxRadius() float64            { return c.SearchMaxRadius }
func (c *Config) GetSearchDefaultLimit() int             { return c.SearchDefaultLimit }
func (c *Config) GetSearchMaxLimit() int                 { return c.SearchMaxLimit }
func (c *Config) GetSearchTextLanguage() string          { return c.SearchTextLanguage }
func (c *Config) GetSearchMaxMappingFaultRatio() float64 { return c.SearchMaxFaultRatio }
func (c *Config) GetSearchZeroCoordinateIsUnset() bool   { return c.SearchZeroIsUnset }

// CursorConfig implementation
func (c *Config) GetCursorSigningKey() []byte { return c.CursorSigningKey }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string               { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool             { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string          { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool           { return c.CORSAllowCreds }
func (c *Config) GetShutdownTimeout() time.Duration { return c.ShutdownTimeout }
func (c *Config) GetRequestTimeout() time.Duration  { return c.RequestTimeout }

// RateLimitConfig implementation
func (c *Config) GetRateLimitPerSecond() float64 { return c.RateLimitPerSecond }
func (c *Config) GetRateLimitBurst() int         { return c.RateLimitBurst }

// CacheConfig implementation
func (c *Config) GetRedisURL() string            { return c.RedisURL }
func (c *Config) GetViewCacheTTL() time.Duration { return c.ViewCacheTTL }
func (c *Config) IsViewCacheEnabled() bool       { return c.RedisURL != "" && c.ViewCacheTTL > 0 }

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool { return strings.EqualFold(c.Env, "development") }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "*"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	var p envParser
	cfg := &Config{
		Env:                   getEnv("APP_ENV", "development"),
		HTTPAddr:              getEnv("HTTP_ADDR", ":8080"),
		ShutdownTimeout:       p.duration("HTTP_SHUTDOWN_TIMEOUT", "10s"),
		RequestTimeout:        p.duration("HTTP_REQUEST_TIMEOUT", "15s"),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		PoolMaxConns:          int32(p.integer("DB_POOL_MAX_CONNS", "16")),
		PoolMinConns:          int32(p.integer("DB_POOL_MIN_CONNS", "0")),
		PoolMaxConnLifetime:   p.duration("DB_POOL_MAX_CONN_LIFETIME", "1h"),
		PoolMaxConnIdleTime:   p.duration("DB_POOL_MAX_CONN_IDLE_TIME", "30m"),
		PoolHealthCheckPeriod: p.duration("DB_POOL_HEALTH_CHECK_PERIOD", "1m"),
		PoolRecycleMethod:     strings.ToLower(getEnv("DB_POOL_RECYCLE_METHOD", RecycleFast)),
		PoolAcquireTimeout:    p.duration("DB_POOL_ACQUIRE_TIMEOUT", "2s"),
		PoolAcquireRetries:    uint64(max(0, p.integer("DB_POOL_ACQUIRE_RETRIES", "2"))),
		PoolAcquireBackoff:    p.duration("DB_POOL_ACQUIRE_BACKOFF", "50ms"),
		SearchDefaultLat:      p.float("SEARCH_DEFAULT_LATITUDE", "40.7128"),
		SearchDefaultLng:      p.float("SEARCH_DEFAULT_LONGITUDE", "-74.0060"),
		SearchDefaultRadius:   p.float("SEARCH_DEFAULT_RADIUS_METERS", "5000"),
		SearchMaxRadius:       p.float("SEARCH_MAX_RADIUS_METERS", "50000"),
		SearchDefaultLimit:    int(p.integer("SEARCH_DEFAULT_LIMIT", "20")),
		SearchMaxLimit:        int(p.integer("SEARCH_MAX_LIMIT", "100")),
		SearchTextLanguage:    getEnv("SEARCH_TEXT_LANGUAGE", "english"),
		SearchMaxFaultRatio:   p.float("SEARCH_MAX_MAPPING_FAULT_RATIO", "0.1"),
		SearchZeroIsUnset:     strings.EqualFold(getEnv("SEARCH_ZERO_COORDINATE_IS_UNSET", "false"), "true"),
		CORSAllowAll:          corsAllowAll,
		CORSOrigins:           corsOrigins,
		CORSAllowCreds:        strings.EqualFold(getEnv("CORS_ALLOW_CREDENTIALS", "false"), "true"),
		RateLimitPerSecond:    p.float("RATE_LIMIT_PER_SECOND", "20"),
		RateLimitBurst:        int(p.integer("RATE_LIMIT_BURST", "40")),
		RedisURL:              getEnv("REDIS_URL", ""),
		ViewCacheTTL:          p.duration("VIEW_CACHE_TTL", "0s"),
		MigrationsEnabled:     strings.EqualFold(getEnv("DB_MIGRATIONS_ENABLED", "true"), "true"),
	}

	if err := p.err(); err != nil {
		return nil, err
	}

	key, err := parseSigningKey(getEnv("CURSOR_SIGNING_KEY", ""))
	if err != nil {
		return nil, err
	}
	cfg.CursorSigningKey = key

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects impossible or unsafe combinations.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.PoolMaxConns < 1 {
		return fmt.Errorf("DB_POOL_MAX_CONNS must be at least 1")
	}
	if c.PoolMinConns < 0 || c.PoolMinConns > c.PoolMaxConns {
		return fmt.Errorf("DB_POOL_MIN_CONNS must be between 0 and DB_POOL_MAX_CONNS")
	}
	if c.PoolRecycleMethod != RecycleFast && c.PoolRecycleMethod != RecycleVerified {
		return fmt.Errorf("DB_POOL_RECYCLE_METHOD must be %q or %q", RecycleFast, RecycleVerified)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("HTTP_REQUEST_TIMEOUT must not be negative")
	}
	if c.PoolAcquireTimeout <= 0 {
		return fmt.Errorf("DB_POOL_ACQUIRE_TIMEOUT must be positive")
	}
	if math.IsNaN(c.SearchDefaultLat) || math.IsNaN(c.SearchDefaultLng) ||
		c.SearchDefaultLat < -90 || c.SearchDefaultLat > 90 || c.SearchDefaultLng < -180 || c.SearchDefaultLng > 180 {
		return fmt.Errorf("SEARCH_DEFAULT_LATITUDE/LONGITUDE out of range")
	}
	if !(c.SearchDefaultRadius > 0) || c.SearchMaxRadius < c.SearchDefaultRadius {
		return fmt.Errorf("SEARCH_DEFAULT_RADIUS_METERS must be positive and not exceed SEARCH_MAX_RADIUS_METERS")
	}
	if c.SearchDefaultLimit < 1 || c.SearchMaxLimit < c.SearchDefaultLimit {
		return fmt.Errorf("SEARCH_DEFAULT_LIMIT must be positive and not exceed SEARCH_MAX_LIMIT")
	}
	if math.IsNaN(c.SearchMaxFaultRatio) || c.SearchMaxFaultRatio < 0 || c.SearchMaxFaultRatio > 1 {
		return fmt.Errorf("SEARCH_MAX_MAPPING_FAULT_RATIO must be between 0 and 1")
	}
	if strings.TrimSpace(c.SearchTextLanguage) == "" {
		return fmt.Errorf("SEARCH_TEXT_LANGUAGE is required")
	}
	if len(c.CursorSigningKey) == 0 && !c.IsDevelopment() {
		return fmt.Errorf("CURSOR_SIGNING_KEY is required outside development")
	}
	if c.CORSAllowAll && c.CORSAllowCreds {
		return fmt.Errorf("CORS_ALLOW_CREDENTIALS cannot be true when CORS_ALLOW_ALL is true")
	}
	return nil
}

// parseSigningKey accepts a hex key, falling back to the raw bytes so
// operators can paste a passphrase. Keys shorter than 32 bytes are rejected.
func parseSigningKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(value)
	if err != nil {
		key = []byte(value)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("CURSOR_SIGNING_KEY must be at least 32 bytes")
	}
	return key, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

// envParser reads typed variables and collects every malformed value so a
// typo fails startup instead of zeroing a setting.
type envParser struct {
	errs []error
}

func (p *envParser) duration(key, fallback string) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(getEnv(key, fallback)))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return 0
	}
	return d
}

func (p *envParser) integer(key, fallback string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(getEnv(key, fallback)), 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return 0
	}
	return n
}

func (p *envParser) float(key, fallback string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(getEnv(key, fallback)), 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		p.errs = append(p.errs, fmt.Errorf("%s: must be a finite number", key))
		return 0
	}
	return f
}

func (p *envParser) err() error {
	return errors.Join(p.errs...)
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
