package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the budget service.
type Config struct {
	HTTPPort  string
	Database  DatabaseConfig
	Cache     CacheConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Sweeper   SweeperConfig
}

// DatabaseConfig holds database connection settings. An empty URL
// selects the in-memory store (standalone/dev deployments).
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// CacheConfig holds budget cache settings
type CacheConfig struct {
	BudgetCacheSize int
	BudgetCacheTTL  time.Duration
}

// RedisConfig holds Redis connection settings. An empty address
// disables Redis-backed rate limiting.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RateLimitConfig holds per-user request throttling settings
type RateLimitConfig struct {
	PerUserPerMinute int
}

// SweeperConfig holds stale-reservation sweeper settings
type SweeperConfig struct {
	Enabled   bool
	Interval  time.Duration
	TTL       time.Duration
	BatchSize int
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val == "true" || val == "1"
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort: getEnvString("HTTP_PORT", "8080"),
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},
		Cache: CacheConfig{
			BudgetCacheSize: getEnvInt("CACHE_BUDGET_SIZE", 1000),
			BudgetCacheTTL:  getEnvDuration("CACHE_BUDGET_TTL", 30*time.Second),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", ""),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		RateLimit: RateLimitConfig{
			PerUserPerMinute: getEnvInt("RATE_LIMIT_PER_USER_PER_MINUTE", 0),
		},
		Sweeper: SweeperConfig{
			Enabled:   getEnvBool("SWEEPER_ENABLED", false),
			Interval:  getEnvDuration("SWEEPER_INTERVAL", time.Minute),
			TTL:       getEnvDuration("SWEEPER_TTL", 30*time.Minute),
			BatchSize: getEnvInt("SWEEPER_BATCH_SIZE", 100),
		},
	}

	return cfg, nil
}
