package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// DB wraps the database connection and provides health checks
type DB struct {
	conn *sqlx.DB

	// Budgets are read on every reserve; cache them briefly.
	budgetCache *LRUCache
}

// DBConfig holds database configuration
type DBConfig struct {
	// DSN is the Postgres connection string (DATABASE_URL).
	DSN string

	// Pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Cache settings
	BudgetCacheSize int
	BudgetCacheTTL  time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() DBConfig {
	return DBConfig{
		DSN: "postgres://postgres@localhost:5432/token_budget?sslmode=disable",

		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		BudgetCacheSize: 1000,
		BudgetCacheTTL:  30 * time.Second,
	}
}

// NewDB creates a new database connection with caching
func NewDB(cfg DBConfig) (*DB, error) {
	conn, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &DB{
		conn:        conn,
		budgetCache: NewLRUCache(cfg.BudgetCacheSize, cfg.BudgetCacheTTL),
	}, nil
}

// Close closes the database connection and clears caches
func (db *DB) Close() error {
	db.budgetCache.Clear()
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := db.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// Conn returns the underlying sqlx connection.
// Use this for custom queries not covered by repositories.
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

// BudgetCache returns the budget row cache.
func (db *DB) BudgetCache() *LRUCache {
	return db.budgetCache
}

// CleanupExpiredCacheEntries removes expired entries from all caches.
// Should be called periodically (e.g., every minute).
func (db *DB) CleanupExpiredCacheEntries() int {
	return db.budgetCache.CleanupExpired()
}

// Repository factory methods

// NewBudgetRepository creates a new budget repository
func (db *DB) NewBudgetRepository() *BudgetRepository {
	return NewBudgetRepository(db)
}

// NewAggregateRepository creates a new window aggregate repository
func (db *DB) NewAggregateRepository() *AggregateRepository {
	return NewAggregateRepository(db)
}

// NewUsageEventRepository creates a new usage event repository
func (db *DB) NewUsageEventRepository() *UsageEventRepository {
	return NewUsageEventRepository(db)
}
