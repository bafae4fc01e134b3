package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"token_budget/internal/budget"
	"token_budget/internal/config"
	"token_budget/internal/models"
	"token_budget/internal/ratelimit"
	"token_budget/internal/storage"
	"token_budget/internal/utils"
)

// BudgetAdminStore is the admin surface over budget rows.
type BudgetAdminStore interface {
	Upsert(ctx context.Context, budget *models.TokenBudget) error
	GetByUserID(ctx context.Context, userID string) (*models.TokenBudget, error)
	List(ctx context.Context, limit, offset int) ([]*models.TokenBudget, error)
}

// UsageReportStore aggregates the usage ledger for the dashboard.
type UsageReportStore interface {
	WindowTotals(ctx context.Context, userID string, start, end int64) (*models.UsageTotals, error)
	DailySeries(ctx context.Context, userID string, start, end int64, tzName string) ([]*models.UsageSeriesPoint, error)
	ModelBreakdown(ctx context.Context, userID string, start, end int64, limit int) ([]*models.ModelUsage, error)
	Activity(ctx context.Context, userID string, start, end int64, limit, offset int) ([]*models.TokenUsageEvent, int, error)
}

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Engine  *budget.Service
	Budgets BudgetAdminStore
	Reports UsageReportStore
	Limiter ratelimit.Limiter
	Sweeper *budget.Sweeper

	RateLimitPerUser int

	db    *storage.DB
	redis *storage.RedisClient
}

// NewRouter creates an HTTP router with all dependencies wired up.
// With DATABASE_URL set it runs against Postgres; without it, against
// the in-memory store (standalone/dev mode). Redis is optional and
// only enables per-user rate limiting.
func NewRouter(cfg *config.Config) (*http.ServeMux, *Dependencies, error) {
	deps := &Dependencies{
		RateLimitPerUser: cfg.RateLimit.PerUserPerMinute,
	}

	var (
		budgets    budget.BudgetStore
		aggregates budget.AggregateStore
		events     budget.EventStore
		stale      budget.StaleEventStore
	)

	if cfg.Database.URL != "" {
		db, err := storage.NewDB(storage.DBConfig{
			DSN:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
			BudgetCacheSize: cfg.Cache.BudgetCacheSize,
			BudgetCacheTTL:  cfg.Cache.BudgetCacheTTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		deps.db = db

		budgetRepo := db.NewBudgetRepository()
		eventRepo := db.NewUsageEventRepository()
		budgets, aggregates, events = budgetRepo, db.NewAggregateRepository(), eventRepo
		stale = eventRepo
		deps.Budgets = budgetRepo
		deps.Reports = eventRepo
	} else {
		mem := storage.NewMemoryStore()
		budgets, aggregates, events = mem, mem, mem
		stale = mem
		deps.Budgets = mem
		deps.Reports = mem
	}

	deps.Engine = budget.NewService(budgets, aggregates, events)

	deps.Limiter = ratelimit.NewNoopLimiter()
	if cfg.Redis.Address != "" {
		redisClient, err := storage.NewRedisClient(storage.RedisConfig{
			Address:      cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			if deps.db != nil {
				deps.db.Close()
			}
			return nil, nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		deps.redis = redisClient
		deps.Limiter = ratelimit.NewRateLimiter(redisClient.Client())
	}

	if cfg.Sweeper.Enabled {
		deps.Sweeper = budget.NewSweeper(deps.Engine, stale, budget.SweeperConfig{
			Interval:  cfg.Sweeper.Interval,
			TTL:       cfg.Sweeper.TTL,
			BatchSize: cfg.Sweeper.BatchSize,
		})
		deps.Sweeper.Start(context.Background())
	}

	return NewMux(deps), deps, nil
}

// NewMux builds the route table over already-wired dependencies.
// Split out so tests can mount handlers over the in-memory store.
func NewMux(deps *Dependencies) *http.ServeMux {
	mux := http.NewServeMux()

	adminHandler := NewAdminBudgetsHandler(deps.Budgets)
	budgetHandler := NewBudgetHandler(deps.Engine)
	usageHandler := NewUsageHandler(deps.Engine, deps.Budgets, deps.Reports)

	limited := func(h http.HandlerFunc) http.Handler {
		return RateLimitMiddleware(deps.Limiter, deps.RateLimitPerUser, h)
	}

	mux.HandleFunc("GET /healthz", deps.handleHealth)

	mux.HandleFunc("PUT /admin/budgets/{user_id}", adminHandler.Upsert)
	mux.HandleFunc("GET /admin/budgets/{user_id}", adminHandler.Get)
	mux.HandleFunc("GET /admin/budgets", adminHandler.List)

	mux.Handle("GET /api/budget/status", limited(budgetHandler.Status))
	mux.Handle("POST /api/budget/reserve", limited(budgetHandler.Reserve))
	mux.Handle("POST /api/budget/finalize", limited(budgetHandler.Finalize))
	mux.Handle("POST /api/budget/release", limited(budgetHandler.Release))

	mux.Handle("GET /api/usage/summary", limited(usageHandler.Summary))
	mux.Handle("GET /api/usage/series", limited(usageHandler.Series))
	mux.Handle("GET /api/usage/models", limited(usageHandler.Models))
	mux.Handle("GET /api/usage/activity", limited(usageHandler.Activity))

	return mux
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	if d.db != nil {
		if err := d.db.Health(r.Context()); err != nil {
			utils.RespondWithError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Shutdown stops background workers and closes connections.
func (d *Dependencies) Shutdown(ctx context.Context) error {
	if d.Sweeper != nil {
		d.Sweeper.Stop()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}
