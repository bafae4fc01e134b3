package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"token_budget/internal/models"
)

// BudgetRepository handles token budget database operations with caching
type BudgetRepository struct {
	db    *DB
	cache *LRUCache
}

// NewBudgetRepository creates a new budget repository
func NewBudgetRepository(db *DB) *BudgetRepository {
	return &BudgetRepository{
		db:    db,
		cache: db.BudgetCache(),
	}
}

// GetByUserID retrieves a user's budget (with caching)
func (r *BudgetRepository) GetByUserID(ctx context.Context, userID string) (*models.TokenBudget, error) {
	if cached, found := r.cache.Get(userID); found {
		return cached.(*models.TokenBudget), nil
	}

	var budget models.TokenBudget
	query := `
		SELECT id, user_id, window_type, timezone, limit_tokens, enabled,
		       created_by, created_at, updated_at
		FROM token_budget
		WHERE user_id = $1
	`

	err := r.db.conn.GetContext(ctx, &budget, query, userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrBudgetNotFound
		}
		return nil, fmt.Errorf("failed to get token budget: %w", err)
	}

	r.cache.Set(userID, &budget)

	return &budget, nil
}

// Upsert creates or updates the budget for a user, idempotent on
// user_id. Budgets are never hard-deleted; disabling is an update.
//
// Only this instance's read cache is invalidated; other instances keep
// serving their cached copy until it expires, so a limit change can
// take up to CACHE_BUDGET_TTL to be observed everywhere.
func (r *BudgetRepository) Upsert(ctx context.Context, budget *models.TokenBudget) error {
	query := `
		INSERT INTO token_budget (
			id, user_id, window_type, timezone, limit_tokens, enabled,
			created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (user_id)
		DO UPDATE SET
			window_type = EXCLUDED.window_type,
			timezone = EXCLUDED.timezone,
			limit_tokens = EXCLUDED.limit_tokens,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`

	if budget.ID == uuid.Nil {
		budget.ID = uuid.New()
	}
	if budget.WindowType == "" {
		budget.WindowType = models.WindowMonthly
	}
	now := time.Now().Unix()

	err := r.db.conn.QueryRowxContext(
		ctx, query,
		budget.ID, budget.UserID, budget.WindowType, budget.Timezone,
		budget.LimitTokens, budget.Enabled, budget.CreatedBy, now,
	).Scan(&budget.ID, &budget.CreatedAt, &budget.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert token budget: %w", err)
	}

	// Drop any stale cached copy so the engine sees the new limit.
	r.cache.Delete(budget.UserID)

	return nil
}

// List retrieves budgets ordered by creation time
func (r *BudgetRepository) List(ctx context.Context, limit, offset int) ([]*models.TokenBudget, error) {
	query := `
		SELECT id, user_id, window_type, timezone, limit_tokens, enabled,
		       created_by, created_at, updated_at
		FROM token_budget
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	var budgets []*models.TokenBudget
	err := r.db.conn.SelectContext(ctx, &budgets, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list token budgets: %w", err)
	}

	return budgets, nil
}
