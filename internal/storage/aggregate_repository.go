package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"token_budget/internal/models"
)

// AggregateRepository handles window aggregate database operations.
// All mutation goes through single-statement conditional updates; the
// no-overspend guarantee lives in the WHERE clause of Reserve, not in
// application-level read-then-write.
type AggregateRepository struct {
	db *DB
}

// NewAggregateRepository creates a new window aggregate repository
func NewAggregateRepository(db *DB) *AggregateRepository {
	return &AggregateRepository{db: db}
}

// Get retrieves the aggregate for one user and window
func (r *AggregateRepository) Get(ctx context.Context, userID string, windowStart int64) (*models.TokenWindowAggregate, error) {
	var agg models.TokenWindowAggregate
	query := `
		SELECT id, user_id, window_start, limit_tokens_snapshot,
		       used_tokens, reserved_tokens, updated_at
		FROM token_window_aggregate
		WHERE user_id = $1 AND window_start = $2
	`

	err := r.db.conn.GetContext(ctx, &agg, query, userID, windowStart)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAggregateNotFound
		}
		return nil, fmt.Errorf("failed to get window aggregate: %w", err)
	}

	return &agg, nil
}

// GetOrCreate lazily creates the aggregate for a window on first touch
// and refreshes the limit snapshot when the configured limit changed.
// Safe under concurrent first-touch thanks to the (user_id, window_start)
// uniqueness constraint.
func (r *AggregateRepository) GetOrCreate(ctx context.Context, userID string, windowStart, limitSnapshot int64) (*models.TokenWindowAggregate, error) {
	now := time.Now().Unix()

	insert := `
		INSERT INTO token_window_aggregate (
			id, user_id, window_start, limit_tokens_snapshot,
			used_tokens, reserved_tokens, updated_at
		) VALUES ($1, $2, $3, $4, 0, 0, $5)
		ON CONFLICT (user_id, window_start) DO NOTHING
	`
	if _, err := r.db.conn.ExecContext(ctx, insert, uuid.New(), userID, windowStart, limitSnapshot, now); err != nil {
		return nil, fmt.Errorf("failed to create window aggregate: %w", err)
	}

	refresh := `
		UPDATE token_window_aggregate
		SET limit_tokens_snapshot = $3, updated_at = $4
		WHERE user_id = $1 AND window_start = $2 AND limit_tokens_snapshot <> $3
	`
	if _, err := r.db.conn.ExecContext(ctx, refresh, userID, windowStart, limitSnapshot, now); err != nil {
		return nil, fmt.Errorf("failed to refresh limit snapshot: %w", err)
	}

	return r.Get(ctx, userID, windowStart)
}

// Reserve atomically adds estimate to reserved_tokens. When limit > 0
// the increment only happens if it fits under the snapshot ceiling;
// the returned bool reports whether the reservation was admitted.
// When limit <= 0 the increment is unconditional (tracking only).
func (r *AggregateRepository) Reserve(ctx context.Context, userID string, windowStart, estimate, limit int64) (bool, error) {
	now := time.Now().Unix()

	query := `
		UPDATE token_window_aggregate
		SET reserved_tokens = reserved_tokens + $3, updated_at = $4
		WHERE user_id = $1 AND window_start = $2
	`
	args := []any{userID, windowStart, estimate, now}

	if limit > 0 {
		query += ` AND used_tokens + reserved_tokens + $3 <= limit_tokens_snapshot`
	}

	result, err := r.db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to reserve tokens: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read reservation result: %w", err)
	}

	return affected == 1, nil
}

// Adjust applies deltas to the reserved and used counters in a single
// statement. Used by finalize (reserved -= estimate, used += total),
// release (reserved -= estimate) and the duplicate-insert compensation.
func (r *AggregateRepository) Adjust(ctx context.Context, userID string, windowStart, reservedDelta, usedDelta int64) error {
	query := `
		UPDATE token_window_aggregate
		SET reserved_tokens = reserved_tokens + $3,
		    used_tokens = used_tokens + $4,
		    updated_at = $5
		WHERE user_id = $1 AND window_start = $2
	`

	_, err := r.db.conn.ExecContext(ctx, query, userID, windowStart, reservedDelta, usedDelta, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to adjust window aggregate: %w", err)
	}

	return nil
}
