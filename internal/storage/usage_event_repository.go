package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"token_budget/internal/models"
)

// pqUniqueViolation is the Postgres error code for unique constraint violations.
const pqUniqueViolation = "23505"

// UsageEventRepository handles usage event database operations
type UsageEventRepository struct {
	db *DB
}

// NewUsageEventRepository creates a new usage event repository
func NewUsageEventRepository(db *DB) *UsageEventRepository {
	return &UsageEventRepository{db: db}
}

// Insert creates a new usage event. Returns ErrDuplicateRequestID when
// the request_id is already present (concurrent duplicate delivery).
func (r *UsageEventRepository) Insert(ctx context.Context, event *models.TokenUsageEvent) error {
	query := `
		INSERT INTO token_usage_event (
			id, request_id, user_id, model_id, provider, route,
			prompt_tokens, completion_tokens, total_tokens, status,
			created_at, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt == 0 {
		event.CreatedAt = time.Now().Unix()
	}

	_, err := r.db.conn.ExecContext(
		ctx, query,
		event.ID, event.RequestID, event.UserID, event.ModelID,
		event.Provider, event.Route, event.PromptTokens,
		event.CompletionTokens, event.TotalTokens, event.Status,
		event.CreatedAt, event.Metadata,
	)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrDuplicateRequestID
		}
		return fmt.Errorf("failed to insert usage event: %w", err)
	}

	return nil
}

// GetByRequestID retrieves a usage event by its idempotency key
func (r *UsageEventRepository) GetByRequestID(ctx context.Context, requestID string) (*models.TokenUsageEvent, error) {
	var event models.TokenUsageEvent
	query := `
		SELECT id, request_id, user_id, model_id, provider, route,
		       prompt_tokens, completion_tokens, total_tokens, status,
		       created_at, metadata
		FROM token_usage_event
		WHERE request_id = $1
	`

	err := r.db.conn.GetContext(ctx, &event, query, requestID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUsageEventNotFound
		}
		return nil, fmt.Errorf("failed to get usage event: %w", err)
	}

	return &event, nil
}

// SettleParams describes one settlement: the terminal update of the
// event plus the window-aggregate deltas that must land with it. The
// two writes are one unit; a store must apply both or neither.
type SettleParams struct {
	RequestID        string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Status           string
	Metadata         models.JSONB

	UserID        string
	WindowStart   int64
	ReservedDelta int64
	UsedDelta     int64
}

// Settle transitions a reserved event to a terminal status and applies
// the aggregate deltas in a single transaction. The WHERE guard on the
// event makes the transition happen at most once; the returned bool
// reports whether this call performed it. A failure rolls both writes
// back, leaving the event reserved so the caller can retry.
func (r *UsageEventRepository) Settle(ctx context.Context, p SettleParams) (bool, error) {
	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin settlement: %w", err)
	}
	defer tx.Rollback()

	eventQuery := `
		UPDATE token_usage_event
		SET prompt_tokens = $2,
		    completion_tokens = $3,
		    total_tokens = $4,
		    status = $5,
		    metadata = COALESCE($6, metadata)
		WHERE request_id = $1 AND status = 'reserved'
	`

	result, err := tx.ExecContext(ctx, eventQuery, p.RequestID, p.PromptTokens, p.CompletionTokens, p.TotalTokens, p.Status, p.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to finalize usage event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read settlement result: %w", err)
	}
	if affected == 0 {
		// Another worker already settled this event; its adjustment
		// happened in its own transaction.
		return false, nil
	}

	aggregateQuery := `
		UPDATE token_window_aggregate
		SET reserved_tokens = reserved_tokens + $3,
		    used_tokens = used_tokens + $4,
		    updated_at = $5
		WHERE user_id = $1 AND window_start = $2
	`

	if _, err := tx.ExecContext(ctx, aggregateQuery, p.UserID, p.WindowStart, p.ReservedDelta, p.UsedDelta, time.Now().Unix()); err != nil {
		return false, fmt.Errorf("failed to adjust window aggregate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit settlement: %w", err)
	}

	return true, nil
}

// StaleReserved returns reserved events created before the cutoff,
// oldest first. The sweeper releases these abandoned reservations.
func (r *UsageEventRepository) StaleReserved(ctx context.Context, cutoff int64, limit int) ([]*models.TokenUsageEvent, error) {
	query := `
		SELECT id, request_id, user_id, model_id, provider, route,
		       prompt_tokens, completion_tokens, total_tokens, status,
		       created_at, metadata
		FROM token_usage_event
		WHERE status = 'reserved' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	var events []*models.TokenUsageEvent
	err := r.db.conn.SelectContext(ctx, &events, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale reservations: %w", err)
	}

	return events, nil
}

// Reporting queries. These aggregate the ledger for the dashboard and
// are independent of the reservation contract.

// WindowTotals sums settled usage for a user in [start, end).
func (r *UsageEventRepository) WindowTotals(ctx context.Context, userID string, start, end int64) (*models.UsageTotals, error) {
	query := `
		SELECT
			COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) AS completion_tokens,
			COALESCE(SUM(total_tokens), 0) AS total_tokens
		FROM token_usage_event
		WHERE user_id = $1
		  AND created_at >= $2
		  AND created_at < $3
		  AND status = 'success'
	`

	var totals models.UsageTotals
	err := r.db.conn.GetContext(ctx, &totals, query, userID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage totals: %w", err)
	}

	return &totals, nil
}

// DailySeries buckets settled usage by calendar day in the given
// timezone. tzName must be a valid Postgres timezone name; the caller
// resolves fallbacks before getting here.
func (r *UsageEventRepository) DailySeries(ctx context.Context, userID string, start, end int64, tzName string) ([]*models.UsageSeriesPoint, error) {
	if tzName == "" {
		tzName = "UTC"
	}

	query := `
		SELECT to_char(to_timestamp(created_at) AT TIME ZONE $4, 'YYYY-MM-DD') AS date,
		       COALESCE(SUM(total_tokens), 0) AS tokens
		FROM token_usage_event
		WHERE user_id = $1
		  AND created_at >= $2
		  AND created_at < $3
		  AND status = 'success'
		GROUP BY 1
		ORDER BY 1 ASC
	`

	var points []*models.UsageSeriesPoint
	err := r.db.conn.SelectContext(ctx, &points, query, userID, start, end, tzName)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage series: %w", err)
	}

	return points, nil
}

// ModelBreakdown returns per-model settled usage, heaviest first.
func (r *UsageEventRepository) ModelBreakdown(ctx context.Context, userID string, start, end int64, limit int) ([]*models.ModelUsage, error) {
	query := `
		SELECT COALESCE(model_id, 'unknown') AS model,
		       COALESCE(SUM(total_tokens), 0) AS tokens
		FROM token_usage_event
		WHERE user_id = $1
		  AND created_at >= $2
		  AND created_at < $3
		  AND status = 'success'
		GROUP BY 1
		ORDER BY tokens DESC
		LIMIT $4
	`

	var rows []*models.ModelUsage
	err := r.db.conn.SelectContext(ctx, &rows, query, userID, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get model breakdown: %w", err)
	}

	return rows, nil
}

// Activity returns a page of events for a user, newest first, plus the
// total count for pagination.
func (r *UsageEventRepository) Activity(ctx context.Context, userID string, start, end int64, limit, offset int) ([]*models.TokenUsageEvent, int, error) {
	countQuery := `
		SELECT COUNT(*)
		FROM token_usage_event
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
	`

	var total int
	if err := r.db.conn.GetContext(ctx, &total, countQuery, userID, start, end); err != nil {
		return nil, 0, fmt.Errorf("failed to count usage events: %w", err)
	}

	query := `
		SELECT id, request_id, user_id, model_id, provider, route,
		       prompt_tokens, completion_tokens, total_tokens, status,
		       created_at, metadata
		FROM token_usage_event
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`

	var events []*models.TokenUsageEvent
	if err := r.db.conn.SelectContext(ctx, &events, query, userID, start, end, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to list usage events: %w", err)
	}

	return events, total, nil
}
