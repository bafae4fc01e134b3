package storage

import (
	"context"
	"fmt"
)

// Schema bootstrap for the three budget tables. Executed by cmd/init-db
// and by the integration tests; production deployments may manage the
// same DDL through their own migration tooling.

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS token_budget (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		window_type VARCHAR(32) NOT NULL DEFAULT 'monthly',
		timezone VARCHAR(64),
		limit_tokens BIGINT NOT NULL DEFAULT 0,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_by TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS token_window_aggregate (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		window_start BIGINT NOT NULL,
		limit_tokens_snapshot BIGINT NOT NULL,
		used_tokens BIGINT NOT NULL DEFAULT 0,
		reserved_tokens BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL,
		CONSTRAINT token_window_user_start_uq UNIQUE (user_id, window_start)
	)`,

	`CREATE TABLE IF NOT EXISTS token_usage_event (
		id UUID PRIMARY KEY,
		request_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		model_id TEXT,
		provider VARCHAR(32),
		route VARCHAR(128),
		prompt_tokens BIGINT NOT NULL DEFAULT 0,
		completion_tokens BIGINT NOT NULL DEFAULT 0,
		total_tokens BIGINT NOT NULL DEFAULT 0,
		status VARCHAR(16) NOT NULL DEFAULT 'success',
		created_at BIGINT NOT NULL,
		metadata JSONB
	)`,

	`CREATE INDEX IF NOT EXISTS token_usage_event_user_created_idx
		ON token_usage_event (user_id, created_at)`,

	// Sweeper scan: reserved events ordered by age.
	`CREATE INDEX IF NOT EXISTS token_usage_event_status_created_idx
		ON token_usage_event (status, created_at)`,
}

// EnsureSchema creates the budget tables and indexes if they do not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
