package models

import (
	"github.com/google/uuid"
)

// Usage event statuses. An event is created as EventReserved and
// transitions exactly once to a terminal status.
const (
	EventReserved = "reserved"
	EventSuccess  = "success"
	EventError    = "error"
	EventCanceled = "canceled"
	EventExpired  = "expired" // set by the sweeper for abandoned reservations
)

// TokenUsageEvent is the per-request ledger row. RequestID is the
// caller-supplied idempotency key and is globally unique.
type TokenUsageEvent struct {
	ID               uuid.UUID `db:"id" json:"id"`
	RequestID        string    `db:"request_id" json:"request_id"`
	UserID           string    `db:"user_id" json:"user_id"`
	ModelID          *string   `db:"model_id" json:"model_id,omitempty"`
	Provider         *string   `db:"provider" json:"provider,omitempty"`
	Route            *string   `db:"route" json:"route,omitempty"`
	PromptTokens     int64     `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int64     `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int64     `db:"total_tokens" json:"total_tokens"`
	Status           string    `db:"status" json:"status"`
	CreatedAt        int64     `db:"created_at" json:"created_at"` // reservation time, owns the window
	Metadata         JSONB     `db:"metadata" json:"metadata,omitempty"`
}

// Terminal reports whether the event has already been finalized or
// released. Finalize and release are no-ops on terminal events.
func (e *TokenUsageEvent) Terminal() bool {
	return e.Status != EventReserved
}
