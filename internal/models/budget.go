package models

import (
	"github.com/google/uuid"
)

// WindowType enumerates supported accounting periods.
type WindowType string

const (
	// WindowMonthly is the only window type currently supported.
	WindowMonthly WindowType = "monthly"
)

// TokenBudget is the per-user quota configuration. At most one row
// exists per user; it is written by the admin surface and read by the
// reservation engine.
type TokenBudget struct {
	ID          uuid.UUID  `db:"id"`
	UserID      string     `db:"user_id"`
	WindowType  WindowType `db:"window_type"`
	Timezone    *string    `db:"timezone"` // IANA zone name, NULL = UTC
	LimitTokens int64      `db:"limit_tokens"`
	Enabled     bool       `db:"enabled"`
	CreatedBy   string     `db:"created_by"`
	CreatedAt   int64      `db:"created_at"`
	UpdatedAt   int64      `db:"updated_at"`
}

// Enforced reports whether reservations must pass the ceiling check.
// A limit of zero (or less) means "tracked but unenforced".
func (b *TokenBudget) Enforced() bool {
	return b.Enabled && b.LimitTokens > 0
}

// TimezoneName returns the configured zone name, or "" for UTC.
func (b *TokenBudget) TimezoneName() string {
	if b.Timezone == nil {
		return ""
	}
	return *b.Timezone
}
