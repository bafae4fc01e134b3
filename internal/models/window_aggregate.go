package models

import (
	"github.com/google/uuid"
)

// TokenWindowAggregate holds the running counters for one user in one
// billing window. Unique on (user_id, window_start); mutated only by
// the reservation engine through conditional updates.
type TokenWindowAggregate struct {
	ID                  uuid.UUID `db:"id"`
	UserID              string    `db:"user_id"`
	WindowStart         int64     `db:"window_start"` // UTC epoch seconds, window-open instant
	LimitTokensSnapshot int64     `db:"limit_tokens_snapshot"`
	UsedTokens          int64     `db:"used_tokens"`
	ReservedTokens      int64     `db:"reserved_tokens"`
	UpdatedAt           int64     `db:"updated_at"`
}

// Remaining returns the capacity still available against the given
// limit, never negative.
func Remaining(limit, used, reserved int64) int64 {
	remaining := limit - used - reserved
	if remaining < 0 {
		return 0
	}
	return remaining
}
