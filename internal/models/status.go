package models

// BudgetStatus is the point-in-time view of a user's budget in the
// current window. A nil status means the user is unmetered.
type BudgetStatus struct {
	UserID          string     `json:"user_id"`
	Enabled         bool       `json:"enabled"`
	WindowType      WindowType `json:"window_type"`
	Timezone        *string    `json:"timezone,omitempty"`
	WindowStart     int64      `json:"window_start"`
	ResetAt         int64      `json:"reset_at"`
	LimitTokens     int64      `json:"limit_tokens"`
	UsedTokens      int64      `json:"used_tokens"`
	ReservedTokens  int64      `json:"reserved_tokens"`
	RemainingTokens int64      `json:"remaining_tokens"`
}
