package models

// Reporting shapes derived from the usage event ledger. These feed the
// dashboard endpoints and are not part of the reservation contract.

// UsageTotals sums token counts over a time range.
type UsageTotals struct {
	PromptTokens     int64 `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int64 `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int64 `db:"total_tokens" json:"total_tokens"`
}

// UsageSeriesPoint is one day of usage in the user's timezone.
type UsageSeriesPoint struct {
	Date   string `db:"date" json:"date"`
	Tokens int64  `db:"tokens" json:"tokens"`
}

// ModelUsage is the per-model share of usage in a time range.
type ModelUsage struct {
	Model  string `db:"model" json:"model"`
	Tokens int64  `db:"tokens" json:"tokens"`
}
