package budget

// ExceededError reports a reservation rejected by the budget ceiling.
// It is an expected, user-facing outcome rather than a fault: handlers
// turn it into a structured 429, and it must not be logged as an error.
type ExceededError struct {
	Limit     int64  `json:"limit"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
	Window    string `json:"window"`
	ResetAt   int64  `json:"reset_at"`
}

func (e *ExceededError) Error() string {
	return "monthly token limit exceeded"
}

// Payload is the wire shape handlers send alongside a 429.
func (e *ExceededError) Payload() map[string]any {
	return map[string]any{
		"code":      "TOKEN_BUDGET_EXCEEDED",
		"message":   e.Error(),
		"limit":     e.Limit,
		"used":      e.Used,
		"remaining": e.Remaining,
		"window":    e.Window,
		"reset_at":  e.ResetAt,
	}
}
