package httpapi

import (
	"net/http"
	"strconv"

	"token_budget/internal/ratelimit"
	"token_budget/internal/utils"
)

// RateLimitMiddleware enforces the per-user request rate over the
// engine endpoints. The caller identity comes from the X-User-ID
// header, falling back to the user_id query parameter; requests
// without either pass through unlimited (the budget engine still
// meters them by tokens).
func RateLimitMiddleware(limiter ratelimit.Limiter, limit int, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			userID = r.URL.Query().Get("user_id")
		}
		if userID == "" || limit <= 0 {
			next(w, r)
			return
		}

		allowed, remaining, resetAt, err := limiter.AllowWithDetails(r.Context(), userID, limit)
		if err != nil {
			// Fail open: a rate limiter outage must not take the budget
			// engine down with it.
			next(w, r)
			return
		}

		if remaining >= 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		}

		if !allowed {
			utils.RespondWithError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}

		next(w, r)
	})
}
