package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// window is the sliding-window span for all limits.
const window = time.Minute

// Limiter throttles the budget API per user.
type Limiter interface {
	AllowWithDetails(ctx context.Context, userID string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// NoopLimiter allows all requests. Used when Redis is not configured.
type NoopLimiter struct{}

func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

func (l *NoopLimiter) Allow(ctx context.Context, userID string) bool {
	return true
}

func (l *NoopLimiter) AllowWithDetails(ctx context.Context, userID string, limit int) (bool, int, time.Time, error) {
	return true, -1, time.Time{}, nil
}

// RateLimiter implements distributed per-user rate limiting using a
// Redis sorted-set sliding window. Multiple service instances share
// one window per user.
type RateLimiter struct {
	client *redis.Client
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client}
}

// AllowWithDetails checks whether a request for the user fits under
// the per-minute limit. Returns whether it was admitted, how many
// requests remain in the window (-1 = unlimited) and when the window
// resets. Rejected requests do not consume window capacity.
func (rl *RateLimiter) AllowWithDetails(ctx context.Context, userID string, limit int) (bool, int, time.Time, error) {
	if limit <= 0 {
		// No limit configured
		return true, -1, time.Time{}, nil
	}

	key := rl.key(userID)
	now := time.Now()
	windowStart := now.Add(-window)

	pipe := rl.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixMilli()))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := int(countCmd.Val())
	resetAt := now.Add(window)

	if count >= limit {
		return false, 0, resetAt, nil
	}

	pipe = rl.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit update failed: %w", err)
	}

	remaining := limit - count - 1
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining, resetAt, nil
}

// GetCurrentUsage returns the current request count in the window
func (rl *RateLimiter) GetCurrentUsage(ctx context.Context, userID string) (int64, error) {
	key := rl.key(userID)
	windowStart := time.Now().Add(-window)

	if err := rl.client.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixMilli())).Err(); err != nil {
		return 0, fmt.Errorf("failed to clean old entries: %w", err)
	}

	count, err := rl.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get current usage: %w", err)
	}

	return count, nil
}

// Reset clears the window for a user
func (rl *RateLimiter) Reset(ctx context.Context, userID string) error {
	return rl.client.Del(ctx, rl.key(userID)).Err()
}

func (rl *RateLimiter) key(userID string) string {
	return fmt.Sprintf("budget:ratelimit:%s", userID)
}
