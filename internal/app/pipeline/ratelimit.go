package pipeline

import (
	"context"
	"time"
)

const rateLimitPrefix = "ratelimit"

// RateLimiter enforces a fixed-window request budget per client. The
// counter lives in the shared KV store, so the increment-then-compare
// is atomic even across concurrent requests from the same client.
type RateLimiter struct {
	kv     KV
	limit  int
	window time.Duration
}

// NewRateLimiter returns a limiter admitting up to limit requests per
// window for each client identity.
func NewRateLimiter(kv KV, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{kv: kv, limit: limit, window: window}
}

// Limit returns the configured per-window budget.
func (l *RateLimiter) Limit() int {
	return l.limit
}

// Admit counts the request against clientID and reports whether it is
// within budget, along with the remaining budget for the window. The
// window starts when the counter is created and resets when it expires.
func (l *RateLimiter) Admit(ctx context.Context, clientID string) (bool, int, error) {
	key := rateLimitPrefix + ":" + clientID

	n, err := l.kv.Incr(ctx, key)
	if err != nil {
		return false, 0, err
	}

	// First request in the window owns setting the expiry.
	if n == 1 {
		if err := l.kv.Expire(ctx, key, l.window); err != nil {
			return false, 0, err
		}
	}

	remaining := l.limit - int(n)
	if remaining < 0 {
		remaining = 0
	}

	return n <= int64(l.limit), remaining, nil
}
