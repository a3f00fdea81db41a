package cache

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"mirapay/internal/apperr"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// LimitError is returned once a key has used up its window
type LimitError struct {
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("too many login attempts, retry in %d seconds", int(math.Ceil(e.RetryAfter.Seconds())))
}

// Unwrap lets errors.Is match the rate_limited kind
func (e *LimitError) Unwrap() error { return apperr.New(apperr.RateLimited, e.Error()) }

// LoginLimiter is a fixed-window attempt counter per email
type LoginLimiter struct {
	rdb    redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

// NewLoginLimiter allows limit attempts per window. limit <= 0 disables it.
func NewLoginLimiter(rdb redis.UniversalClient, limit int, window time.Duration) *LoginLimiter {
	return &LoginLimiter{rdb: rdb, prefix: "mirapay:login_attempts", limit: limit, window: window}
}

// Allow counts one attempt for key and fails with a *LimitError past the limit
func (l *LoginLimiter) Allow(ctx context.Context, key string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	if l == nil || l.limit <= 0 || l.window <= 0 || key == "" {
		return nil
	}
	windowMs := l.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	raw, err := fixedWindowScript.Run(ctx, l.rdb, []string{l.prefix + ":" + key}, windowMs).Result()
	if err != nil {
		return fmt.Errorf("login limiter: %w", err)
	}
	values, ok := raw.([]any)
	if !ok || len(values) != 2 {
		return fmt.Errorf("unexpected limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return fmt.Errorf("unexpected limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}
	if count > int64(l.limit) {
		return &LimitError{RetryAfter: time.Duration(ttlMs) * time.Millisecond}
	}
	return nil
}
