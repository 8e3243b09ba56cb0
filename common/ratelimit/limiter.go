package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result contains the outcome of a rate limit check
type Result struct {
	Allowed           bool
	CurrentCount      int64
	Limit             int64
	RetryAfterSeconds int64
}

// Limiter enforces per-caller request budgets using Redis + Lua.
// Counting is atomic inside the script, so concurrent API instances
// share one budget.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	logger Logger
}

// NewLimiter creates a limiter with the embedded Lua script.
func NewLimiter(redisClient *redis.Client, logger Logger) *Limiter {
	return &Limiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		logger: logger,
	}
}

// CheckCaller checks the per-caller limit over a one minute window.
// Externally-triggered operations (workflow creation, trigger) go
// through this; internal scheduling never does.
func (r *Limiter) CheckCaller(ctx context.Context, caller string, limit int64) (*Result, error) {
	key := fmt.Sprintf("rate_limit:caller:%s", caller)
	return r.check(ctx, key, limit, 60)
}

// CheckGlobal checks the service-wide limit over a one minute window.
func (r *Limiter) CheckGlobal(ctx context.Context, limit int64) (*Result, error) {
	return r.check(ctx, "rate_limit:global", limit, 60)
}

func (r *Limiter) check(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	result, err := r.script.Run(ctx, r.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		r.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	// Script returns {allowed, current_count, limit, retry_after}
	arr, ok := result.([]interface{})
	if !ok || len(arr) != 4 {
		return nil, fmt.Errorf("unexpected script result format")
	}

	res := &Result{
		Allowed:           arr[0].(int64) == 1,
		CurrentCount:      arr[1].(int64),
		Limit:             arr[2].(int64),
		RetryAfterSeconds: arr[3].(int64),
	}

	if !res.Allowed {
		r.logger.Warn("rate limit exceeded",
			"key", key,
			"current", res.CurrentCount,
			"limit", limit,
			"retry_after", res.RetryAfterSeconds)
	}

	return res, nil
}

// Reset clears a rate limit counter (for testing/admin)
func (r *Limiter) Reset(ctx context.Context, key string) error {
	return r.redis.Del(ctx, key).Err()
}
