package cache

import (
	"context"
	"strconv"
	"time"
)

// fixedWindowScript implements the fixed-window counter from spec.md
// §4.3: the first call in a window sets both the counter and its
// expiry atomically (INCR + EXPIRE NX in one round trip), adapted from
// api-gateway/internal/ratelimit/ratelimit.go's token-bucket script.
const fixedWindowScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local count = redis.call('INCR', key)
if count == 1 then
  redis.call('EXPIRE', key, window)
end
local ttl = redis.call('TTL', key)
if ttl < 0 then
  ttl = window
end
return {count, ttl}
`

// RateLimitResult is the (allowed, remaining, reset_at) triple spec.md
// §4.3 defines for RateLimit.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimit enforces scope+key within limit per window. Any Redis
// error fails open (allowed=true) and is logged, since a rate limiter
// outage must never block legitimate ingestion.
func (c *Cache) RateLimit(ctx context.Context, scope, key string, limit int, window time.Duration) RateLimitResult {
	redisKey := "ratelimit:" + scope + ":" + key
	res, err := c.rdb.Eval(ctx, fixedWindowScript, []string{redisKey}, limit, int(window.Seconds())).Result()
	if err != nil {
		c.logger.Warn("rate limit check failed, failing open", "scope", scope, "key", key, "error", err)
		return RateLimitResult{Allowed: true, Remaining: limit, ResetAt: time.Now().Add(window)}
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		c.logger.Warn("rate limit script returned unexpected shape, failing open", "scope", scope, "key", key)
		return RateLimitResult{Allowed: true, Remaining: limit, ResetAt: time.Now().Add(window)}
	}

	count := toInt64(vals[0])
	ttlSeconds := toInt64(vals[1])
	remaining := int(int64(limit) - count)
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		ResetAt:   time.Now().Add(time.Duration(ttlSeconds) * time.Second),
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}
