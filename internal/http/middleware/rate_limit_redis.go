package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the window counter and arms its expiry on first hit.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisFixedWindowLimiter shares counters across replicas. Only the
// sustained window of the policy applies.
type RedisFixedWindowLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisFixedWindowLimiter(client redis.UniversalClient, prefix string) *RedisFixedWindowLimiter {
	if prefix == "" {
		prefix = "keygate:rl"
	}
	return &RedisFixedWindowLimiter{client: client, prefix: prefix}
}

func (l *RedisFixedWindowLimiter) Allow(ctx context.Context, key string, policy RateLimitPolicy) (Decision, error) {
	if policy.SustainedWindow <= 0 || policy.SustainedLimit <= 0 {
		policy = newRateLimitPolicy(policy.SustainedLimit, policy.SustainedWindow)
	}
	windowMs := policy.SustainedWindow.Milliseconds()
	res, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + ":" + key}, windowMs).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply length %d", len(res))
	}
	count, ttlMs := res[0], res[1]
	if ttlMs < 0 {
		ttlMs = windowMs
	}
	ttl := time.Duration(ttlMs) * time.Millisecond
	remaining := int64(policy.SustainedLimit) - count
	d := Decision{
		Allowed:   count <= int64(policy.SustainedLimit),
		Remaining: int(max(remaining, 0)),
		ResetAt:   time.Now().Add(ttl),
	}
	if !d.Allowed {
		d.RetryAfter = ttl
	}
	return d, nil
}
