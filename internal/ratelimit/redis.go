package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// INCR then set the expiry only on the first hit so the window is fixed
// from that moment rather than sliding with every call.
const fixedWindowScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`

type RedisLimiter struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	if client == nil {
		return nil
	}
	return &RedisLimiter{client: client, script: redis.NewScript(fixedWindowScript)}
}

func (l *RedisLimiter) Enabled() bool {
	return l != nil && l.client != nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if err := validate(key, limit, window); err != nil {
		return Decision{}, err
	}
	if !l.Enabled() {
		return Decision{}, fmt.Errorf("ratelimit: redis client not configured")
	}

	res, err := l.script.Run(ctx, l.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: run script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	return decide(res[0], limit, time.Duration(res[1])*time.Millisecond), nil
}

var _ Limiter = (*RedisLimiter)(nil)
