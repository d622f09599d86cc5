package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript performs the conditional increment atomically: the counter is
// only advanced while below the limit, so N racing consumers can never push
// it past the limit.
var consumeScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if current >= limit then
  return {0, current}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {1, current}
`)

// RedisLimiter enforces limits through a shared Redis so independent gateway
// processes see one counter per key and window.
//
// This limiter fails OPEN: when the store is unreachable or returns garbage,
// the request is allowed. Blocking all traffic on a cache outage is worse
// than briefly exceeding a quota. Note the asymmetry with the existence and
// whitelist gates, which fail closed.
type RedisLimiter struct {
	Client  *redis.Client
	Prefix  string
	Timeout time.Duration
	Now     func() time.Time
}

func NewRedis(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		Client:  client,
		Prefix:  "rl:",
		Timeout: 2 * time.Second,
		Now:     time.Now,
	}
}

func (l *RedisLimiter) CheckAndConsume(key string, limit int, window time.Duration) Decision {
	if window <= 0 {
		window = time.Minute
	}
	now := l.Now().UTC()
	start := WindowStart(now, window)
	resetAt := start.Add(window)
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit, ResetAt: resetAt}
	}
	if l.Client == nil {
		return Decision{Allowed: true, Limit: limit, ResetAt: resetAt}
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.Timeout)
	defer cancel()
	// Row lives one extra window past the boundary as a safety margin.
	expiry := resetAt.Add(window).Sub(now)
	res, err := consumeScript.Run(ctx, l.Client,
		[]string{l.Prefix + bucketKey(key, start)},
		limit, expiry.Milliseconds(),
	).Result()
	if err != nil {
		log.Printf("ratelimit: store error, allowing %s: %v", key, err)
		return Decision{Allowed: true, Limit: limit, ResetAt: resetAt}
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return Decision{Allowed: true, Limit: limit, ResetAt: resetAt}
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed == 1,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
