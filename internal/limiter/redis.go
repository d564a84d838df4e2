package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a sliding window limiter backed by a shared Redis
// instance, so the polling budget holds across all serving instances.
// Each key owns a sorted set of request timestamps; a Lua script trims,
// counts, and conditionally records the request in one atomic step.
type RedisLimiter struct {
	rdb    *redis.Client
	prefix string
	max    int
	window time.Duration
	ttl    time.Duration
}

// NewRedisLimiter returns a limiter allowing max requests per window for
// each key.  ttl bounds how long idle counter state survives in Redis;
// it must be at least the window.
func NewRedisLimiter(rdb *redis.Client, prefix string, max int, window, ttl time.Duration) *RedisLimiter {
	if ttl < window {
		ttl = window
	}
	return &RedisLimiter{rdb: rdb, prefix: prefix, max: max, window: window, ttl: ttl}
}

// slidingWindowScript trims entries older than the window, checks the
// remaining count against the budget, and adds the current request only
// when it fits.  Returning the oldest surviving timestamp lets the
// caller compute a Retry-After without a second round trip.
var slidingWindowScript = redis.NewScript(`
    local key = KEYS[1]
    local now_ms = tonumber(ARGV[1])
    local window_ms = tonumber(ARGV[2])
    local max = tonumber(ARGV[3])
    local ttl_seconds = tonumber(ARGV[4])

    redis.call('ZREMRANGEBYSCORE', key, 0, now_ms - window_ms)
    local count = redis.call('ZCARD', key)

    local allowed = 0
    if count < max then
        allowed = 1
        redis.call('ZADD', key, now_ms, tostring(now_ms) .. '-' .. tostring(count))
    end
    redis.call('EXPIRE', key, ttl_seconds)

    local oldest = 0
    local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    if first[2] then
        oldest = tonumber(first[2])
    end

    return { allowed, oldest }
`)

// Allow runs the sliding window script for key.  Backend errors are
// returned as-is; callers decide whether to fail open.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := time.Now()
	vals, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{l.prefix + ":" + key},
		now.UnixMilli(),
		l.window.Milliseconds(),
		l.max,
		int64(l.ttl/time.Second),
	).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := vals.([]interface{})
	if !ok || len(arr) != 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script result %#v", vals)
	}
	allowed := asInt64(arr[0]) == 1
	if allowed {
		return true, 0, nil
	}
	retry := time.Duration(0)
	if oldest := asInt64(arr[1]); oldest > 0 {
		retry = time.UnixMilli(oldest).Add(l.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
	}
	return false, retry, nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		var n int64
		_, _ = fmt.Sscan(t, &n)
		return n
	}
	return 0
}
