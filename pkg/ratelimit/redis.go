package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims the sorted set to the window, admits the request
// when capacity remains and reports {allowed, count, oldest_ms}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
local allowed = 0
if count < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  allowed = 1
end
count = count + 1
redis.call("PEXPIRE", KEYS[1], window)
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local oldestScore = now
if oldest[2] then
  oldestScore = tonumber(oldest[2])
end
return {allowed, count, oldestScore}
`)

type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter
	Now      func() time.Time
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "rl:",
		Fallback: NewInMemory(window),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *RedisLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallback(key, limit)
	}
	now := time.Now().UTC()
	if l.Now != nil {
		now = l.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	nowMs := now.UnixMilli()
	res, err := slidingWindowScript.Run(ctx, l.Client, []string{l.Prefix + key},
		nowMs, l.Window.Milliseconds(), limit, uuid.NewString()).Result()
	if err != nil {
		return l.fallback(key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return l.fallback(key, limit)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	oldestMs, _ := vals[2].(int64)
	recorded := int(count)
	if allowed != 1 {
		recorded--
	}
	remaining := limit - recorded
	if remaining < 0 || allowed != 1 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed == 1,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(oldestMs).UTC().Add(l.Window),
	}
}

func (l *RedisLimiter) fallback(key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(key, limit)
	}
	return Decision{Allowed: true, Count: 0, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
}
