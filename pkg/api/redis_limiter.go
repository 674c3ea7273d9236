package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes a per-actor bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, fractional)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return allowed
`)

// RedisLimiter shares one token bucket per actor across replicas.
type RedisLimiter struct {
	client    *redis.Client
	perMinute int
}

// NewRedisLimiter connects to url (redis://...) and allows perMinute
// requests per actor across the fleet.
func NewRedisLimiter(url string, perMinute int) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if perMinute <= 0 {
		perMinute = 600
	}
	return &RedisLimiter{client: redis.NewClient(opts), perMinute: perMinute}, nil
}

// Allow consumes one token from the actor's bucket.
func (l *RedisLimiter) Allow(ctx context.Context, actorID string) (bool, error) {
	key := fmt.Sprintf("settld:limiter:%s", actorID)
	now := float64(time.Now().UnixMicro()) / 1e6
	ratePerSec := float64(l.perMinute) / 60.0
	res, err := tokenBucketScript.Run(ctx, l.client, []string{key},
		ratePerSec, l.perMinute, 1, now).Int()
	if err != nil {
		return false, fmt.Errorf("limiter script: %w", err)
	}
	return res == 1, nil
}

// Close releases the underlying connection pool.
func (l *RedisLimiter) Close() error { return l.client.Close() }
