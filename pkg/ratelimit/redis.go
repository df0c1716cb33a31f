package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the token bucket atomically in Redis so replicas
// share one budget.
// KEYS[1] = bucket key (e.g. "ratelimit:elastic")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsecond precision)
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
    local added = elapsed * rate
    tokens = tokens + added
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
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiterConfig configures a shared token bucket.
type RedisLimiterConfig struct {
	Addr           string
	Password       string
	DB             int
	CallsPerSecond float64
	Burst          int
}

// RedisLimiter is a token bucket shared across process replicas via Redis.
// Use it when several connector instances must respect one upstream quota.
type RedisLimiter struct {
	client *redis.Client
	rate   float64
	burst  int
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(cfg RedisLimiterConfig) *RedisLimiter {
	if cfg.CallsPerSecond <= 0 {
		cfg.CallsPerSecond = 1.0
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		rate:  cfg.CallsPerSecond,
		burst: cfg.Burst,
	}
}

// Allow consumes cost tokens from the named bucket if available.
func (l *RedisLimiter) Allow(ctx context.Context, name string, cost int) (bool, error) {
	key := "ratelimit:" + name
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client, []string{key}, l.rate, l.burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("ratelimit: unexpected script result")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// Bucket returns a Limiter view over one named bucket.
func (l *RedisLimiter) Bucket(name string) Limiter {
	return &redisBucket{limiter: l, name: name}
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

type redisBucket struct {
	limiter *RedisLimiter
	name    string
}

// Wait polls the shared bucket at the refill interval until a token is
// granted or the context is done.
func (b *redisBucket) Wait(ctx context.Context) error {
	interval := time.Duration(float64(time.Second) / b.limiter.rate)
	if interval > time.Second {
		interval = time.Second
	}
	for {
		allowed, err := b.limiter.Allow(ctx, b.name, 1)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
