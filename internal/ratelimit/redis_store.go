package ratelimit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces bucket keys.
const DefaultRedisPrefix = "credits:ratelimit:"

// tokenBucketScript refills and optionally consumes from a bucket stored as a
// hash {tokens, last_refill}. Tokens come back as a string so fractional
// values survive the Lua-to-Redis integer conversion.
//
// KEYS[1] bucket key; ARGV: capacity, refill rate per second, now in
// milliseconds, tokens to take, ttl in seconds.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local tokens = capacity
local last_refill = now
local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
if bucket[1] then
  tokens = tonumber(bucket[1])
  last_refill = tonumber(bucket[2])
end

local elapsed = math.max(0, now - last_refill) / 1000
tokens = math.min(capacity, tokens + elapsed * refill_rate)

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end
redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('EXPIRE', key, ttl)
return {allowed, tostring(tokens)}
`)

// RedisStore shares token buckets across replicas. Each check is one atomic
// script evaluation.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	clock  quartz.Clock
}

// NewRedisStore wraps an existing client. The caller owns the client.
func NewRedisStore(client redis.UniversalClient, prefix string, clock quartz.Clock) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &RedisStore{client: client, prefix: prefix, clock: clock}
}

func (s *RedisStore) eval(ctx context.Context, key string, capacity, refillRate, cost float64) (bool, float64, error) {
	ttl := 3600
	if refillRate > 0 {
		// Keep state at least as long as a full refill takes.
		if full := int(capacity/refillRate) + 1; full > ttl {
			ttl = full
		}
	}
	res, err := tokenBucketScript.Run(ctx, s.client, []string{s.prefix + key},
		capacity, refillRate, s.clock.Now().UnixMilli(), cost, ttl).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit: redis: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis: tokens %q: %w", raw, err)
	}
	return allowed == 1, tokens, nil
}

func (s *RedisStore) Allow(ctx context.Context, key string, capacity, refillRate float64) (bool, float64, error) {
	return s.eval(ctx, key, capacity, refillRate, 1)
}

func (s *RedisStore) Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error) {
	_, tokens, err := s.eval(ctx, key, capacity, refillRate, 0)
	return tokens, err
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis: %w", err)
	}
	return nil
}

// Close is a no-op; the client is shared with other components.
func (s *RedisStore) Close() error { return nil }
