package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"veriflow/internal/platform/clock"
)

// RedisWindowStore implements WindowStore on a ZSET per key: member = unique
// admission id, score = admission time. Eviction, count, and conditional add
// run in one Lua script so concurrent booths sharing a Redis never
// undercount.
type RedisWindowStore struct {
	client *redis.Client
	clock  clock.Clock
}

func NewRedisWindowStore(client *redis.Client, clk clock.Clock) *RedisWindowStore {
	return &RedisWindowStore{client: client, clock: clk}
}

const windowKeyPrefix = "veriflow:ratelimit:"

// allowScript evicts entries older than the cutoff, then admits the new
// member only when the remaining count is under the limit. Returns
// {admitted, count, oldestScore}.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local cutoff = ARGV[1]
local now = ARGV[2]
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local ttl = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
local count = redis.call('ZCARD', key)
local admitted = 0
if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, ttl)
  admitted = 1
  count = count + 1
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = now
if oldest[2] then
  oldestScore = oldest[2]
end
return {admitted, count, oldestScore}
`)

func (s *RedisWindowStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
	now := s.clock.Now()
	redisKey := windowKeyPrefix + key

	raw, err := allowScript.Run(ctx, s.client, []string{redisKey},
		strconv.FormatInt(now.Add(-window).UnixMilli(), 10),
		strconv.FormatInt(now.UnixMilli(), 10),
		limit,
		uuid.NewString(),
		window.Milliseconds(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}

	reply, ok := raw.([]any)
	if !ok || len(reply) != 3 {
		return nil, fmt.Errorf("rate limit script: unexpected reply %v", raw)
	}
	admitted := reply[0].(int64) == 1
	count := int(reply[1].(int64))
	oldestMilli, err := toInt64(reply[2])
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:   admitted,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   time.UnixMilli(oldestMilli).Add(window),
	}, nil
}

func (s *RedisWindowStore) Count(ctx context.Context, key string) (int, error) {
	n, err := s.client.ZCard(ctx, windowKeyPrefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit count: %w", err)
	}
	return int(n), nil
}

func (s *RedisWindowStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, windowKeyPrefix+key).Err()
}

// toInt64 handles the two shapes redis Lua replies use for numbers.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected numeric reply %T", v)
	}
}
