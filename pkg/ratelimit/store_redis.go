package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript advances one window atomically.
// KEYS[1] = window key
// ARGV[1] = now (unix ms)
// ARGV[2] = window span (ms)
// ARGV[3] = max requests
// ARGV[4] = 1 to count past the limit (log_only rules)
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local count_on_exceed = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "count", "window_start")
local count = tonumber(state[1])
local start = tonumber(state[2])

if not count or not start or (now - start) >= window then
    count = 0
    start = now
end

local allowed = 0
if count < max then
    allowed = 1
    count = count + 1
elseif count_on_exceed == 1 then
    count = count + 1
end

redis.call("HMSET", key, "count", count, "window_start", start)
redis.call("PEXPIRE", key, window)

return {allowed, count, start}
`)

// RedisStore keeps windows in Redis hashes so multiple processes share
// the same limits. Entries self-expire, so Sweep is a no-op.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit:"}
}

func (s *RedisStore) Take(ctx context.Context, key string, now time.Time, window time.Duration, max int, countOnExceed bool) (TakeResult, error) {
	flag := 0
	if countOnExceed {
		flag = 1
	}
	res, err := slidingWindowScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(), window.Milliseconds(), max, flag).Result()
	if err != nil {
		return TakeResult{}, fmt.Errorf("redis window: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return TakeResult{}, fmt.Errorf("redis window: unexpected script reply %T", res)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	startMs, _ := vals[2].(int64)
	return TakeResult{
		Allowed:     allowed == 1,
		Count:       int(count),
		WindowStart: time.UnixMilli(startMs),
	}, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *RedisStore) ActiveWindows(ctx context.Context) (int, error) {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 512).Iterator()
	n := 0
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
