package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims entries older than the window and admits the
// request only while the window holds fewer than limit entries. Denied
// requests are not recorded. Times are unix milliseconds.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call('PEXPIRE', key, window)

local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
	reset = tonumber(oldest[2]) + window
end
return {allowed, count, reset}
`)

type RedisRateLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, now: time.Now}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, accountID string, limit int) (bool, int, time.Time, error) {
	now := r.now()
	if limit <= 0 {
		return true, 0, now.Add(Window), nil
	}

	res, err := slidingWindowScript.Run(ctx, r.client,
		[]string{"ratelimit:" + accountID},
		now.UnixMilli(), Window.Milliseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit %s: %w", accountID, err)
	}

	allowed, count, reset := res[0] == 1, int(res[1]), res[2]
	return allowed, max(limit-count, 0), time.UnixMilli(reset), nil
}
