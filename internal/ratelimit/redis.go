package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript implements an atomic sliding-window limiter over a
// sorted set.
// KEYS[1] = window key
// ARGV[1] = current unix timestamp (nanoseconds)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns {1, 0} when allowed, {0, wait_ms} when limited — wait_ms is the
// time until the window's oldest member expires and a slot frees up.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Drop members that slid out of the window.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			local wait_ms = math.ceil((tonumber(oldest[2]) + window - now) / 1000000)
			if wait_ms < 1 then
				wait_ms = 1
			end
			return {0, wait_ms}
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return {1, 0}
`)

// RedisMinuteLimiter is the Redis-backed per-minute limiter, shared across
// replicas.
type RedisMinuteLimiter struct {
	rdb *redis.Client
}

// NewRedisMinuteLimiter creates a RedisMinuteLimiter. The caller owns the
// client lifecycle.
func NewRedisMinuteLimiter(rdb *redis.Client) *RedisMinuteLimiter {
	return &RedisMinuteLimiter{rdb: rdb}
}

// Allow implements MinuteLimiter.
func (r *RedisMinuteLimiter) Allow(ctx context.Context, projectID string, limit int) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	vals, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{"ratelimit:minute:" + projectID},
		now, window, limit,
	).Int64Slice()
	if err != nil || len(vals) < 2 {
		// Redis unavailable — allow (graceful degradation).
		return Decision{Allowed: true}, nil
	}

	if vals[0] == 1 {
		return Decision{Allowed: true}, nil
	}

	retry := time.Duration(vals[1]) * time.Millisecond
	if retry < time.Second {
		retry = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}

// RedisMonthlyQuota is the Redis-backed monthly counter. The counter key is
// the durable record; it expires well after the month ends so late
// reconciliation reads still see it.
type RedisMonthlyQuota struct {
	rdb *redis.Client
}

// NewRedisMonthlyQuota creates a RedisMonthlyQuota.
func NewRedisMonthlyQuota(rdb *redis.Client) *RedisMonthlyQuota {
	return &RedisMonthlyQuota{rdb: rdb}
}

// Consume implements MonthlyQuota.
func (r *RedisMonthlyQuota) Consume(ctx context.Context, projectID string, limit int64) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := time.Now()
	key := fmt.Sprintf("quota:%s:%s", projectID, monthKey(now))

	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return Decision{Allowed: true}, nil
	}
	if count == 1 {
		// First request of the month sets the key lifetime: the remainder of
		// the month plus a grace window for reconciliation reads.
		_ = r.rdb.Expire(ctx, key, nextMonthBoundary(now)+7*24*time.Hour).Err()
	}

	if count > limit {
		return Decision{Allowed: false, RetryAfter: nextMonthBoundary(now)}, nil
	}
	return Decision{Allowed: true}, nil
}
