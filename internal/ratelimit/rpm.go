// Package ratelimit implements per-key request rate limiting and cost-window
// limits for client keys and providers, both on Redis with atomic Lua
// scripts.
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

const rpmKeyPrefix = "relay:rpm:key:"

// RPMLimiter enforces a requests-per-minute limit per client key.
type RPMLimiter struct {
	rdb      redis.UniversalClient
	rpmLimit int
}

// NewRPMLimiter returns a limiter whose default limit is rpmLimit. A limit
// of zero or less disables limiting for keys without their own value.
func NewRPMLimiter(rdb redis.UniversalClient, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit}
}

// Allow reports whether one more request from keyID fits in the window.
// keyLimit overrides the default when positive.
func (r *RPMLimiter) Allow(ctx context.Context, keyID int64, keyLimit int) (bool, error) {
	limit := r.rpmLimit
	if keyLimit > 0 {
		limit = keyLimit
	}
	if limit <= 0 {
		return true, nil
	}
	return r.check(ctx, rpmKeyPrefix+strconv.FormatInt(keyID, 10), limit)
}

func (r *RPMLimiter) check(ctx context.Context, key string, limit int) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, window, limit,
	).Int()
	if err != nil {
		// Redis unavailable: allow the request.
		slog.WarnContext(ctx, "rpm_check_error", slog.String("error", err.Error()))
		return true, nil
	}

	return result == 1, nil
}
