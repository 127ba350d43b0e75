// Package ratelimit enforces the per-client requests-per-minute limit using
// Redis sliding window counters with an atomic Lua script. Without Redis, or
// while it is unreachable, a process-local token bucket takes over.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
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

const keyPrefix = "routegate:rpm:"

// RPMLimiter checks a per-client requests-per-minute limit.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int

	local sync.Map // client key -> *rate.Limiter
}

// NewRPMLimiter creates a limiter allowing rpmLimit requests per minute per
// client. rdb may be nil for a process-local limiter. A limit <= 0 disables
// limiting.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit}
}

// Allow reports whether client may issue another request now.
func (r *RPMLimiter) Allow(ctx context.Context, client string) bool {
	if r == nil || r.rpmLimit <= 0 {
		return true
	}
	if r.rdb == nil {
		return r.localLimiter(client).Allow()
	}

	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + client},
		now, window, r.rpmLimit,
	).Int()
	if err != nil {
		slog.WarnContext(ctx, "ratelimit_redis_error", slog.String("error", err.Error()))
		return r.localLimiter(client).Allow()
	}
	return result == 1
}

func (r *RPMLimiter) localLimiter(client string) *rate.Limiter {
	if v, ok := r.local.Load(client); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.rpmLimit)), r.rpmLimit)
	v, _ := r.local.LoadOrStore(client, l)
	return v.(*rate.Limiter)
}
