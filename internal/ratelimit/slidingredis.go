package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow trims expired entries, admits the request only while the
// window has room, and reports the time the oldest entry leaves the window.
// Rejected requests are not recorded, so a client that backs off recovers.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[5])
local count = redis.call('ZCARD', key)
local allowed = 0
if count < max then
  redis.call('ZADD', key, ARGV[1], ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, ARGV[2])
local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end
return {allowed, max - count, reset}
`)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter implements a sliding window rate limiter backed by Redis sorted sets.
type Limiter struct {
	Client redis.UniversalClient
	Prefix string
	Now    func() time.Time
}

// Allow records an event for key if it fits within max events per window.
func (l Limiter) Allow(ctx context.Context, key string, window time.Duration, max int) (Decision, error) {
	now := time.Now()
	if l.Now != nil {
		now = l.Now()
	}
	if l.Client == nil || max <= 0 || window <= 0 {
		return Decision{Allowed: true, Remaining: max, ResetAt: now.Add(window)}, nil
	}

	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}
	res, err := slidingWindow.Run(ctx, l.Client, []string{l.Prefix + key},
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(windowMs, 10),
		strconv.Itoa(max),
		fmt.Sprintf("%d:%s", nowMs, uuid.NewString()),
		strconv.FormatInt(nowMs-windowMs, 10),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: %s: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: %s: unexpected reply %v", key, res)
	}
	return Decision{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
		ResetAt:   time.UnixMilli(res[2]),
	}, nil
}
