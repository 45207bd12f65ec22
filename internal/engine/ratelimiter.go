package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter caps sends per organization over a sliding window. Each
// admitted send is a member of a Redis sorted set scored by its send time.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	window      time.Duration
	now         func() time.Time
}

// admitScript trims expired sends, then admits one more if the window has
// room. KEYS[1] window set; ARGV[1] now (ms); ARGV[2] window (ms);
// ARGV[3] limit; ARGV[4] member.
// Returns {admitted, retry after (ms)}.
var admitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)

if redis.call('ZCARD', KEYS[1]) < limit then
	redis.call('ZADD', KEYS[1], now, ARGV[4])
	redis.call('PEXPIRE', KEYS[1], window)
	return {1, 0}
end

local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local wait = window
if oldest[2] then
	wait = tonumber(oldest[2]) + window - now
end
if wait < 1 then
	wait = 1
end
return {0, wait}
`)

// NewRateLimiter returns a limiter counting sends over window. Config sets
// the window to one minute so ORG_RATE_LIMIT reads as sends per minute.
func NewRateLimiter(redisClient *redis.Client, window time.Duration, logger *slog.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		window:      window,
		now:         time.Now,
	}
}

func rlKey(organizationID string) string {
	return fmt.Sprintf("rl:org:%s", organizationID)
}

// Reserve tries to admit one send for organizationID. When the window is
// full it returns false and how long until the oldest send leaves it.
// A non-positive limit disables limiting. Redis failures fail open.
func (rl *RateLimiter) Reserve(ctx context.Context, organizationID string, limit int) (bool, time.Duration) {
	if limit <= 0 {
		return true, 0
	}

	res, err := admitScript.Run(ctx, rl.redisClient, []string{rlKey(organizationID)},
		rl.now().UnixMilli(), rl.window.Milliseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil || len(res) != 2 {
		rl.logger.Error("rate limiter unavailable, allowing send", "organization_id", organizationID, "error", err)
		return true, 0
	}
	if res[0] == 1 {
		return true, 0
	}

	metrics.IncRateLimited()
	return false, time.Duration(res[1]) * time.Millisecond
}

// Allow reports whether one more send for organizationID fits in the window
// and counts it if so.
func (rl *RateLimiter) Allow(ctx context.Context, organizationID string, limit int) bool {
	ok, _ := rl.Reserve(ctx, organizationID, limit)
	return ok
}

// Wait blocks until a send for organizationID is admitted or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context, organizationID string, limit int) error {
	for {
		ok, retryAfter := rl.Reserve(ctx, organizationID, limit)
		if ok {
			return nil
		}
		rl.logger.Debug("organization at send limit, waiting",
			"organization_id", organizationID,
			"limit", limit,
			"retry_after", retryAfter,
		)

		t := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
