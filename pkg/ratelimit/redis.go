package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// RedisLimiter keeps per-client windows in Redis sorted sets so several
// instances share one budget per client.
type RedisLimiter struct {
	client    goredis.Cmdable
	keyPrefix string
	limits    []Limit
	longest   time.Duration
	now       func() time.Time

	total    atomic.Int64
	rejected atomic.Int64
}

var _ Limiter = (*RedisLimiter)(nil)

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithKeyPrefix sets the Redis key prefix (default "framegate:ratelimit:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisLimiter) { r.keyPrefix = prefix }
}

// WithRedisClock overrides time.Now. Scores are written in Unix milliseconds.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *RedisLimiter) { r.now = now }
}

// NewRedis creates a limiter backed by client, which must be a connected
// *goredis.Client or *goredis.ClusterClient.
func NewRedis(client goredis.Cmdable, limits []Limit, opts ...RedisOption) (*RedisLimiter, error) {
	longest, err := validateLimits(limits)
	if err != nil {
		return nil, err
	}
	r := &RedisLimiter{
		client:    client,
		keyPrefix: "framegate:ratelimit:",
		limits:    append([]Limit(nil), limits...),
		longest:   longest,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// admitScript checks every window and records the request atomically.
// KEYS[1] = client sorted set
// ARGV[1] = now (unix ms)
// ARGV[2] = member (unique per request)
// ARGV[3] = longest window (ms)
// ARGV[4..] = window_ms, requests pairs
//
// Returns {allowed, limit_index, retry_after_ms, remaining}.
var admitScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local member = ARGV[2]
local longest = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - longest)

local remaining = -1
local idx = 1
for i = 4, #ARGV, 2 do
    local window = tonumber(ARGV[i])
    local limit = tonumber(ARGV[i + 1])
    local floor = "(" .. tostring(now - window)
    local count = redis.call("ZCOUNT", key, floor, "+inf")
    if count >= limit then
        local oldest = redis.call("ZRANGEBYSCORE", key, floor, "+inf", "WITHSCORES", "LIMIT", 0, 1)
        local retry = window
        if oldest[2] then
            retry = tonumber(oldest[2]) + window - now
        end
        return {0, idx, retry, 0}
    end
    local left = limit - count - 1
    if remaining < 0 or left < remaining then
        remaining = left
    end
    idx = idx + 1
end

redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, longest)
return {1, 0, 0, remaining}
`)

func (r *RedisLimiter) key(clientID string) string {
	return r.keyPrefix + clientID
}

// Admit checks and records a request for clientID in one round trip.
func (r *RedisLimiter) Admit(ctx context.Context, clientID string) (Decision, error) {
	r.total.Add(1)
	now := r.now().UnixMilli()

	args := make([]any, 0, 3+2*len(r.limits))
	args = append(args, now, fmt.Sprintf("%d-%s", now, uuid.NewString()), r.longest.Milliseconds())
	for _, l := range r.limits {
		args = append(args, l.Window.Milliseconds(), l.Requests)
	}

	res, err := admitScript.Run(ctx, r.client, []string{r.key(clientID)}, args...).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit/redis: admit: %w", err)
	}
	if len(res) != 4 {
		return Decision{}, fmt.Errorf("ratelimit/redis: unexpected admit result %v", res)
	}

	if res[0] == 1 {
		return Decision{Allowed: true, Remaining: int(res[3])}, nil
	}
	r.rejected.Add(1)
	d := Decision{RetryAfter: time.Duration(res[2]) * time.Millisecond}
	if i := int(res[1]) - 1; i >= 0 && i < len(r.limits) {
		d.Limit = r.limits[i].Name
	}
	return d, nil
}

// Reset forgets every recorded request for clientID.
func (r *RedisLimiter) Reset(ctx context.Context, clientID string) error {
	if err := r.client.Del(ctx, r.key(clientID)).Err(); err != nil {
		return fmt.Errorf("ratelimit/redis: reset: %w", err)
	}
	return nil
}

// Stats returns this instance's request counters. Idle clients expire in
// Redis on their own, so TrackedClients is not reported.
func (r *RedisLimiter) Stats() Stats {
	return Stats{
		Total:    r.total.Load(),
		Rejected: r.rejected.Load(),
	}
}
