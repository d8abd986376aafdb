package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

// admitScript checks and consumes both sliding windows in one round trip
// so concurrent checks from several instances cannot double-admit. It
// returns {allowed, tier_count, endpoint_count, retry_ms}.
const admitScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local tier_limit = tonumber(ARGV[3])
local ep_limit = tonumber(ARGV[4])
local member = ARGV[5]
local cutoff = now - window

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, cutoff)
local tier_count = redis.call('ZCARD', KEYS[1])

local ep_count = 0
if ep_limit > 0 then
  redis.call('ZREMRANGEBYSCORE', KEYS[2], 0, cutoff)
  ep_count = redis.call('ZCARD', KEYS[2])
end

if tier_count < tier_limit and (ep_limit == 0 or ep_count < ep_limit) then
  redis.call('ZADD', KEYS[1], now, member)
  redis.call('PEXPIRE', KEYS[1], window)
  if ep_limit > 0 then
    redis.call('ZADD', KEYS[2], now, member)
    redis.call('PEXPIRE', KEYS[2], window)
  end
  return {1, tier_count + 1, ep_count + 1, 0}
end

local retry = 0
if tier_count >= tier_limit then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
end
if ep_limit > 0 and ep_count >= ep_limit then
  local oldest = redis.call('ZRANGE', KEYS[2], 0, 0, 'WITHSCORES')
  if oldest[2] then
    local r = tonumber(oldest[2]) + window - now
    if r > retry then
      retry = r
    end
  end
end
if retry < 1 then
  retry = 1
end
return {0, tier_count, ep_count, retry}
`

type redisBackend struct {
	client   *redis.Client
	script   *redis.Script
	prefix   string
	instance string
	timeout  time.Duration
	seq      atomic.Uint64
	now      func() time.Time
}

func newRedisBackend(cfg RedisConfig) (*redisBackend, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, domain.NewConfigValidationError("rate_limit.redis.url", "(redacted)", "not a valid redis URL")
	}
	return &redisBackend{
		client:   redis.NewClient(opts),
		script:   redis.NewScript(admitScript),
		prefix:   cfg.KeyPrefix,
		instance: strconv.FormatUint(rand.Uint64(), 36),
		timeout:  cfg.Timeout,
		now:      time.Now,
	}, nil
}

func (r *redisBackend) check(ctx context.Context, req checkRequest) (checkResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	now := r.now()
	nowMs := now.UnixMilli()

	// Members carry an instance token and sequence so admissions from
	// different processes in the same millisecond never collapse into one
	// zset entry.
	member := strconv.FormatInt(nowMs, 10) + "-" + r.instance + "-" + strconv.FormatUint(r.seq.Add(1), 10)

	tierKey := r.prefix + ":" + req.identifier + ":" + req.tierName
	keys := []string{tierKey, tierKey + ":" + req.endpoint}
	args := []interface{}{nowMs, req.window.Milliseconds(), req.tierLimit, req.epLimit, member}

	raw, err := r.script.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return checkResult{}, fmt.Errorf("rate limit script: %w", err)
	}
	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 4 {
		return checkResult{}, fmt.Errorf("rate limit script: unexpected reply %T", raw)
	}

	allowed := asInt64(reply[0]) == 1
	tierCount := int(asInt64(reply[1]))
	epCount := int(asInt64(reply[2]))
	retry := time.Duration(asInt64(reply[3])) * time.Millisecond

	remaining := req.tierLimit - tierCount
	if req.epLimit > 0 {
		if r := req.epLimit - epCount; r < remaining {
			remaining = r
		}
	}
	if remaining < 0 {
		remaining = 0
	}

	if allowed {
		return checkResult{
			allowed:   true,
			remaining: remaining,
			resetAt:   now.Add(req.window),
		}, nil
	}
	return checkResult{
		allowed:    false,
		remaining:  remaining,
		resetAt:    now.Add(retry),
		retryAfter: retry,
	}, nil
}

func (r *redisBackend) close() error {
	return r.client.Close()
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}
