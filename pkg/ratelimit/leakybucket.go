package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/wisbric/gatekeep/pkg/coordstore"
)

// LeakyBucket smooths output by draining a fill level at a fixed rate,
// rejecting once the level would exceed capacity (spec §4.3).
type LeakyBucket struct {
	store coordstore.Store
}

// NewLeakyBucket creates a leaky-bucket limiter over store.
func NewLeakyBucket(store coordstore.Store) *LeakyBucket {
	return &LeakyBucket{store: store}
}

var leakyBucketScript = coordstore.NewScript("ratelimit_leaky_bucket", `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local level = tonumber(redis.call('HGET', key, 'level'))
local last_leak = tonumber(redis.call('HGET', key, 'last_leak'))
if level == nil then
  level = 0
  last_leak = now
end

local elapsed = now - last_leak
if elapsed < 0 then elapsed = 0 end
level = math.max(0, level - elapsed * rate)

local allowed = 0
local wait = 0
if level < capacity then
  level = level + 1
  allowed = 1
else
  wait = (level - capacity + 1) / rate
end

redis.call('HSET', key, 'level', tostring(level), 'last_leak', tostring(now))
redis.call('EXPIRE', key, math.ceil(capacity / rate) + 60)

return {tostring(allowed), tostring(level), tostring(wait)}
`)

const leakyBucketKeyPrefix = "ratelimit:lb:"

// Allow checks and, if the bucket has room, adds one unit to the level for
// key. rate is the drain rate in units/second and capacity the maximum
// level.
func (lb *LeakyBucket) Allow(ctx context.Context, key string, rate float64, capacity int) (Decision, error) {
	fullKey := leakyBucketKeyPrefix + key
	now := nowUnix()

	res, err := lb.store.Eval(ctx, leakyBucketScript, []string{fullKey}, rate, capacity, now)
	if err == nil {
		return parseLeakyBucketResult(res, rate, capacity)
	}
	if !errors.Is(err, coordstore.ErrScriptingNotSupported) {
		return Decision{}, fmt.Errorf("ratelimit: leaky bucket eval: %w", err)
	}
	return lb.allowFallback(ctx, fullKey, rate, capacity, now)
}

// Reset clears the bucket state for key.
func (lb *LeakyBucket) Reset(ctx context.Context, key string) error {
	return lb.store.Delete(ctx, leakyBucketKeyPrefix+key)
}

func (lb *LeakyBucket) allowFallback(ctx context.Context, fullKey string, rate float64, capacity int, now float64) (Decision, error) {
	data, err := lb.store.HGetAll(ctx, fullKey)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: leaky bucket fallback read: %w", err)
	}

	var level float64
	lastLeak := now
	if v, ok := data["level"]; ok {
		level, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := data["last_leak"]; ok {
		lastLeak, _ = strconv.ParseFloat(v, 64)
	}

	elapsed := now - lastLeak
	if elapsed < 0 {
		elapsed = 0
	}
	level = math.Max(0, level-elapsed*rate)

	var wait float64
	allowed := level < float64(capacity)
	if allowed {
		level++
	} else {
		wait = (level - float64(capacity) + 1) / rate
	}

	if err := lb.store.HSet(ctx, fullKey, "level", strconv.FormatFloat(level, 'f', -1, 64)); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: leaky bucket fallback write: %w", err)
	}
	if err := lb.store.HSet(ctx, fullKey, "last_leak", strconv.FormatFloat(now, 'f', -1, 64)); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: leaky bucket fallback write: %w", err)
	}
	ttl := time.Duration(math.Ceil(float64(capacity)/rate)+60) * time.Second
	if err := lb.store.Expire(ctx, fullKey, ttl); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: leaky bucket fallback expire: %w", err)
	}

	return Decision{
		Allowed:    allowed,
		Remaining:  int(math.Max(0, float64(capacity)-level)),
		ResetAfter: time.Duration(level / rate * float64(time.Second)),
		RetryAfter: time.Duration(wait * float64(time.Second)),
	}, nil
}

func parseLeakyBucketResult(res any, rate float64, capacity int) (Decision, error) {
	vals, ok := res.([]any)
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected leaky bucket script result %#v", res)
	}
	allowedStr, _ := vals[0].(string)
	levelStr, _ := vals[1].(string)
	waitStr, _ := vals[2].(string)

	allowed := allowedStr == "1"
	level, _ := strconv.ParseFloat(levelStr, 64)
	wait, _ := strconv.ParseFloat(waitStr, 64)

	return Decision{
		Allowed:    allowed,
		Remaining:  int(math.Max(0, float64(capacity)-level)),
		ResetAfter: time.Duration(level / rate * float64(time.Second)),
		RetryAfter: time.Duration(wait * float64(time.Second)),
	}, nil
}
