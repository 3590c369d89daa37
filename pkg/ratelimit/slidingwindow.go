package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/gatekeep/pkg/coordstore"
)

// SlidingWindow tracks exact request timestamps in a sorted set, giving
// precise rate limiting without token-bucket burst allowance (spec §4.3).
type SlidingWindow struct {
	store coordstore.Store
}

// NewSlidingWindow creates a sliding-window-log limiter over store.
func NewSlidingWindow(store coordstore.Store) *SlidingWindow {
	return &SlidingWindow{store: store}
}

var slidingWindowScript = coordstore.NewScript("ratelimit_sliding_window", `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local member = ARGV[4]

local window_start = now - window
redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

local count = redis.call('ZCARD', key)

local allowed = 0
if count < capacity then
  redis.call('ZADD', key, now, member)
  count = count + 1
  allowed = 1
end

redis.call('EXPIRE', key, math.ceil(window) + 1)

local reset_after = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest > 0 then
  reset_after = (tonumber(oldest[2]) + window) - now
end

return {tostring(allowed), tostring(count), tostring(reset_after)}
`)

const slidingWindowKeyPrefix = "ratelimit:sw:"

// Allow checks and, if allowed, records a request for key. capacity is the
// maximum number of requests within the window implied by
// capacity/rate seconds.
func (sw *SlidingWindow) Allow(ctx context.Context, key string, rate float64, capacity int) (Decision, error) {
	fullKey := slidingWindowKeyPrefix + key
	now := nowUnix()
	window := float64(capacity) / rate
	member := fmt.Sprintf("%f:%s", now, uuid.NewString())

	res, err := sw.store.Eval(ctx, slidingWindowScript, []string{fullKey}, capacity, window, now, member)
	if err == nil {
		return parseSlidingWindowResult(res, capacity, window)
	}
	if !errors.Is(err, coordstore.ErrScriptingNotSupported) {
		return Decision{}, fmt.Errorf("ratelimit: sliding window eval: %w", err)
	}
	return sw.allowFallback(ctx, fullKey, capacity, window, now, member)
}

// Reset clears the window state for key.
func (sw *SlidingWindow) Reset(ctx context.Context, key string) error {
	return sw.store.Delete(ctx, slidingWindowKeyPrefix+key)
}

func (sw *SlidingWindow) allowFallback(ctx context.Context, fullKey string, capacity int, window, now float64, member string) (Decision, error) {
	windowStart := now - window
	if err := sw.store.ZRemRangeByScore(ctx, fullKey, math.Inf(-1), windowStart); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: sliding window fallback trim: %w", err)
	}

	count, err := sw.store.ZCount(ctx, fullKey, math.Inf(-1), math.Inf(1))
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: sliding window fallback count: %w", err)
	}

	allowed := count < int64(capacity)
	if allowed {
		if err := sw.store.ZAdd(ctx, fullKey, now, member); err != nil {
			return Decision{}, fmt.Errorf("ratelimit: sliding window fallback add: %w", err)
		}
		count++
	}
	if err := sw.store.Expire(ctx, fullKey, time.Duration(math.Ceil(window)+1)*time.Second); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: sliding window fallback expire: %w", err)
	}

	resetAfter := window
	_, oldestScore, ok, err := sw.store.ZOldest(ctx, fullKey)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: sliding window fallback oldest: %w", err)
	}
	if ok {
		resetAfter = (oldestScore + window) - now
	}

	return Decision{
		Allowed:    allowed,
		Remaining:  int(math.Max(0, float64(capacity)-float64(count))),
		ResetAfter: time.Duration(resetAfter * float64(time.Second)),
		RetryAfter: time.Duration(resetAfter * float64(time.Second)),
	}, nil
}

func parseSlidingWindowResult(res any, capacity int, window float64) (Decision, error) {
	vals, ok := res.([]any)
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected sliding window script result %#v", res)
	}
	allowedStr, _ := vals[0].(string)
	countStr, _ := vals[1].(string)
	resetStr, _ := vals[2].(string)

	allowed := allowedStr == "1"
	count, _ := strconv.ParseFloat(countStr, 64)
	resetAfter, _ := strconv.ParseFloat(resetStr, 64)

	return Decision{
		Allowed:    allowed,
		Remaining:  int(math.Max(0, float64(capacity)-count)),
		ResetAfter: time.Duration(resetAfter * float64(time.Second)),
		RetryAfter: time.Duration(resetAfter * float64(time.Second)),
	}, nil
}
