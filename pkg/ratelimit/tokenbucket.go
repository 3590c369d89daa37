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

// TokenBucket refills tokens at a fixed rate up to a capacity, allowing
// bursts up to that capacity (spec §4.3).
type TokenBucket struct {
	store coordstore.Store
}

// NewTokenBucket creates a token bucket limiter over store.
func NewTokenBucket(store coordstore.Store) *TokenBucket {
	return &TokenBucket{store: store}
}

var tokenBucketScript = coordstore.NewScript("ratelimit_token_bucket", `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
local last_update = tonumber(redis.call('HGET', key, 'last_update'))
if tokens == nil then
  tokens = capacity
  last_update = now
end

local elapsed = now - last_update
if elapsed < 0 then elapsed = 0 end
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
local retry_after = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry_after = (1 - tokens) / rate
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_update', tostring(now))
redis.call('EXPIRE', key, math.ceil(capacity / rate) + 60)

return {tostring(allowed), tostring(tokens), tostring(retry_after)}
`)

const tokenBucketKeyPrefix = "ratelimit:tb:"

// Allow checks and consumes one token from the bucket for key, where rate
// is tokens/second and capacity is the maximum burst size.
func (tb *TokenBucket) Allow(ctx context.Context, key string, rate float64, capacity int) (Decision, error) {
	fullKey := tokenBucketKeyPrefix + key
	now := nowUnix()

	res, err := tb.store.Eval(ctx, tokenBucketScript, []string{fullKey}, rate, capacity, now)
	if err == nil {
		return parseTokenBucketResult(res, rate, capacity)
	}
	if !errors.Is(err, coordstore.ErrScriptingNotSupported) {
		return Decision{}, fmt.Errorf("ratelimit: token bucket eval: %w", err)
	}
	return tb.allowFallback(ctx, fullKey, rate, capacity, now)
}

// Reset clears the bucket state for key, so the next call sees a fresh
// bucket at full capacity.
func (tb *TokenBucket) Reset(ctx context.Context, key string) error {
	return tb.store.Delete(ctx, tokenBucketKeyPrefix+key)
}

func (tb *TokenBucket) allowFallback(ctx context.Context, fullKey string, rate float64, capacity int, now float64) (Decision, error) {
	data, err := tb.store.HGetAll(ctx, fullKey)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: token bucket fallback read: %w", err)
	}

	tokens := float64(capacity)
	lastUpdate := now
	if v, ok := data["tokens"]; ok {
		tokens, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := data["last_update"]; ok {
		lastUpdate, _ = strconv.ParseFloat(v, 64)
	}

	elapsed := now - lastUpdate
	if elapsed < 0 {
		elapsed = 0
	}
	tokens = math.Min(float64(capacity), tokens+elapsed*rate)

	allowed := tokens >= 1
	var retryAfter float64
	if allowed {
		tokens--
	} else {
		retryAfter = (1 - tokens) / rate
	}

	if err := tb.store.HSet(ctx, fullKey, "tokens", strconv.FormatFloat(tokens, 'f', -1, 64)); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: token bucket fallback write: %w", err)
	}
	if err := tb.store.HSet(ctx, fullKey, "last_update", strconv.FormatFloat(now, 'f', -1, 64)); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: token bucket fallback write: %w", err)
	}
	ttl := time.Duration(math.Ceil(float64(capacity)/rate)+60) * time.Second
	if err := tb.store.Expire(ctx, fullKey, ttl); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: token bucket fallback expire: %w", err)
	}

	return Decision{
		Allowed:    allowed,
		Remaining:  int(math.Floor(tokens)),
		ResetAfter: time.Duration((float64(capacity)-tokens)/rate*float64(time.Second)),
		RetryAfter: time.Duration(retryAfter * float64(time.Second)),
	}, nil
}

func parseTokenBucketResult(res any, rate float64, capacity int) (Decision, error) {
	vals, ok := res.([]any)
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected token bucket script result %#v", res)
	}
	allowedStr, _ := vals[0].(string)
	tokensStr, _ := vals[1].(string)
	retryStr, _ := vals[2].(string)

	allowed := allowedStr == "1"
	tokens, _ := strconv.ParseFloat(tokensStr, 64)
	retryAfter, _ := strconv.ParseFloat(retryStr, 64)

	return Decision{
		Allowed:    allowed,
		Remaining:  int(math.Floor(tokens)),
		ResetAfter: time.Duration((float64(capacity)-tokens)/rate*float64(time.Second)),
		RetryAfter: time.Duration(retryAfter * float64(time.Second)),
	}, nil
}
