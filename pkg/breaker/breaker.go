// Package breaker implements a Redis-backed circuit breaker shared across
// replicas, rather than a process-local FSM, so that every instance of
// the gateway agrees on an upstream's health (spec §4.7). This is the
// reason the teacher's process-local breaker pattern does not fit here:
// the state must be visible cluster-wide.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/wisbric/gatekeep/pkg/coordstore"
)

// State is one of the three circuit-breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config bounds a breaker's transitions.
type Config struct {
	FailureThreshold  int64
	SuccessThreshold  int64
	Timeout           time.Duration
	HalfOpenMaxCalls  int64
}

// Breaker is a named, coordstore-backed circuit breaker.
type Breaker struct {
	store coordstore.Store
	name  string
	cfg   Config
	now   func() time.Time
}

// New creates a breaker named name (typically the upstream's name) with
// the given config.
func New(store coordstore.Store, name string, cfg Config) *Breaker {
	return &Breaker{store: store, name: name, cfg: cfg, now: time.Now}
}

func (b *Breaker) key() string {
	return "circuit:" + b.name
}

var allowScript = coordstore.NewScript("breaker_allow", `
local key = KEYS[1]
local timeout = tonumber(ARGV[1])
local half_open_max_calls = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HGET', key, 'state')
if state == false or state == nil then
  state = 'closed'
end
local last_change = tonumber(redis.call('HGET', key, 'last_change')) or now
local half_open_calls = tonumber(redis.call('HGET', key, 'half_open_calls')) or 0

if state == 'closed' then
  return {'1', state}
end

if state == 'open' then
  if now - last_change >= timeout then
    state = 'half_open'
    last_change = now
    half_open_calls = 0
    redis.call('HSET', key, 'state', state, 'last_change', tostring(last_change),
      'half_open_calls', '0', 'success_count', '0')
  else
    return {'0', state}
  end
end

-- state == 'half_open'
if half_open_calls < half_open_max_calls then
  half_open_calls = half_open_calls + 1
  redis.call('HSET', key, 'half_open_calls', tostring(half_open_calls))
  return {'1', state}
end
return {'0', state}
`)

// CanExecute reports whether a call against this breaker's upstream may
// proceed right now, applying the OPEN→HALF_OPEN timeout transition and
// the HALF_OPEN probe-count gate as a side effect.
func (b *Breaker) CanExecute(ctx context.Context) (bool, State, error) {
	now := float64(b.now().UnixNano()) / 1e9
	res, err := b.store.Eval(ctx, allowScript, []string{b.key()},
		b.cfg.Timeout.Seconds(), b.cfg.HalfOpenMaxCalls, now)
	if err == nil {
		return parseAllowResult(res)
	}
	if !errors.Is(err, coordstore.ErrScriptingNotSupported) {
		return false, "", fmt.Errorf("breaker: allow eval: %w", err)
	}
	return b.canExecuteFallback(ctx, now)
}

func (b *Breaker) canExecuteFallback(ctx context.Context, now float64) (bool, State, error) {
	data, err := b.store.HGetAll(ctx, b.key())
	if err != nil {
		return false, "", fmt.Errorf("breaker: fallback read: %w", err)
	}
	state := State(data["state"])
	if state == "" {
		state = Closed
	}
	lastChange := parseFloat(data, "last_change", now)
	halfOpenCalls := parseInt(data, "half_open_calls", 0)

	switch state {
	case Closed:
		return true, Closed, nil
	case Open:
		if now-lastChange >= b.cfg.Timeout.Seconds() {
			state = HalfOpen
			if err := b.writeFields(ctx, map[string]string{
				"state":           string(HalfOpen),
				"last_change":     formatFloat(now),
				"half_open_calls": "0",
				"success_count":   "0",
			}); err != nil {
				return false, "", err
			}
			halfOpenCalls = 0
		} else {
			return false, Open, nil
		}
	}

	// state == HalfOpen here, either originally or just transitioned.
	if halfOpenCalls < b.cfg.HalfOpenMaxCalls {
		halfOpenCalls++
		if err := b.store.HSet(ctx, b.key(), "half_open_calls", strconv.FormatInt(halfOpenCalls, 10)); err != nil {
			return false, "", fmt.Errorf("breaker: fallback write half_open_calls: %w", err)
		}
		return true, HalfOpen, nil
	}
	return false, HalfOpen, nil
}

var recordScript = coordstore.NewScript("breaker_record", `
local key = KEYS[1]
local success = tonumber(ARGV[1])
local failure_threshold = tonumber(ARGV[2])
local success_threshold = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call('HGET', key, 'state')
if state == false or state == nil then
  state = 'closed'
end
local failure_count = tonumber(redis.call('HGET', key, 'failure_count')) or 0
local success_count = tonumber(redis.call('HGET', key, 'success_count')) or 0

if state == 'closed' then
  if success == 1 then
    redis.call('HSET', key, 'failure_count', '0')
  else
    failure_count = failure_count + 1
    if failure_count >= failure_threshold then
      redis.call('HSET', key, 'state', 'open', 'last_change', tostring(now), 'failure_count', tostring(failure_count))
      state = 'open'
    else
      redis.call('HSET', key, 'failure_count', tostring(failure_count))
    end
  end
elseif state == 'half_open' then
  if success == 1 then
    success_count = success_count + 1
    if success_count >= success_threshold then
      redis.call('HSET', key, 'state', 'closed', 'last_change', tostring(now),
        'failure_count', '0', 'success_count', '0', 'half_open_calls', '0')
      state = 'closed'
    else
      redis.call('HSET', key, 'success_count', tostring(success_count))
    end
  else
    redis.call('HSET', key, 'state', 'open', 'last_change', tostring(now),
      'success_count', '0', 'half_open_calls', '0')
    state = 'open'
  end
end

return {state}
`)

// RecordResult reports the outcome of a call this breaker allowed,
// applying the CLOSED and HALF_OPEN transition rules in spec §4.7.
// Results observed while the breaker reads OPEN (a race with a
// concurrent transition) are ignored.
func (b *Breaker) RecordResult(ctx context.Context, success bool) (State, error) {
	now := float64(b.now().UnixNano()) / 1e9
	successArg := 0
	if success {
		successArg = 1
	}

	res, err := b.store.Eval(ctx, recordScript, []string{b.key()},
		successArg, b.cfg.FailureThreshold, b.cfg.SuccessThreshold, now)
	if err == nil {
		vals, ok := res.([]any)
		if !ok || len(vals) != 1 {
			return "", fmt.Errorf("breaker: unexpected record script result %#v", res)
		}
		s, _ := vals[0].(string)
		return State(s), nil
	}
	if !errors.Is(err, coordstore.ErrScriptingNotSupported) {
		return "", fmt.Errorf("breaker: record eval: %w", err)
	}
	return b.recordResultFallback(ctx, success, now)
}

func (b *Breaker) recordResultFallback(ctx context.Context, success bool, now float64) (State, error) {
	data, err := b.store.HGetAll(ctx, b.key())
	if err != nil {
		return "", fmt.Errorf("breaker: fallback read: %w", err)
	}
	state := State(data["state"])
	if state == "" {
		state = Closed
	}
	failureCount := parseInt(data, "failure_count", 0)
	successCount := parseInt(data, "success_count", 0)

	switch state {
	case Closed:
		if success {
			return Closed, b.store.HSet(ctx, b.key(), "failure_count", "0")
		}
		failureCount++
		if failureCount >= b.cfg.FailureThreshold {
			return Open, b.writeFields(ctx, map[string]string{
				"state":         string(Open),
				"last_change":   formatFloat(now),
				"failure_count": strconv.FormatInt(failureCount, 10),
			})
		}
		return Closed, b.store.HSet(ctx, b.key(), "failure_count", strconv.FormatInt(failureCount, 10))

	case HalfOpen:
		if success {
			successCount++
			if successCount >= b.cfg.SuccessThreshold {
				return Closed, b.writeFields(ctx, map[string]string{
					"state":           string(Closed),
					"last_change":     formatFloat(now),
					"failure_count":   "0",
					"success_count":   "0",
					"half_open_calls": "0",
				})
			}
			return HalfOpen, b.store.HSet(ctx, b.key(), "success_count", strconv.FormatInt(successCount, 10))
		}
		return Open, b.writeFields(ctx, map[string]string{
			"state":           string(Open),
			"last_change":     formatFloat(now),
			"success_count":   "0",
			"half_open_calls": "0",
		})

	default: // Open: ignore, a stale caller raced a transition.
		return Open, nil
	}
}

func (b *Breaker) writeFields(ctx context.Context, fields map[string]string) error {
	for field, value := range fields {
		if err := b.store.HSet(ctx, b.key(), field, value); err != nil {
			return fmt.Errorf("breaker: write %s: %w", field, err)
		}
	}
	return nil
}

func parseAllowResult(res any) (bool, State, error) {
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return false, "", fmt.Errorf("breaker: unexpected allow script result %#v", res)
	}
	allowedStr, _ := vals[0].(string)
	state, _ := vals[1].(string)
	return allowedStr == "1", State(state), nil
}

func parseFloat(data map[string]string, field string, def float64) float64 {
	v, ok := data[field]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func parseInt(data map[string]string, field string, def int64) int64 {
	v, ok := data[field]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
