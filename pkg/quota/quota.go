// Package quota enforces per-API-key daily and monthly request ceilings
// on top of the coordstore. A limit of zero means unlimited (spec §4.4).
package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/wisbric/gatekeep/pkg/coordstore"
)

const (
	dailyTTL   = 86400 * time.Second
	monthlyTTL = 31 * 86400 * time.Second

	// ReasonDailyExceeded is returned when the daily counter is at its
	// limit. Checked before the monthly counter, so it takes precedence.
	ReasonDailyExceeded = "daily_quota_exceeded"
	// ReasonMonthlyExceeded is returned when the monthly counter is at its
	// limit.
	ReasonMonthlyExceeded = "monthly_quota_exceeded"
)

// Decision is the outcome of a quota check-and-increment.
type Decision struct {
	Allowed      bool
	Reason       string
	DailyCount   int64
	MonthlyCount int64
}

// Manager tracks daily and monthly request counts per API key.
type Manager struct {
	store coordstore.Store
	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

// NewManager creates a quota manager over store.
func NewManager(store coordstore.Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

var quotaScript = coordstore.NewScript("quota_check_and_increment", `
local daily_key = KEYS[1]
local monthly_key = KEYS[2]
local daily_limit = tonumber(ARGV[1])
local monthly_limit = tonumber(ARGV[2])
local daily_ttl = tonumber(ARGV[3])
local monthly_ttl = tonumber(ARGV[4])

local daily = tonumber(redis.call('GET', daily_key)) or 0
local monthly = tonumber(redis.call('GET', monthly_key)) or 0

if daily_limit > 0 and daily >= daily_limit then
  return {"0", "daily_quota_exceeded", tostring(daily), tostring(monthly)}
end
if monthly_limit > 0 and monthly >= monthly_limit then
  return {"0", "monthly_quota_exceeded", tostring(daily), tostring(monthly)}
end

local new_daily = redis.call('INCR', daily_key)
if new_daily == 1 then
  redis.call('EXPIRE', daily_key, daily_ttl)
end
local new_monthly = redis.call('INCR', monthly_key)
if new_monthly == 1 then
  redis.call('EXPIRE', monthly_key, monthly_ttl)
end

return {"1", "", tostring(new_daily), tostring(new_monthly)}
`)

// CheckAndIncrement reads the daily and monthly counters for keyID and, if
// neither is at its limit, atomically increments both. dailyLimit and
// monthlyLimit of 0 mean unlimited. The daily check takes precedence over
// the monthly one.
func (m *Manager) CheckAndIncrement(ctx context.Context, keyID string, dailyLimit, monthlyLimit int64) (Decision, error) {
	now := m.now().UTC()
	dailyKey := "quota:daily:" + keyID + ":" + now.Format("2006-01-02")
	monthlyKey := "quota:monthly:" + keyID + ":" + now.Format("2006-01")

	res, err := m.store.Eval(ctx, quotaScript, []string{dailyKey, monthlyKey},
		dailyLimit, monthlyLimit, int64(dailyTTL.Seconds()), int64(monthlyTTL.Seconds()))
	if err == nil {
		return parseQuotaResult(res)
	}
	if !errors.Is(err, coordstore.ErrScriptingNotSupported) {
		return Decision{}, fmt.Errorf("quota: eval: %w", err)
	}
	return m.checkAndIncrementFallback(ctx, dailyKey, monthlyKey, dailyLimit, monthlyLimit)
}

func (m *Manager) checkAndIncrementFallback(ctx context.Context, dailyKey, monthlyKey string, dailyLimit, monthlyLimit int64) (Decision, error) {
	daily, err := readCounter(ctx, m.store, dailyKey)
	if err != nil {
		return Decision{}, fmt.Errorf("quota: fallback read daily: %w", err)
	}
	monthly, err := readCounter(ctx, m.store, monthlyKey)
	if err != nil {
		return Decision{}, fmt.Errorf("quota: fallback read monthly: %w", err)
	}

	if dailyLimit > 0 && daily >= dailyLimit {
		return Decision{Allowed: false, Reason: ReasonDailyExceeded, DailyCount: daily, MonthlyCount: monthly}, nil
	}
	if monthlyLimit > 0 && monthly >= monthlyLimit {
		return Decision{Allowed: false, Reason: ReasonMonthlyExceeded, DailyCount: daily, MonthlyCount: monthly}, nil
	}

	newDaily, err := m.store.Incr(ctx, dailyKey)
	if err != nil {
		return Decision{}, fmt.Errorf("quota: fallback incr daily: %w", err)
	}
	if newDaily == 1 {
		if err := m.store.Expire(ctx, dailyKey, dailyTTL); err != nil {
			return Decision{}, fmt.Errorf("quota: fallback expire daily: %w", err)
		}
	}
	newMonthly, err := m.store.Incr(ctx, monthlyKey)
	if err != nil {
		return Decision{}, fmt.Errorf("quota: fallback incr monthly: %w", err)
	}
	if newMonthly == 1 {
		if err := m.store.Expire(ctx, monthlyKey, monthlyTTL); err != nil {
			return Decision{}, fmt.Errorf("quota: fallback expire monthly: %w", err)
		}
	}

	return Decision{Allowed: true, DailyCount: newDaily, MonthlyCount: newMonthly}, nil
}

func readCounter(ctx context.Context, store coordstore.Store, key string) (int64, error) {
	v, err := store.Get(ctx, key)
	if errors.Is(err, coordstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("quota: parse counter %q: %w", key, err)
	}
	return n, nil
}

func parseQuotaResult(res any) (Decision, error) {
	vals, ok := res.([]any)
	if !ok || len(vals) != 4 {
		return Decision{}, fmt.Errorf("quota: unexpected script result %#v", res)
	}
	allowedStr, _ := vals[0].(string)
	reason, _ := vals[1].(string)
	dailyStr, _ := vals[2].(string)
	monthlyStr, _ := vals[3].(string)

	daily, _ := strconv.ParseInt(dailyStr, 10, 64)
	monthly, _ := strconv.ParseInt(monthlyStr, 10, 64)

	return Decision{
		Allowed:      allowedStr == "1",
		Reason:       reason,
		DailyCount:   daily,
		MonthlyCount: monthly,
	}, nil
}
