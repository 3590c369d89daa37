// Package abuse implements EWMA/z-score anomaly detection over per-key
// request metrics, escalating to a hard temporary block on a rate spike
// or a transient soft limit on an error-rate spike (spec §4.6).
package abuse

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/wisbric/gatekeep/pkg/coordstore"
)

const (
	metricsPrefix = "abuse:metrics:"
	blockPrefix   = "abuse:block:"

	// RateWindow is the fixed window length over which request and error
	// rates are computed before a rollover.
	RateWindow = 60.0

	// ReasonRateSpike is recorded on a hard block triggered by a rate
	// z-score beyond the configured threshold.
	ReasonRateSpike = "rate_spike"
	// ReasonErrorRateSpike is recorded on a soft limit triggered by an
	// error-rate spike.
	ReasonErrorRateSpike = "error_rate_spike"
)

// Metrics is the per-key state persisted between requests.
type Metrics struct {
	EWMARate         float64
	EWMARateVariance float64
	EWMAErrorRate    float64
	TotalRequests    int64
	TotalErrors      int64
	WindowStart      float64
	WindowRequests   int64
	WindowErrors     int64
}

// Result is the outcome of a pre-request check or a post-response record.
type Result struct {
	IsBlocked      bool
	IsSoftLimited  bool
	RateMultiplier float64
	Reason         string
	AnomalyScore   float64
	BlockUntil     float64
}

func allow() Result {
	return Result{RateMultiplier: 1.0}
}

// Detector tracks per-key abuse metrics and issues block/soft-limit
// decisions.
type Detector struct {
	store         coordstore.Store
	alpha         float64
	zThreshold    float64
	blockDuration time.Duration
	now           func() time.Time
}

// New creates a detector. alpha is the EWMA smoothing factor,
// zThreshold the z-score beyond which a rate is anomalous, and
// blockDuration how long a hard block lasts once applied.
func New(store coordstore.Store, alpha, zThreshold float64, blockDuration time.Duration) *Detector {
	return &Detector{
		store:         store,
		alpha:         alpha,
		zThreshold:    zThreshold,
		blockDuration: blockDuration,
		now:           time.Now,
	}
}

// Check reads only the block marker for key, the pre-request gate
// described in spec §4.6. An expired marker is deleted lazily.
func (d *Detector) Check(ctx context.Context, key string) (Result, error) {
	return d.checkBlock(ctx, key)
}

func (d *Detector) checkBlock(ctx context.Context, key string) (Result, error) {
	blockKey := blockPrefix + key
	data, err := d.store.HGetAll(ctx, blockKey)
	if err != nil {
		return Result{}, fmt.Errorf("abuse: read block marker: %w", err)
	}
	if len(data) == 0 {
		return allow(), nil
	}

	until, _ := strconv.ParseFloat(data["until"], 64)
	nowSec := float64(d.now().UnixNano()) / 1e9
	if until > nowSec {
		score, _ := strconv.ParseFloat(data["score"], 64)
		reason := data["reason"]
		if reason == "" {
			reason = "abuse_detected"
		}
		return Result{
			IsBlocked:    true,
			Reason:       reason,
			AnomalyScore: score,
			BlockUntil:   until,
		}, nil
	}

	if err := d.store.Delete(ctx, blockKey); err != nil {
		return Result{}, fmt.Errorf("abuse: delete expired block marker: %w", err)
	}
	return allow(), nil
}

// Record updates window counters for key after a response, rolling the
// window over and checking for anomalies when it has expired. It must be
// called once per request, after the pre-request Check.
func (d *Detector) Record(ctx context.Context, key string, isError bool) (Result, error) {
	metricsKey := metricsPrefix + key
	nowSec := float64(d.now().UnixNano()) / 1e9

	m, err := d.loadMetrics(ctx, metricsKey)
	if err != nil {
		return Result{}, err
	}

	if blocked, err := d.checkBlock(ctx, key); err != nil {
		return Result{}, err
	} else if blocked.IsBlocked {
		return blocked, nil
	}

	if m.WindowStart == 0 {
		m.WindowStart = nowSec
	}

	if nowSec-m.WindowStart > RateWindow {
		if m.WindowRequests > 0 {
			currentRate := float64(m.WindowRequests) / RateWindow
			currentErrorRate := float64(m.WindowErrors) / float64(m.WindowRequests)

			oldEWMA := m.EWMARate
			m.EWMARate = ewmaUpdate(m.EWMARate, currentRate, d.alpha)
			m.EWMARateVariance = ewmaUpdateVariance(m.EWMARateVariance, oldEWMA, currentRate, d.alpha)
			m.EWMAErrorRate = ewmaUpdate(m.EWMAErrorRate, currentErrorRate, d.alpha)

			result, err := d.checkAnomaly(ctx, key, currentRate, currentErrorRate, m, nowSec)
			if err != nil {
				return Result{}, err
			}
			if result.IsBlocked || result.IsSoftLimited {
				if err := d.saveMetrics(ctx, metricsKey, m); err != nil {
					return Result{}, err
				}
				return result, nil
			}
		}

		m.WindowStart = nowSec
		m.WindowRequests = 0
		m.WindowErrors = 0
	}

	m.WindowRequests++
	m.TotalRequests++
	if isError {
		m.WindowErrors++
		m.TotalErrors++
	}

	if err := d.saveMetrics(ctx, metricsKey, m); err != nil {
		return Result{}, err
	}
	return allow(), nil
}

func (d *Detector) checkAnomaly(ctx context.Context, key string, currentRate, currentErrorRate float64, m Metrics, nowSec float64) (Result, error) {
	stdDev := math.Sqrt(math.Max(0, m.EWMARateVariance))
	rateZ := zScore(currentRate, m.EWMARate, stdDev)

	if math.Abs(rateZ) > d.zThreshold {
		blockUntil := nowSec + d.blockDuration.Seconds()
		if err := d.applyBlock(ctx, key, ReasonRateSpike, rateZ, blockUntil); err != nil {
			return Result{}, err
		}
		return Result{
			IsBlocked:    true,
			Reason:       ReasonRateSpike,
			AnomalyScore: rateZ,
			BlockUntil:   blockUntil,
		}, nil
	}

	if currentErrorRate > 0.5 && m.TotalRequests > 10 {
		errorZ := (currentErrorRate - m.EWMAErrorRate) / 0.1
		if errorZ > d.zThreshold {
			return Result{
				IsSoftLimited:  true,
				RateMultiplier: 0.5,
				Reason:         ReasonErrorRateSpike,
				AnomalyScore:   errorZ,
			}, nil
		}
	}

	return allow(), nil
}

func (d *Detector) applyBlock(ctx context.Context, key, reason string, score, blockUntil float64) error {
	blockKey := blockPrefix + key
	fields := map[string]string{
		"until":  strconv.FormatFloat(blockUntil, 'f', -1, 64),
		"reason": reason,
		"score":  strconv.FormatFloat(score, 'f', -1, 64),
	}
	for field, value := range fields {
		if err := d.store.HSet(ctx, blockKey, field, value); err != nil {
			return fmt.Errorf("abuse: write block marker: %w", err)
		}
	}
	if err := d.store.Expire(ctx, blockKey, d.blockDuration+60*time.Second); err != nil {
		return fmt.Errorf("abuse: expire block marker: %w", err)
	}
	return nil
}

func (d *Detector) loadMetrics(ctx context.Context, metricsKey string) (Metrics, error) {
	data, err := d.store.HGetAll(ctx, metricsKey)
	if err != nil {
		return Metrics{}, fmt.Errorf("abuse: read metrics: %w", err)
	}
	var m Metrics
	m.EWMARate = parseFloatField(data, "ewma_rate")
	m.EWMARateVariance = parseFloatField(data, "ewma_rate_variance")
	m.EWMAErrorRate = parseFloatField(data, "ewma_error_rate")
	m.TotalRequests = int64(parseFloatField(data, "total_requests"))
	m.TotalErrors = int64(parseFloatField(data, "total_errors"))
	m.WindowStart = parseFloatField(data, "window_start")
	m.WindowRequests = int64(parseFloatField(data, "window_requests"))
	m.WindowErrors = int64(parseFloatField(data, "window_errors"))
	return m, nil
}

func (d *Detector) saveMetrics(ctx context.Context, metricsKey string, m Metrics) error {
	fields := map[string]string{
		"ewma_rate":          strconv.FormatFloat(m.EWMARate, 'f', -1, 64),
		"ewma_rate_variance": strconv.FormatFloat(m.EWMARateVariance, 'f', -1, 64),
		"ewma_error_rate":    strconv.FormatFloat(m.EWMAErrorRate, 'f', -1, 64),
		"total_requests":     strconv.FormatInt(m.TotalRequests, 10),
		"total_errors":       strconv.FormatInt(m.TotalErrors, 10),
		"window_start":       strconv.FormatFloat(m.WindowStart, 'f', -1, 64),
		"window_requests":    strconv.FormatInt(m.WindowRequests, 10),
		"window_errors":      strconv.FormatInt(m.WindowErrors, 10),
	}
	for field, value := range fields {
		if err := d.store.HSet(ctx, metricsKey, field, value); err != nil {
			return fmt.Errorf("abuse: write metrics: %w", err)
		}
	}
	return d.store.Expire(ctx, metricsKey, 24*time.Hour)
}

func parseFloatField(data map[string]string, field string) float64 {
	v, ok := data[field]
	if !ok {
		return 0
	}
	f, _ := strconv.ParseFloat(v, 64)
	return f
}

// ewmaUpdate computes the new EWMA value: if the previous value is zero
// (uninitialized), the new value is taken as-is.
func ewmaUpdate(currentEWMA, newValue, alpha float64) float64 {
	if currentEWMA == 0 {
		return newValue
	}
	return alpha*newValue + (1-alpha)*currentEWMA
}

func ewmaUpdateVariance(currentVariance, currentEWMA, newValue, alpha float64) float64 {
	diff := newValue - currentEWMA
	return (1 - alpha) * (currentVariance + alpha*diff*diff)
}

func zScore(value, mean, stdDev float64) float64 {
	if stdDev == 0 {
		return 0
	}
	return (value - mean) / stdDev
}
