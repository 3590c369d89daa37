package gateway

import (
	"strconv"
	"time"

	"github.com/wisbric/gatekeep/pkg/configstore"
	"github.com/wisbric/gatekeep/pkg/ratelimit"
)

// errorResponse builds a failure Response. The HTTP adapter renders
// ErrorTag/ErrorMessage/RetryAfter into the JSON error envelope
// (spec.md §6); gateway itself stays transport-agnostic. An optional
// headers map merges in additional response headers (e.g. X-RateLimit-*
// computed before the failure was known).
func errorResponse(status int, tag, message, requestID string, retryAfter *float64, headers ...map[string]string) Response {
	h := make(map[string]string)
	for _, extra := range headers {
		for k, v := range extra {
			h[k] = v
		}
	}
	h["X-Request-Id"] = requestID
	if retryAfter != nil {
		h["Retry-After"] = strconv.FormatFloat(*retryAfter, 'f', 0, 64)
	}

	return Response{
		StatusCode:   status,
		Headers:      h,
		ErrorTag:     tag,
		ErrorMessage: message,
		RetryAfter:   retryAfter,
	}
}

// rateLimitHeaders renders the X-RateLimit-* headers the spec requires on
// every outcome the rate-limit stage reaches, whether allowed or not.
func rateLimitHeaders(d ratelimit.Decision, limit int, now time.Time) map[string]string {
	reset := now.Add(d.ResetAfter).Unix()
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(limit),
		"X-RateLimit-Remaining": strconv.Itoa(d.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(reset, 10),
	}
}

// effectiveRateLimit picks the rate/burst to enforce for this call: a
// per-key override takes precedence over a per-route override, which
// takes precedence over the process-wide default (DESIGN.md's recorded
// interpretation of spec.md §3's optional per-key/per-route fields, since
// the distilled spec does not state a precedence rule explicitly). The
// abuse detector's soft-limit multiplier, if any, scales the result.
func effectiveRateLimit(key configstore.APIKey, route configstore.Route, cfg Config, multiplier float64) (rate float64, burst int) {
	rate = cfg.DefaultRateLimitRPS
	burst = cfg.DefaultRateLimitBurst

	if route.RateLimitRPS != nil {
		rate = *route.RateLimitRPS
	}
	if route.RateLimitBurst != nil {
		burst = *route.RateLimitBurst
	}
	if key.RateLimitRPS != nil {
		rate = *key.RateLimitRPS
	}
	if key.RateLimitBurst != nil {
		burst = *key.RateLimitBurst
	}

	if multiplier > 0 && multiplier != 1.0 {
		rate *= multiplier
		burst = int(float64(burst) * multiplier)
		if burst < 1 {
			burst = 1
		}
	}
	return rate, burst
}
