// Package ratelimit implements the token-bucket, sliding-window-log, and
// leaky-bucket primitives used to enforce per-credential rate and burst
// limits. Each primitive is atomic via a Lua script on the coordstore
// Redis backend, with a documented non-atomic fallback on the in-memory
// backend.
package ratelimit

import (
	"time"
)

// Decision is the outcome of a single rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAfter time.Duration
	// RetryAfter is only meaningful when Allowed is false.
	RetryAfter time.Duration
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
