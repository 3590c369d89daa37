// Package configstore is the read-through configuration reader (C2) over
// tenants, API keys, routes, cache policies, and block rules (spec.md §3,
// §4.2). The data plane never mutates these rows except for an advisory
// last-used-at touch on API keys.
package configstore

import (
	"context"
	"time"
)

// KeyStatus is the lifecycle status of an API key.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyDisabled KeyStatus = "disabled"
	KeyRevoked KeyStatus = "revoked"
	KeyExpired KeyStatus = "expired"
)

// Tenant mirrors spec.md §3's Tenant entity.
type Tenant struct {
	ID     string
	Name   string
	Active bool
}

// APIKey mirrors spec.md §3's API key entity. Secret is the raw credential
// value matched against the inbound X-API-Key header.
type APIKey struct {
	ID              string
	TenantID        string
	Secret          string
	Prefix          string
	Status          KeyStatus
	QuotaDaily      int64
	QuotaMonthly    int64
	RateLimitRPS    *float64
	RateLimitBurst  *int
	ExpiresAt       *time.Time
	LastUsedAt      *time.Time
}

// Route mirrors spec.md §3's Route entity.
type Route struct {
	ID                    string
	Name                  string
	TenantID              *string
	PathPattern           string
	Methods               []string
	UpstreamBaseURL       string
	UpstreamPathRewrite   string
	TimeoutMS             int64
	RequestHeadersAdd     map[string]string
	RequestHeadersRemove  []string
	ResponseHeadersAdd    map[string]string
	PolicyID              *string
	RateLimitRPS          *float64
	RateLimitBurst        *int
	Active                bool
	Priority              int
}

// CachePolicy mirrors spec.md §3's Cache policy entity.
type CachePolicy struct {
	ID                 string
	TTLSeconds         int64
	StaleSeconds       int64
	VaryHeaders        []string
	CacheableStatuses  map[int]struct{}
	MaxBodyBytes       int64
	CacheNoStore       bool
	CacheableNotFound  bool
}

// BlockRule mirrors spec.md §3's Block rule entity. A key is actively
// blocked iff UnblockedAt is nil and (BlockedUntil is nil or in the future).
type BlockRule struct {
	APIKeyID           string
	Reason             string
	BlockedAt          time.Time
	BlockedUntil       *time.Time
	AnomalyScore       *float64
	RateAtBlock        *float64
	ErrorRateAtBlock   *float64
	UnblockedAt        *time.Time
	UnblockedBy        *string
}

// Active reports whether the rule currently blocks its key.
func (r BlockRule) Active(now time.Time) bool {
	if r.UnblockedAt != nil {
		return false
	}
	return r.BlockedUntil == nil || r.BlockedUntil.After(now)
}

// MatchedRoute is a Route together with the matched CachePolicy, if any.
type MatchedRoute struct {
	Route  Route
	Policy *CachePolicy
}

// Reader is the read-through contract the request pipeline (C10) uses
// against the configuration store. Implementations must never mutate
// config rows except via TouchLastUsed.
type Reader interface {
	// LookupKey resolves a raw API key secret to its key and owning
	// tenant. Returns ok=false if no key matches the secret.
	LookupKey(ctx context.Context, secret string) (key APIKey, tenant Tenant, ok bool, err error)

	// FindRoute resolves name+method to the highest-priority matching
	// active route for tenantID (or a shared route if none is
	// tenant-scoped). Tenant-scoped routes take priority over shared
	// routes of the same name; within that, higher Priority wins
	// (spec.md §3).
	FindRoute(ctx context.Context, name, method, tenantID string) (MatchedRoute, bool, error)

	// ActiveBlock returns the currently active block rule for keyID, if
	// any.
	ActiveBlock(ctx context.Context, keyID string) (BlockRule, bool, error)

	// TouchLastUsed advisively records that keyID was just used. Errors
	// are non-fatal to the caller; implementations should log and
	// swallow persistence failures here.
	TouchLastUsed(ctx context.Context, keyID string, at time.Time) error
}
