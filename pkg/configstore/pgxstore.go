package configstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// HashSecret returns the SHA-256 hex digest of a raw API key secret. Keys
// are stored hashed; the raw secret only ever exists in the inbound
// X-API-Key header and in memory for the duration of the request.
func HashSecret(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

const keyColumns = `ak.id, ak.tenant_id, ak.key_prefix, ak.status, ak.quota_daily, ak.quota_monthly,
	ak.rate_limit_rps, ak.rate_limit_burst, ak.expires_at, ak.last_used_at`

const routeColumns = `r.id, r.name, r.tenant_id, r.path_pattern, r.methods, r.upstream_base_url,
	r.upstream_path_rewrite, r.timeout_ms, r.request_headers_add, r.request_headers_remove,
	r.response_headers_add, r.policy_id, r.rate_limit_rps, r.rate_limit_burst, r.active, r.priority`

const policyColumns = `cp.id, cp.ttl_seconds, cp.stale_seconds, cp.vary_headers, cp.cacheable_statuses,
	cp.max_body_bytes, cp.cache_no_store, cp.cacheable_not_found`

// PgxStore is the pgx-backed Reader (C2) over the tenants, api_keys, routes,
// cache_policies, and block_rules tables described in spec.md §3.
type PgxStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPgxStore creates a configuration Reader backed by pool.
func NewPgxStore(pool *pgxpool.Pool, logger *slog.Logger) *PgxStore {
	return &PgxStore{pool: pool, logger: logger}
}

// LookupKey hashes secret and joins api_keys to tenants, mirroring the
// teacher's APIKeyAuthenticator.Authenticate hash-then-lookup pattern.
// Status/expiry/tenant-active gating is the pipeline's responsibility
// (spec.md §4.2); LookupKey only resolves rows.
func (s *PgxStore) LookupKey(ctx context.Context, secret string) (APIKey, Tenant, bool, error) {
	hash := HashSecret(secret)

	query := `SELECT ` + keyColumns + `, t.id, t.name, t.active
		FROM public.api_keys ak
		JOIN public.tenants t ON t.id = ak.tenant_id
		WHERE ak.key_hash = $1`

	row := s.pool.QueryRow(ctx, query, hash)

	var (
		key       APIKey
		status    string
		tenant    Tenant
		rpsBurst  *int
		rps       *float64
	)
	err := row.Scan(
		&key.ID, &key.TenantID, &key.Prefix, &status, &key.QuotaDaily, &key.QuotaMonthly,
		&rps, &rpsBurst, &key.ExpiresAt, &key.LastUsedAt,
		&tenant.ID, &tenant.Name, &tenant.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return APIKey{}, Tenant{}, false, nil
	}
	if err != nil {
		return APIKey{}, Tenant{}, false, fmt.Errorf("looking up api key: %w", err)
	}

	key.Status = KeyStatus(status)
	key.RateLimitRPS = rps
	key.RateLimitBurst = rpsBurst
	key.Secret = secret

	return key, tenant, true, nil
}

// FindRoute resolves name+method to the highest-priority active route,
// preferring a tenant-scoped route over a shared one with the same name
// (spec.md §3, §4.2's find_route rule).
func (s *PgxStore) FindRoute(ctx context.Context, name, method, tenantID string) (MatchedRoute, bool, error) {
	query := `SELECT ` + routeColumns + `, ` + policyColumns + `
		FROM public.routes r
		LEFT JOIN public.cache_policies cp ON cp.id = r.policy_id
		WHERE r.active = true
		  AND r.name = $1
		  AND $2 = ANY(r.methods)
		  AND (r.tenant_id = $3 OR r.tenant_id IS NULL)
		ORDER BY (r.tenant_id IS NOT NULL) DESC, r.priority DESC
		LIMIT 1`

	row := s.pool.QueryRow(ctx, query, name, method, tenantID)

	var (
		route                Route
		policy               CachePolicy
		policyID             *string
		statuses             []int32
		policyIDNullable     *string
		ttl, stale, maxBody  *int64
		vary                 []string
		noStore, notFoundOK  *bool
	)
	err := row.Scan(
		&route.ID, &route.Name, &route.TenantID, &route.PathPattern, &route.Methods,
		&route.UpstreamBaseURL, &route.UpstreamPathRewrite, &route.TimeoutMS,
		&route.RequestHeadersAdd, &route.RequestHeadersRemove, &route.ResponseHeadersAdd,
		&policyID, &route.RateLimitRPS, &route.RateLimitBurst, &route.Active, &route.Priority,
		&policyIDNullable, &ttl, &stale, &vary, &statuses, &maxBody, &noStore, &notFoundOK,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return MatchedRoute{}, false, nil
	}
	if err != nil {
		return MatchedRoute{}, false, fmt.Errorf("finding route: %w", err)
	}

	route.PolicyID = policyID

	var matched MatchedRoute
	matched.Route = route

	if policyIDNullable != nil {
		policy.ID = *policyIDNullable
		if ttl != nil {
			policy.TTLSeconds = *ttl
		}
		if stale != nil {
			policy.StaleSeconds = *stale
		}
		if maxBody != nil {
			policy.MaxBodyBytes = *maxBody
		}
		if noStore != nil {
			policy.CacheNoStore = *noStore
		}
		if notFoundOK != nil {
			policy.CacheableNotFound = *notFoundOK
		}
		policy.VaryHeaders = vary
		policy.CacheableStatuses = make(map[int]struct{}, len(statuses))
		for _, code := range statuses {
			policy.CacheableStatuses[int(code)] = struct{}{}
		}
		matched.Policy = &policy
	}

	return matched, true, nil
}

// ActiveBlock returns the currently active block rule for keyID, if any.
func (s *PgxStore) ActiveBlock(ctx context.Context, keyID string) (BlockRule, bool, error) {
	query := `SELECT api_key_id, reason, blocked_at, blocked_until, anomaly_score,
		rate_at_block, error_rate_at_block, unblocked_at, unblocked_by
		FROM public.block_rules
		WHERE api_key_id = $1 AND unblocked_at IS NULL
		ORDER BY blocked_at DESC
		LIMIT 1`

	row := s.pool.QueryRow(ctx, query, keyID)

	var rule BlockRule
	err := row.Scan(
		&rule.APIKeyID, &rule.Reason, &rule.BlockedAt, &rule.BlockedUntil, &rule.AnomalyScore,
		&rule.RateAtBlock, &rule.ErrorRateAtBlock, &rule.UnblockedAt, &rule.UnblockedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return BlockRule{}, false, nil
	}
	if err != nil {
		return BlockRule{}, false, fmt.Errorf("loading active block: %w", err)
	}

	if !rule.Active(time.Now()) {
		return BlockRule{}, false, nil
	}
	return rule, true, nil
}

// TouchLastUsed updates an API key's last_used_at asynchronously,
// fire-and-forget, mirroring the teacher's UpdateAPIKeyLastUsed call in
// APIKeyAuthenticator.Authenticate.
func (s *PgxStore) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	go func() {
		query := `UPDATE public.api_keys SET last_used_at = $1 WHERE id = $2`
		if _, err := s.pool.Exec(context.Background(), query, at, keyID); err != nil {
			s.logger.Warn("touching api key last_used_at", "error", err, "key_id", keyID)
		}
	}()
	return nil
}
