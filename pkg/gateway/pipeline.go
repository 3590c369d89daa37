// Package gateway implements the request pipeline (C10): the ordered
// authenticate -> match route -> abuse check -> rate/burst -> quota ->
// cache -> upstream -> cache-store -> feedback chain, with the precise
// failure/status/tag contract from spec.md §4.10.
package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/wisbric/gatekeep/pkg/abuse"
	"github.com/wisbric/gatekeep/pkg/bloom"
	"github.com/wisbric/gatekeep/pkg/breaker"
	"github.com/wisbric/gatekeep/pkg/cache"
	"github.com/wisbric/gatekeep/pkg/configstore"
	"github.com/wisbric/gatekeep/pkg/quota"
	"github.com/wisbric/gatekeep/pkg/ratelimit"
	"github.com/wisbric/gatekeep/pkg/upstream"

	"github.com/wisbric/gatekeep/internal/telemetry"
)

// Error tags, matching spec.md §4.10's failure table exactly.
const (
	TagMissingAPIKey   = "missing_api_key"
	TagInvalidAPIKey   = "invalid_api_key"
	TagKeyInactive     = "key_inactive"
	TagKeyExpired      = "key_expired"
	TagTenantInactive  = "tenant_inactive"
	TagKeyBlocked      = "key_blocked"
	TagRouteNotFound   = "route_not_found"
	TagBlocked         = "blocked"
	TagRateLimited     = "rate_limited"
	TagQuotaExceeded   = "quota_exceeded"
	TagUpstreamTimeout = "upstream_timeout"
	TagUpstreamError   = "upstream_error"
)

// Request is the pipeline's transport-agnostic view of an inbound call.
type Request struct {
	RouteName    string
	Method       string
	Path         string // path past the route segment, as forwarded upstream
	RawQuery     string
	Query        url.Values
	Headers      map[string][]string // raw header map, as received
	Body         io.Reader
	ClientIP     string
	APIKeySecret string
	RequestID    string
}

// rawPath reconstructs the ingress path (route prefix + sub-path) for
// logging, per SPEC_FULL.md's resolved Open Question: preserve the
// ingress form.
func (r Request) rawPath() string {
	if r.RouteName == "" {
		return r.Path
	}
	return "/g/" + r.RouteName + r.Path
}

// Response is the pipeline's outcome, ready for an HTTP adapter to render.
// On success, Body is the raw cache/upstream body and ErrorTag is empty.
// On failure, Body is nil and ErrorTag/ErrorMessage/RetryAfter describe
// the JSON error envelope (spec.md §6) for the adapter to render.
type Response struct {
	StatusCode   int
	Headers      map[string]string
	Body         []byte
	ErrorTag     string
	ErrorMessage string
	RetryAfter   *float64
}

// Config bounds the primitives the pipeline builds per key/route.
type Config struct {
	DefaultRateLimitRPS    float64
	DefaultRateLimitBurst  int
	DefaultUpstreamTimeout time.Duration
	Breaker                breaker.Config
}

// Pipeline wires every C1-C9 primitive into the C10 request-processing
// chain. One Pipeline is built at startup and closed over by the HTTP
// handler (spec.md §9's redesign guidance: no package-level singletons).
type Pipeline struct {
	Config        configstore.Reader
	RateLimiter   *ratelimit.TokenBucket
	Quota         *quota.Manager
	Abuse         *abuse.Detector
	NegativeCache *bloom.NegativeCacheManager
	Cache         *cache.Engine
	Upstream      *upstream.Client
	Logger        *slog.Logger

	cfg Config
	now func() time.Time

	breakersMu sync.Mutex
	breakers   map[string]*breaker.Breaker
	newBreaker func(name string) *breaker.Breaker
}

// New builds a Pipeline. newBreaker constructs a breaker.Breaker for a
// given route id; the pipeline caches one instance per route.
func New(
	config configstore.Reader,
	rateLimiter *ratelimit.TokenBucket,
	quotaMgr *quota.Manager,
	abuseDetector *abuse.Detector,
	negativeCache *bloom.NegativeCacheManager,
	cacheEngine *cache.Engine,
	upstreamClient *upstream.Client,
	logger *slog.Logger,
	cfg Config,
	newBreaker func(name string) *breaker.Breaker,
) *Pipeline {
	return &Pipeline{
		Config:        config,
		RateLimiter:   rateLimiter,
		Quota:         quotaMgr,
		Abuse:         abuseDetector,
		NegativeCache: negativeCache,
		Cache:         cacheEngine,
		Upstream:      upstreamClient,
		Logger:        logger,
		cfg:           cfg,
		now:           time.Now,
		breakers:      make(map[string]*breaker.Breaker),
		newBreaker:    newBreaker,
	}
}

func (p *Pipeline) breakerFor(routeID string) *breaker.Breaker {
	p.breakersMu.Lock()
	defer p.breakersMu.Unlock()

	if b, ok := p.breakers[routeID]; ok {
		return b
	}
	b := p.newBreaker(routeID)
	p.breakers[routeID] = b
	return b
}

type logRecord struct {
	requestID   string
	tenantID    string
	keyID       string
	routeID     string
	method      string
	path        string
	clientIP    string
	status      int
	upstreamMS  int64
	totalMS     int64
	cacheStatus string
	errorType   string
}

func (p *Pipeline) logOutcome(rec *logRecord) {
	p.Logger.Info("gateway request",
		"request_id", rec.requestID,
		"tenant_id", rec.tenantID,
		"key_id", rec.keyID,
		"route_id", rec.routeID,
		"method", rec.method,
		"path", rec.path,
		"client_ip", rec.clientIP,
		"status", rec.status,
		"total_ms", rec.totalMS,
		"upstream_ms", rec.upstreamMS,
		"cache_status", rec.cacheStatus,
		"error_type", rec.errorType,
	)
}

// Execute runs the full pipeline for req and returns exactly one Response,
// emitting exactly one structured log record before returning (spec.md
// §4.10).
func (p *Pipeline) Execute(ctx context.Context, req Request) Response {
	start := p.now()
	rec := &logRecord{
		requestID: req.RequestID,
		method:    req.Method,
		path:      req.rawPath(),
		clientIP:  req.ClientIP,
	}

	resp := p.run(ctx, req, rec)

	rec.status = resp.StatusCode
	rec.totalMS = p.now().Sub(start).Milliseconds()
	p.logOutcome(rec)

	return resp
}

// run is Execute's body; rec accumulates fields for the single log record
// as each stage resolves.
func (p *Pipeline) run(ctx context.Context, req Request, rec *logRecord) Response {
	if req.APIKeySecret == "" {
		rec.errorType = TagMissingAPIKey
		return errorResponse(401, TagMissingAPIKey, "missing X-API-Key header", req.RequestID, nil)
	}

	key, tenant, found, err := p.Config.LookupKey(ctx, req.APIKeySecret)
	if err != nil {
		p.Logger.Error("config store lookup failed", "error", err)
	}
	if err != nil || !found {
		rec.errorType = TagInvalidAPIKey
		return errorResponse(401, TagInvalidAPIKey, "invalid API key", req.RequestID, nil)
	}
	rec.keyID = key.ID
	rec.tenantID = tenant.ID

	if key.Status != configstore.KeyActive {
		rec.errorType = TagKeyInactive
		return errorResponse(403, TagKeyInactive, "API key is not active", req.RequestID, nil)
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(p.now()) {
		rec.errorType = TagKeyExpired
		return errorResponse(403, TagKeyExpired, "API key has expired", req.RequestID, nil)
	}
	if !tenant.Active {
		rec.errorType = TagTenantInactive
		return errorResponse(403, TagTenantInactive, "tenant is not active", req.RequestID, nil)
	}

	if _, blocked, err := p.Config.ActiveBlock(ctx, key.ID); err != nil {
		p.Logger.Warn("checking active block failed", "error", err, "key_id", key.ID)
	} else if blocked {
		rec.errorType = TagKeyBlocked
		return errorResponse(403, TagKeyBlocked, "API key is blocked", req.RequestID, nil)
	}

	matched, found, err := p.Config.FindRoute(ctx, req.RouteName, req.Method, tenant.ID)
	if err != nil {
		p.Logger.Error("config store route lookup failed", "error", err)
	}
	if err != nil || !found {
		rec.errorType = TagRouteNotFound
		return errorResponse(404, TagRouteNotFound, "route not found", req.RequestID, nil)
	}
	route := matched.Route
	rec.routeID = route.ID

	if err := p.Config.TouchLastUsed(ctx, key.ID, p.now()); err != nil {
		p.Logger.Warn("touching last_used_at failed", "error", err, "key_id", key.ID)
	}

	abuseResult, err := p.Abuse.Check(ctx, key.ID)
	if err != nil {
		p.Logger.Warn("abuse check failed, failing open", "error", err, "key_id", key.ID)
		abuseResult.RateMultiplier = 1.0
	}
	if abuseResult.IsBlocked {
		telemetry.AbuseDecisionsTotal.WithLabelValues("blocked", abuseResult.Reason).Inc()
		retryAfter := abuseResult.BlockUntil - nowUnix(p.now())
		if retryAfter < 0 {
			retryAfter = 0
		}
		rec.errorType = TagBlocked
		return errorResponse(429, TagBlocked, "key is temporarily blocked", req.RequestID, &retryAfter)
	}
	if abuseResult.RateMultiplier == 0 {
		abuseResult.RateMultiplier = 1.0
	}

	rate, burst := effectiveRateLimit(key, route, p.cfg, abuseResult.RateMultiplier)
	rlKey := key.ID + ":" + route.ID
	rlDecision, err := p.RateLimiter.Allow(ctx, rlKey, rate, burst)
	if err != nil {
		p.Logger.Warn("rate limit check failed, failing open", "error", err, "key", rlKey)
		rlDecision = ratelimit.Decision{Allowed: true, Remaining: burst}
	}
	headers := rateLimitHeaders(rlDecision, burst, p.now())
	if !rlDecision.Allowed {
		telemetry.RateLimitRejectedTotal.WithLabelValues("token_bucket").Inc()
		retryAfter := rlDecision.RetryAfter.Seconds()
		rec.errorType = TagRateLimited
		return errorResponse(429, TagRateLimited, "rate limit exceeded", req.RequestID, &retryAfter, headers)
	}

	quotaDecision, err := p.Quota.CheckAndIncrement(ctx, key.ID, key.QuotaDaily, key.QuotaMonthly)
	if err != nil {
		p.Logger.Warn("quota check failed, failing open", "error", err, "key_id", key.ID)
		quotaDecision = quota.Decision{Allowed: true}
	}
	if !quotaDecision.Allowed {
		telemetry.QuotaRejectedTotal.WithLabelValues(quotaDecision.Reason).Inc()
		rec.errorType = TagQuotaExceeded
		return errorResponse(429, TagQuotaExceeded, "quota exceeded", req.RequestID, nil, headers)
	}

	fr, upstreamMS, errTag := p.fetch(ctx, tenant, route, matched.Policy, req)
	rec.upstreamMS = upstreamMS

	isError := errTag != "" || fr.statusCode >= 500
	if _, err := p.Abuse.Record(ctx, key.ID, isError); err != nil {
		p.Logger.Warn("abuse record failed", "error", err, "key_id", key.ID)
	}

	if errTag != "" {
		rec.errorType = errTag
		status := 502
		if errTag == TagUpstreamTimeout {
			status = 504
		}
		return errorResponse(status, errTag, "upstream request failed", req.RequestID, nil, headers)
	}

	rec.cacheStatus = string(fr.xCache)
	telemetry.CacheResultsTotal.WithLabelValues(string(fr.xCache)).Inc()

	respHeaders := fr.headers
	if respHeaders == nil {
		respHeaders = make(map[string]string)
	}
	for k, v := range headers {
		respHeaders[k] = v
	}
	respHeaders["X-Request-Id"] = req.RequestID
	respHeaders["X-Cache"] = string(fr.xCache)
	if fr.xCache == xCacheHit || fr.xCache == xCacheStale {
		respHeaders["Age"] = strconv.FormatInt(int64(fr.ageSeconds), 10)
	}

	return Response{
		StatusCode: fr.statusCode,
		Headers:    respHeaders,
		Body:       fr.body,
	}
}

func nowUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
