package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wisbric/gatekeep/pkg/cache"
	"github.com/wisbric/gatekeep/pkg/configstore"
	"github.com/wisbric/gatekeep/pkg/upstream"
)

// xCache is the X-Cache response header value (spec.md §4.10).
type xCache string

const (
	xCacheHit    xCache = "HIT"
	xCacheStale  xCache = "STALE"
	xCacheMiss   xCache = "MISS"
	xCacheBypass xCache = "BYPASS"
)

// fetchResult is the resolved body/status/headers for a request that
// passed every gate before the cache/upstream stage.
type fetchResult struct {
	statusCode int
	headers    map[string]string
	body       []byte
	xCache     xCache
	ageSeconds float64
}

// fetch resolves the response for req against route, either from cache or
// by calling upstream, gated by the bloom negative cache and the circuit
// breaker (spec.md §4.5, §4.7, §4.8, §4.9). It returns the upstream call
// latency in milliseconds (0 if the cache served the response) and a
// non-empty error tag on upstream failure.
func (p *Pipeline) fetch(ctx context.Context, tenant configstore.Tenant, route configstore.Route, policy *configstore.CachePolicy, req Request) (fetchResult, int64, string) {
	// doUpstream has no side effects on the caller's state other than the
	// atomic negativeHit flag: the cache engine may invoke it either
	// synchronously (on a miss) or from a background goroutine (SWR
	// refresh of a stale entry), so it cannot write plain variables the
	// synchronous caller reads right after the call returns. Latency and
	// the error tag are derived by the caller from doUpstream's own return
	// values instead.
	var negativeHit atomic.Bool
	doUpstream := func(ctx context.Context) (cache.Entry, error) {
		if likely, err := p.NegativeCache.IsLikely404(ctx, route.Name, req.Path); err != nil {
			p.Logger.Warn("negative cache check failed, treating as not present", "error", err, "route", route.Name)
		} else if likely {
			negativeHit.Store(true)
			return cache.Entry{StatusCode: http.StatusNotFound, Headers: map[string]string{}, Body: []byte(`{"error":"route_not_found"}`)}, nil
		}

		b := p.breakerFor(route.ID)
		allowed, _, err := b.CanExecute(ctx)
		if err != nil {
			p.Logger.Warn("circuit breaker check failed, failing open", "error", err, "route", route.ID)
			allowed = true
		}
		if !allowed {
			return cache.Entry{}, errCircuitOpen
		}

		timeout := time.Duration(route.TimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = p.cfg.DefaultUpstreamTimeout
		}

		resp, err := p.Upstream.Do(ctx, upstream.Request{
			Method:               req.Method,
			UpstreamBaseURL:      route.UpstreamBaseURL,
			UpstreamPathRewrite:  route.UpstreamPathRewrite,
			Path:                 req.Path,
			RawQuery:             req.RawQuery,
			Headers:              toHTTPHeader(req.Headers),
			Body:                 req.Body,
			RequestHeadersAdd:    route.RequestHeadersAdd,
			RequestHeadersRemove: route.RequestHeadersRemove,
			Timeout:              timeout,
		})

		if err != nil {
			if _, ok := err.(*upstream.Error); ok {
				if _, recErr := b.RecordResult(ctx, false); recErr != nil {
					p.Logger.Warn("recording breaker failure failed", "error", recErr, "route", route.ID)
				}
			}
			return cache.Entry{}, err
		}
		if _, recErr := b.RecordResult(ctx, true); recErr != nil {
			p.Logger.Warn("recording breaker success failed", "error", recErr, "route", route.ID)
		}

		if resp.StatusCode == http.StatusNotFound {
			if err := p.NegativeCache.Record404(ctx, route.Name, req.Path); err != nil {
				p.Logger.Warn("recording negative cache entry failed", "error", err, "route", route.Name)
			}
		}

		entry := cache.Entry{
			StatusCode: resp.StatusCode,
			Headers:    flattenHeader(resp.Headers),
			Body:       resp.Body,
		}
		for k, v := range route.ResponseHeadersAdd {
			entry.Headers[k] = v
		}
		return entry, nil
	}

	if policy == nil {
		start := time.Now()
		entry, err := doUpstream(ctx)
		elapsedMS := time.Since(start).Milliseconds()
		if err != nil {
			return fetchResult{}, elapsedMS, errTagFor(err)
		}
		xc := xCacheBypass
		if negativeHit.Load() {
			xc = xCacheHit
		}
		return fetchResult{statusCode: entry.StatusCode, headers: entry.Headers, body: entry.Body, xCache: xc}, elapsedMS, ""
	}

	vary := varyHeaders(req.Headers, policy.VaryHeaders)
	key := cache.CanonicalKey(cache.KeyInput{
		Method:      req.Method,
		RouteName:   route.Name,
		Path:        req.Path,
		Query:       req.Query,
		VaryHeaders: vary,
		TenantID:    tenant.ID,
	})
	varyKey := canonicalVaryKey(vary)

	cp := cache.Policy{
		TTLSeconds:        policy.TTLSeconds,
		StaleSeconds:      policy.StaleSeconds,
		CacheableStatuses: policy.CacheableStatuses,
		MaxBodyBytes:      policy.MaxBodyBytes,
		CacheNoStore:      policy.CacheNoStore,
	}

	// Timed around the whole call, not inside doUpstream: on a FRESH or
	// STALE read this stays ~0 (no synchronous upstream wait happened in
	// this request's goroutine), and on a MISS it approximates the
	// synchronous upstream round trip, lock wait included.
	start := time.Now()
	result, err := p.Cache.Fetch(ctx, key, cp, varyKey, doUpstream)
	elapsedMS := time.Since(start).Milliseconds()
	if err != nil {
		return fetchResult{}, elapsedMS, errTagFor(err)
	}

	xc := xCacheMiss
	switch result.Status {
	case cache.Fresh:
		xc = xCacheHit
		elapsedMS = 0
	case cache.Stale:
		xc = xCacheStale
		elapsedMS = 0
	}
	ageSeconds := result.Entry.Age(time.Now())
	if result.Status == cache.Miss && negativeHit.Load() {
		xc = xCacheHit
		elapsedMS = 0
		ageSeconds = 0
	}

	return fetchResult{
		statusCode: result.Entry.StatusCode,
		headers:    result.Entry.Headers,
		body:       result.Entry.Body,
		xCache:     xc,
		ageSeconds: ageSeconds,
	}, elapsedMS, ""
}

// errTagFor classifies a fetch failure into the pipeline's error tag
// contract (spec.md §4.10). Anything that isn't a classified *upstream.Error
// (e.g. a cache store failure) is reported as a generic upstream error,
// since from the caller's perspective the request still failed to reach a
// usable response.
func errTagFor(err error) string {
	if upErr, ok := err.(*upstream.Error); ok {
		return string(upErr.Tag)
	}
	return TagUpstreamError
}

var errCircuitOpen = &upstream.Error{Tag: upstream.ErrUpstreamError, Err: errCircuitOpenInner{}}

type errCircuitOpenInner struct{}

func (errCircuitOpenInner) Error() string { return "circuit breaker open" }

func toHTTPHeader(h map[string][]string) http.Header {
	return http.Header(h)
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// varyHeaders extracts the policy's vary headers from the raw request
// header map, lowercasing names per spec.md §4.8.
func varyHeaders(raw map[string][]string, names []string) map[string]string {
	if len(names) == 0 {
		return nil
	}
	h := http.Header(raw)
	out := make(map[string]string, len(names))
	for _, name := range names {
		out[strings.ToLower(name)] = h.Get(name)
	}
	return out
}

func canonicalVaryKey(vary map[string]string) string {
	if len(vary) == 0 {
		return ""
	}
	var b strings.Builder
	first := true
	for k, v := range vary {
		if !first {
			b.WriteByte('&')
		}
		first = false
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}
