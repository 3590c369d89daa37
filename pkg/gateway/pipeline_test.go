package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/wisbric/gatekeep/pkg/abuse"
	"github.com/wisbric/gatekeep/pkg/bloom"
	"github.com/wisbric/gatekeep/pkg/breaker"
	"github.com/wisbric/gatekeep/pkg/cache"
	"github.com/wisbric/gatekeep/pkg/configstore"
	"github.com/wisbric/gatekeep/pkg/coordstore"
	"github.com/wisbric/gatekeep/pkg/quota"
	"github.com/wisbric/gatekeep/pkg/ratelimit"
	"github.com/wisbric/gatekeep/pkg/upstream"
)

const testTenantID = "tenant-1"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness bundles a Pipeline with its in-memory backing config store and a
// fake upstream server, so each test can set up exactly the tenant/key/
// route/policy rows it needs.
type harness struct {
	t        *testing.T
	config   *configstore.MemStore
	store    coordstore.Store
	upstream *httptest.Server
	calls    int
	pipeline *Pipeline
}

func newHarness(t *testing.T, handler http.HandlerFunc) *harness {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := configstore.NewMemStore()
	cfg.Tenants[testTenantID] = configstore.Tenant{ID: testTenantID, Name: "acme", Active: true}

	store := coordstore.NewMemory()

	h := &harness{t: t, config: cfg, store: store, upstream: srv}

	p := New(
		cfg,
		ratelimit.NewTokenBucket(store),
		quota.NewManager(store),
		abuse.New(store, 0.3, 3.0, time.Minute),
		bloom.NewNegativeCacheManager(store, 1000, 0.01),
		cache.New(store, testLogger()),
		upstream.New(),
		testLogger(),
		Config{
			DefaultRateLimitRPS:    100,
			DefaultRateLimitBurst: 100,
			DefaultUpstreamTimeout: 2 * time.Second,
			Breaker: breaker.Config{
				FailureThreshold: 3,
				SuccessThreshold: 1,
				Timeout:          50 * time.Millisecond,
				HalfOpenMaxCalls: 1,
			},
		},
		func(name string) *breaker.Breaker {
			return breaker.New(store, name, breaker.Config{
				FailureThreshold: 3,
				SuccessThreshold: 1,
				Timeout:          50 * time.Millisecond,
				HalfOpenMaxCalls: 1,
			})
		},
	)
	h.pipeline = p
	return h
}

func (h *harness) addKeyAndRoute(name string, policy *configstore.CachePolicy) (configstore.APIKey, configstore.Route) {
	var policyID *string
	if policy != nil {
		id := name + "-policy"
		policy.ID = id
		h.config.Policies[id] = *policy
		policyID = &id
	}

	route := configstore.Route{
		ID:              name + "-route",
		Name:            name,
		TenantID:        nil,
		Methods:         []string{http.MethodGet, http.MethodPost},
		UpstreamBaseURL: h.upstream.URL,
		TimeoutMS:       2000,
		Active:          true,
		Priority:        1,
		PolicyID:        policyID,
	}
	h.config.Routes = append(h.config.Routes, route)

	key := configstore.APIKey{
		ID:           name + "-key",
		TenantID:     testTenantID,
		Secret:       name + "-secret",
		Status:       configstore.KeyActive,
		QuotaDaily:   0,
		QuotaMonthly: 0,
	}
	h.config.Keys[key.Secret] = key
	return key, route
}

func baseRequest(routeName, secret string) Request {
	return Request{
		RouteName:    routeName,
		Method:       http.MethodGet,
		Path:         "/items/1",
		Query:        url.Values{},
		Headers:      map[string][]string{},
		ClientIP:     "10.0.0.1",
		APIKeySecret: secret,
		RequestID:    "req-1",
	}
}

func TestPipeline_MissingAPIKey(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called")
	})
	req := baseRequest("r1", "")
	resp := h.pipeline.Execute(context.Background(), req)
	if resp.StatusCode != 401 || resp.ErrorTag != TagMissingAPIKey {
		t.Fatalf("got status=%d tag=%q", resp.StatusCode, resp.ErrorTag)
	}
}

func TestPipeline_UnknownAPIKey(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called")
	})
	req := baseRequest("r1", "does-not-exist")
	resp := h.pipeline.Execute(context.Background(), req)
	if resp.StatusCode != 401 || resp.ErrorTag != TagInvalidAPIKey {
		t.Fatalf("got status=%d tag=%q", resp.StatusCode, resp.ErrorTag)
	}
}

func TestPipeline_RouteNotFound(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called")
	})
	key, _ := h.addKeyAndRoute("r1", nil)
	req := baseRequest("no-such-route", key.Secret)
	resp := h.pipeline.Execute(context.Background(), req)
	if resp.StatusCode != 404 || resp.ErrorTag != TagRouteNotFound {
		t.Fatalf("got status=%d tag=%q", resp.StatusCode, resp.ErrorTag)
	}
}

func TestPipeline_BypassNoPolicy(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		h.calls++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	})
	key, _ := h.addKeyAndRoute("r1", nil)
	req := baseRequest("r1", key.Secret)

	resp := h.pipeline.Execute(context.Background(), req)
	if resp.StatusCode != http.StatusOK || string(resp.Body) != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Headers["X-Cache"] != "BYPASS" {
		t.Fatalf("expected BYPASS, got %q", resp.Headers["X-Cache"])
	}
	if h.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", h.calls)
	}
}

func TestPipeline_CacheMissThenHit(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		h.calls++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("cached-body"))
	})
	key, _ := h.addKeyAndRoute("r1", &configstore.CachePolicy{
		TTLSeconds:        300,
		StaleSeconds:      60,
		CacheableStatuses: map[int]struct{}{200: {}},
	})
	req := baseRequest("r1", key.Secret)

	resp1 := h.pipeline.Execute(context.Background(), req)
	if resp1.Headers["X-Cache"] != "MISS" {
		t.Fatalf("expected MISS, got %q", resp1.Headers["X-Cache"])
	}

	resp2 := h.pipeline.Execute(context.Background(), req)
	if resp2.Headers["X-Cache"] != "HIT" {
		t.Fatalf("expected HIT, got %q", resp2.Headers["X-Cache"])
	}
	if string(resp2.Body) != "cached-body" {
		t.Fatalf("unexpected cached body: %q", resp2.Body)
	}
	if h.calls != 1 {
		t.Fatalf("expected exactly 1 upstream call across both requests, got %d", h.calls)
	}
}

func TestPipeline_NegativeCacheShortCircuits404(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		h.calls++
		w.WriteHeader(http.StatusNotFound)
	})
	key, _ := h.addKeyAndRoute("r1", &configstore.CachePolicy{
		TTLSeconds:        300,
		StaleSeconds:      60,
		CacheableStatuses: map[int]struct{}{404: {}},
	})
	req := baseRequest("r1", key.Secret)

	resp1 := h.pipeline.Execute(context.Background(), req)
	if resp1.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp1.StatusCode)
	}

	resp2 := h.pipeline.Execute(context.Background(), req)
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second call, got %d", resp2.StatusCode)
	}
	if resp2.Headers["X-Cache"] != "HIT" {
		t.Fatalf("expected negative-cache hit to be reported as a cache HIT, got %q", resp2.Headers["X-Cache"])
	}
	if h.calls != 1 {
		t.Fatalf("expected the negative cache to short-circuit the second call, got %d upstream calls", h.calls)
	}
}

func TestPipeline_RateLimited(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		h.calls++
		w.WriteHeader(http.StatusOK)
	})
	key, route := h.addKeyAndRoute("r1", nil)
	rps := 0.001
	burst := 1
	route.RateLimitRPS = &rps
	route.RateLimitBurst = &burst
	h.config.Routes[0] = route

	req := baseRequest("r1", key.Secret)

	resp1 := h.pipeline.Execute(context.Background(), req)
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("expected first call to succeed, got %d", resp1.StatusCode)
	}

	resp2 := h.pipeline.Execute(context.Background(), req)
	if resp2.StatusCode != 429 || resp2.ErrorTag != TagRateLimited {
		t.Fatalf("expected rate limited, got status=%d tag=%q", resp2.StatusCode, resp2.ErrorTag)
	}
	if resp2.RetryAfter == nil {
		t.Fatal("expected Retry-After to be set")
	}
}

func TestPipeline_QuotaExceeded(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		h.calls++
		w.WriteHeader(http.StatusOK)
	})
	key, _ := h.addKeyAndRoute("r1", nil)
	key.QuotaDaily = 1
	h.config.Keys[key.Secret] = key

	req := baseRequest("r1", key.Secret)

	resp1 := h.pipeline.Execute(context.Background(), req)
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("expected first call to succeed, got %d", resp1.StatusCode)
	}

	resp2 := h.pipeline.Execute(context.Background(), req)
	if resp2.StatusCode != 429 || resp2.ErrorTag != TagQuotaExceeded {
		t.Fatalf("expected quota exceeded, got status=%d tag=%q", resp2.StatusCode, resp2.ErrorTag)
	}
}

func TestPipeline_KeyBlocked(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called")
	})
	key, _ := h.addKeyAndRoute("r1", nil)
	h.config.Blocks[key.ID] = configstore.BlockRule{
		APIKeyID:  key.ID,
		Reason:    "manual",
		BlockedAt: time.Now(),
	}

	req := baseRequest("r1", key.Secret)
	resp := h.pipeline.Execute(context.Background(), req)
	if resp.StatusCode != 403 || resp.ErrorTag != TagKeyBlocked {
		t.Fatalf("got status=%d tag=%q", resp.StatusCode, resp.ErrorTag)
	}
}

func TestPipeline_CircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		h.calls++
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})
	key, route := h.addKeyAndRoute("r1", nil)
	route.TimeoutMS = 1
	h.config.Routes[0] = route
	req := baseRequest("r1", key.Secret)

	// Each call times out against the upstream (classified upstream_timeout),
	// a genuine failure the breaker counts, tripping it after 3.
	for i := 0; i < 3; i++ {
		resp := h.pipeline.Execute(context.Background(), req)
		if resp.ErrorTag != TagUpstreamTimeout {
			t.Fatalf("call %d: expected upstream_timeout, got tag=%q", i, resp.ErrorTag)
		}
	}

	before := h.calls
	resp := h.pipeline.Execute(context.Background(), req)
	if resp.ErrorTag != TagUpstreamError {
		t.Fatalf("expected the open breaker to surface as upstream_error, got tag=%q status=%d", resp.ErrorTag, resp.StatusCode)
	}
	if h.calls != before {
		t.Fatalf("expected the open breaker to block the call entirely, upstream was called again")
	}
}
