package cache

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/gatekeep/pkg/coordstore"
)

func stores(t *testing.T) map[string]coordstore.Store {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]coordstore.Store{
		"redis":  coordstore.NewRedis(client),
		"memory": coordstore.NewMemory(),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCanonicalKey_StableAcrossOrdering(t *testing.T) {
	q1 := url.Values{"b": {"2"}, "a": {"1", "3"}}
	q2 := url.Values{"a": {"3", "1"}, "b": {"2"}}

	k1 := CanonicalKey(KeyInput{Method: "get", RouteName: "r", Path: "/items/1", Query: q1})
	k2 := CanonicalKey(KeyInput{Method: "GET", RouteName: "r", Path: "/items/1", Query: q2})

	if k1 != k2 {
		t.Fatalf("expected identical keys, got %q vs %q", k1, k2)
	}
	if len(k1) != len("cache:")+32 {
		t.Fatalf("unexpected key length: %q", k1)
	}
}

func TestCanonicalKey_DiffersOnPath(t *testing.T) {
	k1 := CanonicalKey(KeyInput{Method: "GET", RouteName: "r", Path: "/items/1"})
	k2 := CanonicalKey(KeyInput{Method: "GET", RouteName: "r", Path: "/items/2"})
	if k1 == k2 {
		t.Fatal("expected different paths to produce different keys")
	}
}

func TestEntry_Classify(t *testing.T) {
	now := time.Unix(1000, 0)
	base := Entry{TTLSeconds: 300, StaleSeconds: 60}

	cases := []struct {
		age  time.Duration
		want Status
	}{
		{0, Fresh},
		{300 * time.Second, Fresh},
		{301 * time.Second, Stale},
		{360 * time.Second, Stale},
		{361 * time.Second, Miss},
	}
	for _, tc := range cases {
		e := base
		e.CreatedAt = now.Add(-tc.age)
		if got := e.classify(now); got != tc.want {
			t.Errorf("age=%v: classify() = %v, want %v", tc.age, got, tc.want)
		}
	}
}

func TestEntry_RoundTrip(t *testing.T) {
	e := Entry{
		StatusCode:   200,
		Headers:      map[string]string{"content-type": "application/json"},
		Body:         []byte(`{"ok":true}`),
		CreatedAt:    time.Unix(1000, 0).UTC(),
		TTLSeconds:   300,
		StaleSeconds: 60,
		VaryKey:      "accept=json",
	}
	raw, err := marshalEntry(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := unmarshalEntry(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.StatusCode != e.StatusCode || string(got.Body) != string(e.Body) ||
		got.TTLSeconds != e.TTLSeconds || got.StaleSeconds != e.StaleSeconds || got.VaryKey != e.VaryKey {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestEngine_MissThenHit(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			engine := New(store, testLogger())
			policy := Policy{TTLSeconds: 300, StaleSeconds: 60, CacheableStatuses: map[int]struct{}{200: {}}}

			var calls int32
			fetch := func(ctx context.Context) (Entry, error) {
				atomic.AddInt32(&calls, 1)
				return Entry{StatusCode: 200, Body: []byte("hello")}, nil
			}

			res, err := engine.Fetch(context.Background(), "cache:test1", policy, "", fetch)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Status != Miss {
				t.Fatalf("expected MISS on first fetch, got %v", res.Status)
			}

			res, err = engine.Fetch(context.Background(), "cache:test1", policy, "", fetch)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Status != Fresh {
				t.Fatalf("expected FRESH on second fetch, got %v", res.Status)
			}
			if string(res.Entry.Body) != "hello" {
				t.Fatalf("unexpected body: %q", res.Entry.Body)
			}
			if atomic.LoadInt32(&calls) != 1 {
				t.Fatalf("expected exactly 1 upstream fetch, got %d", calls)
			}
		})
	}
}

func TestEngine_DoesNotCacheNoStore(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			engine := New(store, testLogger())
			policy := Policy{TTLSeconds: 300, StaleSeconds: 60, CacheNoStore: true, CacheableStatuses: map[int]struct{}{200: {}}}

			var calls int32
			fetch := func(ctx context.Context) (Entry, error) {
				atomic.AddInt32(&calls, 1)
				return Entry{StatusCode: 200, Body: []byte("x")}, nil
			}

			engine.Fetch(context.Background(), "cache:nostore", policy, "", fetch)
			engine.Fetch(context.Background(), "cache:nostore", policy, "", fetch)

			if atomic.LoadInt32(&calls) != 2 {
				t.Fatalf("expected every fetch to bypass cache, got %d calls", calls)
			}
		})
	}
}

func TestEngine_DoesNotCacheUncacheableStatus(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			engine := New(store, testLogger())
			policy := Policy{TTLSeconds: 300, StaleSeconds: 60, CacheableStatuses: map[int]struct{}{200: {}}}

			fetch := func(ctx context.Context) (Entry, error) {
				return Entry{StatusCode: 500, Body: []byte("err")}, nil
			}
			engine.Fetch(context.Background(), "cache:k500", policy, "", fetch)

			if _, err := store.Get(context.Background(), "cache:k500"); err != coordstore.ErrNotFound {
				t.Fatalf("expected entry to not be cached, got err=%v", err)
			}
		})
	}
}

func TestEngine_DoesNotCacheOversizedBody(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			engine := New(store, testLogger())
			policy := Policy{TTLSeconds: 300, StaleSeconds: 60, MaxBodyBytes: 4, CacheableStatuses: map[int]struct{}{200: {}}}

			fetch := func(ctx context.Context) (Entry, error) {
				return Entry{StatusCode: 200, Body: []byte("toolong")}, nil
			}
			engine.Fetch(context.Background(), "cache:big", policy, "", fetch)

			if _, err := store.Get(context.Background(), "cache:big"); err != coordstore.ErrNotFound {
				t.Fatalf("expected oversized entry to not be cached, got err=%v", err)
			}
		})
	}
}

func TestEngine_ConcurrentMissesCoalesce(t *testing.T) {
	store := coordstore.NewMemory()
	engine := New(store, testLogger())
	policy := Policy{TTLSeconds: 300, StaleSeconds: 60, CacheableStatuses: map[int]struct{}{200: {}}}

	var calls int32
	fetch := func(ctx context.Context) (Entry, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return Entry{StatusCode: 200, Body: []byte("coalesced")}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.Fetch(context.Background(), "cache:concurrent", policy, "", fetch)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if string(res.Entry.Body) != "coalesced" {
				t.Errorf("unexpected body: %q", res.Entry.Body)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 fetch across coalesced callers, got %d", got)
	}
}

func TestEngine_PurgeByPrefix(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			engine := New(store, testLogger())
			policy := Policy{TTLSeconds: 300, StaleSeconds: 60, CacheableStatuses: map[int]struct{}{200: {}}}
			fetch := func(ctx context.Context) (Entry, error) {
				return Entry{StatusCode: 200, Body: []byte("v")}, nil
			}

			engine.Fetch(context.Background(), "cache:route-a:1", policy, "", fetch)
			engine.Fetch(context.Background(), "cache:route-a:2", policy, "", fetch)
			engine.Fetch(context.Background(), "cache:route-b:1", policy, "", fetch)

			n, err := engine.PurgeByPrefix(context.Background(), "cache:route-a:")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if n != 2 {
				t.Fatalf("expected 2 keys purged, got %d", n)
			}

			if _, err := store.Get(context.Background(), "cache:route-b:1"); err != nil {
				t.Fatalf("expected route-b entry to survive purge: %v", err)
			}
		})
	}
}
