// Package cache implements the gateway's shared response cache (C8):
// canonical keying, TTL + stale-while-revalidate classification,
// single-flight local coalescing layered over a distributed refresh lock,
// and policy-driven store gates (spec.md §4.8).
package cache

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wisbric/gatekeep/pkg/coordstore"
)

const (
	refreshLockTTL     = 30 * time.Second
	refreshLockTimeout = 30 * time.Second
	localWaitTimeout   = 5 * time.Second
)

// Fetcher produces a fresh Entry on a cache miss or stale refresh, typically
// by calling the upstream client (C9).
type Fetcher func(ctx context.Context) (Entry, error)

// Policy is the subset of a configstore.CachePolicy the engine needs to
// apply store gates, decoupled from the configstore package so cache stays
// independently testable.
type Policy struct {
	TTLSeconds        int64
	StaleSeconds      int64
	CacheableStatuses map[int]struct{}
	MaxBodyBytes      int64
	CacheNoStore      bool
}

// cacheable reports whether an entry with the given status/body length may
// be persisted under policy (spec.md §4.8's store gates).
func (p Policy) cacheable(statusCode int, bodyLen int) bool {
	if p.CacheNoStore {
		return false
	}
	if _, ok := p.CacheableStatuses[statusCode]; !ok {
		return false
	}
	if p.MaxBodyBytes > 0 && int64(bodyLen) > p.MaxBodyBytes {
		return false
	}
	return true
}

// Engine is the cache service. One Engine is shared process-wide.
type Engine struct {
	store      coordstore.Store
	logger     *slog.Logger
	coalescer  singleflight.Group
	now        func() time.Time
}

// New creates a cache Engine backed by store.
func New(store coordstore.Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger, now: time.Now}
}

// Result is the outcome of a Fetch call.
type Result struct {
	Entry  Entry
	Status Status // FRESH, STALE, or MISS (served via direct fetch / bypass)
}

// Fetch resolves key against the cache, returning the cached entry when
// FRESH or STALE, and otherwise coalescing concurrent fetchers and calling
// fetch to populate it (spec.md §4.8's read + miss paths combined).
func (e *Engine) Fetch(ctx context.Context, key string, policy Policy, vary string, fetch Fetcher) (Result, error) {
	entry, status, found, err := e.read(ctx, key)
	if err != nil {
		e.logger.Warn("cache read failed, bypassing", "error", err, "key", key)
		return e.bypass(ctx, fetch)
	}

	switch {
	case found && status == Fresh:
		return Result{Entry: entry, Status: Fresh}, nil
	case found && status == Stale:
		e.maybeRefresh(key, policy, vary, fetch)
		return Result{Entry: entry, Status: Stale}, nil
	default:
		return e.fetchAndStore(ctx, key, policy, vary, fetch)
	}
}

// read fetches and classifies the entry at key, if any.
func (e *Engine) read(ctx context.Context, key string) (Entry, Status, bool, error) {
	raw, err := e.store.Get(ctx, key)
	if err == coordstore.ErrNotFound {
		return Entry{}, Miss, false, nil
	}
	if err != nil {
		return Entry{}, Miss, false, err
	}
	entry, err := unmarshalEntry(raw)
	if err != nil {
		return Entry{}, Miss, false, err
	}
	return entry, entry.classify(e.now()), true, nil
}

// maybeRefresh attempts the non-blocking SWR refresh described in the read
// path: acquire the lock; if acquired, refresh asynchronously in the
// background and release on completion. If not acquired, another
// replica/goroutine is already refreshing, so this caller just serves stale.
func (e *Engine) maybeRefresh(key string, policy Policy, vary string, fetch Fetcher) {
	lockKey := "lock:" + key
	ctx := context.Background()

	lock, ok, err := e.store.AcquireLock(ctx, lockKey, refreshLockTTL)
	if err != nil {
		e.logger.Warn("acquiring refresh lock failed", "error", err, "key", key)
		return
	}
	if !ok {
		return
	}

	go func() {
		defer lock.Release(context.Background())
		refreshCtx, cancel := context.WithTimeout(context.Background(), refreshLockTTL)
		defer cancel()

		entry, err := fetch(refreshCtx)
		if err != nil {
			e.logger.Warn("async swr refresh failed", "error", err, "key", key)
			return
		}
		e.storeIfCacheable(refreshCtx, key, policy, vary, entry)
	}()
}

// fetchAndStore implements the miss path: process-local single-flight
// coalescing layered over the distributed refresh lock, per spec.md §4.8
// steps 1-3.
func (e *Engine) fetchAndStore(ctx context.Context, key string, policy Policy, vary string, fetch Fetcher) (Result, error) {
	v, err, _ := e.coalescer.Do(key, func() (any, error) {
		return e.fetchWithDistributedLock(ctx, key, policy, vary, fetch)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// fetchWithDistributedLock is the singleflight-protected body: only one
// goroutine per process reaches here per key at a time.
func (e *Engine) fetchWithDistributedLock(ctx context.Context, key string, policy Policy, vary string, fetch Fetcher) (Result, error) {
	lockKey := "lock:" + key

	lock, ok, err := e.store.AcquireLockBlocking(ctx, lockKey, refreshLockTTL, refreshLockTimeout)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		// Another replica may have populated the entry while we waited.
		if entry, status, found, rerr := e.read(ctx, key); rerr == nil && found && status != Miss {
			return Result{Entry: entry, Status: status}, nil
		}
		entry, err := fetch(ctx)
		if err != nil {
			return Result{}, err
		}
		return Result{Entry: entry, Status: Miss}, nil
	}
	defer lock.Release(context.Background())

	entry, err := fetch(ctx)
	if err != nil {
		return Result{}, err
	}
	e.storeIfCacheable(ctx, key, policy, vary, entry)
	return Result{Entry: entry, Status: Miss}, nil
}

// bypass runs fetch directly without touching the cache, used when the
// cache read itself failed (fail-open, spec.md §5 propagation rules).
func (e *Engine) bypass(ctx context.Context, fetch Fetcher) (Result, error) {
	entry, err := fetch(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Entry: entry, Status: Miss}, nil
}

// storeIfCacheable persists entry under key if policy's store gates allow
// it (spec.md §4.8's store gates).
func (e *Engine) storeIfCacheable(ctx context.Context, key string, policy Policy, vary string, entry Entry) {
	if !policy.cacheable(entry.StatusCode, len(entry.Body)) {
		return
	}
	entry.CreatedAt = e.now()
	entry.TTLSeconds = policy.TTLSeconds
	entry.StaleSeconds = policy.StaleSeconds
	entry.VaryKey = vary

	raw, err := marshalEntry(entry)
	if err != nil {
		e.logger.Warn("marshaling cache entry", "error", err, "key", key)
		return
	}
	ttl := time.Duration(policy.TTLSeconds+policy.StaleSeconds) * time.Second
	if err := e.store.Set(ctx, key, raw, ttl); err != nil {
		e.logger.Warn("storing cache entry", "error", err, "key", key)
	}
}

// PurgeByPrefix deletes every cache key beginning with prefix. Best-effort:
// implemented via the coordination store's scan, so it may miss or
// duplicate entries written concurrently with the purge (spec.md §4.8's
// resolved Open Question on cache purge).
func (e *Engine) PurgeByPrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := e.store.ScanPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, k := range keys {
		if err := e.store.Delete(ctx, k); err != nil {
			e.logger.Warn("purging cache key", "error", err, "key", k)
			continue
		}
		deleted++
	}
	return deleted, nil
}
