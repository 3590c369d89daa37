package coordstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// backends returns every Store implementation under test, registering
// their teardown with t.Cleanup. Shared tests run against both so the in-memory fallback
// and the Redis backend are held to the same contract wherever their
// semantics are required to agree (everything except Eval and the lock's
// exact acquisition contract, per coordstore's documented differences).
func backends(t *testing.T) map[string]Store {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Store{
		"redis":  NewRedis(client),
		"memory": NewMemory(),
	}
}

func TestStore_GetSetDelete(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
			}

			if err := store.Set(ctx, "k", "v1", 0); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, err := store.Get(ctx, "k")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got != "v1" {
				t.Errorf("Get = %q, want v1", got)
			}

			if err := store.Delete(ctx, "k"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get after delete error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_SetTTLExpires(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Set(ctx, "ttl-key", "v", 30*time.Millisecond); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if _, err := store.Get(ctx, "ttl-key"); err != nil {
				t.Fatalf("Get before expiry: %v", err)
			}
			time.Sleep(60 * time.Millisecond)
			if _, err := store.Get(ctx, "ttl-key"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get after expiry error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_Incr(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, want := range []int64{1, 2, 3} {
				got, err := store.Incr(ctx, "counter")
				if err != nil {
					t.Fatalf("Incr[%d]: %v", i, err)
				}
				if got != want {
					t.Errorf("Incr[%d] = %d, want %d", i, got, want)
				}
			}
		})
	}
}

func TestStore_HashOps(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.HSet(ctx, "h", "a", "1"); err != nil {
				t.Fatalf("HSet: %v", err)
			}
			if err := store.HSet(ctx, "h", "b", "2"); err != nil {
				t.Fatalf("HSet: %v", err)
			}
			got, err := store.HGetAll(ctx, "h")
			if err != nil {
				t.Fatalf("HGetAll: %v", err)
			}
			if got["a"] != "1" || got["b"] != "2" {
				t.Errorf("HGetAll = %v, want {a:1 b:2}", got)
			}
		})
	}
}

func TestStore_ZSetOps(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.ZAdd(ctx, "z", 10, "old"); err != nil {
				t.Fatalf("ZAdd: %v", err)
			}
			if err := store.ZAdd(ctx, "z", 20, "new"); err != nil {
				t.Fatalf("ZAdd: %v", err)
			}

			n, err := store.ZCount(ctx, "z", 0, 100)
			if err != nil {
				t.Fatalf("ZCount: %v", err)
			}
			if n != 2 {
				t.Errorf("ZCount = %d, want 2", n)
			}

			member, score, ok, err := store.ZOldest(ctx, "z")
			if err != nil {
				t.Fatalf("ZOldest: %v", err)
			}
			if !ok || member != "old" || score != 10 {
				t.Errorf("ZOldest = (%q, %v, %v), want (old, 10, true)", member, score, ok)
			}

			if err := store.ZRemRangeByScore(ctx, "z", 0, 15); err != nil {
				t.Fatalf("ZRemRangeByScore: %v", err)
			}
			n, err = store.ZCount(ctx, "z", 0, 100)
			if err != nil {
				t.Fatalf("ZCount after rem: %v", err)
			}
			if n != 1 {
				t.Errorf("ZCount after rem = %d, want 1", n)
			}
		})
	}
}

func TestStore_BitmapOps(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			prev, err := store.SetBit(ctx, "bm", 17, 1)
			if err != nil {
				t.Fatalf("SetBit: %v", err)
			}
			if prev != 0 {
				t.Errorf("SetBit prev = %d, want 0", prev)
			}

			v, err := store.GetBit(ctx, "bm", 17)
			if err != nil {
				t.Fatalf("GetBit: %v", err)
			}
			if v != 1 {
				t.Errorf("GetBit = %d, want 1", v)
			}

			v, err = store.GetBit(ctx, "bm", 3)
			if err != nil {
				t.Fatalf("GetBit unset: %v", err)
			}
			if v != 0 {
				t.Errorf("GetBit unset = %d, want 0", v)
			}
		})
	}
}

func TestStore_AcquireLock(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			lock, ok, err := store.AcquireLock(ctx, "lock:x", time.Second)
			if err != nil {
				t.Fatalf("AcquireLock: %v", err)
			}
			if !ok {
				t.Fatal("AcquireLock ok = false, want true")
			}

			_, ok, err = store.AcquireLock(ctx, "lock:x", time.Second)
			if err != nil {
				t.Fatalf("AcquireLock (held): %v", err)
			}
			if ok {
				t.Error("AcquireLock on held lock = true, want false")
			}

			if err := lock.Release(ctx); err != nil {
				t.Fatalf("Release: %v", err)
			}

			_, ok, err = store.AcquireLock(ctx, "lock:x", time.Second)
			if err != nil {
				t.Fatalf("AcquireLock (post-release): %v", err)
			}
			if !ok {
				t.Error("AcquireLock after release = false, want true")
			}
		})
	}
}

func TestStore_EvalOnMemoryNotSupported(t *testing.T) {
	store := NewMemory()
	_, err := store.Eval(context.Background(), NewScript("noop", "return 1"), nil)
	if !errors.Is(err, ErrScriptingNotSupported) {
		t.Fatalf("Eval on memory store error = %v, want ErrScriptingNotSupported", err)
	}
}

func TestStore_ScanPrefix(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = store.Set(ctx, "cache:a:1", "x", 0)
			_ = store.Set(ctx, "cache:a:2", "x", 0)
			_ = store.Set(ctx, "cache:b:1", "x", 0)

			keys, err := store.ScanPrefix(ctx, "cache:a:")
			if err != nil {
				t.Fatalf("ScanPrefix: %v", err)
			}
			if len(keys) != 2 {
				t.Errorf("ScanPrefix returned %d keys, want 2 (%v)", len(keys), keys)
			}
		})
	}
}
