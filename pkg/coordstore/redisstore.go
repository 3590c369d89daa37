package coordstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisStore is the production Store backend, backed by a single Redis
// (or Redis-protocol-compatible) instance or cluster.
type redisStore struct {
	client *redis.Client

	mu      sync.Mutex
	scripts map[string]*redis.Script
}

// NewRedis wraps an existing *redis.Client as a Store.
func NewRedis(client *redis.Client) Store {
	return &redisStore{
		client:  client,
		scripts: make(map[string]*redis.Script),
	}
}

func (s *redisStore) redisScript(script *Script) *redis.Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok := s.scripts[script.Name]; ok {
		return rs
	}
	rs := redis.NewScript(script.Source)
	s.scripts[script.Name] = rs
	return rs
}

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("coordstore: get %q: %w", key, err)
	}
	return val, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("coordstore: set %q: %w", key, err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("coordstore: delete %q: %w", key, err)
	}
	return nil
}

func (s *redisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("coordstore: incr %q: %w", key, err)
	}
	return n, nil
}

func (s *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("coordstore: expire %q: %w", key, err)
	}
	return nil
}

func (s *redisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("coordstore: hgetall %q: %w", key, err)
	}
	return m, nil
}

func (s *redisStore) HSet(ctx context.Context, key, field, value string) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("coordstore: hset %q: %w", key, err)
	}
	return nil
}

func (s *redisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		return fmt.Errorf("coordstore: zadd %q: %w", key, err)
	}
	return nil
}

func (s *redisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	err := s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err()
	if err != nil {
		return fmt.Errorf("coordstore: zremrangebyscore %q: %w", key, err)
	}
	return nil
}

func (s *redisStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := s.client.ZCount(ctx, key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, fmt.Errorf("coordstore: zcount %q: %w", key, err)
	}
	return n, nil
}

func (s *redisStore) ZOldest(ctx context.Context, key string) (string, float64, bool, error) {
	zs, err := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return "", 0, false, fmt.Errorf("coordstore: zrange %q: %w", key, err)
	}
	if len(zs) == 0 {
		return "", 0, false, nil
	}
	return fmt.Sprint(zs[0].Member), zs[0].Score, true, nil
}

func (s *redisStore) SetBit(ctx context.Context, key string, offset int64, val int) (int, error) {
	prev, err := s.client.SetBit(ctx, key, offset, val).Result()
	if err != nil {
		return 0, fmt.Errorf("coordstore: setbit %q: %w", key, err)
	}
	return int(prev), nil
}

func (s *redisStore) GetBit(ctx context.Context, key string, offset int64) (int, error) {
	v, err := s.client.GetBit(ctx, key, offset).Result()
	if err != nil {
		return 0, fmt.Errorf("coordstore: getbit %q: %w", key, err)
	}
	return int(v), nil
}

func (s *redisStore) Eval(ctx context.Context, script *Script, keys []string, args ...any) (any, error) {
	rs := s.redisScript(script)
	res, err := rs.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("coordstore: eval %s: %w", script.Name, err)
	}
	return res, nil
}

// releaseScript deletes key only if its value still matches the token
// held by the caller, avoiding a caller releasing a lock it no longer owns
// after its TTL expired and someone else acquired it.
var releaseScript = NewScript("coordstore_release_lock", `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type redisLock struct {
	store *redisStore
	key   string
	token string
}

func (l *redisLock) Release(ctx context.Context) error {
	_, err := l.store.Eval(ctx, releaseScript, []string{l.key}, l.token)
	return err
}

func (s *redisStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("coordstore: acquire lock %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLock{store: s, key: key, token: token}, true, nil
}

func (s *redisStore) AcquireLockBlocking(ctx context.Context, key string, ttl, timeout time.Duration) (Lock, bool, error) {
	return AcquireLockBlockingDefault(ctx, func(ctx context.Context) (Lock, bool, error) {
		return s.AcquireLock(ctx, key, ttl)
	}, timeout)
}

func (s *redisStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("coordstore: scan %q: %w", prefix, err)
	}
	return keys, nil
}

func formatScore(f float64) string {
	return fmt.Sprintf("%f", f)
}
