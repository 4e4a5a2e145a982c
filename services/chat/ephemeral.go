package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// EphemeralStore holds the short-lived typing throttles and presence keys.
// Values do not matter, only key existence and TTL do.
type EphemeralStore interface {
	// SetNX writes the key only if absent; reports whether it was written.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Set writes or refreshes the key.
	Set(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Keys lists live keys matching a glob pattern ("prefix:*").
	Keys(ctx context.Context, pattern string) ([]string, error)
}

type RedisStore struct {
	rdb *redis.Client
}

type RedisStoreParams struct {
	fx.In

	Redis *redis.Client
}

func NewRedisStore(p RedisStoreParams) EphemeralStore {
	return &RedisStore{rdb: p.Redis}
}

func (s *RedisStore) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, "1", ttl).Result()
}

func (s *RedisStore) Set(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, "1", ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	// presence sets are tiny (two participants), KEYS is fine here
	return s.rdb.Keys(ctx, pattern).Result()
}

// MemoryStore is the in-process EphemeralStore for tests and single-node
// runs. Expiry is evaluated lazily on read.
type MemoryStore struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{expires: map[string]time.Time{}}
}

func (s *MemoryStore) SetNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.expires[key]; ok && time.Now().Before(exp) {
		return false, nil
	}
	s.expires[key] = time.Now().Add(ttl)
	return true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expires[key] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.expires, key)
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := strings.TrimSuffix(pattern, "*")
	exact := prefix == pattern

	now := time.Now()
	var out []string
	for key, exp := range s.expires {
		if now.After(exp) {
			delete(s.expires, key)
			continue
		}
		if exact {
			if key == pattern {
				out = append(out, key)
			}
			continue
		}
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}
