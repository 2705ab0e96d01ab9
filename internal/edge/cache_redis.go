package edge

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps each generation in one hash so several edge replicas can
// share the offline cache. Generation names are tracked in a set.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

func OpenRedisStorage(cfg CacheConfig) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
	}
	return NewRedisStorage(client, cfg.Redis.Prefix), nil
}

func NewRedisStorage(client *redis.Client, prefix string) *RedisStorage {
	return &RedisStorage{client: client, prefix: prefix}
}

func (s *RedisStorage) gensKey() string           { return s.prefix + ":generations" }
func (s *RedisStorage) genKey(name string) string { return s.prefix + ":gen:" + name }

func (s *RedisStorage) Open(ctx context.Context, name string) (Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("invalid generation name %q", name)
	}
	if err := s.client.SAdd(ctx, s.gensKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("open generation %q: %w", name, err)
	}
	return &redisCache{client: s.client, key: s.genKey(name), gens: s.gensKey(), name: name}, nil
}

func (s *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.gensKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.genKey(name))
		removed = p.SRem(ctx, s.gensKey(), name)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete generation %q: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (s *RedisStorage) Close() error { return s.client.Close() }

type redisCache struct {
	client *redis.Client
	key    string
	gens   string
	name   string
}

func (c *redisCache) Match(ctx context.Context, key string) (CacheEntry, error) {
	b, err := c.client.HGet(ctx, c.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return CacheEntry{}, ErrCacheMiss
	}
	if err != nil {
		return CacheEntry{}, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, fmt.Errorf("decode entry %q: %w", key, err)
	}
	return ent, nil
}

func (c *redisCache) Put(ctx context.Context, key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	// A write that races a Delete recreates the hash, so it re-registers the
	// generation too.
	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, c.key, key, b)
		p.SAdd(ctx, c.gens, c.name)
		return nil
	})
	return err
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	return c.client.HDel(ctx, c.key, key).Err()
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	return c.client.HKeys(ctx, c.key).Result()
}
