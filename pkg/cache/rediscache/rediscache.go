// Package rediscache implements odm.Cache on Redis.
//
// Each entry is a plain string key with a TTL. Every collection also has a
// set listing the entry keys written for it, so Invalidate can remove them
// in one round trip without scanning the keyspace.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jrjohn/harbor-go/pkg/odm"
)

const defaultPrefix = "harbor:cache:"

// Cache stores lean query results in Redis.
type Cache struct {
	client redis.Cmdable
	prefix string
}

var _ odm.Cache = (*Cache)(nil)

// Option configures a Cache.
type Option func(*Cache)

// WithPrefix namespaces every key written by the cache.
func WithPrefix(prefix string) Option {
	return func(c *Cache) { c.prefix = prefix }
}

// New returns a Cache over client.
func New(client redis.Cmdable, opts ...Option) *Cache {
	c := &Cache{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) entryKey(key string) string {
	return c.prefix + key
}

// indexKey names the set of entry keys for collection. Entry keys always
// end in a hex digest, so they cannot collide with it.
func (c *Cache) indexKey(collection string) string {
	return c.prefix + "index:" + collection
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, c.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("rediscache: get: %w", err)
	}
	return val, true, nil
}

// Set writes the entry and records it under collection atomically.
func (c *Cache) Set(ctx context.Context, collection, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	entry := c.entryKey(key)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, entry, value, ttl)
		pipe.SAdd(ctx, c.indexKey(collection), entry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("rediscache: set: %w", err)
	}
	return nil
}

// Invalidate deletes every entry recorded for collection, including ones
// that already expired.
func (c *Cache) Invalidate(ctx context.Context, collection string) error {
	index := c.indexKey(collection)
	keys, err := c.client.SMembers(ctx, index).Result()
	if err != nil {
		return fmt.Errorf("rediscache: list entries: %w", err)
	}
	if err := c.client.Del(ctx, append(keys, index)...).Err(); err != nil {
		return fmt.Errorf("rediscache: invalidate: %w", err)
	}
	return nil
}
