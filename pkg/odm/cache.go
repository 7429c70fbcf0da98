package odm

import (
	"context"
	"sync"
	"time"
)

// Cache stores encoded lean query results, scoped by collection so that a
// write can drop every entry of the collection it touched.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, collection, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, collection string) error
}

type cacheEntry struct {
	payload []byte
	expiry  time.Time
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu     sync.RWMutex
	data   map[string]map[string]cacheEntry // collection -> key -> entry
	owners map[string]string                // key -> collection
	now    func() time.Time
}

var _ Cache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		data:   make(map[string]map[string]cacheEntry),
		owners: make(map[string]string),
		now:    time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	coll, ok := c.owners[key]
	if !ok {
		return nil, false, nil
	}
	entry, ok := c.data[coll][key]
	if !ok || c.now().After(entry.expiry) {
		return nil, false, nil
	}
	return entry.payload, true, nil
}

func (c *MemoryCache) Set(_ context.Context, collection, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.data[collection]
	if !ok {
		bucket = make(map[string]cacheEntry)
		c.data[collection] = bucket
	}
	bucket[key] = cacheEntry{payload: append([]byte(nil), value...), expiry: c.now().Add(ttl)}
	c.owners[key] = collection
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, collection string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.data[collection] {
		delete(c.owners, key)
	}
	delete(c.data, collection)
	return nil
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	now := c.now()
	for _, bucket := range c.data {
		for _, entry := range bucket {
			if !now.After(entry.expiry) {
				n++
			}
		}
	}
	return n
}
