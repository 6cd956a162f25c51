package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultMemoryTTL     = 60 * time.Second
	DefaultMemoryMaxSize = 1000

	shardCount = 16
)

type memoryEntry struct {
	val       []byte
	expiresAt time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// MemoryCache is an in-process TTL cache split into shards, each with its
// own lock.
type MemoryCache struct {
	shards    [shardCount]*shard
	ttl       time.Duration
	maxSize   int
	now       func() time.Time
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewMemoryCache creates a cache holding at most maxSize entries. ttl is
// used when Set is called with ttl <= 0.
func NewMemoryCache(ttl time.Duration, maxSize int) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultMemoryTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMemoryMaxSize
	}
	c := &MemoryCache{ttl: ttl, maxSize: maxSize, now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]memoryEntry)}
	}
	return c
}

func (c *MemoryCache) shardFor(key string) *shard {
	// FNV-1a
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return c.shards[h%shardCount]
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || c.now().After(e.expiresAt) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.val, true
}

// Set stores val. A full shard first drops expired entries, then the entry
// closest to expiry.
func (c *MemoryCache) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	s := c.shardFor(key)
	perShard := max(1, c.maxSize/shardCount)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists && len(s.entries) >= perShard {
		for k, e := range s.entries {
			if now.After(e.expiresAt) {
				delete(s.entries, k)
				c.evictions.Add(1)
			}
		}
		if len(s.entries) >= perShard {
			var oldest string
			var oldestAt time.Time
			for k, e := range s.entries {
				if oldest == "" || e.expiresAt.Before(oldestAt) {
					oldest, oldestAt = k, e.expiresAt
				}
			}
			delete(s.entries, oldest)
			c.evictions.Add(1)
		}
	}
	s.entries[key] = memoryEntry{val: val, expiresAt: now.Add(ttl)}
}

// Cleanup removes expired entries and returns how many were removed.
func (c *MemoryCache) Cleanup() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if now.After(e.expiresAt) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (c *MemoryCache) Size() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Stats reports hit and eviction counters.
func (c *MemoryCache) Stats() map[string]interface{} {
	hits, misses := c.hits.Load(), c.misses.Load()
	ratio := 0.0
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}
	return map[string]interface{}{
		"size":      c.Size(),
		"max_size":  c.maxSize,
		"hits":      hits,
		"misses":    misses,
		"hit_ratio": ratio,
		"evictions": c.evictions.Load(),
	}
}

func (c *MemoryCache) Close() error { return nil }
