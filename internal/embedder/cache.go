package embedder

import (
	"sync"
	"time"

	"github.com/minio/highwayhash"
)

// hashKey is the fixed HighwayHash key. The hash only needs to be stable
// within a process lifetime; it is not a secret.
var hashKey = []byte("clausecheck-embedding-cache-key!")

// CacheKey derives the cache key for a text under a given model version.
// Embeddings from different models are never interchangeable, so the model
// version is part of the key.
func CacheKey(modelVersion, text string) uint64 {
	h, err := highwayhash.New64(hashKey)
	if err != nil {
		// New64 only fails on a bad key length; hashKey is compile-time fixed.
		panic(err)
	}
	h.Write([]byte(modelVersion))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return h.Sum64()
}

// Cache stores embedding vectors by content hash. Implementations must be
// safe for concurrent use. The Gateway guarantees per-key linearizability on
// top of any Cache via its in-flight tracking, so implementations only need
// plain atomic Get/Set semantics.
type Cache interface {
	// Get returns the cached vector for key, if present and fresh.
	Get(key uint64) ([]float32, bool)
	// Set stores a vector under key.
	Set(key uint64, vector []float32)
}

// cacheEntry is one stored vector with its insertion time.
type cacheEntry struct {
	vector   []float32
	storedAt time.Time
}

// MemoryCache is an in-memory Cache with TTL expiry and a bounded entry
// count. When the bound is exceeded, expired entries are dropped first,
// then the oldest live entries.
type MemoryCache struct {
	// mu protects entries.
	mu sync.RWMutex
	// entries maps content hash to stored vector.
	entries map[uint64]cacheEntry
	// ttl is how long an entry stays valid. Zero disables expiry.
	ttl time.Duration
	// maxEntries bounds the cache size. Zero means unbounded.
	maxEntries int
	// now is the clock, injectable for tests.
	now func() time.Time
}

// NewMemoryCache constructs a MemoryCache with the given TTL and size bound.
func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	return &MemoryCache{
		entries:    make(map[uint64]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the cached vector for key if present and not expired.
func (c *MemoryCache) Get(key uint64) ([]float32, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(entry.storedAt) > c.ttl {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return entry.vector, true
}

// Set stores a vector under key, evicting if the size bound is exceeded.
func (c *MemoryCache) Set(key uint64, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{vector: vector, storedAt: c.now()}
	if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		c.evictLocked()
	}
}

// Len returns the current entry count.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictLocked drops expired entries, then the oldest live entries until the
// size bound is met. Callers must hold mu.
func (c *MemoryCache) evictLocked() {
	now := c.now()
	if c.ttl > 0 {
		for k, e := range c.entries {
			if now.Sub(e.storedAt) > c.ttl {
				delete(c.entries, k)
			}
		}
	}
	for len(c.entries) > c.maxEntries {
		var oldestKey uint64
		var oldestAt time.Time
		first := true
		for k, e := range c.entries {
			if first || e.storedAt.Before(oldestAt) {
				oldestKey, oldestAt, first = k, e.storedAt, false
			}
		}
		delete(c.entries, oldestKey)
	}
}
