package query

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nimbusgraph/graphcore/internal/logging"
)

// CacheConfig tunes a Cache's memory ceiling and entry lifetime.
type CacheConfig struct {
	MaxMemoryMB int64
	TTL         time.Duration
	Enabled     bool
}

// DefaultCacheConfig matches spec.md's stated default: a small,
// short-lived cache that takes the edge off repeated blast-radius and
// topology calls without risking staleness across a sync.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{MaxMemoryMB: 64, TTL: 2 * time.Minute, Enabled: true}
}

type cacheEntry struct {
	value     any
	size      int64
	expiresAt time.Time
}

// Cache is an LRU, memory-bounded, TTL-expiring cache for compound
// query results, keyed by a tenant-scoped operation signature so one
// tenant's entries never collide with another's.
type Cache struct {
	lru        *lru.Cache[string, *cacheEntry]
	maxMemory  int64
	usedMemory int64
	ttl        time.Duration
	enabled    bool
	mu         sync.RWMutex
	logger     *logging.Logger

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewCache builds a Cache from config. A disabled cache answers every
// Get as a miss and every Put as a no-op.
func NewCache(config CacheConfig) *Cache {
	c := &Cache{
		maxMemory: config.MaxMemoryMB * 1024 * 1024,
		ttl:       config.TTL,
		enabled:   config.Enabled,
		logger:    logging.GetLogger("query-cache"),
	}
	lruCache, err := lru.NewWithEvict[string, *cacheEntry](10000, func(_ string, entry *cacheEntry) {
		atomic.AddUint64(&c.evictions, 1)
		atomic.AddInt64(&c.usedMemory, -entry.size)
	})
	if err != nil {
		// 10000 is a positive literal; lru.NewWithEvict only errors on
		// a non-positive size.
		panic(err)
	}
	c.lru = lruCache
	return c
}

// Key derives a deterministic cache key from a tenant, the operation
// name, and its parameters.
func Key(tenantID, operation string, params any) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte(operation))
	if m, ok := params.(map[string]any); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			b, _ := json.Marshal(m[k])
			h.Write(b)
		}
	} else {
		b, _ := json.Marshal(params)
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) Get(key string) (any, bool) {
	if !c.enabled {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.lru.Get(key)
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}
	atomic.AddUint64(&c.hits, 1)
	return entry.value, true
}

func (c *Cache) Put(key string, value any) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	size := estimateSize(value)
	if _, ok := c.lru.Peek(key); ok {
		c.lru.Remove(key)
	}

	used := atomic.LoadInt64(&c.usedMemory)
	for used+size > c.maxMemory && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
		used = atomic.LoadInt64(&c.usedMemory)
	}
	if used+size > c.maxMemory {
		c.logger.Warn("query cache PUT rejected: size exceeds capacity")
		return
	}

	c.lru.Add(key, &cacheEntry{value: value, size: size, expiresAt: time.Now().Add(c.ttl)})
	atomic.AddInt64(&c.usedMemory, size)
}

// InvalidateTenant drops every cached entry. The cache has no notion
// of which keys belong to which tenant once hashed, so a sync
// completing for any tenant clears the whole cache rather than risk
// serving another tenant's stale topology.
func (c *Cache) InvalidateTenant() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	atomic.StoreInt64(&c.usedMemory, 0)
}

// Stats reports hit/miss/eviction counters for observability.
type Stats struct {
	Items     int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Items:     c.lru.Len(),
		Hits:      atomic.LoadUint64(&c.hits),
		Misses:    atomic.LoadUint64(&c.misses),
		Evictions: atomic.LoadUint64(&c.evictions),
	}
}

func estimateSize(value any) int64 {
	b, err := json.Marshal(value)
	if err != nil {
		return 1024
	}
	return int64(len(b))
}
