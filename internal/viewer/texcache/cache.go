package texcache

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCapacityBytes bounds the cache when no capacity is configured.
const DefaultCapacityBytes = 100 << 20

// ScopeSeparator joins a model id and a texture name into a cache key.
const ScopeSeparator = "_"

// Key builds the cache key for a texture owned by modelID.
func Key(modelID string, textureName string) string {
	return modelID + ScopeSeparator + textureName
}

type entry struct {
	payload    []byte
	bytes      int64
	lastUsedAt time.Time
	seq        uint64
}

// Stats is a read-only snapshot for observability consumers.
type Stats struct {
	Entries   int    `json:"entries"`
	SizeBytes int64  `json:"size_bytes"`
	Capacity  int64  `json:"capacity_bytes"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
}

// Cache is a byte-budgeted texture cache with least-recently-used eviction.
// Keys are scoped by owning model id so a whole model's textures can be
// dropped in one call when the model unloads.
//
// The aggregate size of resident entries never exceeds the capacity after a
// Put returns, with one exception: a single entry larger than the whole
// capacity is still admitted (everything else is evicted first).
type Cache struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	entries  map[string]*entry
	seq      uint64
	hits     uint64
	misses   uint64
	logger   *zap.Logger

	now func() time.Time
}

// New returns an empty cache bounded by capacityBytes.
func New(capacityBytes int64, logger *zap.Logger) *Cache {
	if capacityBytes <= 0 {
		capacityBytes = DefaultCapacityBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		capacity: capacityBytes,
		entries:  make(map[string]*entry),
		logger:   logger,
		now:      time.Now,
	}
}

// Put inserts or replaces a payload. When the insert would push the
// aggregate size over capacity, entries are evicted in ascending last-use
// order until the payload fits or nothing else remains. Eviction and insert
// complete under one lock hold so no reader observes an over-budget cache.
func (c *Cache) Put(key string, payload []byte, bytes int64) {
	if key == "" || bytes < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.size -= old.bytes
		delete(c.entries, key)
	}

	evicted := 0
	for c.size+bytes > c.capacity && len(c.entries) > 0 {
		c.evictOldestLocked()
		evicted++
	}

	c.seq++
	c.entries[key] = &entry{
		payload:    payload,
		bytes:      bytes,
		lastUsedAt: c.now(),
		seq:        c.seq,
	}
	c.size += bytes

	if evicted > 0 {
		c.logger.Debug("texture cache evicted for insert",
			zap.String("key", key),
			zap.Int("evicted", evicted),
			zap.Int64("size_bytes", c.size),
		)
	}
}

// Get returns the payload for key and refreshes its last-use time. It never
// populates the cache; a miss returns (nil, false).
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.seq++
	ent.lastUsedAt = c.now()
	ent.seq = c.seq
	return ent.payload, true
}

// Contains reports residency without refreshing last use.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// ClearScope removes every entry owned by modelID and returns how many were
// dropped.
func (c *Cache) ClearScope(modelID string) int {
	prefix := modelID + ScopeSeparator
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, ent := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.size -= ent.bytes
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("texture cache scope cleared",
			zap.String("model_id", modelID),
			zap.Int("removed", removed),
		)
	}
	return removed
}

// Stats returns a snapshot of size and hit counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.entries),
		SizeBytes: c.size,
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
	}
}

// evictOldestLocked drops the entry with the oldest last-use time, breaking
// ties by insertion order. Callers hold c.mu.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest *entry
	for key, ent := range c.entries {
		if oldest == nil {
			oldestKey, oldest = key, ent
			continue
		}
		if ent.lastUsedAt.Before(oldest.lastUsedAt) ||
			(ent.lastUsedAt.Equal(oldest.lastUsedAt) && ent.seq < oldest.seq) {
			oldestKey, oldest = key, ent
		}
	}
	if oldest == nil {
		return
	}
	c.size -= oldest.bytes
	delete(c.entries, oldestKey)
}
