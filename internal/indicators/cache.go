package indicators

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// maxAdaptiveTTL caps how long any entry may outlive its computation.
const maxAdaptiveTTL = 5 * time.Minute

// AdaptiveTTL derives an entry lifetime from the variant's refresh
// interval and window length. Short windows age out fast, long windows
// are allowed to linger, and nothing drops below the floor.
func AdaptiveTTL(refresh time.Duration, window int, floor time.Duration) time.Duration {
	if floor <= 0 {
		floor = time.Second
	}
	if refresh <= 0 || window <= 0 {
		return floor
	}
	ttl := refresh * time.Duration(window) / 4
	if ttl < floor {
		return floor
	}
	if ttl > maxAdaptiveTTL {
		return maxAdaptiveTTL
	}
	return ttl
}

type cacheEntry struct {
	key       string
	value     Value
	expiresAt time.Time
	bytes     int64
}

// CacheStats is a point-in-time view of cache behaviour.
type CacheStats struct {
	Entries     int
	Bytes       int64
	MaxEntries  int
	MaxBytes    int64
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}

// ValueCache stores computed indicator values under TTL, a global entry
// ceiling, and a global byte ceiling. Recency-ordered eviction keeps it
// under budget; values for one key only ever move forward in time, so a
// reader never sees an older value after a newer one.
type ValueCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List // front = most recently used
	ttlFloor time.Duration

	maxEntries int
	maxBytes   int64
	curBytes   int64

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

// NewValueCache creates a cache bounded by entry count and bytes.
func NewValueCache(maxEntries int, maxBytes int64, ttlFloor time.Duration) *ValueCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	if maxBytes < 1 {
		maxBytes = 1 << 20
	}
	if ttlFloor <= 0 {
		ttlFloor = time.Second
	}
	return &ValueCache{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		ttlFloor:   ttlFloor,
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

func estimateBytes(key string, v Value) int64 {
	size := int64(len(key)) + 112
	for name := range v.Components {
		size += int64(len(name)) + 32
	}
	return size
}

// Put stores a value. A value older than the one already cached for the
// same key is discarded, which keeps reads monotonically non-stale even
// when refreshes race.
func (c *ValueCache) Put(key string, v Value, ttl time.Duration) {
	if ttl < c.ttlFloor {
		ttl = c.ttlFloor
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		if v.At.Before(entry.value.At) {
			return
		}
		c.curBytes -= entry.bytes
		entry.value = v
		entry.expiresAt = now.Add(ttl)
		entry.bytes = estimateBytes(key, v)
		c.curBytes += entry.bytes
		c.lru.MoveToFront(elem)
		c.enforceBudgetLocked()
		return
	}

	entry := &cacheEntry{key: key, value: v, expiresAt: now.Add(ttl), bytes: estimateBytes(key, v)}
	c.entries[key] = c.lru.PushFront(entry)
	c.curBytes += entry.bytes
	c.enforceBudgetLocked()
}

// Get returns the cached value if present and unexpired.
func (c *ValueCache) Get(key string) (Value, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return Value{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if now.After(entry.expiresAt) {
		c.removeLocked(elem)
		c.expirations++
		c.misses++
		return Value{}, false
	}
	c.lru.MoveToFront(elem)
	c.hits++
	return entry.value, true
}

// Remove drops one key.
func (c *ValueCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// RemovePrefix drops every key with the given prefix and reports how
// many went. Variant teardown uses it to clear all window buckets.
func (c *ValueCache) RemovePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*list.Element
	for key, elem := range c.entries {
		if strings.HasPrefix(key, prefix) {
			victims = append(victims, elem)
		}
	}
	for _, elem := range victims {
		c.removeLocked(elem)
	}
	return len(victims)
}

// SweepExpired removes every entry past its TTL and reports the count.
func (c *ValueCache) SweepExpired() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*list.Element
	for _, elem := range c.entries {
		if now.After(elem.Value.(*cacheEntry).expiresAt) {
			victims = append(victims, elem)
		}
	}
	for _, elem := range victims {
		c.removeLocked(elem)
		c.expirations++
	}
	return len(victims)
}

// UnderPressure reports whether held bytes exceed ratio of the budget.
func (c *ValueCache) UnderPressure(ratio float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.curBytes) > ratio*float64(c.maxBytes)
}

// EmergencyCleanup sheds least-recently-used entries until held bytes
// drop to targetRatio of the byte budget. It returns how many entries
// were shed.
func (c *ValueCache) EmergencyCleanup(targetRatio float64) int {
	if targetRatio <= 0 || targetRatio > 1 {
		targetRatio = 0.5
	}
	target := int64(targetRatio * float64(c.maxBytes))

	c.mu.Lock()
	defer c.mu.Unlock()

	shed := 0
	for c.curBytes > target {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
		shed++
	}
	return shed
}

// Len reports live entries.
func (c *ValueCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns counters and budgets.
func (c *ValueCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:     len(c.entries),
		Bytes:       c.curBytes,
		MaxEntries:  c.maxEntries,
		MaxBytes:    c.maxBytes,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

func (c *ValueCache) enforceBudgetLocked() {
	for len(c.entries) > c.maxEntries || c.curBytes > c.maxBytes {
		oldest := c.lru.Back()
		if oldest == nil {
			return
		}
		c.removeLocked(oldest)
		c.evictions++
	}
}

func (c *ValueCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.lru.Remove(elem)
	delete(c.entries, entry.key)
	c.curBytes -= entry.bytes
}
