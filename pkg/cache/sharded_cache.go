package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// Quote is the last observed sample for one symbol.
type Quote struct {
	Price  float64
	Volume float64
	Ts     time.Time
}

// ShardedQuoteCache holds the freshest quote per symbol with sharding so
// hot read paths (risk checks, API) never contend on one mutex.
type ShardedQuoteCache struct {
	shards [numShards]*quoteShard
}

type quoteShard struct {
	mu    sync.RWMutex
	items map[string]quoteEntry
}

type quoteEntry struct {
	quote     Quote
	updatedAt time.Time
}

// NewShardedQuoteCache creates a new sharded cache.
func NewShardedQuoteCache() *ShardedQuoteCache {
	c := &ShardedQuoteCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &quoteShard{
			items: make(map[string]quoteEntry),
		}
	}
	return c
}

// getShard returns the shard for the given key.
func (c *ShardedQuoteCache) getShard(key string) *quoteShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores the latest quote for a symbol.
func (c *ShardedQuoteCache) Set(symbol string, q Quote) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	shard.items[symbol] = quoteEntry{
		quote:     q,
		updatedAt: time.Now(),
	}
	shard.mu.Unlock()
}

// Get retrieves the latest quote for a symbol.
func (c *ShardedQuoteCache) Get(symbol string) (Quote, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	return entry.quote, ok
}

// Price retrieves only the latest price for a symbol.
func (c *ShardedQuoteCache) Price(symbol string) (float64, bool) {
	q, ok := c.Get(symbol)
	return q.Price, ok
}

// GetWithAge retrieves the quote and how long ago it was stored.
func (c *ShardedQuoteCache) GetWithAge(symbol string) (Quote, time.Duration, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	if !ok {
		return Quote{}, 0, false
	}
	return entry.quote, time.Since(entry.updatedAt), true
}

// Delete removes a symbol from the cache.
func (c *ShardedQuoteCache) Delete(symbol string) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	delete(shard.items, symbol)
	shard.mu.Unlock()
}

// Len returns total items across all shards.
func (c *ShardedQuoteCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *ShardedQuoteCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Retain drops every symbol not in keep. Used on session teardown.
func (c *ShardedQuoteCache) Retain(keep []string) int {
	valid := make(map[string]bool, len(keep))
	for _, s := range keep {
		valid[s] = true
	}

	removed := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym := range shard.items {
			if !valid[sym] {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Snapshot returns all cached prices (for status/admin).
func (c *ShardedQuoteCache) Snapshot() map[string]float64 {
	result := make(map[string]float64)
	for _, shard := range c.shards {
		shard.mu.RLock()
		for sym, entry := range shard.items {
			result[sym] = entry.quote.Price
		}
		shard.mu.RUnlock()
	}
	return result
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *ShardedQuoteCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for i, shard := range c.shards {
		shard.mu.RLock()
		stats.ShardCounts[i] = len(shard.items)
		stats.TotalItems += len(shard.items)
		for _, entry := range shard.items {
			if oldest.IsZero() || entry.updatedAt.Before(oldest) {
				oldest = entry.updatedAt
			}
		}
		shard.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = time.Since(oldest)
	}
	return stats
}
