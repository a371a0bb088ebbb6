// Package cache memoizes per-(scope, node) evaluation results. Correctness
// relies on explicit invalidation driven by the dependency graph; the TTL
// is a secondary safety net against missed notifications.
package cache

import (
	"sync"
	"time"

	"fateforge/internal/depgraph"
	"fateforge/internal/metrics"
	"fateforge/internal/store"
)

// DefaultTTL bounds staleness when an invalidation is lost.
const DefaultTTL = 5 * time.Minute

// DefaultBranch scopes entries of campaigns that never forked.
const DefaultBranch = "main"

// Key addresses one cached evaluation. Entries are scoped per (partition,
// branch) so forked campaigns never leak results into each other.
type Key struct {
	Partition string
	Branch    string
	Scope     store.Scope
	Node      store.NodeKey
}

type entry struct {
	value      any
	insertedAt time.Time
}

// Cache is safe for concurrent use. Put is last-writer-wins, which is
// acceptable because invalidation is idempotent.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[Key]entry
	now     func() time.Time
}

func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[Key]entry),
		now:     time.Now,
	}
}

func (c *Cache) Get(key Key) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		metrics.CacheMisses.Inc()
		return nil, false
	}
	if c.now().Sub(e.insertedAt) > c.ttl {
		c.mu.Lock()
		// Re-check under the write lock; a fresh Put may have raced.
		if cur, still := c.entries[key]; still && c.now().Sub(cur.insertedAt) > c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		metrics.CacheMisses.Inc()
		return nil, false
	}
	metrics.CacheHits.Inc()
	return e.value, true
}

func (c *Cache) Put(key Key, value any) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, insertedAt: c.now()}
	c.mu.Unlock()
}

// Invalidate evicts every entry for the node in the given partition and
// branch, regardless of scope.
func (c *Cache) Invalidate(partition, branch string, node store.NodeKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.Partition == partition && key.Branch == branch && key.Node == node {
			delete(c.entries, key)
			metrics.CacheEvictions.Inc()
		}
	}
}

// InvalidateSubgraph evicts the changed node and every transitive
// dependent, computed from the partition's dependency graph.
func (c *Cache) InvalidateSubgraph(g *depgraph.Graph, branch string, changed store.NodeKey) {
	affected := depgraph.AffectedSubgraph(g, changed)
	if len(affected) == 0 {
		// Unknown node: fall back to evicting just its own entries.
		c.Invalidate(g.Partition, branch, changed)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.Partition != g.Partition || key.Branch != branch {
			continue
		}
		if _, ok := affected[key.Node]; ok {
			delete(c.entries, key)
			metrics.CacheEvictions.Inc()
		}
	}
}

// InvalidatePartition drops every entry of a (partition, branch), used
// when a full graph rebuild makes targeted eviction moot.
func (c *Cache) InvalidatePartition(partition, branch string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.Partition == partition && key.Branch == branch {
			delete(c.entries, key)
			metrics.CacheEvictions.Inc()
		}
	}
}

// InvalidateScope drops every entry owned by one scope, used when an
// entity's state changed outside the engine.
func (c *Cache) InvalidateScope(partition, branch string, scope store.Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.Partition == partition && key.Branch == branch && key.Scope == scope {
			delete(c.entries, key)
			metrics.CacheEvictions.Inc()
		}
	}
}

// Len reports the live entry count, for tests and diagnostics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
