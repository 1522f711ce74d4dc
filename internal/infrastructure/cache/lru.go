// Package cache implements the domain-scoped retrieval cache: a byte-bounded
// LRU with per-entry TTL and O(k) invalidation of one domain's entries.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
)

// Value is anything the cache can account for. Only payload bytes count
// toward the budget; map, index and list overhead is excluded.
type Value = domain.Sizer

type entryKey struct {
	scope string
	key   string
}

type entry struct {
	id        entryKey
	value     Value
	size      int64
	createdAt time.Time
	expiresAt time.Time
	elem      *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type Cache struct {
	mu sync.Mutex

	budget   int64
	used     int64
	entries  map[entryKey]*entry
	byDomain map[string]map[entryKey]*entry
	lru      *list.List

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
	rejected    uint64

	now func() time.Time
}

func New(byteBudget int64) *Cache {
	return &Cache{
		budget:   byteBudget,
		entries:  make(map[entryKey]*entry),
		byDomain: make(map[string]map[entryKey]*entry),
		lru:      list.New(),
		now:      time.Now,
	}
}

// Get returns a live entry and marks it most recently used. Expired entries
// are removed and reported as misses.
func (c *Cache) Get(scope, key string) (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[entryKey{scope: scope, key: key}]
	if !ok {
		c.misses++
		return nil, false
	}
	if e.expired(c.now()) {
		c.removeLocked(e)
		c.expirations++
		c.misses++
		return nil, false
	}
	c.lru.MoveToFront(e.elem)
	c.hits++
	return e.value, true
}

// Put stores value under (scope, key). A ttl <= 0 never expires. An entry
// larger than the whole budget is not stored and ErrCacheRejected is
// returned; callers treat that as informational.
func (c *Cache) Put(scope, key string, value Value, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	size := value.SizeBytes()

	c.mu.Lock()
	defer c.mu.Unlock()

	id := entryKey{scope: scope, key: key}
	if old, ok := c.entries[id]; ok {
		c.removeLocked(old)
	}
	if size > c.budget {
		c.rejected++
		return domain.WrapError(domain.ErrCacheRejected, "cache put", fmt.Errorf("entry of %d bytes exceeds budget of %d bytes", size, c.budget))
	}

	for c.used+size > c.budget {
		tail := c.lru.Back()
		if tail == nil {
			break
		}
		c.removeLocked(tail.Value.(*entry))
		c.evictions++
	}

	now := c.now()
	e := &entry{
		id:        id,
		value:     value,
		size:      size,
		createdAt: now,
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	e.elem = c.lru.PushFront(e)
	c.entries[id] = e
	scoped, ok := c.byDomain[scope]
	if !ok {
		scoped = make(map[entryKey]*entry)
		c.byDomain[scope] = scoped
	}
	scoped[id] = e
	c.used += size
	return nil
}

// Invalidate drops every entry tagged with scope and returns how many were
// removed. Other scopes are not visited.
func (c *Cache) Invalidate(scope string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	scoped := c.byDomain[scope]
	n := len(scoped)
	for _, e := range scoped {
		c.removeLocked(e)
	}
	return n
}

// Clear drops every entry.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[entryKey]*entry)
	c.byDomain = make(map[string]map[entryKey]*entry)
	c.lru.Init()
	c.used = 0
	return n
}

func (c *Cache) Stats() domain.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return domain.CacheStats{
		HitCount:    c.hits,
		MissCount:   c.misses,
		BytesUsed:   c.used,
		ByteBudget:  c.budget,
		EntryCount:  len(c.entries),
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Rejected:    c.rejected,
	}
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		e := elem.Value.(*entry)
		if e.expired(now) {
			c.removeLocked(e)
			c.expirations++
			removed++
		}
		elem = prev
	}
	return removed
}

// Run sweeps expired entries every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				slog.Debug("cache_sweep", "expired", n)
			}
		}
	}
}

func (c *Cache) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.id)
	if scoped, ok := c.byDomain[e.id.scope]; ok {
		delete(scoped, e.id)
		if len(scoped) == 0 {
			delete(c.byDomain, e.id.scope)
		}
	}
	c.used -= e.size
}
