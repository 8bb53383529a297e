// Package cache memoizes generated programs, parsed configurations, and
// execution results keyed by content hash, with per-kind capacity and
// TTL-based lazy eviction.
package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Cache kinds. Each kind is an independent namespace; entries never cross
// between them.
const (
	KindProgram = "program"
	KindConfig  = "config"
	KindResult  = "result"
)

// Defaults for per-kind capacity and entry lifetime.
const (
	DefaultCapacity = 100
	DefaultTTL      = 30 * time.Minute
)

type entry struct {
	value      any
	insertedAt time.Time
}

// shard is one kind's store. Insertion order is tracked for oldest-first
// eviction when the capacity ceiling is hit.
type shard struct {
	entries map[string]entry
	order   []string
}

// Cache is a TTL-bounded memo store, safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	clock    clock.Clock
	shards   map[string]*shard
}

// New creates a cache with the given per-kind capacity and TTL.
func New(capacity int, ttl time.Duration, clk clock.Clock) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		clock:    clk,
		shards:   make(map[string]*shard),
	}
}

// Get returns the cached value for (kind, key). Entries older than the TTL
// are treated as absent and evicted lazily.
func (c *Cache) Get(kind, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.shards[kind]
	if !ok {
		return nil, false
	}
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if c.clock.Now().Sub(e.insertedAt) > c.ttl {
		s.remove(key)
		return nil, false
	}
	return e.value, true
}

// Put stores a value under (kind, key). If the kind's shard is at capacity,
// the oldest inserted entry is evicted first.
func (c *Cache) Put(kind, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.shards[kind]
	if !ok {
		s = &shard{entries: make(map[string]entry)}
		c.shards[kind] = s
	}

	// Replacing an existing key keeps its original insertion slot.
	if _, exists := s.entries[key]; !exists {
		if len(s.entries) >= c.capacity {
			s.remove(s.order[0])
		}
		s.order = append(s.order, key)
	}
	s.entries[key] = entry{value: value, insertedAt: c.clock.Now()}
}

// Len returns the number of live entries for a kind. Expired entries still
// count until a Get touches them.
func (c *Cache) Len(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.shards[kind]; ok {
		return len(s.entries)
	}
	return 0
}

func (s *shard) remove(key string) {
	delete(s.entries, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
