// Package ttlcache provides a sharded in-memory key/value cache with
// per-entry expiry and an optional least-recently-used size ceiling.
//
// Expiry is lazy: a Get that finds a dead entry removes it. Sweep (or Run,
// which calls Sweep on a ticker) reclaims dead entries nobody asks for.
// There are no per-entry timers.
package ttlcache

import (
	"context"
	"hash/maphash"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/prompt2frame/framegate/pkg/models"
)

const defaultShards = 16

// Config controls a Cache.
type Config struct {
	// Shards is the number of independently locked partitions. Defaults to 16.
	Shards int
	// MaxEntries bounds the number of stored entries. When a shard is full
	// the least-recently-used entry in that shard is evicted, even if it is
	// still live. Zero means no bound: entries only leave by expiry or Delete.
	MaxEntries int
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

type entry[V any] struct {
	value      V
	insertedAt time.Time
	ttl        time.Duration
}

func (e entry[V]) alive(now time.Time) bool {
	return now.Sub(e.insertedAt) < e.ttl
}

type shard[K comparable, V any] struct {
	mu  sync.Mutex
	lru *simplelru.LRU[K, entry[V]]
}

// Cache is a concurrency-safe TTL cache. The zero value is not usable; call New.
type Cache[K comparable, V any] struct {
	shards []*shard[K, V]
	seed   maphash.Seed
	now    func() time.Time

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
}

// New creates a Cache with the given configuration.
func New[K comparable, V any](cfg Config) *Cache[K, V] {
	n := cfg.Shards
	if n <= 0 {
		n = defaultShards
	}
	perShard := math.MaxInt
	if cfg.MaxEntries > 0 {
		if n > cfg.MaxEntries {
			n = cfg.MaxEntries
		}
		perShard = (cfg.MaxEntries + n - 1) / n
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	c := &Cache[K, V]{
		shards: make([]*shard[K, V], n),
		seed:   maphash.MakeSeed(),
		now:    now,
	}
	for i := range c.shards {
		// NewLRU only fails for a non-positive size.
		l, _ := simplelru.NewLRU[K, entry[V]](perShard, nil)
		c.shards[i] = &shard[K, V]{lru: l}
	}
	return c
}

func (c *Cache[K, V]) shardFor(key K) *shard[K, V] {
	h := maphash.Comparable(c.seed, key)
	return c.shards[h%uint64(len(c.shards))]
}

// Get returns the live value stored under key. An expired entry is reported
// as absent and removed.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	s := c.shardFor(key)
	now := c.now()

	s.mu.Lock()
	e, ok := s.lru.Get(key)
	if ok && !e.alive(now) {
		s.lru.Remove(key)
		ok = false
		c.expirations.Add(1)
	}
	s.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Put stores value under key for ttl, replacing any existing entry and
// restarting its expiry clock. A non-positive ttl removes the key instead.
func (c *Cache[K, V]) Put(key K, value V, ttl time.Duration) {
	s := c.shardFor(key)
	if ttl <= 0 {
		s.mu.Lock()
		s.lru.Remove(key)
		s.mu.Unlock()
		return
	}

	e := entry[V]{value: value, insertedAt: c.now(), ttl: ttl}
	s.mu.Lock()
	evicted := s.lru.Add(key, e)
	s.mu.Unlock()
	if evicted {
		c.evictions.Add(1)
	}
}

// Delete removes key. Deleting an absent key is a no-op.
func (c *Cache[K, V]) Delete(key K) {
	s := c.shardFor(key)
	s.mu.Lock()
	s.lru.Remove(key)
	s.mu.Unlock()
}

// Len returns the number of stored entries, including expired entries that
// have not been swept yet.
func (c *Cache[K, V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}

// Sweep removes every expired entry and returns how many were removed.
// Shards are swept one at a time so lookups on other shards proceed.
func (c *Cache[K, V]) Sweep() int {
	removed := 0
	for _, s := range c.shards {
		now := c.now()
		s.mu.Lock()
		for _, k := range s.lru.Keys() {
			if e, ok := s.lru.Peek(k); ok && !e.alive(now) {
				s.lru.Remove(k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.expirations.Add(int64(removed))
	return removed
}

// Purge drops every entry. Counters are kept.
func (c *Cache[K, V]) Purge() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.lru.Purge()
		s.mu.Unlock()
	}
}

// Run sweeps the cache every interval until ctx is done.
func (c *Cache[K, V]) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.Sweep()
		}
	}
}

// Stats returns lookup counters and the current entry count.
func (c *Cache[K, V]) Stats() models.CacheStats {
	return models.CacheStats{
		Entries:     int64(c.Len()),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
	}
}
