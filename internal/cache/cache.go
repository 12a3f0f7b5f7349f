// Package cache is a two-tier read cache: an in-process map in front of the
// local store. Entries expire by TTL and are purged lazily on access.
package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soyeahso/unisync/internal/domain"
	"github.com/soyeahso/unisync/internal/logging"
	"github.com/soyeahso/unisync/internal/metrics"
)

// DefaultTTL applies when neither Options nor Set name a TTL.
const DefaultTTL = 5 * time.Minute

// Backend is the persistent tier. Load returns the record stored under key
// together with its last update time, or an error when absent.
type Backend interface {
	Load(ctx context.Context, key string) (any, time.Time, error)
	Save(ctx context.Context, key string, value any) error
}

// Entry is a memory-tier value. It is expired once now - Timestamp > TTL.
type Entry struct {
	Data      any
	Timestamp time.Time
	TTL       time.Duration
}

func (e Entry) expired(now time.Time) bool {
	return now.Sub(e.Timestamp) > e.TTL
}

// Options configures a Cache.
type Options struct {
	TTL          time.Duration
	WriteThrough bool
	Backend      Backend // optional
	Now          func() time.Time
}

// Stats describes the memory tier.
type Stats struct {
	Entries int     `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

// Cache is safe for concurrent use. Memory growth is bounded only by the
// TTLs and key space callers choose.
type Cache struct {
	ttl          time.Duration
	writeThrough bool
	backend      Backend
	now          func() time.Time
	log          *logging.Logger

	mu      sync.Mutex
	entries map[string]Entry

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a Cache.
func New(opts Options, log *logging.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		ttl:          opts.TTL,
		writeThrough: opts.WriteThrough,
		backend:      opts.Backend,
		now:          opts.Now,
		log:          log.Sub("cache"),
		entries:      make(map[string]Entry),
	}
}

// Get checks memory, then the backend for a record updated within the TTL.
// A backend hit is promoted into memory.
func (c *Cache) Get(ctx context.Context, key string) (any, bool) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && e.expired(now) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()

	if ok {
		c.hits.Add(1)
		metrics.CacheLookups.WithLabelValues("memory", "hit").Inc()
		return e.Data, true
	}
	metrics.CacheLookups.WithLabelValues("memory", "miss").Inc()

	if c.backend != nil {
		v, updatedAt, err := c.backend.Load(ctx, key)
		if err == nil && now.Sub(updatedAt) <= c.ttl {
			c.store(key, v, c.ttl)
			c.hits.Add(1)
			metrics.CacheLookups.WithLabelValues("store", "hit").Inc()
			return v, true
		}
		metrics.CacheLookups.WithLabelValues("store", "miss").Inc()
	}

	c.misses.Add(1)
	return nil, false
}

// Set stores value in memory and, with write-through enabled, in the
// backend. Backend failures are logged and never returned.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.store(key, value, ttl)

	if c.writeThrough && c.backend != nil {
		if err := c.backend.Save(ctx, key, value); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("write-through failed")
		}
	}
}

func (c *Cache) store(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = Entry{Data: value, Timestamp: c.now(), TTL: ttl}
	c.mu.Unlock()
}

// Invalidate drops every memory entry whose key contains pattern.
// It returns how many were removed.
func (c *Cache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.Contains(k, pattern) {
			delete(c.entries, k)
			n++
		}
	}
	if n > 0 {
		c.log.Debug().Str("pattern", pattern).Int("removed", n).Msg("invalidated")
	}
	return n
}

// InvalidateEntity drops one entity and every list of its kind.
func (c *Cache) InvalidateEntity(kind domain.Kind, id string) {
	c.mu.Lock()
	delete(c.entries, EntityKey(kind, id))
	c.mu.Unlock()
	c.InvalidateList(kind)
}

// InvalidateList drops every cached list of kind.
func (c *Cache) InvalidateList(kind domain.Kind) {
	c.Invalidate(listPrefix(kind))
}

// Clear drops all memory entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
}

// Stats counts live entries and reports the hit rate since creation.
func (c *Cache) Stats() Stats {
	now := c.now()
	c.mu.Lock()
	live := 0
	for _, e := range c.entries {
		if !e.expired(now) {
			live++
		}
	}
	c.mu.Unlock()

	hits, misses := c.hits.Load(), c.misses.Load()
	s := Stats{Entries: live, Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// Lookup is a typed Get. A value of another type counts as absent.
func Lookup[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var zero T
	v, ok := c.Get(ctx, key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// EntityKey is the cache key of one entity, e.g. "agent:123".
func EntityKey(kind domain.Kind, id string) string {
	return string(kind) + ":" + id
}

// ListKey is the cache key of a list query, e.g. "list:agents:u1:public".
func ListKey(kind domain.Kind, parts ...string) string {
	return listPrefix(kind) + ":" + strings.Join(parts, ":")
}

// ParseEntityKey splits an entity key. It reports false for list keys.
func ParseEntityKey(key string) (domain.Kind, string, bool) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok || kind == "list" || id == "" {
		return "", "", false
	}
	return domain.Kind(kind), id, true
}

func listPrefix(kind domain.Kind) string {
	return "list:" + kind.Plural()
}
