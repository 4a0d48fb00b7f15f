// Package cache implements the namespaced TTL key/value store backing
// killmails, ESI entities and the per-system killmail id index. Expired
// entries are observationally absent before the sweep runs; a lazy sweep
// reclaims them periodically. get_or_compute is single-flight: concurrent
// callers for the same key share one loader invocation.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"wanderer-kills/pkg/apperr"
	"wanderer-kills/pkg/clock"
)

// Namespace identifies one logical cache region with its own TTL policy.
type Namespace string

const (
	NSKillmail        Namespace = "killmail"
	NSSystemKillmails Namespace = "system_killmails"
	NSCharacter       Namespace = "esi_character"
	NSCorporation     Namespace = "esi_corporation"
	NSAlliance        Namespace = "esi_alliance"
	NSType            Namespace = "esi_type"
	NSGroup           Namespace = "esi_group"
	NSESIKillmail     Namespace = "esi_killmail"
)

// Namespaces lists every known namespace, for stats reporting.
var Namespaces = []Namespace{
	NSKillmail, NSSystemKillmails, NSCharacter, NSCorporation,
	NSAlliance, NSType, NSGroup, NSESIKillmail,
}

// TTLForever marks entries that never expire (ship type catalogue).
const TTLForever = time.Duration(0)

type entry struct {
	value   any
	expiry  time.Time // zero means no expiry
	forever bool
}

// Stats reports per-namespace cache statistics.
type Stats struct {
	Size      int     `json:"size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

type nsCounters struct {
	hits      int64
	misses    int64
	evictions int64
}

// Cache is the process-wide namespaced store.
type Cache struct {
	mu            sync.RWMutex
	entries       map[Namespace]map[string]entry
	counters      map[Namespace]*nsCounters
	group         singleflight.Group
	clk           clock.Clock
	loaderTimeout time.Duration
	maxSystemList int
}

// Option configures the cache.
type Option func(*Cache)

// WithLoaderTimeout overrides the get_or_compute loader timeout.
func WithLoaderTimeout(d time.Duration) Option {
	return func(c *Cache) { c.loaderTimeout = d }
}

// WithMaxSystemList bounds the per-system killmail id list.
func WithMaxSystemList(n int) Option {
	return func(c *Cache) { c.maxSystemList = n }
}

// New creates an empty cache.
func New(clk clock.Clock, opts ...Option) *Cache {
	c := &Cache{
		entries:       make(map[Namespace]map[string]entry),
		counters:      make(map[Namespace]*nsCounters),
		clk:           clk,
		loaderTimeout: 30 * time.Second,
		maxSystemList: 10000,
	}
	for _, ns := range Namespaces {
		c.entries[ns] = make(map[string]entry)
		c.counters[ns] = &nsCounters{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) bucket(ns Namespace) map[string]entry {
	if b, ok := c.entries[ns]; ok {
		return b
	}
	b := make(map[string]entry)
	c.entries[ns] = b
	c.counters[ns] = &nsCounters{}
	return b
}

// Get returns the live value for (ns, key). Entries past their expiry are
// treated as absent even before the sweep removes them.
func (c *Cache) Get(ns Namespace, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.bucket(ns)[key]
	if !ok || c.expired(e) {
		c.counters[ns].misses++
		return nil, false
	}
	c.counters[ns].hits++
	return e.value, true
}

// Put stores value under (ns, key) with a TTL relative to now, replacing
// any previous entry. Last write wins under concurrency. TTLForever keeps
// the entry until an explicit purge.
func (c *Cache) Put(ns Namespace, key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry{value: value}
	if ttl == TTLForever {
		e.forever = true
	} else {
		e.expiry = c.clk.Now().Add(ttl)
	}
	c.bucket(ns)[key] = e
}

// Delete removes a single entry.
func (c *Cache) Delete(ns Namespace, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bucket(ns), key)
}

// GetOrCompute returns the cached value for (ns, key) or runs loader to
// fill it. At most one loader runs concurrently per key; other callers
// block on its result. A loader still running past the loader timeout
// fails waiters with cache:loader_timeout.
func (c *Cache) GetOrCompute(ctx context.Context, ns Namespace, key string, ttl time.Duration, loader func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(ns, key); ok {
		return v, nil
	}

	sfKey := string(ns) + ":" + key
	resCh := c.group.DoChan(sfKey, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.Background(), c.loaderTimeout)
		defer cancel()

		// Re-check under single flight: a concurrent caller may have
		// populated the key while we were queued.
		if v, ok := c.Get(ns, key); ok {
			return v, nil
		}
		v, err := loader(lctx)
		if err != nil {
			return nil, err
		}
		c.Put(ns, key, v, ttl)
		return v, nil
	})

	timer := time.NewTimer(c.loaderTimeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	case <-timer.C:
		c.group.Forget(sfKey)
		return nil, apperr.ErrCacheLoaderTimout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// systemKey builds the per-system index key.
func systemKey(systemID int64) string {
	return fmt.Sprintf("%d", systemID)
}

// AddSystemKillmail prepends a killmail id to the system's id list,
// bounded by the configured ring size. Duplicate ids are dropped.
func (c *Cache) AddSystemKillmail(systemID, killmailID int64, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := systemKey(systemID)
	bucket := c.bucket(NSSystemKillmails)

	var ids []int64
	if e, ok := bucket[key]; ok && !c.expired(e) {
		ids, _ = e.value.([]int64)
	}
	for _, id := range ids {
		if id == killmailID {
			return
		}
	}

	next := make([]int64, 0, len(ids)+1)
	next = append(next, killmailID)
	next = append(next, ids...)
	if len(next) > c.maxSystemList {
		next = next[:c.maxSystemList]
		c.counters[NSSystemKillmails].evictions++
	}

	bucket[key] = entry{value: next, expiry: c.clk.Now().Add(ttl)}
}

// ListSystemKillmails returns the system's killmail ids newest-first,
// capped at limit (0 means no cap beyond the ring bound).
func (c *Cache) ListSystemKillmails(systemID int64, limit int) []int64 {
	v, ok := c.Get(NSSystemKillmails, systemKey(systemID))
	if !ok {
		return nil
	}
	ids, _ := v.([]int64)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]int64, len(ids))
	copy(out, ids)
	return out
}

// Purge drops every entry in one namespace.
func (c *Cache) Purge(ns Namespace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ns] = make(map[string]entry)
}

// PurgeAll drops everything.
func (c *Cache) PurgeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ns := range Namespaces {
		c.entries[ns] = make(map[string]entry)
	}
}

// NamespaceStats returns statistics for one namespace.
func (c *Cache) NamespaceStats(ns Namespace) Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ctr := c.counters[ns]
	if ctr == nil {
		return Stats{}
	}
	s := Stats{
		Size:      len(c.entries[ns]),
		Hits:      ctr.hits,
		Misses:    ctr.misses,
		Evictions: ctr.evictions,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// AllStats returns statistics for every namespace.
func (c *Cache) AllStats() map[Namespace]Stats {
	out := make(map[Namespace]Stats, len(Namespaces))
	for _, ns := range Namespaces {
		out[ns] = c.NamespaceStats(ns)
	}
	return out
}

// Sweep removes expired entries. Called periodically by the maintenance
// scheduler; correctness does not depend on it because reads check expiry.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for ns, bucket := range c.entries {
		for key, e := range bucket {
			if c.expired(e) {
				delete(bucket, key)
				c.counters[ns].evictions++
				removed++
			}
		}
	}
	if removed > 0 {
		slog.Debug("Cache sweep completed", "removed", removed)
	}
	return removed
}

func (c *Cache) expired(e entry) bool {
	if e.forever {
		return false
	}
	return !e.expiry.After(c.clk.Now())
}
