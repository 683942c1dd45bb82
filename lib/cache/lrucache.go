/*
 * Tollgate
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package cache

import (
	"strings"
	"time"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/tollgate/lib/defaults"
)

// LRUConfig configures an LRUCache.
type LRUConfig struct {
	// Name labels the cache in metrics.
	Name string
	// TTL is the default entry lifetime used by Put.
	TTL time.Duration
	// MaxSize bounds the number of entries; the least recently used entry is
	// dropped on overflow.
	MaxSize int
	// Clock is the time source for expiry checks.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *LRUConfig) CheckAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("missing cache name")
	}
	if c.TTL <= 0 {
		c.TTL = defaults.TokenLifetime
	}
	if c.MaxSize <= 0 {
		c.MaxSize = defaults.TokenCacheSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// LRUCache is a size-bounded cache with per-entry absolute expiry. When full
// it drops the least recently used entry. Like TTLCache, Get never returns an
// expired entry; unlike TTLCache there is no stale accessor, callers that
// need stale reads should not bound their cache.
type LRUCache[V any] struct {
	cfg     LRUConfig
	lru     *lru.Cache[string, entry[V]]
	metrics counters
}

// NewLRUCache creates an LRUCache from the config.
func NewLRUCache[V any](cfg LRUConfig) (*LRUCache[V], error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	c := &LRUCache[V]{
		cfg:     cfg,
		metrics: newCounters(cfg.Name),
	}
	// The eviction callback fires both for size pressure and for explicit
	// Remove calls, so all removals funnel through one counter.
	inner, err := lru.NewWithEvict(cfg.MaxSize, func(string, entry[V]) {
		c.metrics.evictions.Inc()
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.lru = inner
	return c, nil
}

// Get returns the live value for key. An expired entry counts as a miss and
// is removed.
func (c *LRUCache[V]) Get(key string) (V, bool) {
	if e, ok := c.lru.Get(key); ok {
		if e.live(c.cfg.Clock.Now()) {
			c.metrics.hits.Inc()
			return e.value, true
		}
		c.lru.Remove(key)
		c.metrics.size.Set(float64(c.lru.Len()))
	}
	c.metrics.misses.Inc()

	var zero V
	return zero, false
}

// Put stores value under key with the default TTL.
func (c *LRUCache[V]) Put(key string, value V) {
	c.PutWithTTL(key, value, c.cfg.TTL)
}

// PutWithTTL stores value under key with an explicit TTL, replacing any
// previous entry.
func (c *LRUCache[V]) PutWithTTL(key string, value V, ttl time.Duration) {
	c.lru.Add(key, entry[V]{value: value, expires: Expiry(c.cfg.Clock, ttl)})
	c.metrics.size.Set(float64(c.lru.Len()))
}

// Evict removes the entry for key, if any.
func (c *LRUCache[V]) Evict(key string) {
	c.lru.Remove(key)
	c.metrics.size.Set(float64(c.lru.Len()))
}

// EvictByPrefix removes every entry whose key starts with prefix and returns
// the number of entries removed.
func (c *LRUCache[V]) EvictByPrefix(prefix string) int {
	var evicted int
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
			evicted++
		}
	}
	if evicted > 0 {
		c.metrics.size.Set(float64(c.lru.Len()))
	}
	return evicted
}

// Len returns the number of entries currently held, expired ones included.
func (c *LRUCache[V]) Len() int {
	return c.lru.Len()
}

// Sweep removes expired entries and returns the number removed.
func (c *LRUCache[V]) Sweep() int {
	now := c.cfg.Clock.Now()
	var swept int
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && !e.live(now) {
			c.lru.Remove(key)
			swept++
		}
	}
	if swept > 0 {
		c.metrics.size.Set(float64(c.lru.Len()))
	}
	return swept
}
