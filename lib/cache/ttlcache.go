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
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/tollgate/lib/defaults"
)

// TTLConfig configures a TTLCache.
type TTLConfig struct {
	// Name labels the cache in metrics.
	Name string
	// TTL is the default entry lifetime used by Put.
	TTL time.Duration
	// StaleRetention keeps expired entries reachable through GetStale for
	// this long past their expiry before Sweep discards them. Zero means
	// expired entries are swept immediately.
	StaleRetention time.Duration
	// Clock is the time source for expiry checks.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *TTLConfig) CheckAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("missing cache name")
	}
	if c.TTL <= 0 {
		c.TTL = defaults.CredentialCacheTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// TTLCache is an unbounded in-memory cache with per-entry absolute expiry.
// Get never returns an expired entry; expired entries linger until the next
// Sweep or an explicit eviction, and remain reachable through GetStale for
// callers that prefer stale data over no data.
type TTLCache[V any] struct {
	cfg TTLConfig

	mu      sync.RWMutex
	entries map[string]entry[V]

	metrics counters
}

// NewTTLCache creates a TTLCache from the config.
func NewTTLCache[V any](cfg TTLConfig) (*TTLCache[V], error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &TTLCache[V]{
		cfg:     cfg,
		entries: make(map[string]entry[V]),
		metrics: newCounters(cfg.Name),
	}, nil
}

// Get returns the live value for key. Expired entries are treated as misses
// but left in place: GetStale can still read them until Sweep discards them.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	now := c.cfg.Clock.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && e.live(now) {
		c.metrics.hits.Inc()
		return e.value, true
	}
	c.metrics.misses.Inc()

	var zero V
	return zero, false
}

// GetStale returns the value for key even if it has expired. The second
// return reports whether anything was found at all, the third whether the
// value is still live. This is the fallback accessor: regular reads must go
// through Get.
func (c *TTLCache[V]) GetStale(key string) (value V, ok bool, live bool) {
	now := c.cfg.Clock.Now()

	c.mu.RLock()
	e, found := c.entries[key]
	c.mu.RUnlock()
	if !found {
		var zero V
		return zero, false, false
	}
	return e.value, true, e.live(now)
}

// Put stores value under key with the default TTL.
func (c *TTLCache[V]) Put(key string, value V) {
	c.PutWithTTL(key, value, c.cfg.TTL)
}

// PutWithTTL stores value under key with an explicit TTL, replacing any
// previous entry.
func (c *TTLCache[V]) PutWithTTL(key string, value V, ttl time.Duration) {
	e := entry[V]{value: value, expires: Expiry(c.cfg.Clock, ttl)}

	c.mu.Lock()
	c.entries[key] = e
	c.metrics.size.Set(float64(len(c.entries)))
	c.mu.Unlock()
}

// Evict removes the entry for key, if any.
func (c *TTLCache[V]) Evict(key string) {
	c.mu.Lock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.metrics.evictions.Inc()
		c.metrics.size.Set(float64(len(c.entries)))
	}
	c.mu.Unlock()
}

// EvictByPrefix removes every entry whose key starts with prefix and returns
// the number of entries removed.
func (c *TTLCache[V]) EvictByPrefix(prefix string) int {
	var evicted int

	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		c.metrics.evictions.Add(float64(evicted))
		c.metrics.size.Set(float64(len(c.entries)))
	}
	c.mu.Unlock()

	return evicted
}

// Len returns the number of entries currently held, expired ones included.
func (c *TTLCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes entries that expired more than StaleRetention ago and
// returns the number removed. Entries inside the retention window stay
// reachable through GetStale.
func (c *TTLCache[V]) Sweep() int {
	cutoff := c.cfg.Clock.Now().Add(-c.cfg.StaleRetention)
	var swept int

	c.mu.Lock()
	for key, e := range c.entries {
		if !e.live(cutoff) {
			delete(c.entries, key)
			swept++
		}
	}
	if swept > 0 {
		c.metrics.evictions.Add(float64(swept))
		c.metrics.size.Set(float64(len(c.entries)))
	}
	c.mu.Unlock()

	return swept
}

// RunSweepLoop sweeps the cache on the interval until the context is
// canceled. It is meant to run as a supervised service.
func (c *TTLCache[V]) RunSweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaults.CacheSweepInterval
	}
	ticker := c.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			c.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
