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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/tollgate/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

func newTestTTLCache(t *testing.T, clock clockwork.Clock, retention time.Duration) *TTLCache[string] {
	t.Helper()
	c, err := NewTTLCache[string](TTLConfig{
		Name:           t.Name(),
		TTL:            time.Minute,
		StaleRetention: retention,
		Clock:          clock,
	})
	require.NoError(t, err)
	return c
}

func TestTTLCacheGetPut(t *testing.T) {
	t.Parallel()

	c := newTestTTLCache(t, clockwork.NewFakeClock(), 0)

	_, ok := c.Get("vendor-alpha-001")
	require.False(t, ok)

	c.Put("vendor-alpha-001", "first")
	v, ok := c.Get("vendor-alpha-001")
	require.True(t, ok)
	require.Equal(t, "first", v)

	// Put replaces.
	c.Put("vendor-alpha-001", "second")
	v, ok = c.Get("vendor-alpha-001")
	require.True(t, ok)
	require.Equal(t, "second", v)
	require.Equal(t, 1, c.Len())
}

func TestTTLCacheNeverServesExpired(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	c := newTestTTLCache(t, clock, time.Hour)

	c.PutWithTTL("vendor-alpha-001", "secret-material", time.Minute)

	clock.Advance(59 * time.Second)
	v, ok := c.Get("vendor-alpha-001")
	require.True(t, ok)
	require.Equal(t, "secret-material", v)

	// Expiry is exclusive: at exactly the deadline the entry is dead.
	clock.Advance(time.Second)
	_, ok = c.Get("vendor-alpha-001")
	require.False(t, ok)

	// The stale accessor still sees it, flagged as not live.
	v, found, live := c.GetStale("vendor-alpha-001")
	require.True(t, found)
	require.False(t, live)
	require.Equal(t, "secret-material", v)
}

func TestTTLCacheSweepHonorsStaleRetention(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	c := newTestTTLCache(t, clock, 10*time.Minute)

	c.PutWithTTL("vendor-alpha-001", "keep-me", time.Minute)

	// Expired but inside the retention window: sweep keeps it around.
	clock.Advance(2 * time.Minute)
	require.Equal(t, 0, c.Sweep())
	_, found, live := c.GetStale("vendor-alpha-001")
	require.True(t, found)
	require.False(t, live)

	// Past the retention window the entry is gone for good.
	clock.Advance(10 * time.Minute)
	require.Equal(t, 1, c.Sweep())
	_, found, _ = c.GetStale("vendor-alpha-001")
	require.False(t, found)
}

func TestTTLCacheSweepImmediateWithoutRetention(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	c := newTestTTLCache(t, clock, 0)

	c.PutWithTTL("a", "1", time.Minute)
	c.PutWithTTL("b", "2", 5*time.Minute)

	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, c.Sweep())
	require.Equal(t, 1, c.Len())

	_, ok := c.Get("b")
	require.True(t, ok)
}

func TestTTLCacheEvictByPrefix(t *testing.T) {
	t.Parallel()

	c := newTestTTLCache(t, clockwork.NewFakeClock(), 0)

	c.Put("vendor-alpha-001", "a")
	c.Put("vendor-alpha-001:v2", "b")
	c.Put("vendor-beta-002", "c")

	require.Equal(t, 2, c.EvictByPrefix("vendor-alpha-001"))
	require.Equal(t, 1, c.Len())

	_, ok := c.Get("vendor-beta-002")
	require.True(t, ok)
	_, ok = c.Get("vendor-alpha-001")
	require.False(t, ok)

	// Evicted entries are not reachable through the stale accessor either.
	_, found, _ := c.GetStale("vendor-alpha-001:v2")
	require.False(t, found)
}

func TestTTLCacheEvict(t *testing.T) {
	t.Parallel()

	c := newTestTTLCache(t, clockwork.NewFakeClock(), 0)

	c.Put("k", "v")
	c.Evict("k")
	_, ok := c.Get("k")
	require.False(t, ok)

	// Evicting a missing key is a no-op.
	c.Evict("k")
	require.Equal(t, 0, c.Len())
}

func TestTTLConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewTTLCache[string](TTLConfig{})
	require.Error(t, err)
}

func newTestLRUCache(t *testing.T, clock clockwork.Clock, maxSize int) *LRUCache[string] {
	t.Helper()
	c, err := NewLRUCache[string](LRUConfig{
		Name:    t.Name(),
		TTL:     time.Minute,
		MaxSize: maxSize,
		Clock:   clock,
	})
	require.NoError(t, err)
	return c
}

func TestLRUCacheNeverServesExpired(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	c := newTestLRUCache(t, clock, 8)

	c.PutWithTTL("vendor-alpha-001", "token", 90*time.Second)

	clock.Advance(89 * time.Second)
	v, ok := c.Get("vendor-alpha-001")
	require.True(t, ok)
	require.Equal(t, "token", v)

	clock.Advance(time.Second)
	_, ok = c.Get("vendor-alpha-001")
	require.False(t, ok)
	// An expired read removes the entry.
	require.Equal(t, 0, c.Len())
}

func TestLRUCacheBoundsSize(t *testing.T) {
	t.Parallel()

	c := newTestLRUCache(t, clockwork.NewFakeClock(), 2)

	c.Put("a", "1")
	c.Put("b", "2")
	c.Put("c", "3")

	require.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	require.False(t, ok)
	_, ok = c.Get("b")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
}

func TestLRUCacheEvictByPrefix(t *testing.T) {
	t.Parallel()

	c := newTestLRUCache(t, clockwork.NewFakeClock(), 8)

	c.Put("vendor-alpha-001", "a")
	c.Put("vendor-alpha-002", "b")
	c.Put("vendor-beta-001", "c")

	require.Equal(t, 2, c.EvictByPrefix("vendor-alpha"))
	require.Equal(t, 1, c.Len())
	_, ok := c.Get("vendor-beta-001")
	require.True(t, ok)
}

func TestLRUCacheSweep(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	c := newTestLRUCache(t, clock, 8)

	c.PutWithTTL("short", "1", time.Minute)
	c.PutWithTTL("long", "2", time.Hour)

	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, c.Sweep())
	require.Equal(t, 1, c.Len())

	_, ok := c.Get("long")
	require.True(t, ok)
}
