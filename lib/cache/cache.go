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

// Package cache provides the gateway's TTL caches. Every entry carries an
// absolute expiry; an expired entry is never returned by Get, no matter how
// the sweeper is scheduled. Readers that deliberately want expired data
// (the secret store fallback path) use GetStale.
package cache

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/utils"
)

var (
	cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Cache reads served from a live entry.",
	}, []string{"cache"})

	cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Cache reads that found no live entry.",
	}, []string{"cache"})

	cacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries removed by expiry, explicit eviction or size pressure.",
	}, []string{"cache"})

	cacheSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Entries currently held, including not yet swept expired ones.",
	}, []string{"cache"})
)

var registerOnce sync.Once

func ensureRegistered() {
	registerOnce.Do(func() {
		// Registration errors mean a metric name clash inside this package,
		// surface loudly.
		if err := utils.RegisterPrometheusCollectors(cacheHits, cacheMisses, cacheEvictions, cacheSize); err != nil {
			panic(err)
		}
	})
}

type entry[V any] struct {
	value   V
	expires time.Time
}

// live reports whether the entry is usable at the given instant. Expiry is
// exclusive: an entry read exactly at its expiry time is already dead.
func (e entry[V]) live(now time.Time) bool {
	return now.Before(e.expires)
}

type counters struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCounters(name string) counters {
	ensureRegistered()
	return counters{
		hits:      cacheHits.WithLabelValues(name),
		misses:    cacheMisses.WithLabelValues(name),
		evictions: cacheEvictions.WithLabelValues(name),
		size:      cacheSize.WithLabelValues(name),
	}
}

// Expiry computes the absolute expiry for a TTL on the supplied clock.
func Expiry(clock clockwork.Clock, ttl time.Duration) time.Time {
	return clock.Now().Add(ttl)
}
