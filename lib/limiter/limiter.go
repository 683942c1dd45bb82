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

// Package limiter throttles repeated authentication failures per client.
// Enough failures inside a rolling window put the client into backoff; the
// backoff doubles on every consecutive trip so a brute-force loop slows down
// exponentially while a vendor with a mistyped secret recovers quickly. The
// limiter throttles, it never locks out: every backoff ends on its own.
package limiter

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/defaults"
	"github.com/gravitational/tollgate/lib/utils"
)

var (
	limiterThrottles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "limiter",
		Name:      "throttles_total",
		Help:      "Clients put into failed-authentication backoff.",
	})

	limiterRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "limiter",
		Name:      "rejections_total",
		Help:      "Authentication attempts rejected while a client was in backoff.",
	})

	registerOnce sync.Once
)

func ensureRegistered() {
	registerOnce.Do(func() {
		if err := utils.RegisterPrometheusCollectors(limiterThrottles, limiterRejections); err != nil {
			panic(err)
		}
	})
}

// TimedCounter counts events over a rolling window, expiring old events so
// they no longer contribute. Not safe for concurrent use; the limiter holds
// its lock around every access.
type TimedCounter struct {
	clock   clockwork.Clock
	timeout time.Duration
	events  []time.Time
}

// NewTimedCounter creates a counter with the given window.
func NewTimedCounter(clock clockwork.Clock, timeout time.Duration) *TimedCounter {
	return &TimedCounter{clock: clock, timeout: timeout}
}

// Increment records an event and returns the current in-window count.
func (c *TimedCounter) Increment() int {
	c.trim()
	c.events = append(c.events, c.clock.Now())
	return len(c.events)
}

// Count returns the number of events inside the window.
func (c *TimedCounter) Count() int {
	c.trim()
	return len(c.events)
}

func (c *TimedCounter) trim() {
	deadline := c.clock.Now().Add(-c.timeout)
	lastExpired := -1
	for i := range c.events {
		if c.events[i].After(deadline) {
			break
		}
		lastExpired = i
	}
	if lastExpired > -1 {
		c.events = c.events[lastExpired+1:]
	}
}

// Config configures a Limiter.
type Config struct {
	// MaxFailures is the in-window failure count that trips the backoff.
	MaxFailures int
	// Window is the rolling window for failure accounting.
	Window time.Duration
	// Backoff is the initial throttle period.
	Backoff time.Duration
	// MaxBackoffFactor caps the doubling of the backoff on consecutive
	// trips.
	MaxBackoffFactor int
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.MaxFailures <= 0 {
		c.MaxFailures = defaults.LimiterMaxFailures
	}
	if c.Window <= 0 {
		c.Window = defaults.LimiterWindow
	}
	if c.Backoff <= 0 {
		c.Backoff = defaults.LimiterBackoff
	}
	if c.MaxBackoffFactor <= 0 {
		c.MaxBackoffFactor = defaults.LimiterMaxBackoffFactor
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type clientState struct {
	failures *TimedCounter
	// backoffUntil is when the current throttle ends. Zero when the client
	// is not throttled.
	backoffUntil time.Time
	// trips counts consecutive throttles; it drives the backoff doubling
	// and resets on the first success.
	trips int
	// lastSeen drives idle-state garbage collection.
	lastSeen time.Time
}

// Limiter tracks authentication failures per key. Keys are client IDs for
// known clients; callers should funnel unknown-client failures into shared
// bucket keys so enumeration sweeps are throttled too.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	clients map[string]*clientState
}

// New creates a Limiter from the config.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureRegistered()
	return &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
	}, nil
}

// Allow reports whether an authentication attempt for key may proceed. A
// throttled key yields a LimitExceeded error carrying the remaining backoff.
func (l *Limiter) Allow(key string) error {
	now := l.cfg.Clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.clients[key]
	if !ok {
		return nil
	}
	state.lastSeen = now
	if state.backoffUntil.After(now) {
		limiterRejections.Inc()
		return trace.LimitExceeded("too many failed authentication attempts, retry after %v",
			state.backoffUntil.Sub(now).Round(time.Second))
	}
	return nil
}

// RecordFailure accounts a failed authentication for key. It returns true
// together with the backoff duration when this failure tripped the
// throttle.
func (l *Limiter) RecordFailure(key string) (bool, time.Duration) {
	now := l.cfg.Clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.clients[key]
	if !ok {
		state = &clientState{failures: NewTimedCounter(l.cfg.Clock, l.cfg.Window)}
		l.clients[key] = state
	}
	state.lastSeen = now

	if state.failures.Increment() < l.cfg.MaxFailures || state.backoffUntil.After(now) {
		return false, 0
	}

	backoff := l.cfg.Backoff
	for i := 0; i < state.trips && i < l.cfg.MaxBackoffFactor-1; i++ {
		backoff *= 2
	}
	state.trips++
	state.backoffUntil = now.Add(backoff)
	// A fresh window after the trip: failures during the backoff do not
	// immediately re-trip once it ends.
	state.failures = NewTimedCounter(l.cfg.Clock, l.cfg.Window)

	limiterThrottles.Inc()
	return true, backoff
}

// RecordSuccess clears the failure history of key.
func (l *Limiter) RecordSuccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, key)
}

// Sweep drops state for keys idle longer than the window and out of
// backoff, returning the number removed.
func (l *Limiter) Sweep() int {
	now := l.cfg.Clock.Now()
	var swept int

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, state := range l.clients {
		if state.backoffUntil.After(now) {
			continue
		}
		if now.Sub(state.lastSeen) > l.cfg.Window {
			delete(l.clients, key)
			swept++
		}
	}
	return swept
}
