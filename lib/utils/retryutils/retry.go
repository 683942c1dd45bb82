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

// Package retryutils implements the retry policy applied to secret store
// calls: exponential backoff with full jitter, a bounded attempt budget and
// an error predicate deciding what is worth retrying at all.
package retryutils

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/tollgate/lib/defaults"
)

// Jitter is a function which applies random jitter to a duration. Used to
// randomize backoff values. Must be safe for concurrent usage.
type Jitter func(time.Duration) time.Duration

// NewFullJitter returns a jitter on the range [0,n). Backoff delays drawn
// from it decorrelate retrying callers completely, which is what a shared
// dependency wants after an outage.
func NewFullJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		// Values less than 1 cause the rng to panic, and some logic relies on
		// treating zero duration as the non-blocking case.
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return time.Duration(rng.Int63n(int64(d)))
	}
}

// NewSeventhJitter builds a jitter on the range [6n/7,n). Prefer it for
// periodic operations such as scheduler ticks, where a full jitter would
// noticeably distort the period.
func NewSeventhJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (6 * d / 7) + time.Duration(rng.Int63n(int64(d))/7)
	}
}

// Config configures Retry.
type Config struct {
	// MaxAttempts is the total attempt budget, the first call included.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff: the delay cap before attempt
	// n is BaseDelay * 2^(n-1).
	BaseDelay time.Duration
	// MaxDelay caps the backoff regardless of the attempt number.
	MaxDelay time.Duration
	// Jitter draws the actual delay from the backoff cap. Defaults to a full
	// jitter.
	Jitter Jitter
	// Retryable decides whether an error is worth another attempt. A nil
	// predicate retries everything.
	Retryable func(error) bool
	// Clock is the time source for backoff sleeps.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.RetryMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaults.RetryBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaults.RetryMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		return trace.BadParameter("retry max delay %v is below the base delay %v", c.MaxDelay, c.BaseDelay)
	}
	if c.Jitter == nil {
		c.Jitter = NewFullJitter()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Retry runs fn until it succeeds, the attempt budget is spent, a
// non-retryable error occurs or the context is done. The returned error is
// the one from the last attempt, or the context error if the context ended
// first.
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}

	backoffCap := cfg.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return trace.Wrap(err)
		}
		if attempt >= cfg.MaxAttempts {
			return trace.Wrap(err)
		}

		delay := cfg.Jitter(backoffCap)
		if backoffCap *= 2; backoffCap > cfg.MaxDelay {
			backoffCap = cfg.MaxDelay
		}

		select {
		case <-cfg.Clock.After(delay):
		case <-ctx.Done():
			return trace.NewAggregate(ctx.Err(), err)
		}
	}
}
