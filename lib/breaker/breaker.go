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

// Package breaker implements a rolling-window circuit breaker used to stop
// hammering an unhealthy dependency. A breaker starts in standby, trips
// once the configured condition holds over the tally window, rejects all
// executions while tripped, and probes the dependency at a limited rate
// during recovery before returning to standby.
package breaker

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/tollgate/lib/defaults"
)

// State represents the operating mode of a CircuitBreaker.
type State int

const (
	// StateStandby indicates the breaker is passing all requests and
	// watching for failures.
	StateStandby State = iota
	// StateTripped indicates too many failures have occurred and requests
	// are being rejected.
	StateTripped
	// StateRecovering indicates the breaker is allowing a limited number of
	// probe requests through to determine whether the dependency healed.
	StateRecovering
)

// String returns the textual representation of the state.
func (s State) String() string {
	switch s {
	case StateStandby:
		return "standby"
	case StateTripped:
		return "tripped"
	case StateRecovering:
		return "recovering"
	default:
		return "undefined"
	}
}

// ErrStateTripped is returned for every execution attempted while the
// breaker is tripped.
var ErrStateTripped = &trace.ConnectionProblemError{Message: "breaker is tripped"}

// ErrRecoveryLimitExceeded is returned for executions attempted while the
// breaker is recovering and the probe allowance is spent.
var ErrRecoveryLimitExceeded = &trace.LimitExceededError{Message: "too many requests during breaker recovery"}

// Metrics tallies execution outcomes within the current window.
type Metrics struct {
	// Executions is the number of calls that went through the breaker.
	Executions uint32
	// Successes is the number of calls deemed successful.
	Successes uint32
	// Failures is the number of calls deemed failed.
	Failures uint32
	// ConsecutiveSuccesses counts successes since the last failure.
	ConsecutiveSuccesses uint32
	// ConsecutiveFailures counts failures since the last success.
	ConsecutiveFailures uint32
}

func (m *Metrics) reset() {
	*m = Metrics{}
}

func (m *Metrics) success() {
	m.Executions++
	m.Successes++
	m.ConsecutiveSuccesses++
	m.ConsecutiveFailures = 0
}

func (m *Metrics) failure() {
	m.Executions++
	m.Failures++
	m.ConsecutiveFailures++
	m.ConsecutiveSuccesses = 0
}

// FailureRatio is the fraction of executed calls that failed in the current
// window. Zero when nothing executed.
func (m *Metrics) FailureRatio() float64 {
	if m.Executions == 0 {
		return 0
	}
	return float64(m.Failures) / float64(m.Executions)
}

// TripFn decides whether the breaker should trip based on the window
// metrics.
type TripFn = func(m Metrics) bool

// StaticTripper returns a TripFn that always returns the provided value.
// Mainly used for testing.
func StaticTripper(trip bool) TripFn {
	return func(Metrics) bool {
		return trip
	}
}

// ConsecutiveFailureTripper returns a TripFn that trips after more than
// maxConsecutiveFailures failures in a row.
func ConsecutiveFailureTripper(maxConsecutiveFailures uint32) TripFn {
	return func(m Metrics) bool {
		return m.ConsecutiveFailures > maxConsecutiveFailures
	}
}

// RatioTripper returns a TripFn that trips once the failure ratio within
// the window reaches ratio, ignoring windows with fewer than minExecutions
// calls.
func RatioTripper(ratio float64, minExecutions uint32) TripFn {
	return func(m Metrics) bool {
		if m.Executions < minExecutions {
			return false
		}
		return m.FailureRatio() >= ratio
	}
}

// IsSuccessfulFn interprets an execution outcome. It exists so callers can
// treat application-level responses (an HTTP 5xx, a vault error class) as
// failures even when no transport error occurred.
type IsSuccessfulFn = func(v interface{}, err error) bool

// Config contains configuration of a CircuitBreaker.
type Config struct {
	// Clock is used to control time, mainly for testing.
	Clock clockwork.Clock
	// Interval is the rolling window over which metrics are tallied before
	// being reset.
	Interval time.Duration
	// TrippedPeriod is how long the breaker rejects all executions after
	// tripping.
	TrippedPeriod time.Duration
	// RecoveryLimit is the number of consecutive successful probes required
	// to move from recovering back to standby.
	RecoveryLimit uint32
	// Trip decides when to transition from standby to tripped.
	Trip TripFn
	// IsSuccessful interprets execution outcomes. Defaults to err == nil.
	IsSuccessful IsSuccessfulFn
	// OnTripped is called on the transition to the tripped state.
	OnTripped func()
	// OnStandby is called on the transition back to the standby state.
	OnStandby func()
	// OnExecute is called once per Execute with the interpreted success and
	// the state the breaker was in when the call was handled. Rejected
	// calls are reported with success=false.
	OnExecute func(success bool, state State)
}

// Clone returns a copy of the Config so instrumentation wrappers can amend
// callbacks without mutating the caller's copy.
func (c Config) Clone() Config {
	return c
}

// CheckAndSetDefaults validates the config and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Trip == nil {
		return trace.BadParameter("missing parameter Trip")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Interval <= 0 {
		c.Interval = defaults.BreakerInterval
	}
	if c.TrippedPeriod <= 0 {
		c.TrippedPeriod = defaults.BreakerTrippedPeriod
	}
	if c.RecoveryLimit == 0 {
		c.RecoveryLimit = defaults.BreakerRecoveryLimit
	}
	if c.IsSuccessful == nil {
		c.IsSuccessful = func(v interface{}, err error) bool {
			return err == nil
		}
	}
	return nil
}

// DefaultConfig returns the breaker configuration the gateway applies to
// its secret store calls: trip at a 50% failure ratio over a 10 second
// window with at least 20 calls, stay tripped for 30 seconds.
func DefaultConfig(clock clockwork.Clock) Config {
	return Config{
		Clock:         clock,
		Interval:      defaults.BreakerInterval,
		TrippedPeriod: defaults.BreakerTrippedPeriod,
		RecoveryLimit: defaults.BreakerRecoveryLimit,
		Trip:          RatioTripper(defaults.BreakerRatio, defaults.BreakerRatioMinExecutions),
	}
}

// CircuitBreaker guards calls to a dependency. Use New to create one.
type CircuitBreaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	metrics    Metrics
	windowEnd  time.Time
	expiry     time.Time
	nextProbe  time.Time
	generation uint64
}

// New returns a CircuitBreaker with the provided Config.
func New(cfg Config) (*CircuitBreaker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	cb := &CircuitBreaker{cfg: cfg, state: StateStandby}
	cb.windowEnd = cfg.Clock.Now().Add(cfg.Interval)
	return cb, nil
}

// NewNoop returns a CircuitBreaker that never trips.
func NewNoop() *CircuitBreaker {
	cb, _ := New(Config{Trip: StaticTripper(false)})
	return cb
}

// State returns the current state of the breaker.
func (c *CircuitBreaker) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Execute calls f if the breaker allows it and records the outcome. The
// return value of f is passed through. Calls rejected by a tripped breaker
// return ErrStateTripped; calls beyond the probe allowance of a recovering
// breaker return ErrRecoveryLimitExceeded.
func (c *CircuitBreaker) Execute(f func() (interface{}, error)) (interface{}, error) {
	generation, state, err := c.beforeExecution()
	if err != nil {
		if c.cfg.OnExecute != nil {
			c.cfg.OnExecute(false, state)
		}
		return nil, err
	}

	v, err := f()

	success := c.cfg.IsSuccessful(v, err)
	c.afterExecution(generation, success)
	if c.cfg.OnExecute != nil {
		c.cfg.OnExecute(success, state)
	}

	return v, err
}

// beforeExecution decides whether a call may proceed, transitioning state
// if a deadline passed. It returns the breaker generation so that outcomes
// from calls that straddle a state change are not double counted.
func (c *CircuitBreaker) beforeExecution() (uint64, State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock.Now()

	switch c.state {
	case StateStandby:
		if !now.Before(c.windowEnd) {
			c.metrics.reset()
			c.windowEnd = now.Add(c.cfg.Interval)
		}
		return c.generation, c.state, nil
	case StateTripped:
		if now.Before(c.expiry) {
			return c.generation, c.state, trace.Wrap(ErrStateTripped)
		}
		c.transition(StateRecovering, now)
		fallthrough
	case StateRecovering:
		if now.Before(c.nextProbe) {
			return c.generation, c.state, trace.Wrap(ErrRecoveryLimitExceeded)
		}
		c.nextProbe = now.Add(c.probeInterval())
		return c.generation, c.state, nil
	}
	return c.generation, c.state, trace.BadParameter("breaker in undefined state %v", c.state)
}

// afterExecution records the outcome of an executed call and applies the
// trip or recovery rules.
func (c *CircuitBreaker) afterExecution(generation uint64, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation {
		// The breaker changed state while the call was in flight; its
		// outcome belongs to a window that no longer exists.
		return
	}

	now := c.cfg.Clock.Now()
	if success {
		c.metrics.success()
	} else {
		c.metrics.failure()
	}

	switch c.state {
	case StateStandby:
		if c.cfg.Trip(c.metrics) {
			c.transition(StateTripped, now)
			if c.cfg.OnTripped != nil {
				c.cfg.OnTripped()
			}
		}
	case StateRecovering:
		if !success {
			c.transition(StateTripped, now)
			if c.cfg.OnTripped != nil {
				c.cfg.OnTripped()
			}
			return
		}
		if c.metrics.ConsecutiveSuccesses >= c.cfg.RecoveryLimit {
			c.transition(StateStandby, now)
			if c.cfg.OnStandby != nil {
				c.cfg.OnStandby()
			}
		}
	}
}

// probeInterval spaces out recovery probes so a recovering breaker cannot
// pass a thundering herd through to a barely healed dependency.
func (c *CircuitBreaker) probeInterval() time.Duration {
	limit := time.Duration(c.cfg.RecoveryLimit)
	if limit < 1 {
		limit = 1
	}
	return c.cfg.TrippedPeriod / (limit + 1)
}

// setState forces the breaker into the given state. Used by tests.
func (c *CircuitBreaker) setState(s State, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transition(s, now)
}

func (c *CircuitBreaker) transition(s State, now time.Time) {
	c.state = s
	c.generation++
	c.metrics.reset()

	switch s {
	case StateStandby:
		c.windowEnd = now.Add(c.cfg.Interval)
	case StateTripped:
		c.expiry = now.Add(c.cfg.TrippedPeriod)
	case StateRecovering:
		c.nextProbe = now.Add(c.probeInterval())
	}
}
