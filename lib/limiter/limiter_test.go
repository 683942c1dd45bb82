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

package limiter

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/tollgate/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

func newTestLimiter(t *testing.T, clock clockwork.Clock) *Limiter {
	t.Helper()
	l, err := New(Config{
		MaxFailures:      3,
		Window:           time.Minute,
		Backoff:          30 * time.Second,
		MaxBackoffFactor: 3,
		Clock:            clock,
	})
	require.NoError(t, err)
	return l
}

func TestLimiterTripsAfterMaxFailures(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, clock)

	require.NoError(t, l.Allow("vendor-alpha-001"))

	tripped, _ := l.RecordFailure("vendor-alpha-001")
	require.False(t, tripped)
	tripped, _ = l.RecordFailure("vendor-alpha-001")
	require.False(t, tripped)
	tripped, backoff := l.RecordFailure("vendor-alpha-001")
	require.True(t, tripped)
	require.Equal(t, 30*time.Second, backoff)

	err := l.Allow("vendor-alpha-001")
	require.Error(t, err)
	require.True(t, trace.IsLimitExceeded(err))

	// Unrelated clients are unaffected.
	require.NoError(t, l.Allow("vendor-beta-002"))

	// The backoff ends on its own, no lockout.
	clock.Advance(31 * time.Second)
	require.NoError(t, l.Allow("vendor-alpha-001"))
}

func TestLimiterBackoffDoublesPerConsecutiveTrip(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, clock)

	trip := func() time.Duration {
		t.Helper()
		for {
			tripped, backoff := l.RecordFailure("vendor-alpha-001")
			if tripped {
				return backoff
			}
		}
	}

	require.Equal(t, 30*time.Second, trip())
	clock.Advance(31 * time.Second)
	require.Equal(t, 60*time.Second, trip())
	clock.Advance(61 * time.Second)
	// The doubling caps at MaxBackoffFactor.
	require.Equal(t, 120*time.Second, trip())
	clock.Advance(121 * time.Second)
	require.Equal(t, 120*time.Second, trip())
}

func TestLimiterSuccessResets(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, clock)

	l.RecordFailure("vendor-alpha-001")
	l.RecordFailure("vendor-alpha-001")
	l.RecordSuccess("vendor-alpha-001")

	// The counter started over, the next failure is the first again.
	tripped, _ := l.RecordFailure("vendor-alpha-001")
	require.False(t, tripped)
	tripped, _ = l.RecordFailure("vendor-alpha-001")
	require.False(t, tripped)
}

func TestLimiterWindowExpiresFailures(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, clock)

	l.RecordFailure("vendor-alpha-001")
	l.RecordFailure("vendor-alpha-001")

	// Old failures roll out of the window before the third arrives.
	clock.Advance(2 * time.Minute)
	tripped, _ := l.RecordFailure("vendor-alpha-001")
	require.False(t, tripped)
}

func TestLimiterSweepDropsIdleState(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, clock)

	l.RecordFailure("vendor-alpha-001")
	for range 3 {
		l.RecordFailure("vendor-beta-002")
	}

	// The throttled client survives the sweep, the idle one does not.
	clock.Advance(2 * time.Minute)
	require.Error(t, l.Allow("vendor-beta-002"))
	require.Equal(t, 1, l.Sweep())
	require.NoError(t, l.Allow("vendor-alpha-001"))
	require.Error(t, l.Allow("vendor-beta-002"))
}

func TestTimedCounterRollingWindow(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	c := NewTimedCounter(clock, time.Minute)

	require.Equal(t, 1, c.Increment())
	clock.Advance(30 * time.Second)
	require.Equal(t, 2, c.Increment())
	clock.Advance(31 * time.Second)
	// The first event has rolled out.
	require.Equal(t, 1, c.Count())
	clock.Advance(time.Minute)
	require.Equal(t, 0, c.Count())
}
