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

package retryutils

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

// zeroJitter removes randomness and delay so attempt accounting can be
// asserted without a clock.
func zeroJitter(time.Duration) time.Duration { return 0 }

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	var calls int
	err := Retry(context.Background(), Config{
		MaxAttempts: 5,
		Jitter:      zeroJitter,
	}, func() error {
		calls++
		if calls < 3 {
			return trace.ConnectionProblem(nil, "store unreachable")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryExhaustsAttemptBudget(t *testing.T) {
	t.Parallel()

	var calls int
	err := Retry(context.Background(), Config{
		MaxAttempts: 4,
		Jitter:      zeroJitter,
	}, func() error {
		calls++
		return trace.ConnectionProblem(nil, "store unreachable")
	})
	require.Error(t, err)
	require.True(t, trace.IsConnectionProblem(err))
	require.Equal(t, 4, calls)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	t.Parallel()

	var calls int
	err := Retry(context.Background(), Config{
		MaxAttempts: 5,
		Jitter:      zeroJitter,
		Retryable:   trace.IsConnectionProblem,
	}, func() error {
		calls++
		return trace.AccessDenied("permission denied")
	})
	require.Error(t, err)
	require.True(t, trace.IsAccessDenied(err))
	require.Equal(t, 1, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Retry(ctx, Config{
		MaxAttempts: 5,
		BaseDelay:   time.Hour,
		MaxDelay:    time.Hour,
		// Identity jitter keeps the full one-hour delay so only cancellation
		// can end the wait.
		Jitter: func(d time.Duration) time.Duration { return d },
	}, func() error {
		calls++
		cancel()
		return trace.ConnectionProblem(nil, "store unreachable")
	})
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestFullJitterBounds(t *testing.T) {
	t.Parallel()

	jitter := NewFullJitter()
	require.Equal(t, time.Duration(0), jitter(0))
	for range 1000 {
		d := jitter(100 * time.Millisecond)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.Less(t, d, 100*time.Millisecond)
	}
}

func TestSeventhJitterBounds(t *testing.T) {
	t.Parallel()

	jitter := NewSeventhJitter()
	for range 1000 {
		d := jitter(70 * time.Millisecond)
		require.GreaterOrEqual(t, d, 60*time.Millisecond)
		require.Less(t, d, 70*time.Millisecond)
	}
}
