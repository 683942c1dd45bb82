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

package rotation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/tollgate/lib/audit"
	"github.com/gravitational/tollgate/lib/rotation/store"
)

func newTestScheduler(t *testing.T, tc *testCoordinator, usageGrace time.Duration) (*Scheduler, *UsageTracker) {
	t.Helper()

	usage := NewUsageTracker(tc.clock)
	scheduler, err := NewScheduler(SchedulerConfig{
		Coordinator:     tc.coordinator,
		Usage:           usage,
		CheckInterval:   time.Minute,
		UsageGrace:      usageGrace,
		StuckMultiplier: 4,
		Emitter:         tc.recorder,
		Clock:           tc.clock,
	})
	require.NoError(t, err)
	return scheduler, usage
}

func (tc *testCoordinator) state(t *testing.T, rotationID string) store.State {
	t.Helper()
	record, err := tc.coordinator.GetStatus(context.Background(), rotationID)
	require.NoError(t, err)
	return record.State
}

func TestSchedulerDeprecatesAfterTransitionPeriod(t *testing.T) {
	t.Parallel()
	tc := newTestCoordinator(t)
	tc.seedClient(t)
	scheduler, _ := newTestScheduler(t, tc, 10*time.Minute)
	ctx := context.Background()

	result, err := tc.coordinator.Initiate(ctx, InitiateParams{ClientID: testClientID})
	require.NoError(t, err)
	_, err = tc.coordinator.Activate(ctx, result.Record.ID)
	require.NoError(t, err)

	// Inside the transition period nothing moves.
	tc.clock.Advance(30 * time.Minute)
	require.NoError(t, scheduler.CheckProgress(ctx))
	require.Equal(t, store.StateDualActive, tc.state(t, result.Record.ID))

	tc.clock.Advance(31 * time.Minute)
	require.NoError(t, scheduler.CheckProgress(ctx))
	require.Equal(t, store.StateOldDeprecated, tc.state(t, result.Record.ID))
}

func TestSchedulerCompletesUnusedRotation(t *testing.T) {
	t.Parallel()
	tc := newTestCoordinator(t)
	tc.seedClient(t)
	scheduler, _ := newTestScheduler(t, tc, 10*time.Minute)
	ctx := context.Background()

	result, err := tc.coordinator.Initiate(ctx, InitiateParams{ClientID: testClientID})
	require.NoError(t, err)
	_, err = tc.coordinator.Activate(ctx, result.Record.ID)
	require.NoError(t, err)
	_, err = tc.coordinator.DeprecateOld(ctx, result.Record.ID)
	require.NoError(t, err)

	// The usage grace must fully elapse before auto-completion.
	tc.clock.Advance(5 * time.Minute)
	require.NoError(t, scheduler.CheckProgress(ctx))
	require.Equal(t, store.StateOldDeprecated, tc.state(t, result.Record.ID))

	tc.clock.Advance(6 * time.Minute)
	require.NoError(t, scheduler.CheckProgress(ctx))
	require.Equal(t, store.StateNewActive, tc.state(t, result.Record.ID))
	require.Equal(t, []string{testClientID}, tc.invalidated.seen())
}

func TestSchedulerHoldsRotationWhileOldVersionUsed(t *testing.T) {
	t.Parallel()
	tc := newTestCoordinator(t)
	oldVersion := tc.seedClient(t)
	scheduler, usage := newTestScheduler(t, tc, 10*time.Minute)
	ctx := context.Background()

	result, err := tc.coordinator.Initiate(ctx, InitiateParams{ClientID: testClientID})
	require.NoError(t, err)
	_, err = tc.coordinator.Activate(ctx, result.Record.ID)
	require.NoError(t, err)
	_, err = tc.coordinator.DeprecateOld(ctx, result.Record.ID)
	require.NoError(t, err)

	// A vendor keeps authenticating with the old secret.
	tc.clock.Advance(8 * time.Minute)
	usage.RecordUse(testClientID, oldVersion)

	tc.clock.Advance(3 * time.Minute)
	require.NoError(t, scheduler.CheckProgress(ctx))
	require.Equal(t, store.StateOldDeprecated, tc.state(t, result.Record.ID))
	require.NotEmpty(t, tc.recorder.Find(audit.RotationExtended))

	// Once the old version has gone quiet for the usage grace, the
	// rotation completes.
	tc.clock.Advance(11 * time.Minute)
	require.NoError(t, scheduler.CheckProgress(ctx))
	require.Equal(t, store.StateNewActive, tc.state(t, result.Record.ID))

	// Terminal rotations drop their usage state.
	_, tracked := usage.LastUse(testClientID, oldVersion)
	require.False(t, tracked)
}

func TestSchedulerFailsStuckRotation(t *testing.T) {
	t.Parallel()
	tc := newTestCoordinator(t)
	tc.seedClient(t)
	scheduler, _ := newTestScheduler(t, tc, 10*time.Minute)
	ctx := context.Background()

	result, err := tc.coordinator.Initiate(ctx, InitiateParams{ClientID: testClientID})
	require.NoError(t, err)

	// Never activated: after four transition periods the rotation is declared
	// dead.
	tc.clock.Advance(4 * time.Hour)
	require.NoError(t, scheduler.CheckProgress(ctx))

	record, err := tc.coordinator.GetStatus(ctx, result.Record.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateFailed, record.State)
	require.Equal(t, "no progress, rotation timed out", record.FailureReason)
	require.NotEmpty(t, tc.recorder.Find(audit.RotationFailed))
}
