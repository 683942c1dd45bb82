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

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/tollgate/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

// The postgres backend shares the record mapping and revision contract
// tested here; it is exercised against a real database in deployment
// verification, not in unit tests.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "rotations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, sqlite.Close()) })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func testRecord(id, clientID string, state State) *Record {
	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Record{
		ID:               id,
		ClientID:         clientID,
		State:            state,
		OldVersionID:     "v1",
		NewVersionID:     "v2",
		StartedAt:        started,
		LastTransitionAt: started,
		TransitionPeriod: time.Hour,
		Reason:           "scheduled",
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	t.Parallel()

	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			record := testRecord("rot-1", "vendor-alpha-001", StateDualActive)
			require.NoError(t, backend.Create(ctx, record))
			require.Equal(t, int64(1), record.Revision)

			got, err := backend.Get(ctx, "rot-1")
			require.NoError(t, err)
			require.Equal(t, record.ID, got.ID)
			require.Equal(t, record.ClientID, got.ClientID)
			require.Equal(t, StateDualActive, got.State)
			require.Equal(t, time.Hour, got.TransitionPeriod)
			require.Equal(t, record.StartedAt, got.StartedAt)
			require.True(t, got.CompletedAt.IsZero())
			require.Equal(t, int64(1), got.Revision)

			// Duplicate IDs are refused.
			err = backend.Create(ctx, testRecord("rot-1", "vendor-alpha-001", StateDualActive))
			require.Error(t, err)
			require.True(t, trace.IsAlreadyExists(err))

			_, err = backend.Get(ctx, "rot-missing")
			require.Error(t, err)
			require.True(t, trace.IsNotFound(err))
		})
	}
}

func TestStoreOptimisticConcurrency(t *testing.T) {
	t.Parallel()

	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, backend.Create(ctx, testRecord("rot-1", "vendor-alpha-001", StateDualActive)))

			first, err := backend.Get(ctx, "rot-1")
			require.NoError(t, err)
			second, err := backend.Get(ctx, "rot-1")
			require.NoError(t, err)

			first.State = StateOldDeprecated
			first.LastTransitionAt = first.LastTransitionAt.Add(time.Minute)
			require.NoError(t, backend.Update(ctx, first))
			require.Equal(t, int64(2), first.Revision)

			// The second writer holds a stale revision and must lose.
			second.State = StateFailed
			err = backend.Update(ctx, second)
			require.Error(t, err)
			require.True(t, trace.IsCompareFailed(err))

			got, err := backend.Get(ctx, "rot-1")
			require.NoError(t, err)
			require.Equal(t, StateOldDeprecated, got.State)
		})
	}
}

func TestStoreGetActiveByClient(t *testing.T) {
	t.Parallel()

	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			done := testRecord("rot-done", "vendor-alpha-001", StateNewActive)
			done.CompletedAt = done.StartedAt.Add(2 * time.Hour)
			require.NoError(t, backend.Create(ctx, done))
			require.NoError(t, backend.Create(ctx, testRecord("rot-live", "vendor-alpha-001", StateOldDeprecated)))

			active, err := backend.GetActiveByClient(ctx, "vendor-alpha-001")
			require.NoError(t, err)
			require.Equal(t, "rot-live", active.ID)

			_, err = backend.GetActiveByClient(ctx, "vendor-beta-002")
			require.Error(t, err)
			require.True(t, trace.IsNotFound(err))
		})
	}
}

func TestStoreList(t *testing.T) {
	t.Parallel()

	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i, state := range []State{StateDualActive, StateNewActive, StateFailed, StateOldDeprecated} {
				record := testRecord(fmt.Sprintf("rot-%d", i), "vendor-alpha-001", state)
				record.StartedAt = record.StartedAt.Add(time.Duration(i) * time.Minute)
				record.LastTransitionAt = record.StartedAt
				require.NoError(t, backend.Create(ctx, record))
			}
			require.NoError(t, backend.Create(ctx, testRecord("rot-other", "vendor-beta-002", StateDualActive)))

			all, err := backend.List(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, all, 5)

			byClient, err := backend.List(ctx, Filter{ClientID: "vendor-alpha-001"})
			require.NoError(t, err)
			require.Len(t, byClient, 4)
			// Ordered oldest first.
			require.Equal(t, "rot-0", byClient[0].ID)

			nonTerminal, err := backend.List(ctx, Filter{ClientID: "vendor-alpha-001", NonTerminal: true})
			require.NoError(t, err)
			require.Len(t, nonTerminal, 2)

			failed, err := backend.List(ctx, Filter{States: []State{StateFailed}})
			require.NoError(t, err)
			require.Len(t, failed, 1)
			require.Equal(t, "rot-2", failed[0].ID)
		})
	}
}

func TestStateTerminality(t *testing.T) {
	t.Parallel()

	require.False(t, StateInitiated.Terminal())
	require.False(t, StateDualActive.Terminal())
	require.False(t, StateOldDeprecated.Terminal())
	require.True(t, StateNewActive.Terminal())
	require.True(t, StateFailed.Terminal())
	require.False(t, State("BOGUS").Valid())
}
