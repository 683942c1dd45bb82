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
	"database/sql"
	"errors"
	"time"

	"github.com/gravitational/trace"
	sqlite3 "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rotations (
	rotation_id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	state TEXT NOT NULL,
	old_version_id TEXT NOT NULL DEFAULT '',
	new_version_id TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	completed_at INTEGER NOT NULL DEFAULT 0,
	last_transition_at INTEGER NOT NULL,
	transition_period_seconds INTEGER NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	rolled_back INTEGER NOT NULL DEFAULT 0,
	revision INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS rotations_client_state ON rotations (client_id, state);
`

// SQLiteStore persists rotation records in an embedded sqlite database, the
// default for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, trace.BadParameter("missing sqlite database path")
	}
	// The busy timeout makes concurrent writers queue instead of failing
	// with SQLITE_BUSY.
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return &SQLiteStore{db: db}, nil
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, record *Record) error {
	if err := record.Check(); err != nil {
		return trace.Wrap(err)
	}
	record.Revision = 1
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rotations (
			rotation_id, client_id, state, old_version_id, new_version_id,
			started_at, completed_at, last_transition_at, transition_period_seconds,
			reason, failure_reason, rolled_back, revision
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.ClientID, string(record.State), record.OldVersionID, record.NewVersionID,
		record.StartedAt.Unix(), unixOrZero(record.CompletedAt), record.LastTransitionAt.Unix(),
		int64(record.TransitionPeriod/time.Second),
		record.Reason, record.FailureReason, boolToInt(record.RolledBack), record.Revision,
	)
	if err != nil {
		if isSQLiteConstraintErr(err) {
			return trace.AlreadyExists("rotation %q already exists", record.ID)
		}
		return trace.Wrap(err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, rotationID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM rotations WHERE rotation_id = ?`, rotationID)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("rotation %q not found", rotationID)
		}
		return nil, trace.Wrap(err)
	}
	return record, nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, record *Record) error {
	if err := record.Check(); err != nil {
		return trace.Wrap(err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE rotations SET
			state = ?, old_version_id = ?, new_version_id = ?,
			completed_at = ?, last_transition_at = ?, transition_period_seconds = ?,
			reason = ?, failure_reason = ?, rolled_back = ?, revision = revision + 1
		WHERE rotation_id = ? AND revision = ?`,
		string(record.State), record.OldVersionID, record.NewVersionID,
		unixOrZero(record.CompletedAt), record.LastTransitionAt.Unix(),
		int64(record.TransitionPeriod/time.Second),
		record.Reason, record.FailureReason, boolToInt(record.RolledBack),
		record.ID, record.Revision,
	)
	if err != nil {
		return trace.Wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, record.ID); err != nil {
			return trace.Wrap(err)
		}
		return trace.CompareFailed("rotation %q was concurrently modified", record.ID)
	}
	record.Revision++
	return nil
}

// GetActiveByClient implements Store.
func (s *SQLiteStore) GetActiveByClient(ctx context.Context, clientID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+` FROM rotations WHERE client_id = ? AND state NOT IN (?, ?) LIMIT 1`,
		clientID, string(StateNewActive), string(StateFailed))
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("no active rotation for client %q", clientID)
		}
		return nil, trace.Wrap(err)
	}
	return record, nil
}

// List implements Store. Filtering happens in memory; the rotation table is
// small (one row per rotation, bounded by operational activity).
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` FROM rotations ORDER BY started_at ASC`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if filter.matches(record) {
			out = append(out, record)
		}
	}
	return out, trace.Wrap(rows.Err())
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return trace.Wrap(s.db.Close())
}

const selectColumns = `
	SELECT rotation_id, client_id, state, old_version_id, new_version_id,
		started_at, completed_at, last_transition_at, transition_period_seconds,
		reason, failure_reason, rolled_back, revision`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var record Record
	var state string
	var startedAt, completedAt, lastTransitionAt, transitionSeconds int64
	var rolledBack int
	if err := row.Scan(
		&record.ID, &record.ClientID, &state, &record.OldVersionID, &record.NewVersionID,
		&startedAt, &completedAt, &lastTransitionAt, &transitionSeconds,
		&record.Reason, &record.FailureReason, &rolledBack, &record.Revision,
	); err != nil {
		return nil, err
	}
	record.State = State(state)
	record.StartedAt = time.Unix(startedAt, 0).UTC()
	if completedAt != 0 {
		record.CompletedAt = time.Unix(completedAt, 0).UTC()
	}
	record.LastTransitionAt = time.Unix(lastTransitionAt, 0).UTC()
	record.TransitionPeriod = time.Duration(transitionSeconds) * time.Second
	record.RolledBack = rolledBack != 0
	return &record, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isSQLiteConstraintErr detects a primary key violation.
func isSQLiteConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
