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
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS rotations (
	rotation_id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	state TEXT NOT NULL,
	old_version_id TEXT NOT NULL DEFAULT '',
	new_version_id TEXT NOT NULL,
	started_at BIGINT NOT NULL,
	completed_at BIGINT NOT NULL DEFAULT 0,
	last_transition_at BIGINT NOT NULL,
	transition_period_seconds BIGINT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	rolled_back BOOLEAN NOT NULL DEFAULT FALSE,
	revision BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS rotations_client_state ON rotations (client_id, state);
`

// PostgresStore persists rotation records in PostgreSQL for deployments
// running more than one gateway instance. The revision column carries the
// optimistic concurrency contract across instances.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, trace.BadParameter("missing postgres connection string")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, trace.Wrap(convertPGError(err))
	}
	return &PostgresStore{pool: pool}, nil
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, record *Record) error {
	if err := record.Check(); err != nil {
		return trace.Wrap(err)
	}
	record.Revision = 1
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rotations (
			rotation_id, client_id, state, old_version_id, new_version_id,
			started_at, completed_at, last_transition_at, transition_period_seconds,
			reason, failure_reason, rolled_back, revision
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		record.ID, record.ClientID, string(record.State), record.OldVersionID, record.NewVersionID,
		record.StartedAt.Unix(), unixOrZero(record.CompletedAt), record.LastTransitionAt.Unix(),
		int64(record.TransitionPeriod/time.Second),
		record.Reason, record.FailureReason, record.RolledBack, record.Revision,
	)
	if err != nil {
		err = convertPGError(err)
		if trace.IsAlreadyExists(err) {
			return trace.AlreadyExists("rotation %q already exists", record.ID)
		}
		return trace.Wrap(err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, rotationID string) (*Record, error) {
	row := s.pool.QueryRow(ctx, selectColumns+` FROM rotations WHERE rotation_id = $1`, rotationID)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("rotation %q not found", rotationID)
		}
		return nil, trace.Wrap(convertPGError(err))
	}
	return record, nil
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, record *Record) error {
	if err := record.Check(); err != nil {
		return trace.Wrap(err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE rotations SET
			state = $1, old_version_id = $2, new_version_id = $3,
			completed_at = $4, last_transition_at = $5, transition_period_seconds = $6,
			reason = $7, failure_reason = $8, rolled_back = $9, revision = revision + 1
		WHERE rotation_id = $10 AND revision = $11`,
		string(record.State), record.OldVersionID, record.NewVersionID,
		unixOrZero(record.CompletedAt), record.LastTransitionAt.Unix(),
		int64(record.TransitionPeriod/time.Second),
		record.Reason, record.FailureReason, record.RolledBack,
		record.ID, record.Revision,
	)
	if err != nil {
		return trace.Wrap(convertPGError(err))
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, record.ID); err != nil {
			return trace.Wrap(err)
		}
		return trace.CompareFailed("rotation %q was concurrently modified", record.ID)
	}
	record.Revision++
	return nil
}

// GetActiveByClient implements Store.
func (s *PostgresStore) GetActiveByClient(ctx context.Context, clientID string) (*Record, error) {
	row := s.pool.QueryRow(ctx,
		selectColumns+` FROM rotations WHERE client_id = $1 AND state NOT IN ($2, $3) LIMIT 1`,
		clientID, string(StateNewActive), string(StateFailed))
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("no active rotation for client %q", clientID)
		}
		return nil, trace.Wrap(convertPGError(err))
	}
	return record, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, selectColumns+` FROM rotations ORDER BY started_at ASC`)
	if err != nil {
		return nil, trace.Wrap(convertPGError(err))
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, trace.Wrap(convertPGError(err))
		}
		if filter.matches(record) {
			out = append(out, record)
		}
	}
	return out, trace.Wrap(convertPGError(rows.Err()))
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// convertPGError maps driver errors onto the gateway taxonomy: unique
// violations become AlreadyExists, connectivity failures become
// ConnectionProblem.
func convertPGError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 23505 is unique_violation.
		if pgErr.Code == "23505" {
			return trace.AlreadyExists("record already exists")
		}
		return trace.Wrap(err)
	}
	if pgconn.Timeout(err) {
		return trace.ConnectionProblem(err, "rotation store timed out")
	}
	return trace.Wrap(err)
}
