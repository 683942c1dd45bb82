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

// Package store persists rotation records. Three backends share one
// contract: writes are check-and-set on the record's version counter, so
// two coordinators can never both advance the same rotation.
package store

import (
	"context"
	"time"

	"github.com/gravitational/trace"
)

// State is the lifecycle state of a rotation.
type State string

const (
	// StateInitiated means the new credential version is staged in the
	// secret store but does not authenticate yet.
	StateInitiated State = "INITIATED"
	// StateDualActive means old and new versions both authenticate.
	StateDualActive State = "DUAL_ACTIVE"
	// StateOldDeprecated means the old version only authenticates until its
	// transition deadline.
	StateOldDeprecated State = "OLD_DEPRECATED"
	// StateNewActive means the rotation completed; only the new version
	// authenticates. Terminal.
	StateNewActive State = "NEW_ACTIVE"
	// StateFailed means the rotation was aborted or broke down. Terminal,
	// but eligible for rollback cleanup.
	StateFailed State = "FAILED"
)

// Valid reports whether the state is one of the defined states.
func (s State) Valid() bool {
	switch s {
	case StateInitiated, StateDualActive, StateOldDeprecated, StateNewActive, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether the state ends the rotation.
func (s State) Terminal() bool {
	return s == StateNewActive || s == StateFailed
}

// Record is one rotation of one client's credential.
type Record struct {
	// ID names the rotation.
	ID string `json:"rotationId"`
	// ClientID is the client whose credential rotates.
	ClientID string `json:"clientId"`
	// State is the current lifecycle state.
	State State `json:"state"`
	// OldVersionID is the credential version being replaced.
	OldVersionID string `json:"oldVersionId"`
	// NewVersionID is the replacement credential version.
	NewVersionID string `json:"newVersionId"`
	// StartedAt is when the rotation was initiated.
	StartedAt time.Time `json:"startedAt"`
	// CompletedAt is when the rotation reached a terminal state.
	CompletedAt time.Time `json:"completedAt,omitzero"`
	// LastTransitionAt is when the state last changed. Drives the stuck
	// detection in the scheduler.
	LastTransitionAt time.Time `json:"lastTransitionAt"`
	// TransitionPeriod is how long both versions stay accepted in DUAL_ACTIVE
	// before the scheduler deprecates the old one.
	TransitionPeriod time.Duration `json:"transitionPeriodSeconds"`
	// Reason is the operator-supplied motivation for the rotation.
	Reason string `json:"reason,omitempty"`
	// FailureReason explains a FAILED state.
	FailureReason string `json:"failureReason,omitempty"`
	// RolledBack marks a FAILED rotation whose cleanup restored the old
	// version.
	RolledBack bool `json:"rolledBack,omitempty"`
	// Revision is the optimistic concurrency counter. Every successful
	// Update increments it; an Update against a stale revision fails with
	// CompareFailed.
	Revision int64 `json:"revision"`
}

// Check validates the record.
func (r *Record) Check() error {
	if r.ID == "" {
		return trace.BadParameter("missing rotation id")
	}
	if r.ClientID == "" {
		return trace.BadParameter("missing client id")
	}
	if !r.State.Valid() {
		return trace.BadParameter("unknown rotation state %q", r.State)
	}
	if r.NewVersionID == "" {
		return trace.BadParameter("missing new version id")
	}
	if r.StartedAt.IsZero() {
		return trace.BadParameter("missing rotation start time")
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	return &out
}

// Filter selects rotation records in List.
type Filter struct {
	// ClientID, when set, limits results to one client.
	ClientID string
	// States, when non-empty, limits results to these states.
	States []State
	// NonTerminal, when true, limits results to rotations still in flight.
	NonTerminal bool
}

func (f Filter) matches(r *Record) bool {
	if f.ClientID != "" && r.ClientID != f.ClientID {
		return false
	}
	if f.NonTerminal && r.State.Terminal() {
		return false
	}
	if len(f.States) > 0 {
		var found bool
		for _, s := range f.States {
			if r.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Store persists rotation records.
type Store interface {
	// Create persists a new record, setting its revision to 1. An existing
	// rotation ID yields AlreadyExists.
	Create(ctx context.Context, record *Record) error

	// Get returns the record by rotation ID, NotFound if absent.
	Get(ctx context.Context, rotationID string) (*Record, error)

	// Update persists the record if its revision still matches the stored
	// one, then increments the revision on the passed record. A stale
	// revision yields CompareFailed.
	Update(ctx context.Context, record *Record) error

	// GetActiveByClient returns the client's non-terminal rotation,
	// NotFound if there is none.
	GetActiveByClient(ctx context.Context, clientID string) (*Record, error)

	// List returns records matching the filter ordered by start time,
	// oldest first.
	List(ctx context.Context, filter Filter) ([]*Record, error)

	// Close releases the backend resources.
	Close() error
}
