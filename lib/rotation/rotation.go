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

// Package rotation implements zero-downtime credential rotation. The
// Coordinator drives each rotation through INITIATED, DUAL_ACTIVE,
// OLD_DEPRECATED and NEW_ACTIVE; any non-terminal state can drop to FAILED,
// and FAILED supports rollback. Every transition is persisted to the
// rotation store before the corresponding secret store write changes what
// the authentication path accepts.
package rotation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/audit"
	"github.com/gravitational/tollgate/lib/credentials"
	"github.com/gravitational/tollgate/lib/defaults"
	"github.com/gravitational/tollgate/lib/httplib"
	"github.com/gravitational/tollgate/lib/rotation/store"
	"github.com/gravitational/tollgate/lib/utils"
	logutils "github.com/gravitational/tollgate/lib/utils/log"
	"github.com/gravitational/tollgate/lib/vault"
)

var logger = logutils.NewPackageLogger(tollgate.ComponentKey, tollgate.ComponentRotation)

// secretEntropyBytes is how much entropy goes into a generated client
// secret. 24 bytes encode to a 48 character hex string.
const secretEntropyBytes = 24

// TokenInvalidator drops cached and outstanding bearer tokens of a client
// after its credential set changed.
type TokenInvalidator interface {
	InvalidateClientTokens(clientID string)
}

// TokenInvalidatorFunc adapts a function to TokenInvalidator.
type TokenInvalidatorFunc func(clientID string)

// InvalidateClientTokens implements TokenInvalidator.
func (f TokenInvalidatorFunc) InvalidateClientTokens(clientID string) {
	f(clientID)
}

type noopInvalidator struct{}

func (noopInvalidator) InvalidateClientTokens(string) {}

// Config configures the Coordinator.
type Config struct {
	// Records persists rotation state.
	Records store.Store
	// Secrets is the credential store, normally the resilient vault client.
	Secrets vault.SecretStore
	// Invalidator is called when outstanding tokens of a client must stop
	// working. Optional.
	Invalidator TokenInvalidator
	// Emitter records rotation audit events.
	Emitter audit.Emitter
	// Clock is the time source.
	Clock clockwork.Clock
	// TransitionPeriod is the default DUAL_ACTIVE window for rotations that do
	// not specify one.
	TransitionPeriod time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Records == nil {
		return trace.BadParameter("missing rotation store")
	}
	if c.Secrets == nil {
		return trace.BadParameter("missing secret store")
	}
	if c.Invalidator == nil {
		c.Invalidator = noopInvalidator{}
	}
	if c.Emitter == nil {
		c.Emitter = audit.DiscardEmitter{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TransitionPeriod <= 0 {
		c.TransitionPeriod = defaults.RotationTransitionPeriod
	}
	return nil
}

// Coordinator drives credential rotations through their state machine.
type Coordinator struct {
	cfg Config
}

// NewCoordinator creates a Coordinator from the config.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureRegistered()
	return &Coordinator{cfg: cfg}, nil
}

// nextState is the legal forward transition from each non-terminal state.
// FAILED is reachable from any non-terminal state and handled separately.
var nextState = map[store.State]store.State{
	store.StateInitiated:     store.StateDualActive,
	store.StateDualActive:    store.StateOldDeprecated,
	store.StateOldDeprecated: store.StateNewActive,
}

// InitiateParams are the arguments of Initiate.
type InitiateParams struct {
	// ClientID is the client whose credential rotates.
	ClientID string
	// TransitionPeriod overrides the default DUAL_ACTIVE window.
	TransitionPeriod time.Duration
	// Reason is recorded on the rotation.
	Reason string
	// Force fails an existing in-flight rotation instead of refusing to
	// start. The superseded rotation stays eligible for rollback cleanup.
	Force bool
}

// InitiateResult is what Initiate returns.
type InitiateResult struct {
	// Record is the created rotation.
	Record *store.Record
	// Secret is the plaintext of the new credential version. It is returned
	// exactly once and stored nowhere; only its hash reaches the secret
	// store.
	Secret string
}

// Initiate starts a rotation: it generates a fresh secret, persists an
// INITIATED record and stages the hashed version in the secret store. The
// staged version does not authenticate until Activate.
func (c *Coordinator) Initiate(ctx context.Context, params InitiateParams) (*InitiateResult, error) {
	if params.ClientID == "" {
		return nil, trace.BadParameter("missing client id")
	}
	if params.TransitionPeriod < 0 {
		return nil, trace.BadParameter("transition period must not be negative")
	}
	period := params.TransitionPeriod
	if period == 0 {
		period = c.cfg.TransitionPeriod
	}

	existing, err := c.cfg.Records.GetActiveByClient(ctx, params.ClientID)
	switch {
	case err == nil && !params.Force:
		return nil, httplib.NewError(httplib.CodeRotationInProgress,
			trace.AlreadyExists("rotation %q is already in progress for this client", existing.ID))
	case err == nil:
		c.fail(ctx, existing, "superseded by forced rotation")
	case !trace.IsNotFound(err):
		return nil, trace.Wrap(err)
	}

	c.evictCredential(params.ClientID)
	cred, err := c.cfg.Secrets.GetCredential(ctx, params.ClientID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cred.Stale {
		return nil, trace.ConnectionProblem(nil, "secret store is unavailable, refusing to rotate on cached credentials")
	}

	now := c.cfg.Clock.Now().UTC()
	if len(cred.MatchableVersions(now)) >= defaults.RotationMaxActiveVersions {
		return nil, trace.AlreadyExists("client already has %d matchable credential versions, complete or roll back the previous rotation first",
			defaults.RotationMaxActiveVersions)
	}

	secret, err := utils.CryptoRandomHex(secretEntropyBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	hash, err := credentials.HashSecret(secret)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var oldID string
	if active := cred.ActiveVersion(); active != nil {
		oldID = active.ID
	}
	record := &store.Record{
		ID:               uuid.NewString(),
		ClientID:         params.ClientID,
		State:            store.StateInitiated,
		OldVersionID:     oldID,
		NewVersionID:     uuid.NewString(),
		StartedAt:        now,
		LastTransitionAt: now,
		TransitionPeriod: period,
		Reason:           params.Reason,
	}
	if err := c.cfg.Records.Create(ctx, record); err != nil {
		return nil, trace.Wrap(err)
	}

	version := credentials.CredentialVersion{
		ID:         record.NewVersionID,
		SecretHash: hash,
		Status:     credentials.StatusStaged,
		CreatedAt:  now,
	}
	if err := c.cfg.Secrets.PutCredentialVersion(ctx, params.ClientID, version); err != nil {
		c.fail(ctx, record, "staging the new credential version failed")
		return nil, trace.Wrap(err)
	}
	// Re-read so the check-and-set write below sees the store version the
	// staging write produced.
	cred, err = c.cfg.Secrets.GetCredential(ctx, params.ClientID)
	if err != nil {
		c.fail(ctx, record, "re-reading the credential envelope failed")
		return nil, trace.Wrap(err)
	}
	if cred.Version(version.ID) == nil {
		cred.Versions = append(cred.Versions, version)
	}
	cred.RotationID = record.ID
	if err := c.cfg.Secrets.PutCredential(ctx, cred); err != nil {
		c.fail(ctx, record, "updating the credential envelope failed")
		return nil, trace.Wrap(err)
	}

	c.observeTransition(ctx, record)
	return &InitiateResult{Record: record, Secret: secret}, nil
}

// Activate moves an INITIATED rotation to DUAL_ACTIVE: the staged version
// becomes ACTIVE and both old and new secrets authenticate.
func (c *Coordinator) Activate(ctx context.Context, rotationID string) (*store.Record, error) {
	record, err := c.advance(ctx, rotationID, store.StateDualActive, func(ctx context.Context, record *store.Record) error {
		return trace.Wrap(c.cfg.Secrets.UpdateVersionStatus(ctx,
			record.ClientID, record.NewVersionID, credentials.StatusActive, time.Time{}))
	})
	return record, trace.Wrap(err)
}

// DeprecateOld moves a DUAL_ACTIVE rotation to OLD_DEPRECATED: the old
// version keeps authenticating only until its transition deadline.
func (c *Coordinator) DeprecateOld(ctx context.Context, rotationID string) (*store.Record, error) {
	record, err := c.advance(ctx, rotationID, store.StateOldDeprecated, func(ctx context.Context, record *store.Record) error {
		if record.OldVersionID == "" {
			return nil
		}
		deadline := c.cfg.Clock.Now().UTC().Add(record.TransitionPeriod)
		return trace.Wrap(c.cfg.Secrets.UpdateVersionStatus(ctx,
			record.ClientID, record.OldVersionID, credentials.StatusDeprecated, deadline))
	})
	return record, trace.Wrap(err)
}

// Advance performs one forward transition to the requested target state.
// The state machine decides legality; an unreachable or unknown target is an
// INVALID_STATE_TRANSITION.
func (c *Coordinator) Advance(ctx context.Context, rotationID string, target store.State) (*store.Record, error) {
	switch target {
	case store.StateDualActive:
		record, err := c.Activate(ctx, rotationID)
		return record, trace.Wrap(err)
	case store.StateOldDeprecated:
		record, err := c.DeprecateOld(ctx, rotationID)
		return record, trace.Wrap(err)
	case store.StateNewActive:
		record, err := c.finalize(ctx, rotationID)
		return record, trace.Wrap(err)
	default:
		return nil, httplib.NewError(httplib.CodeInvalidStateTransition,
			trace.BadParameter("%q is not a rotation state an operator can advance to", target))
	}
}

// Complete advances a rotation through every remaining state in one call:
// INITIATED activates, DUAL_ACTIVE deprecates and OLD_DEPRECATED finalizes,
// until the rotation is NEW_ACTIVE. Used when usage metrics already confirm
// the old version is out of circulation.
func (c *Coordinator) Complete(ctx context.Context, rotationID string) (*store.Record, error) {
	record, err := c.getRecord(ctx, rotationID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for {
		switch record.State {
		case store.StateInitiated:
			record, err = c.Activate(ctx, rotationID)
		case store.StateDualActive:
			record, err = c.DeprecateOld(ctx, rotationID)
		case store.StateOldDeprecated:
			record, err = c.finalize(ctx, rotationID)
		default:
			return nil, httplib.NewError(httplib.CodeInvalidStateTransition,
				trace.CompareFailed("rotation %q is %s and cannot complete", rotationID, record.State))
		}
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if record.State == store.StateNewActive {
			return record, nil
		}
	}
}

// finalize moves an OLD_DEPRECATED rotation to NEW_ACTIVE: the old version
// is disabled for good and outstanding tokens of the client are invalidated
// so nothing obtained with the old secret outlives it.
func (c *Coordinator) finalize(ctx context.Context, rotationID string) (*store.Record, error) {
	record, err := c.advance(ctx, rotationID, store.StateNewActive, func(ctx context.Context, record *store.Record) error {
		if record.OldVersionID != "" {
			if err := c.cfg.Secrets.UpdateVersionStatus(ctx,
				record.ClientID, record.OldVersionID, credentials.StatusDisabled, time.Time{}); err != nil {
				return trace.Wrap(err)
			}
		}
		cred, err := c.cfg.Secrets.GetCredential(ctx, record.ClientID)
		if err != nil {
			return trace.Wrap(err)
		}
		if cred.Stale {
			return trace.ConnectionProblem(nil, "secret store is unavailable")
		}
		cred.RotationID = ""
		if err := c.cfg.Secrets.PutCredential(ctx, cred); err != nil {
			return trace.Wrap(err)
		}
		c.cfg.Invalidator.InvalidateClientTokens(record.ClientID)
		return nil
	})
	return record, trace.Wrap(err)
}

// Abort fails a non-terminal rotation with the given reason. The record
// stays eligible for Rollback.
func (c *Coordinator) Abort(ctx context.Context, rotationID, reason string) (*store.Record, error) {
	record, err := c.getRecord(ctx, rotationID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if record.State.Terminal() {
		return nil, httplib.NewError(httplib.CodeInvalidStateTransition,
			trace.CompareFailed("rotation %q is already %s", rotationID, record.State))
	}
	if reason == "" {
		reason = "aborted by operator"
	}
	if err := c.failRecord(ctx, record, reason); err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}

// Rollback cleans up a FAILED rotation: the old version is restored to
// ACTIVE, the new version is disabled and purged, and tokens minted during
// the rotation are invalidated. A non-terminal rotation is failed first, so
// an operator can roll back an in-flight rotation in one call.
func (c *Coordinator) Rollback(ctx context.Context, rotationID string) (*store.Record, error) {
	record, err := c.getRecord(ctx, rotationID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if record.State == store.StateNewActive || record.RolledBack {
		return nil, httplib.NewError(httplib.CodeInvalidStateTransition,
			trace.CompareFailed("rotation %q is %s and cannot be rolled back", rotationID, record.State))
	}
	if !record.State.Terminal() {
		if err := c.failRecord(ctx, record, "rolled back by operator"); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	c.evictCredential(record.ClientID)
	cred, err := c.cfg.Secrets.GetCredential(ctx, record.ClientID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cred.Stale {
		return nil, trace.ConnectionProblem(nil, "secret store is unavailable, cannot roll back now")
	}
	kept := cred.Versions[:0]
	for _, v := range cred.Versions {
		if v.ID == record.NewVersionID {
			continue
		}
		if v.ID == record.OldVersionID {
			v.Status = credentials.StatusActive
			v.NotAfter = time.Time{}
		}
		kept = append(kept, v)
	}
	cred.Versions = kept
	cred.RotationID = ""
	if err := c.cfg.Secrets.PutCredential(ctx, cred); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := c.cfg.Secrets.DeleteVersion(ctx, record.ClientID, record.NewVersionID); err != nil {
		return nil, trace.Wrap(err)
	}
	c.cfg.Invalidator.InvalidateClientTokens(record.ClientID)

	record.RolledBack = true
	record.LastTransitionAt = c.cfg.Clock.Now().UTC()
	if err := c.cfg.Records.Update(ctx, record); err != nil {
		return nil, trace.Wrap(err)
	}
	logger.InfoContext(ctx, "Rotation rolled back.",
		"rotation_id", record.ID,
		"client_id", audit.MaskedClient(record.ClientID),
	)
	c.cfg.Emitter.EmitAuditEvent(ctx, audit.Event{
		Type:       audit.RotationTransitioned,
		ClientID:   audit.MaskedClient(record.ClientID),
		RotationID: record.ID,
		VersionID:  record.OldVersionID,
		Reason:     "rolled back",
	})
	return record, nil
}

// GetStatus returns the rotation record.
func (c *Coordinator) GetStatus(ctx context.Context, rotationID string) (*store.Record, error) {
	record, err := c.getRecord(ctx, rotationID)
	return record, trace.Wrap(err)
}

// List returns rotation records matching the filter, oldest first.
func (c *Coordinator) List(ctx context.Context, filter store.Filter) ([]*store.Record, error) {
	records, err := c.cfg.Records.List(ctx, filter)
	return records, trace.Wrap(err)
}

// advance performs one legal forward transition: the record moves first, the
// secret store follows. A secret store failure drops the rotation to FAILED.
func (c *Coordinator) advance(ctx context.Context, rotationID string, to store.State, apply func(context.Context, *store.Record) error) (*store.Record, error) {
	record, err := c.getRecord(ctx, rotationID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if nextState[record.State] != to {
		return nil, httplib.NewError(httplib.CodeInvalidStateTransition,
			trace.CompareFailed("rotation %q cannot move from %s to %s", rotationID, record.State, to))
	}

	now := c.cfg.Clock.Now().UTC()
	record.State = to
	record.LastTransitionAt = now
	if to.Terminal() {
		record.CompletedAt = now
	}
	if err := c.cfg.Records.Update(ctx, record); err != nil {
		return nil, trace.Wrap(err)
	}

	c.evictCredential(record.ClientID)
	if err := apply(ctx, record); err != nil {
		c.fail(ctx, record, "secret store update failed")
		return nil, trace.Wrap(err)
	}

	c.observeTransition(ctx, record)
	return record, nil
}

func (c *Coordinator) getRecord(ctx context.Context, rotationID string) (*store.Record, error) {
	if rotationID == "" {
		return nil, trace.BadParameter("missing rotation id")
	}
	record, err := c.cfg.Records.Get(ctx, rotationID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, httplib.NewError(httplib.CodeRotationNotFound, err)
		}
		return nil, trace.Wrap(err)
	}
	return record, nil
}

// fail drops a rotation to FAILED, logging instead of erroring: it runs on
// paths that already carry a primary error. A rotation that went terminal
// in the meantime is left alone.
func (c *Coordinator) fail(ctx context.Context, record *store.Record, reason string) {
	if record.State.Terminal() {
		logger.ErrorContext(ctx, "Rotation broke after reaching a terminal state.",
			"rotation_id", record.ID,
			"state", string(record.State),
			"reason", reason,
		)
		c.cfg.Emitter.EmitAuditEvent(ctx, audit.Event{
			Type:       audit.RotationFailed,
			ClientID:   audit.MaskedClient(record.ClientID),
			RotationID: record.ID,
			Reason:     reason,
		})
		return
	}
	if err := c.failRecord(ctx, record, reason); err != nil {
		logger.ErrorContext(ctx, "Failed to mark rotation as failed.",
			"rotation_id", record.ID,
			"error", err,
		)
	}
}

// failRecord persists the FAILED transition.
func (c *Coordinator) failRecord(ctx context.Context, record *store.Record, reason string) error {
	now := c.cfg.Clock.Now().UTC()
	record.State = store.StateFailed
	record.FailureReason = reason
	record.CompletedAt = now
	record.LastTransitionAt = now
	if err := c.cfg.Records.Update(ctx, record); err != nil {
		return trace.Wrap(err)
	}
	rotationTransitions.WithLabelValues(string(store.StateFailed)).Inc()
	logger.WarnContext(ctx, "Rotation failed.",
		"rotation_id", record.ID,
		"client_id", audit.MaskedClient(record.ClientID),
		"reason", reason,
	)
	c.cfg.Emitter.EmitAuditEvent(ctx, audit.Event{
		Type:       audit.RotationFailed,
		ClientID:   audit.MaskedClient(record.ClientID),
		RotationID: record.ID,
		Reason:     reason,
	})
	return nil
}

func (c *Coordinator) observeTransition(ctx context.Context, record *store.Record) {
	rotationTransitions.WithLabelValues(string(record.State)).Inc()
	logger.InfoContext(ctx, "Rotation transitioned.",
		"rotation_id", record.ID,
		"client_id", audit.MaskedClient(record.ClientID),
		"state", string(record.State),
	)
	c.cfg.Emitter.EmitAuditEvent(ctx, audit.Event{
		Type:       audit.RotationTransitioned,
		ClientID:   audit.MaskedClient(record.ClientID),
		RotationID: record.ID,
		VersionID:  record.NewVersionID,
		Reason:     string(record.State),
	})
}

// evictCredential forces the next credential read of this client to hit the
// store. Only the resilient wrapper caches, hence the interface probe.
func (c *Coordinator) evictCredential(clientID string) {
	if ev, ok := c.cfg.Secrets.(interface{ EvictCredential(string) }); ok {
		ev.EvictCredential(clientID)
	}
}
