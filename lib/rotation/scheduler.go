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
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/tollgate/lib/audit"
	"github.com/gravitational/tollgate/lib/defaults"
	"github.com/gravitational/tollgate/lib/rotation/store"
)

// SchedulerConfig configures the Scheduler.
type SchedulerConfig struct {
	// Coordinator performs the transitions.
	Coordinator *Coordinator
	// Usage reports deprecated-version authentications.
	Usage *UsageTracker
	// CheckInterval is how often rotations are examined.
	CheckInterval time.Duration
	// UsageGrace is how long the old version must go unused in
	// OLD_DEPRECATED before the rotation auto-completes.
	UsageGrace time.Duration
	// StuckMultiplier times the rotation's transition period with no transition
	// marks it as failed.
	StuckMultiplier int
	// Emitter records extension warnings.
	Emitter audit.Emitter
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *SchedulerConfig) CheckAndSetDefaults() error {
	if c.Coordinator == nil {
		return trace.BadParameter("missing rotation coordinator")
	}
	if c.Usage == nil {
		return trace.BadParameter("missing usage tracker")
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaults.RotationCheckInterval
	}
	if c.UsageGrace <= 0 {
		c.UsageGrace = defaults.RotationUsageGrace
	}
	if c.StuckMultiplier <= 0 {
		c.StuckMultiplier = defaults.RotationStuckMultiplier
	}
	if c.Emitter == nil {
		c.Emitter = audit.DiscardEmitter{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Scheduler advances rotations whose deadlines have passed. Transitions
// race with operators driving the same rotation through the admin API; the
// store's revision check decides, and a lost race is retried on the next
// tick.
type Scheduler struct {
	cfg SchedulerConfig
}

// NewScheduler creates a Scheduler from the config.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Scheduler{cfg: cfg}, nil
}

// Run examines rotations on every tick until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.cfg.Clock.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if err := s.CheckProgress(ctx); err != nil {
				logger.WarnContext(ctx, "Rotation progress check failed.", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// CheckProgress examines every in-flight rotation once:
//
//   - a rotation stuck with no transition for StuckMultiplier times its
//     transition period is failed,
//   - DUAL_ACTIVE past its transition period moves to OLD_DEPRECATED,
//   - OLD_DEPRECATED completes once the old version has gone unused for
//     UsageGrace; observed usage keeps the rotation open and raises a
//     warning so the lagging vendor can be chased.
func (s *Scheduler) CheckProgress(ctx context.Context) error {
	records, err := s.cfg.Coordinator.List(ctx, store.Filter{NonTerminal: true})
	if err != nil {
		return trace.Wrap(err)
	}

	var errors []error
	for _, record := range records {
		if err := s.checkRotation(ctx, record); err != nil {
			if trace.IsCompareFailed(err) {
				// Lost a race with an operator; the next tick sees the
				// new state.
				continue
			}
			errors = append(errors, trace.Wrap(err))
		}
	}
	return trace.NewAggregate(errors...)
}

func (s *Scheduler) checkRotation(ctx context.Context, record *store.Record) error {
	now := s.cfg.Clock.Now()
	sinceTransition := now.Sub(record.LastTransitionAt)

	if sinceTransition >= time.Duration(s.cfg.StuckMultiplier)*record.TransitionPeriod {
		_, err := s.cfg.Coordinator.Abort(ctx, record.ID, "no progress, rotation timed out")
		return trace.Wrap(err)
	}

	switch record.State {
	case store.StateDualActive:
		if sinceTransition >= record.TransitionPeriod {
			_, err := s.cfg.Coordinator.DeprecateOld(ctx, record.ID)
			return trace.Wrap(err)
		}
	case store.StateOldDeprecated:
		if sinceTransition < s.cfg.UsageGrace {
			return nil
		}
		lastUse, used := s.cfg.Usage.LastUse(record.ClientID, record.OldVersionID)
		if used && now.Sub(lastUse) < s.cfg.UsageGrace {
			logger.WarnContext(ctx, "Old credential version is still in use, holding rotation open.",
				"rotation_id", record.ID,
				"client_id", audit.MaskedClient(record.ClientID),
				"version_id", record.OldVersionID,
			)
			s.cfg.Emitter.EmitAuditEvent(ctx, audit.Event{
				Type:       audit.RotationExtended,
				ClientID:   audit.MaskedClient(record.ClientID),
				RotationID: record.ID,
				VersionID:  record.OldVersionID,
				Reason:     "old credential version still in use",
			})
			return nil
		}
		if _, err := s.cfg.Coordinator.Complete(ctx, record.ID); err != nil {
			return trace.Wrap(err)
		}
		s.cfg.Usage.Forget(record.ClientID)
	}
	return nil
}
