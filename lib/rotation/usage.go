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
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// UsageTracker records when a deprecated credential version last
// authenticated a request. The authenticator feeds it; the scheduler reads
// it to decide whether a rotation may auto-complete or must stay open
// because a vendor has not switched over yet.
type UsageTracker struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	lastUse map[usageKey]time.Time
}

type usageKey struct {
	clientID  string
	versionID string
}

// NewUsageTracker creates an empty tracker on the given clock.
func NewUsageTracker(clock clockwork.Clock) *UsageTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ensureRegistered()
	return &UsageTracker{
		clock:   clock,
		lastUse: make(map[usageKey]time.Time),
	}
}

// RecordUse notes that the version just authenticated a request.
func (t *UsageTracker) RecordUse(clientID, versionID string) {
	if clientID == "" || versionID == "" {
		return
	}
	deprecatedVersionAuths.Inc()
	t.mu.Lock()
	t.lastUse[usageKey{clientID: clientID, versionID: versionID}] = t.clock.Now()
	t.mu.Unlock()
}

// LastUse returns when the version last authenticated, false if never.
func (t *UsageTracker) LastUse(clientID, versionID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	last, ok := t.lastUse[usageKey{clientID: clientID, versionID: versionID}]
	return last, ok
}

// Forget drops all usage state of a client once its rotation is terminal.
func (t *UsageTracker) Forget(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.lastUse {
		if key.clientID == clientID {
			delete(t.lastUse, key)
		}
	}
}
