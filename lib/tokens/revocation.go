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

package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gravitational/tollgate/lib/defaults"
)

// RevocationRegistry is an in-memory denylist of token IDs. Entries expire
// with the token they revoke, so the registry never grows past the number of
// tokens alive within one lifetime. The minter additionally reports every
// minted jti here, which is what makes revoking all of a client's
// outstanding tokens possible.
type RevocationRegistry struct {
	clock clockwork.Clock

	mu sync.RWMutex
	// revoked maps jti to the revoked token's expiry.
	revoked map[string]time.Time
	// minted maps client ID to that client's live jtis and their expiries.
	minted map[string]map[string]time.Time
}

// NewRevocationRegistry creates an empty registry on the given clock.
func NewRevocationRegistry(clock clockwork.Clock) *RevocationRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RevocationRegistry{
		clock:   clock,
		revoked: make(map[string]time.Time),
		minted:  make(map[string]map[string]time.Time),
	}
}

// Revoke denylists a token ID until its expiry. Revoking an already expired
// token is a no-op.
func (r *RevocationRegistry) Revoke(jti string, expires time.Time) {
	if jti == "" || !expires.After(r.clock.Now()) {
		return
	}
	r.mu.Lock()
	r.revoked[jti] = expires
	r.mu.Unlock()
	tokensRevoked.Inc()
}

// IsRevoked reports whether the token ID is currently denylisted. An entry
// whose token has expired no longer counts, even before the sweeper runs.
func (r *RevocationRegistry) IsRevoked(jti string) bool {
	r.mu.RLock()
	expires, ok := r.revoked[jti]
	r.mu.RUnlock()
	return ok && expires.After(r.clock.Now())
}

// Track records a minted token so RevokeAllForClient can find it later.
func (r *RevocationRegistry) Track(clientID, jti string, expires time.Time) {
	if clientID == "" || jti == "" {
		return
	}
	r.mu.Lock()
	tokens := r.minted[clientID]
	if tokens == nil {
		tokens = make(map[string]time.Time)
		r.minted[clientID] = tokens
	}
	tokens[jti] = expires
	r.mu.Unlock()
}

// RevokeAllForClient denylists every live token minted for the client and
// returns how many were revoked.
func (r *RevocationRegistry) RevokeAllForClient(clientID string) int {
	now := r.clock.Now()
	var revoked int

	r.mu.Lock()
	for jti, expires := range r.minted[clientID] {
		if expires.After(now) {
			r.revoked[jti] = expires
			revoked++
		}
	}
	delete(r.minted, clientID)
	r.mu.Unlock()

	if revoked > 0 {
		tokensRevoked.Add(float64(revoked))
	}
	return revoked
}

// Sweep drops entries for tokens that have expired on their own and returns
// the number removed.
func (r *RevocationRegistry) Sweep() int {
	now := r.clock.Now()
	var swept int

	r.mu.Lock()
	for jti, expires := range r.revoked {
		if !expires.After(now) {
			delete(r.revoked, jti)
			swept++
		}
	}
	for clientID, tokens := range r.minted {
		for jti, expires := range tokens {
			if !expires.After(now) {
				delete(tokens, jti)
				swept++
			}
		}
		if len(tokens) == 0 {
			delete(r.minted, clientID)
		}
	}
	r.mu.Unlock()

	return swept
}

// Len returns the number of currently denylisted token IDs.
func (r *RevocationRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.revoked)
}

// RunSweepLoop sweeps on the interval until the context is canceled. Meant
// to run as a supervised service.
func (r *RevocationRegistry) RunSweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaults.RevocationSweepInterval
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
