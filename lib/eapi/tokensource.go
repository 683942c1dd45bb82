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

package eapi

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/tollgate/lib/audit"
	"github.com/gravitational/tollgate/lib/cache"
	"github.com/gravitational/tollgate/lib/credentials"
	"github.com/gravitational/tollgate/lib/defaults"
	"github.com/gravitational/tollgate/lib/httplib"
	"github.com/gravitational/tollgate/lib/tokens"
)

// TokenCache holds signed bearer tokens keyed by client ID.
type TokenCache = cache.LRUCache[string]

// TokenSourceConfig configures a TokenSource.
type TokenSourceConfig struct {
	// Minter signs fresh tokens.
	Minter *tokens.Minter
	// Cache holds signed tokens for reuse across requests.
	Cache *TokenCache
	// CacheTTL is how long a minted token is reused. It is capped at 90% of
	// the token lifetime so a cached token is never handed out close to
	// expiry; zero means the cap itself.
	CacheTTL time.Duration
	// Emitter records minting audit events.
	Emitter audit.Emitter
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *TokenSourceConfig) CheckAndSetDefaults() error {
	if c.Minter == nil {
		return trace.BadParameter("missing token minter")
	}
	if c.Cache == nil {
		return trace.BadParameter("missing token cache")
	}
	maxTTL := time.Duration(defaults.TokenCacheTTLRatio * float64(c.Minter.Lifetime()))
	if c.CacheTTL <= 0 || c.CacheTTL > maxTTL {
		c.CacheTTL = maxTTL
	}
	if c.Emitter == nil {
		c.Emitter = audit.DiscardEmitter{}
	}
	return nil
}

// TokenSource hands out bearer tokens for authenticated clients, reusing a
// cached token until it nears expiry.
type TokenSource struct {
	cfg TokenSourceConfig
}

// NewTokenSource creates a TokenSource from the config.
func NewTokenSource(cfg TokenSourceConfig) (*TokenSource, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &TokenSource{cfg: cfg}, nil
}

// Bearer returns a token for the client, minting one on a cache miss.
func (s *TokenSource) Bearer(ctx context.Context, cred *credentials.ClientCredential) (string, error) {
	if signed, ok := s.cfg.Cache.Get(cred.ClientID); ok {
		return signed, nil
	}

	signed, err := s.cfg.Minter.Sign(tokens.SignParams{
		ClientID:    cred.ClientID,
		Permissions: cred.Permissions,
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	s.cfg.Cache.PutWithTTL(cred.ClientID, signed, s.cfg.CacheTTL)
	s.cfg.Emitter.EmitAuditEvent(ctx, audit.Event{
		Type:      audit.TokenMinted,
		ClientID:  audit.MaskedClient(cred.ClientID),
		RequestID: httplib.RequestIDFromContext(ctx),
	})
	return signed, nil
}

// Evict drops the cached token of a client so the next Bearer call mints.
func (s *TokenSource) Evict(clientID string) {
	s.cfg.Cache.Evict(clientID)
}
