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

// Package tokens mints and validates the short-lived HMAC-SHA256 bearer
// tokens the gateway exchanges vendor credentials for. Minting goes through
// golang-jwt; validation is deliberately hand-stepped so the check order is
// fixed and the signature comparison runs against every keyring entry
// without an early exit.
package tokens

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/tollgate/lib/defaults"
)

// Claims is the complete claim set of a gateway token. The wire format is
// pinned: aud is a plain string, exp and iat are integer epoch seconds.
type Claims struct {
	// Issuer identifies the minting gateway.
	Issuer string `json:"iss"`
	// Subject is the authenticated client ID.
	Subject string `json:"sub"`
	// Audience is the internal service the token is minted for.
	Audience string `json:"aud"`
	// Expiry is the expiration instant in epoch seconds.
	Expiry int64 `json:"exp"`
	// IssuedAt is the minting instant in epoch seconds.
	IssuedAt int64 `json:"iat"`
	// ID is the unique token identifier used for revocation.
	ID string `json:"jti"`
	// Permissions lists what the bearer may do.
	Permissions []string `json:"permissions"`
	// Renewals counts how many times this token lineage was renewed in-band.
	Renewals int `json:"rnw,omitempty"`
}

// HasPermission reports whether the claim set grants the permission.
func (c *Claims) HasPermission(permission string) bool {
	return slices.Contains(c.Permissions, permission)
}

// Expires returns the expiry as a time.
func (c *Claims) Expires() time.Time {
	return time.Unix(c.Expiry, 0)
}

// The jwt.Claims implementation below exists only so the minter can hand
// this struct to golang-jwt; validation never goes through it.

func (c *Claims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.Expiry, 0)), nil
}

func (c *Claims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}

func (c *Claims) GetNotBefore() (*jwt.NumericDate, error) {
	return nil, nil
}

func (c *Claims) GetIssuer() (string, error) {
	return c.Issuer, nil
}

func (c *Claims) GetSubject() (string, error) {
	return c.Subject, nil
}

func (c *Claims) GetAudience() (jwt.ClaimStrings, error) {
	return jwt.ClaimStrings{c.Audience}, nil
}

// MinterConfig configures a Minter.
type MinterConfig struct {
	// Keyring supplies the signing key.
	Keyring *Keyring
	// Issuer is the iss claim of minted tokens.
	Issuer string
	// Audience is the aud claim of minted tokens.
	Audience string
	// Lifetime is how long minted tokens stay valid.
	Lifetime time.Duration
	// Registry, when set, records minted token IDs per client so a client's
	// outstanding tokens can be revoked in one call.
	Registry *RevocationRegistry
	// Clock is the time source for iat and exp.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *MinterConfig) CheckAndSetDefaults() error {
	if c.Keyring == nil {
		return trace.BadParameter("missing keyring")
	}
	if c.Issuer == "" {
		c.Issuer = defaults.TokenIssuer
	}
	if c.Audience == "" {
		c.Audience = defaults.TokenAudience
	}
	if c.Lifetime == 0 {
		c.Lifetime = defaults.TokenLifetime
	}
	if c.Lifetime < defaults.MinTokenLifetime || c.Lifetime > defaults.MaxTokenLifetime {
		return trace.BadParameter("token lifetime %v outside allowed range [%v, %v]",
			c.Lifetime, defaults.MinTokenLifetime, defaults.MaxTokenLifetime)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Minter signs bearer tokens with the keyring's active key.
type Minter struct {
	cfg MinterConfig
}

// NewMinter creates a Minter from the config.
func NewMinter(cfg MinterConfig) (*Minter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Minter{cfg: cfg}, nil
}

// Lifetime returns the configured token lifetime.
func (m *Minter) Lifetime() time.Duration {
	return m.cfg.Lifetime
}

// SignParams are the inputs to Sign.
type SignParams struct {
	// ClientID becomes the sub claim.
	ClientID string
	// Permissions becomes the permissions claim.
	Permissions []string
	// Renewals carries the renewal count into the rnw claim. Zero on a
	// fresh authentication.
	Renewals int
}

// Sign mints a signed token. Every token gets a fresh jti; a token without
// permissions is never minted.
func (m *Minter) Sign(params SignParams) (string, error) {
	if params.ClientID == "" {
		return "", trace.BadParameter("missing client id")
	}
	if len(params.Permissions) == 0 {
		return "", trace.BadParameter("refusing to mint a token without permissions")
	}

	now := m.cfg.Clock.Now()
	claims := &Claims{
		Issuer:      m.cfg.Issuer,
		Subject:     params.ClientID,
		Audience:    m.cfg.Audience,
		Expiry:      now.Add(m.cfg.Lifetime).Unix(),
		IssuedAt:    now.Unix(),
		ID:          uuid.NewString(),
		Permissions: params.Permissions,
		Renewals:    params.Renewals,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	active := m.cfg.Keyring.Active()
	// Single-key deployments keep the exact two-field header.
	if m.cfg.Keyring.Len() > 1 {
		token.Header["kid"] = active.ID
	}

	signed, err := token.SignedString(active.Secret)
	if err != nil {
		return "", trace.Wrap(err)
	}

	if m.cfg.Registry != nil {
		m.cfg.Registry.Track(params.ClientID, claims.ID, claims.Expires())
	}
	tokensMinted.Inc()
	return signed, nil
}
