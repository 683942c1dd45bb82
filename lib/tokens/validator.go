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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/tollgate/lib/defaults"
	"github.com/gravitational/tollgate/lib/httplib"
)

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	// Keyring supplies the verification keys.
	Keyring *Keyring
	// Issuer is the expected iss claim.
	Issuer string
	// Audience is the expected aud claim.
	Audience string
	// ClockSkew is the tolerated forward drift of the iat claim.
	ClockSkew time.Duration
	// Registry, when set, rejects tokens whose jti has been revoked.
	Registry *RevocationRegistry
	// Clock is the time source for temporal checks.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ValidatorConfig) CheckAndSetDefaults() error {
	if c.Keyring == nil {
		return trace.BadParameter("missing keyring")
	}
	if c.Issuer == "" {
		c.Issuer = defaults.TokenIssuer
	}
	if c.Audience == "" {
		c.Audience = defaults.TokenAudience
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = defaults.TokenClockSkew
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Validator verifies bearer tokens. Checks run in a fixed order and each
// phase short-circuits: structure, signature, temporal validity, claim
// identity, then permission. An expired token is reported distinctly from an
// invalid one so callers can offer renewal.
type Validator struct {
	cfg ValidatorConfig
}

// NewValidator creates a Validator from the config.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Validator{cfg: cfg}, nil
}

// VerifyParams are the inputs to Verify.
type VerifyParams struct {
	// RawToken is the compact serialized token.
	RawToken string
	// RequiredPermission, when set, must be present in the token's
	// permissions claim.
	RequiredPermission string
	// AllowExpired skips the expiry check, and only that check. The renewal
	// endpoint uses it to accept a token that is expired but otherwise
	// fully valid.
	AllowExpired bool
}

// ValidationResult is the outcome of a successful verification.
type ValidationResult struct {
	// Claims is the verified claim set.
	Claims *Claims
	// KeyID identifies the keyring entry whose signature matched.
	KeyID string
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

// Verify checks the token and returns its claims. Errors carry the error
// code the HTTP layer should surface: TOKEN_EXPIRED only when the sole
// problem is expiry, TOKEN_INVALID for everything else except a missing
// permission, which is PERMISSION_DENIED.
func (v *Validator) Verify(ctx context.Context, params VerifyParams) (*ValidationResult, error) {
	result, err := v.verify(ctx, params)
	if err != nil {
		tokenVerifications.WithLabelValues(verifyOutcome(err)).Inc()
		return nil, trace.Wrap(err)
	}
	tokenVerifications.WithLabelValues("ok").Inc()
	return result, nil
}

func (v *Validator) verify(_ context.Context, params VerifyParams) (*ValidationResult, error) {
	if params.RawToken == "" {
		return nil, errInvalidToken("missing token")
	}

	// Structure: three base64url segments and a pinned header. Any alg other
	// than HS256, none included, is rejected before touching the signature.
	parts := strings.Split(params.RawToken, ".")
	if len(parts) != 3 {
		return nil, errInvalidToken("malformed token")
	}
	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, errInvalidToken("malformed token header")
	}
	var header tokenHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, errInvalidToken("malformed token header")
	}
	if header.Alg != "HS256" {
		return nil, errInvalidToken("unsupported signing algorithm")
	}
	if header.Typ != "JWT" {
		return nil, errInvalidToken("unsupported token type")
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, errInvalidToken("malformed token signature")
	}

	// Signature: constant-time comparison against every verification key.
	// All keys are always tried so timing does not reveal which key, if any,
	// matched.
	now := v.cfg.Clock.Now()
	signingInput := []byte(parts[0] + "." + parts[1])
	var matched bool
	var keyID string
	for _, key := range v.cfg.Keyring.VerificationKeys(now) {
		mac := hmac.New(sha256.New, key.Secret)
		mac.Write(signingInput)
		if hmac.Equal(mac.Sum(nil), signature) {
			matched = true
			keyID = key.ID
		}
	}
	if !matched {
		return nil, errInvalidToken("token signature verification failed")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errInvalidToken("malformed token payload")
	}
	var claims Claims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, errInvalidToken("malformed token claims")
	}

	// Revocation before expiry: a revoked token reads invalid even after it
	// has also expired.
	if claims.ID == "" {
		return nil, errInvalidToken("token missing id")
	}
	if v.cfg.Registry != nil && v.cfg.Registry.IsRevoked(claims.ID) {
		return nil, errInvalidToken("token has been revoked")
	}

	// Temporal: expiry is strict, only iat tolerates skew.
	if claims.Expiry == 0 {
		return nil, errInvalidToken("token missing expiry")
	}
	if !claims.Expires().After(now) && !params.AllowExpired {
		return nil, httplib.NewError(httplib.CodeTokenExpired, trace.AccessDenied("token has expired"))
	}
	if claims.IssuedAt == 0 {
		return nil, errInvalidToken("token missing issue time")
	}
	if time.Unix(claims.IssuedAt, 0).After(now.Add(v.cfg.ClockSkew)) {
		return nil, errInvalidToken("token issued in the future")
	}

	// Identity: issuer, audience and subject.
	if claims.Issuer != v.cfg.Issuer {
		return nil, errInvalidToken("unexpected token issuer")
	}
	if claims.Audience != v.cfg.Audience {
		return nil, errInvalidToken("unexpected token audience")
	}
	if claims.Subject == "" {
		return nil, errInvalidToken("token missing subject")
	}

	// Permission, last: the bearer is authenticated at this point, just not
	// necessarily authorized.
	if params.RequiredPermission != "" && !claims.HasPermission(params.RequiredPermission) {
		return nil, httplib.NewError(httplib.CodePermissionDenied,
			trace.AccessDenied("token lacks the %q permission", params.RequiredPermission))
	}

	return &ValidationResult{Claims: &claims, KeyID: keyID}, nil
}

func errInvalidToken(message string) error {
	return httplib.NewError(httplib.CodeTokenInvalid, trace.AccessDenied("%s", message))
}

func verifyOutcome(err error) string {
	switch httplib.ErrorCode(err) {
	case httplib.CodeTokenExpired:
		return "expired"
	case httplib.CodePermissionDenied:
		return "permission_denied"
	default:
		return "invalid"
	}
}
