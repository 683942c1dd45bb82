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
	"fmt"
	"hash/fnv"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/audit"
	"github.com/gravitational/tollgate/lib/credentials"
	"github.com/gravitational/tollgate/lib/httplib"
	"github.com/gravitational/tollgate/lib/limiter"
	"github.com/gravitational/tollgate/lib/rotation"
	logutils "github.com/gravitational/tollgate/lib/utils/log"
	"github.com/gravitational/tollgate/lib/vault"
)

var logger = logutils.NewPackageLogger(tollgate.ComponentKey, tollgate.ComponentEAPI)

// unknownClientBuckets is how many shadow limiter keys failures against
// nonexistent clients are spread over. Per-ID accounting would be useless
// against an enumeration sweep that never repeats an ID.
const unknownClientBuckets = 16

// AuthenticatorConfig configures an Authenticator.
type AuthenticatorConfig struct {
	// Credentials is the credential source, normally the resilient vault
	// client.
	Credentials vault.SecretStore
	// Limiter throttles repeated authentication failures.
	Limiter *limiter.Limiter
	// Usage, when set, is told about authentications that matched a
	// deprecated credential version. The rotation scheduler reads it.
	Usage *rotation.UsageTracker
	// Emitter records authentication audit events.
	Emitter audit.Emitter
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *AuthenticatorConfig) CheckAndSetDefaults() error {
	if c.Credentials == nil {
		return trace.BadParameter("missing credential source")
	}
	if c.Limiter == nil {
		return trace.BadParameter("missing rate limiter")
	}
	if c.Emitter == nil {
		c.Emitter = audit.DiscardEmitter{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// AuthResult is what a successful authentication yields.
type AuthResult struct {
	// Credential is the client's full credential record.
	Credential *credentials.ClientCredential
	// Version is the credential version the secret matched.
	Version *credentials.CredentialVersion
}

// Authenticator verifies vendor credential headers against the secret
// store. Failures look identical for unknown clients and wrong secrets, in
// both response shape and work performed.
type Authenticator struct {
	cfg AuthenticatorConfig
}

// NewAuthenticator creates an Authenticator from the config.
func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureRegistered()
	return &Authenticator{cfg: cfg}, nil
}

// Authenticate verifies the client ID and secret. The returned errors carry
// wire codes: MALFORMED_CREDENTIALS, RATE_LIMITED, AUTHENTICATION_FAILED or
// UPSTREAM_UNAVAILABLE.
func (a *Authenticator) Authenticate(ctx context.Context, clientID, secret string) (*AuthResult, error) {
	if err := credentials.CheckClientIDSyntax(clientID); err != nil {
		return nil, httplib.NewError(httplib.CodeMalformedCredentials, err)
	}
	if err := credentials.CheckSecretSyntax(secret); err != nil {
		// The syntax error never echoes the value, so wrapping is safe.
		return nil, httplib.NewError(httplib.CodeMalformedCredentials, err)
	}

	bucket := unknownClientBucket(clientID)
	for _, key := range []string{clientID, bucket} {
		if err := a.cfg.Limiter.Allow(key); err != nil {
			authAttempts.WithLabelValues("throttled").Inc()
			return nil, httplib.NewError(httplib.CodeRateLimited, err)
		}
	}

	cred, err := a.cfg.Credentials.GetCredential(ctx, clientID)
	switch {
	case trace.IsNotFound(err):
		// Burn the same bcrypt work a real verification costs so latency
		// does not reveal whether the client exists.
		credentials.VerifyDummy(secret)
		a.recordFailure(ctx, clientID, bucket)
		return nil, authFailedError()
	case err != nil:
		authAttempts.WithLabelValues("unavailable").Inc()
		return nil, trace.Wrap(err)
	}

	version, err := credentials.VerifySecret(cred, secret, a.cfg.Clock.Now())
	if err != nil {
		a.recordFailure(ctx, clientID, clientID)
		return nil, authFailedError()
	}

	a.cfg.Limiter.RecordSuccess(clientID)
	authAttempts.WithLabelValues("ok").Inc()

	event := audit.Event{
		Type:      audit.AuthSucceeded,
		ClientID:  audit.MaskedClient(clientID),
		RequestID: httplib.RequestIDFromContext(ctx),
		VersionID: version.ID,
	}
	if version.Status == credentials.StatusDeprecated {
		event.Reason = "deprecated credential version"
		logger.WarnContext(ctx, "Client authenticated with a deprecated credential version.",
			"client_id", audit.MaskedClient(clientID),
			"version_id", version.ID,
		)
		if a.cfg.Usage != nil {
			a.cfg.Usage.RecordUse(clientID, version.ID)
		}
	}
	a.cfg.Emitter.EmitAuditEvent(ctx, event)

	return &AuthResult{Credential: cred, Version: version}, nil
}

// recordFailure feeds the limiter and the audit trail. limiterKey is the
// client ID for known clients and a shared bucket for unknown ones.
func (a *Authenticator) recordFailure(ctx context.Context, clientID, limiterKey string) {
	authAttempts.WithLabelValues("failed").Inc()
	a.cfg.Emitter.EmitAuditEvent(ctx, audit.Event{
		Type:      audit.AuthFailed,
		ClientID:  audit.MaskedClient(clientID),
		RequestID: httplib.RequestIDFromContext(ctx),
	})

	if tripped, backoff := a.cfg.Limiter.RecordFailure(limiterKey); tripped {
		logger.WarnContext(ctx, "Client entered failed-authentication backoff.",
			"client_id", audit.MaskedClient(clientID),
			"backoff", backoff,
		)
		a.cfg.Emitter.EmitAuditEvent(ctx, audit.Event{
			Type:      audit.Throttled,
			ClientID:  audit.MaskedClient(clientID),
			RequestID: httplib.RequestIDFromContext(ctx),
			Reason:    fmt.Sprintf("backoff %v", backoff),
		})
	}
}

// authFailedError is the uniform authentication failure: same code, same
// message, whatever actually went wrong.
func authFailedError() error {
	return httplib.NewError(httplib.CodeAuthenticationFailed,
		trace.AccessDenied("invalid client credentials"))
}

func unknownClientBucket(clientID string) string {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return fmt.Sprintf("unknown-clients:%02d", h.Sum32()%unknownClientBuckets)
}
