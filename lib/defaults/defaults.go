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

// Package defaults collects every tunable default of the gateway in one
// place so operators and tests have a single reference for what an
// unconfigured deployment does.
package defaults

import "time"

const (
	// EAPIListenAddr is the vendor-facing listen address.
	EAPIListenAddr = "0.0.0.0:8443"

	// EAPIInternalListenAddr serves the token renewal and rotation admin
	// endpoints. It must not be reachable from vendor networks.
	EAPIInternalListenAddr = "127.0.0.1:8444"

	// SAPIListenAddr is the internal service listen address.
	SAPIListenAddr = "127.0.0.1:8445"

	// DiagnosticsListenAddr serves /metrics, /healthz and /readyz.
	DiagnosticsListenAddr = "127.0.0.1:3000"

	// HTTPIdleTimeout is the keep-alive idle timeout on every listener.
	HTTPIdleTimeout = 90 * time.Second

	// HTTPReadHeaderTimeout bounds header parsing on every listener.
	HTTPReadHeaderTimeout = 10 * time.Second

	// HTTPShutdownTimeout bounds graceful shutdown of a listener.
	HTTPShutdownTimeout = 10 * time.Second

	// ForwardTimeout bounds a single proxied call from EAPI to SAPI.
	ForwardTimeout = 30 * time.Second

	// RenewalTimeout bounds the in-band token renewal round trip.
	RenewalTimeout = 2 * time.Second
)

const (
	// TokenLifetime is how long a minted bearer token stays valid.
	TokenLifetime = time.Hour

	// MinTokenLifetime is the shortest configurable token lifetime.
	MinTokenLifetime = time.Minute

	// MaxTokenLifetime is the longest configurable token lifetime.
	MaxTokenLifetime = 24 * time.Hour

	// TokenClockSkew is the tolerated clock drift when validating iat.
	TokenClockSkew = 30 * time.Second

	// MaxTokenRenewals caps how many times a single token lineage can be
	// renewed in-band before the vendor must re-authenticate.
	MaxTokenRenewals = 3

	// TokenIssuer is the iss claim of minted tokens.
	TokenIssuer = "tollgate-eapi"

	// TokenAudience is the aud claim of minted tokens.
	TokenAudience = "payment-sapi"

	// MinSigningKeyLength rejects HMAC keys too short to be safe.
	MinSigningKeyLength = 32
)

const (
	// TokenCacheTTLRatio bounds the token cache TTL to this fraction of the
	// token lifetime so a cached token is never served close to expiry.
	TokenCacheTTLRatio = 0.9

	// TokenCacheSize bounds the token cache entry count.
	TokenCacheSize = 10000

	// CredentialCacheTTL is how long fetched credential material may be
	// served before a fresh vault read.
	CredentialCacheTTL = 60 * time.Second

	// CredentialStaleRetention keeps expired credential cache entries around
	// for fallback reads while the secret store is unreachable.
	CredentialStaleRetention = time.Hour

	// CacheSweepInterval is how often caches purge expired entries.
	CacheSweepInterval = 30 * time.Second
)

const (
	// VaultTimeout bounds a single secret store request.
	VaultTimeout = time.Second

	// VaultMount is the KV v2 mount holding gateway secrets.
	VaultMount = "payment"

	// VaultCredentialPrefix is the path prefix of client credentials under
	// the mount.
	VaultCredentialPrefix = "credentials"

	// RetryMaxAttempts is the attempt budget for retried vault calls.
	RetryMaxAttempts = 5

	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay = 100 * time.Millisecond

	// RetryMaxDelay caps the backoff between attempts.
	RetryMaxDelay = 3 * time.Second
)

const (
	// BreakerInterval is the rolling window over which the circuit breaker
	// evaluates failure ratios.
	BreakerInterval = 10 * time.Second

	// BreakerTrippedPeriod is how long an open breaker rejects calls before
	// probing recovery.
	BreakerTrippedPeriod = 30 * time.Second

	// BreakerRatio is the failure ratio at which the breaker trips.
	BreakerRatio = 0.5

	// BreakerRatioMinExecutions is the execution count below which the
	// ratio is not evaluated.
	BreakerRatioMinExecutions = 20

	// BreakerRecoveryLimit is how many consecutive probe successes close a
	// recovering breaker.
	BreakerRecoveryLimit = 3
)

const (
	// RotationTransitionPeriod is how long both credential versions stay
	// accepted before the scheduler deprecates the old one, and how long a
	// deprecated version keeps authenticating after that.
	RotationTransitionPeriod = time.Hour

	// RotationMaxActiveVersions caps simultaneously matchable credential
	// versions per client.
	RotationMaxActiveVersions = 2

	// RotationCheckInterval is how often the coordinator advances rotations
	// whose deadlines have passed.
	RotationCheckInterval = time.Minute

	// RotationUsageGrace is how long the old version must go unused before
	// a rotation auto-completes.
	RotationUsageGrace = 30 * time.Minute

	// RotationStuckMultiplier times the transition period marks a rotation
	// with no progress as failed.
	RotationStuckMultiplier = 4
)

const (
	// LimiterMaxFailures is the failed-authentication count within the
	// window that triggers throttling.
	LimiterMaxFailures = 10

	// LimiterWindow is the rolling window for failure accounting.
	LimiterWindow = time.Minute

	// LimiterBackoff is the initial throttle period. It doubles on each
	// consecutive trip up to LimiterMaxBackoffFactor times.
	LimiterBackoff = 30 * time.Second

	// LimiterMaxBackoffFactor caps the backoff doubling.
	LimiterMaxBackoffFactor = 8
)

const (
	// BcryptCost is the work factor for hashing client secrets at rest.
	BcryptCost = 10

	// RevocationSweepInterval is how often the revocation registry purges
	// entries for tokens that have expired on their own.
	RevocationSweepInterval = time.Minute
)
