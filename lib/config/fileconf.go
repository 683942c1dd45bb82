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

// Package config reads and validates the gateway configuration file. The
// file is YAML with strict decoding: unknown keys are an error, not a
// silent no-op. Every section has a CheckAndSetDefaults that applies the
// values from lib/defaults, so an empty file yields a runnable local
// configuration.
package config

import (
	"bytes"
	"io"
	"os"
	"slices"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/gravitational/tollgate/lib/defaults"
	logutils "github.com/gravitational/tollgate/lib/utils/log"
)

// Role names a serving surface the process can run. A single process may
// run any combination; the default is all of them.
type Role string

const (
	// RoleEAPI serves the vendor-facing gateway plus the internal renewal
	// and rotation admin endpoints.
	RoleEAPI Role = "eapi"
	// RoleSAPI serves the internal payment service surface.
	RoleSAPI Role = "sapi"
)

// FileConfig is the top-level shape of the configuration file.
type FileConfig struct {
	// Log configures the process logger.
	Log Log `yaml:"log"`
	// Roles selects which surfaces this process serves. Empty means all.
	Roles []Role `yaml:"roles,omitempty"`
	// EAPI configures the vendor-facing surface.
	EAPI EAPI `yaml:"eapi"`
	// SAPI configures the internal service surface.
	SAPI SAPI `yaml:"sapi"`
	// Diagnostics configures the metrics and health listener.
	Diagnostics Diagnostics `yaml:"diagnostics"`
	// Token configures minting and validation of bearer tokens.
	Token Token `yaml:"token"`
	// Cache configures the token and credential caches.
	Cache Cache `yaml:"cache"`
	// Vault configures the secret store connection.
	Vault Vault `yaml:"vault"`
	// Retry configures the secret store retry policy.
	Retry Retry `yaml:"retry"`
	// Breaker configures the secret store circuit breaker.
	Breaker Breaker `yaml:"breaker"`
	// Rotation configures the credential rotation machinery.
	Rotation Rotation `yaml:"rotation"`
	// Limiter configures the failed-authentication rate limiter.
	Limiter Limiter `yaml:"limiter"`
}

// ReadConfigFile loads the file at path. An empty path returns a config of
// nothing but defaults.
func ReadConfigFile(path string) (*FileConfig, error) {
	if path == "" {
		fc := &FileConfig{}
		if err := fc.CheckAndSetDefaults(); err != nil {
			return nil, trace.Wrap(err)
		}
		return fc, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	fc, err := ReadConfig(f)
	return fc, trace.Wrap(err, "parsing %v", path)
}

// ReadConfig parses and validates a configuration document.
func ReadConfig(r io.Reader) (*FileConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	fc := &FileConfig{}
	if err := dec.Decode(fc); err != nil && err != io.EOF {
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	if err := fc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return fc, nil
}

// CheckAndSetDefaults validates the whole document section by section.
func (c *FileConfig) CheckAndSetDefaults() error {
	if len(c.Roles) == 0 {
		c.Roles = []Role{RoleEAPI, RoleSAPI}
	}
	for _, role := range c.Roles {
		if role != RoleEAPI && role != RoleSAPI {
			return trace.BadParameter("unknown role %q, expected %q or %q", role, RoleEAPI, RoleSAPI)
		}
	}
	for _, section := range []interface{ CheckAndSetDefaults() error }{
		&c.Log, &c.EAPI, &c.SAPI, &c.Diagnostics, &c.Token, &c.Cache,
		&c.Vault, &c.Retry, &c.Breaker, &c.Rotation, &c.Limiter,
	} {
		if err := section.CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// HasRole reports whether the process serves the given role.
func (c *FileConfig) HasRole(role Role) bool {
	return slices.Contains(c.Roles, role)
}

// Log configures the process logger.
type Log struct {
	// Severity is the minimum emitted level: DEBUG, INFO, WARN or ERROR.
	Severity string `yaml:"severity,omitempty"`
	// Format is the output format, text or json.
	Format string `yaml:"format,omitempty"`
}

// CheckAndSetDefaults validates the section.
func (c *Log) CheckAndSetDefaults() error {
	if _, err := logutils.ParseLevel(c.Severity); err != nil {
		return trace.Wrap(err)
	}
	switch c.Format {
	case "", logutils.FormatText, logutils.FormatJSON:
	default:
		return trace.BadParameter("unsupported log format %q", c.Format)
	}
	return nil
}

// EAPI configures the vendor-facing surface.
type EAPI struct {
	// ListenAddr is where the vendor API listens.
	ListenAddr string `yaml:"listenAddr,omitempty"`
	// InternalListenAddr is where the renewal and rotation admin endpoints
	// listen. Must not be reachable from vendor networks.
	InternalListenAddr string `yaml:"internalListenAddr,omitempty"`
	// SAPIURL is the base URL requests are forwarded to.
	SAPIURL string `yaml:"sapiUrl,omitempty"`
}

// CheckAndSetDefaults validates the section.
func (c *EAPI) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.EAPIListenAddr
	}
	if c.InternalListenAddr == "" {
		c.InternalListenAddr = defaults.EAPIInternalListenAddr
	}
	if c.SAPIURL == "" {
		c.SAPIURL = "http://" + defaults.SAPIListenAddr
	}
	return nil
}

// SAPI configures the internal service surface.
type SAPI struct {
	// ListenAddr is where the internal service listens.
	ListenAddr string `yaml:"listenAddr,omitempty"`
	// EAPIURL is the base URL of the gateway's internal listener, used for
	// in-band token renewal when enabled.
	EAPIURL string `yaml:"eapiUrl,omitempty"`
}

// CheckAndSetDefaults validates the section.
func (c *SAPI) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.SAPIListenAddr
	}
	if c.EAPIURL == "" {
		c.EAPIURL = "http://" + defaults.EAPIInternalListenAddr
	}
	return nil
}

// Diagnostics configures the metrics and health listener.
type Diagnostics struct {
	// ListenAddr is where /metrics, /healthz and /readyz listen.
	ListenAddr string `yaml:"listenAddr,omitempty"`
	// Debug additionally mounts /debug/pprof on the diagnostics listener.
	Debug bool `yaml:"debug,omitempty"`
}

// CheckAndSetDefaults validates the section.
func (c *Diagnostics) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.DiagnosticsListenAddr
	}
	return nil
}

// Token configures bearer token minting and validation.
type Token struct {
	// LifetimeSeconds is how long minted tokens stay valid.
	LifetimeSeconds int `yaml:"lifetimeSeconds,omitempty"`
	// Issuer is the iss claim.
	Issuer string `yaml:"issuer,omitempty"`
	// Audience is the aud claim.
	Audience string `yaml:"audience,omitempty"`
	// ClockSkewSeconds is the tolerated forward drift of the iat claim.
	ClockSkewSeconds int `yaml:"clockSkewSeconds,omitempty"`
	// RenewalEnabled turns on in-band renewal of expired tokens.
	RenewalEnabled bool `yaml:"renewalEnabled,omitempty"`
	// MaxRenewals caps renewals of a single token lineage.
	MaxRenewals int `yaml:"maxRenewals,omitempty"`
	// Keyring configures where signing keys come from.
	Keyring Keyring `yaml:"keyring"`
}

// CheckAndSetDefaults validates the section.
func (c *Token) CheckAndSetDefaults() error {
	if c.LifetimeSeconds == 0 {
		c.LifetimeSeconds = int(defaults.TokenLifetime / time.Second)
	}
	lifetime := time.Duration(c.LifetimeSeconds) * time.Second
	if lifetime < defaults.MinTokenLifetime || lifetime > defaults.MaxTokenLifetime {
		return trace.BadParameter("token.lifetimeSeconds %d outside allowed range [%d, %d]",
			c.LifetimeSeconds,
			int(defaults.MinTokenLifetime/time.Second),
			int(defaults.MaxTokenLifetime/time.Second))
	}
	if c.Issuer == "" {
		c.Issuer = defaults.TokenIssuer
	}
	if c.Audience == "" {
		c.Audience = defaults.TokenAudience
	}
	if c.ClockSkewSeconds < 0 {
		return trace.BadParameter("token.clockSkewSeconds must not be negative")
	}
	if c.ClockSkewSeconds == 0 {
		c.ClockSkewSeconds = int(defaults.TokenClockSkew / time.Second)
	}
	if c.MaxRenewals < 0 {
		return trace.BadParameter("token.maxRenewals must not be negative")
	}
	if c.MaxRenewals == 0 {
		c.MaxRenewals = defaults.MaxTokenRenewals
	}
	return trace.Wrap(c.Keyring.CheckAndSetDefaults())
}

// Lifetime returns the token lifetime as a duration.
func (c *Token) Lifetime() time.Duration {
	return time.Duration(c.LifetimeSeconds) * time.Second
}

// ClockSkew returns the iat skew tolerance as a duration.
func (c *Token) ClockSkew() time.Duration {
	return time.Duration(c.ClockSkewSeconds) * time.Second
}

// Keyring source names.
const (
	// KeyringSourceFile reads signing keys from a local keyring file.
	KeyringSourceFile = "file"
	// KeyringSourceVault reads signing keys from the secret store mount.
	KeyringSourceVault = "vault"
)

// Keyring configures the signing key source.
type Keyring struct {
	// Source is KeyringSourceFile or KeyringSourceVault.
	Source string `yaml:"source,omitempty"`
	// Path is the keyring file path when the source is a file.
	Path string `yaml:"path,omitempty"`
	// VaultPath is the path of the keyring document under the secret store
	// mount when the source is vault.
	VaultPath string `yaml:"vaultPath,omitempty"`
}

// CheckAndSetDefaults validates the section.
func (c *Keyring) CheckAndSetDefaults() error {
	switch c.Source {
	case "":
		c.Source = KeyringSourceFile
	case KeyringSourceFile, KeyringSourceVault:
	default:
		return trace.BadParameter("unknown keyring source %q, expected %q or %q",
			c.Source, KeyringSourceFile, KeyringSourceVault)
	}
	if c.Source == KeyringSourceVault && c.VaultPath == "" {
		c.VaultPath = "keyring"
	}
	return nil
}

// Cache configures the token and credential caches.
type Cache struct {
	// Token configures the minted token cache.
	Token TokenCache `yaml:"token"`
	// Credential configures the credential read-through cache.
	Credential CredentialCache `yaml:"credential"`
	// SweepIntervalSeconds is how often caches purge expired entries.
	SweepIntervalSeconds int `yaml:"sweepIntervalSeconds,omitempty"`
}

// CheckAndSetDefaults validates the section.
func (c *Cache) CheckAndSetDefaults() error {
	if c.SweepIntervalSeconds < 0 {
		return trace.BadParameter("cache.sweepIntervalSeconds must not be negative")
	}
	if c.SweepIntervalSeconds == 0 {
		c.SweepIntervalSeconds = int(defaults.CacheSweepInterval / time.Second)
	}
	if err := c.Token.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(c.Credential.CheckAndSetDefaults())
}

// SweepInterval returns the sweep interval as a duration.
func (c *Cache) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// TokenCache configures the minted token cache.
type TokenCache struct {
	// TTLSeconds is how long a minted token is reused. Zero means 90% of
	// the token lifetime; anything above that cap is reduced to it.
	TTLSeconds int `yaml:"ttlSeconds,omitempty"`
	// MaxSize bounds the entry count.
	MaxSize int `yaml:"maxSize,omitempty"`
}

// CheckAndSetDefaults validates the section.
func (c *TokenCache) CheckAndSetDefaults() error {
	if c.TTLSeconds < 0 {
		return trace.BadParameter("cache.token.ttlSeconds must not be negative")
	}
	if c.MaxSize < 0 {
		return trace.BadParameter("cache.token.maxSize must not be negative")
	}
	if c.MaxSize == 0 {
		c.MaxSize = defaults.TokenCacheSize
	}
	return nil
}

// TTL returns the configured TTL as a duration, zero when unset.
func (c *TokenCache) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// CredentialCache configures the credential read-through cache.
type CredentialCache struct {
	// TTLSeconds is how long fetched credential material may be served
	// before a fresh secret store read.
	TTLSeconds int `yaml:"ttlSeconds,omitempty"`
	// StaleRetentionSeconds keeps expired entries reachable for fallback
	// reads while the secret store is unreachable.
	StaleRetentionSeconds int `yaml:"staleRetentionSeconds,omitempty"`
}

// CheckAndSetDefaults validates the section.
func (c *CredentialCache) CheckAndSetDefaults() error {
	if c.TTLSeconds < 0 || c.StaleRetentionSeconds < 0 {
		return trace.BadParameter("cache.credential durations must not be negative")
	}
	if c.TTLSeconds == 0 {
		c.TTLSeconds = int(defaults.CredentialCacheTTL / time.Second)
	}
	if c.StaleRetentionSeconds == 0 {
		c.StaleRetentionSeconds = int(defaults.CredentialStaleRetention / time.Second)
	}
	return nil
}

// TTL returns the cache TTL as a duration.
func (c *CredentialCache) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// StaleRetention returns the stale retention as a duration.
func (c *CredentialCache) StaleRetention() time.Duration {
	return time.Duration(c.StaleRetentionSeconds) * time.Second
}

// Vault configures the secret store connection.
type Vault struct {
	// Address is the vault server URL. Empty selects the in-memory store,
	// which only makes sense for local development.
	Address string `yaml:"address,omitempty"`
	// Mount is the KV v2 mount holding gateway secrets.
	Mount string `yaml:"mount,omitempty"`
	// Prefix is the path prefix of client credentials under the mount.
	Prefix string `yaml:"prefix,omitempty"`
	// Namespace is the optional vault enterprise namespace.
	Namespace string `yaml:"namespace,omitempty"`
	// TimeoutMs bounds a single secret store request.
	TimeoutMs int `yaml:"timeoutMs,omitempty"`
	// TLS holds the mutual TLS material for the vault connection.
	TLS VaultTLS `yaml:"tls"`
}

// VaultTLS is the mutual TLS material for the vault connection.
type VaultTLS struct {
	// CACertPath verifies the vault server certificate.
	CACertPath string `yaml:"caCertPath,omitempty"`
	// ClientCertPath and ClientKeyPath hold the gateway's client
	// certificate.
	ClientCertPath string `yaml:"clientCertPath,omitempty"`
	ClientKeyPath  string `yaml:"clientKeyPath,omitempty"`
}

// CheckAndSetDefaults validates the section.
func (c *Vault) CheckAndSetDefaults() error {
	if c.Mount == "" {
		c.Mount = defaults.VaultMount
	}
	if c.Prefix == "" {
		c.Prefix = defaults.VaultCredentialPrefix
	}
	if c.TimeoutMs < 0 {
		return trace.BadParameter("vault.timeoutMs must not be negative")
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = int(defaults.VaultTimeout / time.Millisecond)
	}
	if (c.TLS.ClientCertPath == "") != (c.TLS.ClientKeyPath == "") {
		return trace.BadParameter("vault.tls.clientCertPath and clientKeyPath must be set together")
	}
	return nil
}

// Timeout returns the request timeout as a duration.
func (c *Vault) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Retry configures the secret store retry policy.
type Retry struct {
	// MaxAttempts is the total attempt budget, the first call included.
	MaxAttempts int `yaml:"maxAttempts,omitempty"`
	// BaseDelayMs seeds the exponential backoff.
	BaseDelayMs int `yaml:"baseDelayMs,omitempty"`
	// MaxDelayMs caps the backoff.
	MaxDelayMs int `yaml:"maxDelayMs,omitempty"`
}

// CheckAndSetDefaults validates the section.
func (c *Retry) CheckAndSetDefaults() error {
	if c.MaxAttempts < 0 || c.BaseDelayMs < 0 || c.MaxDelayMs < 0 {
		return trace.BadParameter("retry values must not be negative")
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaults.RetryMaxAttempts
	}
	if c.BaseDelayMs == 0 {
		c.BaseDelayMs = int(defaults.RetryBaseDelay / time.Millisecond)
	}
	if c.MaxDelayMs == 0 {
		c.MaxDelayMs = int(defaults.RetryMaxDelay / time.Millisecond)
	}
	if c.MaxDelayMs < c.BaseDelayMs {
		return trace.BadParameter("retry.maxDelayMs %d is below retry.baseDelayMs %d", c.MaxDelayMs, c.BaseDelayMs)
	}
	return nil
}

// BaseDelay returns the backoff seed as a duration.
func (c *Retry) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff cap as a duration.
func (c *Retry) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

// Breaker configures the secret store circuit breaker.
type Breaker struct {
	// FailureRateThreshold is the in-window failure ratio that trips the
	// breaker.
	FailureRateThreshold float64 `yaml:"failureRateThreshold,omitempty"`
	// WindowSeconds is the rolling tally window.
	WindowSeconds int `yaml:"windowSeconds,omitempty"`
	// MinCalls is the execution count below which the ratio is not
	// evaluated.
	MinCalls int `yaml:"minCalls,omitempty"`
	// OpenDurationMs is how long a tripped breaker rejects calls.
	OpenDurationMs int `yaml:"openDurationMs,omitempty"`
	// RecoveryLimit is how many consecutive probe successes close a
	// recovering breaker.
	RecoveryLimit int `yaml:"recoveryLimit,omitempty"`
}

// CheckAndSetDefaults validates the section.
func (c *Breaker) CheckAndSetDefaults() error {
	if c.FailureRateThreshold < 0 || c.FailureRateThreshold > 1 {
		return trace.BadParameter("breaker.failureRateThreshold must be within [0, 1]")
	}
	if c.FailureRateThreshold == 0 {
		c.FailureRateThreshold = defaults.BreakerRatio
	}
	if c.WindowSeconds < 0 || c.MinCalls < 0 || c.OpenDurationMs < 0 || c.RecoveryLimit < 0 {
		return trace.BadParameter("breaker values must not be negative")
	}
	if c.WindowSeconds == 0 {
		c.WindowSeconds = int(defaults.BreakerInterval / time.Second)
	}
	if c.MinCalls == 0 {
		c.MinCalls = defaults.BreakerRatioMinExecutions
	}
	if c.OpenDurationMs == 0 {
		c.OpenDurationMs = int(defaults.BreakerTrippedPeriod / time.Millisecond)
	}
	if c.RecoveryLimit == 0 {
		c.RecoveryLimit = defaults.BreakerRecoveryLimit
	}
	return nil
}

// Window returns the tally window as a duration.
func (c *Breaker) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// OpenDuration returns the tripped period as a duration.
func (c *Breaker) OpenDuration() time.Duration {
	return time.Duration(c.OpenDurationMs) * time.Millisecond
}

// Rotation store backend names.
const (
	// RotationStoreMemory keeps rotation records in process memory.
	RotationStoreMemory = "memory"
	// RotationStoreSQLite persists rotation records in an embedded sqlite
	// database.
	RotationStoreSQLite = "sqlite"
	// RotationStorePostgres persists rotation records in postgres, for
	// deployments running more than one gateway instance.
	RotationStorePostgres = "postgres"
)

// Rotation configures the credential rotation machinery.
type Rotation struct {
	// TransitionPeriodMinutes is the DUAL_ACTIVE window applied to
	// rotations that do not specify one.
	TransitionPeriodMinutes int `yaml:"transitionPeriodMinutes,omitempty"`
	// MaxActiveVersions caps simultaneously matchable credential versions
	// per client. The rotation state machine is two-version; other values
	// are rejected.
	MaxActiveVersions int `yaml:"maxActiveVersions,omitempty"`
	// CheckIntervalSeconds is how often the scheduler examines rotations.
	CheckIntervalSeconds int `yaml:"checkIntervalSeconds,omitempty"`
	// UsageGraceMinutes is how long the old version must go unused before a
	// deprecated rotation auto-completes.
	UsageGraceMinutes int `yaml:"usageGraceMinutes,omitempty"`
	// Store selects where rotation records persist.
	Store RotationStore `yaml:"store"`
}

// RotationStore selects where rotation records persist.
type RotationStore struct {
	// Backend is memory, sqlite or postgres.
	Backend string `yaml:"backend,omitempty"`
	// Path is the database file path for the sqlite backend.
	Path string `yaml:"path,omitempty"`
	// DSN is the connection string for the postgres backend.
	DSN string `yaml:"dsn,omitempty"`
}

// CheckAndSetDefaults validates the section.
func (c *Rotation) CheckAndSetDefaults() error {
	if c.TransitionPeriodMinutes < 0 || c.CheckIntervalSeconds < 0 || c.UsageGraceMinutes < 0 {
		return trace.BadParameter("rotation durations must not be negative")
	}
	if c.TransitionPeriodMinutes == 0 {
		c.TransitionPeriodMinutes = int(defaults.RotationTransitionPeriod / time.Minute)
	}
	if c.MaxActiveVersions == 0 {
		c.MaxActiveVersions = defaults.RotationMaxActiveVersions
	}
	if c.MaxActiveVersions != defaults.RotationMaxActiveVersions {
		return trace.BadParameter("rotation.maxActiveVersions %d is not supported, the rotation state machine tracks exactly %d versions",
			c.MaxActiveVersions, defaults.RotationMaxActiveVersions)
	}
	if c.CheckIntervalSeconds == 0 {
		c.CheckIntervalSeconds = int(defaults.RotationCheckInterval / time.Second)
	}
	if c.UsageGraceMinutes == 0 {
		c.UsageGraceMinutes = int(defaults.RotationUsageGrace / time.Minute)
	}

	switch c.Store.Backend {
	case "":
		c.Store.Backend = RotationStoreMemory
	case RotationStoreMemory:
	case RotationStoreSQLite:
		if c.Store.Path == "" {
			return trace.BadParameter("rotation.store.path is required for the sqlite backend")
		}
	case RotationStorePostgres:
		if c.Store.DSN == "" {
			return trace.BadParameter("rotation.store.dsn is required for the postgres backend")
		}
	default:
		return trace.BadParameter("unknown rotation store backend %q", c.Store.Backend)
	}
	return nil
}

// TransitionPeriod returns the default transition period as a duration.
func (c *Rotation) TransitionPeriod() time.Duration {
	return time.Duration(c.TransitionPeriodMinutes) * time.Minute
}

// CheckInterval returns the scheduler interval as a duration.
func (c *Rotation) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// UsageGrace returns the auto-completion quiet period as a duration.
func (c *Rotation) UsageGrace() time.Duration {
	return time.Duration(c.UsageGraceMinutes) * time.Minute
}

// Limiter configures the failed-authentication rate limiter.
type Limiter struct {
	// MaxFailures is the in-window failure count that trips the backoff.
	MaxFailures int `yaml:"maxFailures,omitempty"`
	// WindowSeconds is the rolling window for failure accounting.
	WindowSeconds int `yaml:"windowSeconds,omitempty"`
	// BackoffSeconds is the initial throttle period.
	BackoffSeconds int `yaml:"backoffSeconds,omitempty"`
	// MaxBackoffFactor caps the backoff doubling on consecutive trips.
	MaxBackoffFactor int `yaml:"maxBackoffFactor,omitempty"`
}

// CheckAndSetDefaults validates the section.
func (c *Limiter) CheckAndSetDefaults() error {
	if c.MaxFailures < 0 || c.WindowSeconds < 0 || c.BackoffSeconds < 0 || c.MaxBackoffFactor < 0 {
		return trace.BadParameter("limiter values must not be negative")
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = defaults.LimiterMaxFailures
	}
	if c.WindowSeconds == 0 {
		c.WindowSeconds = int(defaults.LimiterWindow / time.Second)
	}
	if c.BackoffSeconds == 0 {
		c.BackoffSeconds = int(defaults.LimiterBackoff / time.Second)
	}
	if c.MaxBackoffFactor == 0 {
		c.MaxBackoffFactor = defaults.LimiterMaxBackoffFactor
	}
	return nil
}

// Window returns the accounting window as a duration.
func (c *Limiter) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// Backoff returns the initial throttle period as a duration.
func (c *Limiter) Backoff() time.Duration {
	return time.Duration(c.BackoffSeconds) * time.Second
}
