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

package config

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/tollgate/lib/defaults"
	"github.com/gravitational/tollgate/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

func TestReadConfigDefaults(t *testing.T) {
	t.Parallel()

	fc, err := ReadConfig(strings.NewReader(""))
	require.NoError(t, err)

	require.Equal(t, []Role{RoleEAPI, RoleSAPI}, fc.Roles)
	require.Equal(t, defaults.EAPIListenAddr, fc.EAPI.ListenAddr)
	require.Equal(t, defaults.SAPIListenAddr, fc.SAPI.ListenAddr)
	require.Equal(t, defaults.DiagnosticsListenAddr, fc.Diagnostics.ListenAddr)
	require.Equal(t, defaults.TokenLifetime, fc.Token.Lifetime())
	require.Equal(t, defaults.TokenIssuer, fc.Token.Issuer)
	require.Equal(t, defaults.MaxTokenRenewals, fc.Token.MaxRenewals)
	require.False(t, fc.Token.RenewalEnabled)
	require.Equal(t, KeyringSourceFile, fc.Token.Keyring.Source)
	require.Equal(t, defaults.TokenCacheSize, fc.Cache.Token.MaxSize)
	require.Equal(t, defaults.CredentialCacheTTL, fc.Cache.Credential.TTL())
	require.Equal(t, defaults.VaultMount, fc.Vault.Mount)
	require.Equal(t, defaults.VaultTimeout, fc.Vault.Timeout())
	require.Equal(t, defaults.RetryMaxAttempts, fc.Retry.MaxAttempts)
	require.Equal(t, defaults.BreakerRatio, fc.Breaker.FailureRateThreshold)
	require.Equal(t, defaults.RotationTransitionPeriod, fc.Rotation.TransitionPeriod())
	require.Equal(t, RotationStoreMemory, fc.Rotation.Store.Backend)
	require.Equal(t, defaults.LimiterMaxFailures, fc.Limiter.MaxFailures)
}

func TestReadConfigFull(t *testing.T) {
	t.Parallel()

	fc, err := ReadConfig(strings.NewReader(`
log:
  severity: DEBUG
  format: json
roles: [eapi]
eapi:
  listenAddr: 0.0.0.0:9443
  internalListenAddr: 127.0.0.1:9444
  sapiUrl: http://sapi.internal:8445
token:
  lifetimeSeconds: 120
  renewalEnabled: true
  maxRenewals: 5
  keyring:
    source: vault
vault:
  address: https://vault.internal:8200
  timeoutMs: 500
  tls:
    caCertPath: /etc/tollgate/vault-ca.pem
    clientCertPath: /etc/tollgate/vault-client.pem
    clientKeyPath: /etc/tollgate/vault-client-key.pem
rotation:
  transitionPeriodMinutes: 120
  store:
    backend: sqlite
    path: /var/lib/tollgate/rotations.db
`))
	require.NoError(t, err)

	require.True(t, fc.HasRole(RoleEAPI))
	require.False(t, fc.HasRole(RoleSAPI))
	require.Equal(t, 2*time.Minute, fc.Token.Lifetime())
	require.True(t, fc.Token.RenewalEnabled)
	require.Equal(t, 5, fc.Token.MaxRenewals)
	require.Equal(t, KeyringSourceVault, fc.Token.Keyring.Source)
	require.Equal(t, "keyring", fc.Token.Keyring.VaultPath)
	require.Equal(t, 500*time.Millisecond, fc.Vault.Timeout())
	require.Equal(t, 2*time.Hour, fc.Rotation.TransitionPeriod())
	require.Equal(t, RotationStoreSQLite, fc.Rotation.Store.Backend)
}

func TestReadConfigRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := ReadConfig(strings.NewReader("token:\n  lifetime: 300\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "lifetime")
}

func TestReadConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown role", yaml: "roles: [eapi, proxy]"},
		{name: "lifetime below minimum", yaml: "token:\n  lifetimeSeconds: 30"},
		{name: "lifetime above maximum", yaml: "token:\n  lifetimeSeconds: 90000"},
		{name: "bad keyring source", yaml: "token:\n  keyring:\n    source: consul"},
		{name: "breaker ratio above one", yaml: "breaker:\n  failureRateThreshold: 1.5"},
		{name: "unsupported active versions", yaml: "rotation:\n  maxActiveVersions: 3"},
		{name: "sqlite without path", yaml: "rotation:\n  store:\n    backend: sqlite"},
		{name: "postgres without dsn", yaml: "rotation:\n  store:\n    backend: postgres"},
		{name: "unknown store backend", yaml: "rotation:\n  store:\n    backend: redis"},
		{name: "client cert without key", yaml: "vault:\n  tls:\n    clientCertPath: /tmp/c.pem"},
		{name: "bad log severity", yaml: "log:\n  severity: TRACE"},
		{name: "retry cap below base", yaml: "retry:\n  baseDelayMs: 500\n  maxDelayMs: 100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadConfig(strings.NewReader(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestReadConfigFileMissing(t *testing.T) {
	t.Parallel()

	_, err := ReadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)

	// The empty path means "defaults only" and must not fail.
	fc, err := ReadConfigFile("")
	require.NoError(t, err)
	require.Equal(t, defaults.TokenLifetime, fc.Token.Lifetime())
}

func TestReadKeyring(t *testing.T) {
	t.Parallel()

	secret := bytes.Repeat([]byte("k"), 32)
	doc := `
activeKeyId: key-1
keys:
  - keyId: key-1
    secret: ` + base64.StdEncoding.EncodeToString(secret) + `
  - keyId: key-0
    secret: ` + base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("j"), 32)) + `
    notAfter: 2025-06-01T00:00:00Z
`
	keyring, err := ReadKeyring(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, "key-1", keyring.Active().ID)
	require.Equal(t, secret, keyring.Active().Secret)

	// key-0 verifies before its retirement and not after.
	require.Len(t, keyring.VerificationKeys(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)), 2)
	require.Len(t, keyring.VerificationKeys(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)), 1)
}

func TestReadKeyringSecretFile(t *testing.T) {
	t.Parallel()

	secretPath := filepath.Join(t.TempDir(), "signing.key")
	require.NoError(t, os.WriteFile(secretPath, append(bytes.Repeat([]byte("s"), 32), '\n'), 0o600))

	keyring, err := ReadKeyring(strings.NewReader(`
activeKeyId: key-1
keys:
  - keyId: key-1
    secretFile: ` + secretPath + `
`))
	require.NoError(t, err)
	// Trailing whitespace from the file does not become key material.
	require.Equal(t, bytes.Repeat([]byte("s"), 32), keyring.Active().Secret)
}

func TestReadKeyringRejectsBadKeys(t *testing.T) {
	t.Parallel()

	short := base64.StdEncoding.EncodeToString([]byte("too-short"))
	tests := []struct {
		name string
		doc  string
	}{
		{name: "no material", doc: "activeKeyId: k\nkeys:\n  - keyId: k"},
		{name: "both sources", doc: "activeKeyId: k\nkeys:\n  - keyId: k\n    secret: YWJj\n    secretFile: /tmp/x"},
		{name: "bad base64", doc: "activeKeyId: k\nkeys:\n  - keyId: k\n    secret: '!!!'"},
		{name: "short secret", doc: "activeKeyId: k\nkeys:\n  - keyId: k\n    secret: " + short},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadKeyring(strings.NewReader(tt.doc))
			require.Error(t, err)
		})
	}
}
