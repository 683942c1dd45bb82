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

package credentials

import (
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gravitational/tollgate/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

// fastHash hashes at the minimum cost so tests stay quick. Production
// hashing goes through HashSecret.
func fastHash(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func TestVersionMatchable(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name    string
		version CredentialVersion
		want    bool
	}{
		{
			name:    "active",
			version: CredentialVersion{Status: StatusActive},
			want:    true,
		},
		{
			name:    "deprecated inside grace",
			version: CredentialVersion{Status: StatusDeprecated, NotAfter: now.Add(time.Hour)},
			want:    true,
		},
		{
			name:    "deprecated without deadline",
			version: CredentialVersion{Status: StatusDeprecated},
			want:    true,
		},
		{
			name:    "deprecated past grace",
			version: CredentialVersion{Status: StatusDeprecated, NotAfter: now.Add(-time.Minute)},
			want:    false,
		},
		{
			name:    "staged",
			version: CredentialVersion{Status: StatusStaged},
			want:    false,
		},
		{
			name:    "disabled",
			version: CredentialVersion{Status: StatusDisabled},
			want:    false,
		},
		{
			name:    "revoked",
			version: CredentialVersion{Status: StatusRevoked},
			want:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.version.Matchable(now))
		})
	}
}

func TestClientCredentialCheck(t *testing.T) {
	t.Parallel()

	valid := func() *ClientCredential {
		return &ClientCredential{
			ClientID:    "vendor-alpha-001",
			Permissions: []string{"payments:write"},
			Versions: []CredentialVersion{
				{ID: "v1", SecretHash: "$stub", Status: StatusDeprecated},
				{ID: "v2", SecretHash: "$stub", Status: StatusActive},
			},
		}
	}

	require.NoError(t, valid().Check())

	missingID := valid()
	missingID.ClientID = ""
	require.Error(t, missingID.Check())

	noVersions := valid()
	noVersions.Versions = nil
	require.Error(t, noVersions.Check())

	dup := valid()
	dup.Versions[1].ID = "v1"
	require.Error(t, dup.Check())

	badStatus := valid()
	badStatus.Versions[0].Status = "SOMETHING"
	require.Error(t, badStatus.Check())

	noHash := valid()
	noHash.Versions[0].SecretHash = ""
	require.Error(t, noHash.Check())

	// More matchable versions than a rotation can legally produce.
	tooMany := valid()
	tooMany.Versions = append(tooMany.Versions, CredentialVersion{
		ID: "v3", SecretHash: "$stub", Status: StatusActive,
	})
	require.Error(t, tooMany.Check())
}

func TestVerifySecret(t *testing.T) {
	t.Parallel()

	now := time.Now()
	oldSecret := "old-secret-material"
	newSecret := "new-secret-material"

	cred := &ClientCredential{
		ClientID: "vendor-alpha-001",
		Versions: []CredentialVersion{
			{ID: "v1", SecretHash: fastHash(t, oldSecret), Status: StatusDeprecated, NotAfter: now.Add(time.Hour)},
			{ID: "v2", SecretHash: fastHash(t, newSecret), Status: StatusActive},
		},
	}

	// Both the new and the grace-period old secret authenticate, each
	// matching its own version.
	matched, err := VerifySecret(cred, newSecret, now)
	require.NoError(t, err)
	require.Equal(t, "v2", matched.ID)

	matched, err = VerifySecret(cred, oldSecret, now)
	require.NoError(t, err)
	require.Equal(t, "v1", matched.ID)

	// Wrong secret fails with an access denial that names no versions.
	_, err = VerifySecret(cred, "wrong", now)
	require.True(t, trace.IsAccessDenied(err))

	// Once the grace deadline passes the old secret stops working.
	_, err = VerifySecret(cred, oldSecret, now.Add(2*time.Hour))
	require.True(t, trace.IsAccessDenied(err))
}

func TestVerifySecretIgnoresUnmatchableVersions(t *testing.T) {
	t.Parallel()

	now := time.Now()
	secret := "correct-secret"

	for _, status := range []VersionStatus{StatusStaged, StatusDisabled, StatusRevoked} {
		cred := &ClientCredential{
			ClientID: "vendor-alpha-001",
			Versions: []CredentialVersion{
				{ID: "v1", SecretHash: fastHash(t, secret), Status: status},
			},
		}
		// Even the correct secret must not match a version in this state.
		_, err := VerifySecret(cred, secret, now)
		require.True(t, trace.IsAccessDenied(err), "status %v", status)
	}
}

func TestHashSecretRoundtrip(t *testing.T) {
	t.Parallel()

	hash, err := HashSecret("some-vendor-secret")
	require.NoError(t, err)
	require.NotContains(t, hash, "some-vendor-secret")
	require.True(t, strings.HasPrefix(hash, "$2a$"))

	cred := &ClientCredential{
		ClientID: "vendor-alpha-001",
		Versions: []CredentialVersion{{ID: "v1", SecretHash: hash, Status: StatusActive}},
	}
	matched, err := VerifySecret(cred, "some-vendor-secret", time.Now())
	require.NoError(t, err)
	require.Equal(t, "v1", matched.ID)
}

func TestVerifyDummy(t *testing.T) {
	t.Parallel()

	// The dummy comparison must never match or panic, it only burns time.
	VerifyDummy("anything")
	VerifyDummy("")
}

func TestCheckClientIDSyntax(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{name: "plain id", value: "vendor-alpha-001"},
		{name: "single character", value: "a"},
		{name: "underscore and dash", value: "Vendor_Alpha-001"},
		{name: "128 characters", value: strings.Repeat("x", 128)},
		{name: "empty", value: "", wantErr: true},
		{name: "129 characters", value: strings.Repeat("x", 129), wantErr: true},
		{name: "interior space", value: "a b", wantErr: true},
		{name: "punctuation", value: "vendor id!@#", wantErr: true},
		{name: "control byte", value: "abc\x00def", wantErr: true},
		{name: "non-ascii", value: "café", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckClientIDSyntax(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, trace.IsBadParameter(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestCheckSecretSyntax(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{name: "plain secret", value: "some-vendor-secret"},
		{name: "single byte", value: "a"},
		{name: "interior space and symbols", value: "p@ss word #1"},
		{name: "1024 bytes", value: strings.Repeat("x", 1024)},
		{name: "empty", value: "", wantErr: true},
		{name: "1025 bytes", value: strings.Repeat("x", 1025), wantErr: true},
		{name: "control byte", value: "abc\x00def", wantErr: true},
		{name: "newline", value: "abc\ndef", wantErr: true},
		{name: "non-ascii", value: "café", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckSecretSyntax(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, trace.IsBadParameter(err))
				// The secret must never be echoed back in the error.
				if tt.value != "" {
					require.NotContains(t, err.Error(), tt.value)
				}
			} else {
				require.NoError(t, err)
			}
		})
	}
}
