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
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/audit"
	"github.com/gravitational/tollgate/lib/credentials"
	"github.com/gravitational/tollgate/lib/httplib"
	"github.com/gravitational/tollgate/lib/limiter"
	"github.com/gravitational/tollgate/lib/rotation"
	"github.com/gravitational/tollgate/lib/utils"
	"github.com/gravitational/tollgate/lib/vault"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

const (
	testClientID = "vendor-alpha-001"
	testSecret   = "correct-secret-material"
)

type testAuth struct {
	clock    *clockwork.FakeClock
	secrets  *vault.MemoryStore
	usage    *rotation.UsageTracker
	recorder *audit.Recorder
	auth     *Authenticator
}

func newTestAuth(t *testing.T) *testAuth {
	t.Helper()

	ta := &testAuth{
		clock:    clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
		secrets:  vault.NewMemoryStore(),
		recorder: audit.NewRecorder(),
	}
	ta.usage = rotation.NewUsageTracker(ta.clock)

	limits, err := limiter.New(limiter.Config{
		MaxFailures: 3,
		Window:      time.Minute,
		Backoff:     30 * time.Second,
		Clock:       ta.clock,
	})
	require.NoError(t, err)

	auth, err := NewAuthenticator(AuthenticatorConfig{
		Credentials: ta.secrets,
		Limiter:     limits,
		Usage:       ta.usage,
		Emitter:     ta.recorder,
		Clock:       ta.clock,
	})
	require.NoError(t, err)
	ta.auth = auth
	return ta
}

// seedClient stores testClientID with the given versions, hashing each
// version's SecretHash field as plaintext first.
func (ta *testAuth) seedClient(t *testing.T, versions ...credentials.CredentialVersion) {
	t.Helper()

	for i := range versions {
		hash, err := credentials.HashSecret(versions[i].SecretHash)
		require.NoError(t, err)
		versions[i].SecretHash = hash
		if versions[i].CreatedAt.IsZero() {
			versions[i].CreatedAt = ta.clock.Now()
		}
	}
	require.NoError(t, ta.secrets.PutCredential(context.Background(), &credentials.ClientCredential{
		ClientID:    testClientID,
		Permissions: []string{tollgate.PermissionPaymentsWrite, tollgate.PermissionPaymentsRead},
		Versions:    versions,
	}))
}

func (ta *testAuth) authenticate(clientID, secret string) (*AuthResult, error) {
	return ta.auth.Authenticate(context.Background(), clientID, secret)
}

func TestAuthenticateSuccess(t *testing.T) {
	t.Parallel()
	ta := newTestAuth(t)
	ta.seedClient(t, credentials.CredentialVersion{
		ID:         "v-1",
		SecretHash: testSecret,
		Status:     credentials.StatusActive,
	})

	result, err := ta.authenticate(testClientID, testSecret)
	require.NoError(t, err)
	require.Equal(t, testClientID, result.Credential.ClientID)
	require.Equal(t, "v-1", result.Version.ID)

	events := ta.recorder.Find(audit.AuthSucceeded)
	require.Len(t, events, 1)
	require.Equal(t, audit.MaskedClient(testClientID), events[0].ClientID)
	require.Equal(t, "v-1", events[0].VersionID)
	require.Empty(t, events[0].Reason)
}

// A wrong secret and a nonexistent client must be indistinguishable to the
// caller.
func TestAuthenticateFailureIsUniform(t *testing.T) {
	t.Parallel()
	ta := newTestAuth(t)
	ta.seedClient(t, credentials.CredentialVersion{
		ID:         "v-1",
		SecretHash: testSecret,
		Status:     credentials.StatusActive,
	})

	_, wrongSecretErr := ta.authenticate(testClientID, "not-the-secret")
	require.Error(t, wrongSecretErr)
	_, unknownClientErr := ta.authenticate("vendor-nobody-999", "not-the-secret")
	require.Error(t, unknownClientErr)

	require.Equal(t, httplib.CodeAuthenticationFailed, httplib.ErrorCode(wrongSecretErr))
	require.Equal(t, httplib.CodeAuthenticationFailed, httplib.ErrorCode(unknownClientErr))
	require.Equal(t, wrongSecretErr.Error(), unknownClientErr.Error())

	require.Len(t, ta.recorder.Find(audit.AuthFailed), 2)
}

func TestAuthenticateMalformedCredentials(t *testing.T) {
	t.Parallel()
	ta := newTestAuth(t)

	_, err := ta.authenticate("vendor alpha!", testSecret)
	require.Equal(t, httplib.CodeMalformedCredentials, httplib.ErrorCode(err))

	// One past the documented bounds on either header.
	_, err = ta.authenticate(strings.Repeat("a", 129), testSecret)
	require.Equal(t, httplib.CodeMalformedCredentials, httplib.ErrorCode(err))

	_, err = ta.authenticate(testClientID, strings.Repeat("s", 1025))
	require.Equal(t, httplib.CodeMalformedCredentials, httplib.ErrorCode(err))

	// Syntax rejections never reach the credential store or the audit trail.
	require.Zero(t, ta.secrets.Calls("get_credential"))
	require.Empty(t, ta.recorder.Events())
}

func TestAuthenticateThrottlesRepeatedFailures(t *testing.T) {
	t.Parallel()
	ta := newTestAuth(t)
	ta.seedClient(t, credentials.CredentialVersion{
		ID:         "v-1",
		SecretHash: testSecret,
		Status:     credentials.StatusActive,
	})

	for i := 0; i < 3; i++ {
		_, err := ta.authenticate(testClientID, "not-the-secret")
		require.Equal(t, httplib.CodeAuthenticationFailed, httplib.ErrorCode(err))
	}
	require.Len(t, ta.recorder.Find(audit.Throttled), 1)

	// The backoff rejects even the correct secret.
	_, err := ta.authenticate(testClientID, testSecret)
	require.Equal(t, httplib.CodeRateLimited, httplib.ErrorCode(err))

	// The throttle ends on its own.
	ta.clock.Advance(31 * time.Second)
	result, err := ta.authenticate(testClientID, testSecret)
	require.NoError(t, err)
	require.Equal(t, "v-1", result.Version.ID)
}

// sameBucketIDs returns two distinct client IDs whose failures land in the
// same shared limiter bucket.
func sameBucketIDs(t *testing.T) (string, string) {
	t.Helper()
	seen := make(map[string]string)
	for i := 0; i < unknownClientBuckets+1; i++ {
		id := fmt.Sprintf("ghost-client-%03d", i)
		bucket := unknownClientBucket(id)
		if other, ok := seen[bucket]; ok {
			return other, id
		}
		seen[bucket] = id
	}
	t.Fatal("no bucket collision found")
	return "", ""
}

// An enumeration sweep that never repeats a client ID still runs into the
// shared bucket throttle.
func TestAuthenticateThrottlesUnknownClientEnumeration(t *testing.T) {
	t.Parallel()
	ta := newTestAuth(t)
	first, second := sameBucketIDs(t)

	for i := 0; i < 3; i++ {
		_, err := ta.authenticate(first, "guess")
		require.Equal(t, httplib.CodeAuthenticationFailed, httplib.ErrorCode(err))
	}

	// A fresh ID in the same bucket is rejected without any bcrypt work.
	calls := ta.secrets.Calls("get_credential")
	_, err := ta.authenticate(second, "guess")
	require.Equal(t, httplib.CodeRateLimited, httplib.ErrorCode(err))
	require.Equal(t, calls, ta.secrets.Calls("get_credential"))
}

func TestAuthenticateDeprecatedVersionRecordsUsage(t *testing.T) {
	t.Parallel()
	ta := newTestAuth(t)
	ta.seedClient(t,
		credentials.CredentialVersion{
			ID:         "v-old",
			SecretHash: "previous-secret-material",
			Status:     credentials.StatusDeprecated,
			NotAfter:   ta.clock.Now().Add(time.Hour),
		},
		credentials.CredentialVersion{
			ID:         "v-new",
			SecretHash: testSecret,
			Status:     credentials.StatusActive,
		},
	)

	result, err := ta.authenticate(testClientID, "previous-secret-material")
	require.NoError(t, err)
	require.Equal(t, "v-old", result.Version.ID)

	_, used := ta.usage.LastUse(testClientID, "v-old")
	require.True(t, used)

	events := ta.recorder.Find(audit.AuthSucceeded)
	require.Len(t, events, 1)
	require.Equal(t, "deprecated credential version", events[0].Reason)

	// The current version leaves no usage trace.
	ta.recorder.Reset()
	_, err = ta.authenticate(testClientID, testSecret)
	require.NoError(t, err)
	_, used = ta.usage.LastUse(testClientID, "v-new")
	require.False(t, used)
}

func TestAuthenticateStoreUnavailable(t *testing.T) {
	t.Parallel()
	ta := newTestAuth(t)
	ta.secrets.SetError(trace.ConnectionProblem(nil, "vault sealed"))

	_, err := ta.authenticate(testClientID, testSecret)
	require.Equal(t, httplib.CodeUpstreamUnavailable, httplib.ErrorCode(err))
	// A store outage is not an authentication failure and must not feed the
	// limiter or the failure trail.
	require.Empty(t, ta.recorder.Find(audit.AuthFailed))
}
