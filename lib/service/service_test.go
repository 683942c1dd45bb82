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

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/config"
	"github.com/gravitational/tollgate/lib/credentials"
	"github.com/gravitational/tollgate/lib/httplib"
	"github.com/gravitational/tollgate/lib/sapi"
	"github.com/gravitational/tollgate/lib/tokens"
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

// loopbackConfig binds every listener to an ephemeral loopback port. The
// retry budget is one attempt so secret store outages fail fast instead of
// sleeping on the fake clock.
const loopbackConfig = `
eapi:
  listenAddr: 127.0.0.1:0
  internalListenAddr: 127.0.0.1:0
sapi:
  listenAddr: 127.0.0.1:0
diagnostics:
  listenAddr: 127.0.0.1:0
retry:
  maxAttempts: 1
`

type testProcess struct {
	clock   *clockwork.FakeClock
	keyring *tokens.Keyring
	secrets *vault.MemoryStore
	process *Process
}

func newTestProcess(t *testing.T, extraConfig string) *testProcess {
	t.Helper()

	fc, err := config.ReadConfig(strings.NewReader(loopbackConfig + extraConfig))
	require.NoError(t, err)

	tp := &testProcess{
		clock:   clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
		secrets: vault.NewMemoryStore(),
	}
	tp.keyring, err = tokens.NewKeyring("key-1", []tokens.SigningKey{{
		ID:     "key-1",
		Secret: bytes.Repeat([]byte("k"), 32),
	}})
	require.NoError(t, err)

	tp.process, err = NewProcess(context.Background(), ProcessConfig{
		FileConfig: fc,
		Keyring:    tp.keyring,
		Secrets:    tp.secrets,
		Clock:      tp.clock,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tp.process.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("process did not shut down in time")
		}
	})
	return tp
}

func (tp *testProcess) seedClient(t *testing.T, clientID, secret string) {
	t.Helper()

	hash, err := credentials.HashSecret(secret)
	require.NoError(t, err)
	require.NoError(t, tp.secrets.PutCredential(context.Background(), &credentials.ClientCredential{
		ClientID:    clientID,
		Permissions: []string{tollgate.PermissionPaymentsWrite, tollgate.PermissionPaymentsRead},
		Versions: []credentials.CredentialVersion{{
			ID:         "v-1",
			SecretHash: hash,
			Status:     credentials.StatusActive,
			CreatedAt:  tp.clock.Now(),
		}},
	}))
}

// vendorDo calls the vendor API with credential headers.
func (tp *testProcess) vendorDo(t *testing.T, method, path, clientID, secret string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, "http://"+tp.process.EAPIAddr()+path, reader)
	require.NoError(t, err)
	if clientID != "" {
		req.Header.Set(tollgate.HeaderClientID, clientID)
		req.Header.Set(tollgate.HeaderClientSecret, secret)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var envelope httplib.ErrorEnvelope
	decodeJSON(t, resp, &envelope)
	return envelope.ErrorCode
}

func TestProcessEndToEnd(t *testing.T) {
	tp := newTestProcess(t, "")
	tp.seedClient(t, testClientID, testSecret)

	// A valid credential pair buys a payment submission.
	resp := tp.vendorDo(t, http.MethodPost, "/api/v1/payments", testClientID, testSecret,
		sapi.PaymentRequest{Amount: 1250, Currency: "EUR", Reference: "inv-77"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payment sapi.Payment
	decodeJSON(t, resp, &payment)
	require.NotEmpty(t, payment.ID)
	require.Equal(t, testClientID, payment.ClientID)
	require.Equal(t, "ACCEPTED", payment.Status)

	// The same payment reads back through the gateway.
	resp = tp.vendorDo(t, http.MethodGet, "/api/v1/payments/"+payment.ID, testClientID, testSecret, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched sapi.Payment
	decodeJSON(t, resp, &fetched)
	require.Equal(t, payment.ID, fetched.ID)

	// Liveness, readiness and metrics all answer.
	for _, path := range []string{"/healthz", "/readyz"} {
		diag, err := http.Get("http://" + tp.process.DiagnosticsAddr() + path)
		require.NoError(t, err)
		diag.Body.Close()
		require.Equal(t, http.StatusOK, diag.StatusCode, path)
	}
	metrics, err := http.Get("http://" + tp.process.DiagnosticsAddr() + "/metrics")
	require.NoError(t, err)
	raw, err := io.ReadAll(metrics.Body)
	metrics.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(raw), tollgate.MetricNamespace+"_")
}

func TestProcessRejectsBadCredentials(t *testing.T) {
	tp := newTestProcess(t, "")
	tp.seedClient(t, testClientID, testSecret)

	resp := tp.vendorDo(t, http.MethodPost, "/api/v1/payments", testClientID, "wrong-secret-material",
		sapi.PaymentRequest{Amount: 1, Currency: "EUR"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, httplib.CodeAuthenticationFailed, errorCode(t, resp))

	resp = tp.vendorDo(t, http.MethodPost, "/api/v1/payments", "", "",
		sapi.PaymentRequest{Amount: 1, Currency: "EUR"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, httplib.CodeMissingCredentials, errorCode(t, resp))
}

func TestProcessInBandRenewal(t *testing.T) {
	tp := newTestProcess(t, "token:\n  renewalEnabled: true\n")
	tp.seedClient(t, testClientID, testSecret)

	minter, err := tokens.NewMinter(tokens.MinterConfig{
		Keyring:  tp.keyring,
		Lifetime: 5 * time.Minute,
		Clock:    tp.clock,
	})
	require.NoError(t, err)
	token, err := minter.Sign(tokens.SignParams{
		ClientID:    testClientID,
		Permissions: []string{tollgate.PermissionPaymentsWrite},
	})
	require.NoError(t, err)

	tp.clock.Advance(6 * time.Minute)

	// An expired token at the internal service renews in-band: the renewal
	// round trip goes over the gateway's real internal listener.
	payload, err := json.Marshal(sapi.PaymentRequest{Amount: 100, Currency: "EUR"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, "http://"+tp.process.SAPIAddr()+"/internal/v1/payments", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	renewed := resp.Header.Get(tollgate.HeaderRenewedToken)
	require.NotEmpty(t, renewed)
	require.NotEqual(t, token, renewed)
}

func TestProcessRotationThroughAdminAPI(t *testing.T) {
	tp := newTestProcess(t, "")
	tp.seedClient(t, testClientID, testSecret)

	minter, err := tokens.NewMinter(tokens.MinterConfig{
		Keyring: tp.keyring,
		Clock:   tp.clock,
	})
	require.NoError(t, err)
	operator, err := minter.Sign(tokens.SignParams{
		ClientID:    "ops-team",
		Permissions: []string{tollgate.PermissionManageRotations},
	})
	require.NoError(t, err)

	adminDo := func(method, path string, body interface{}) *http.Response {
		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequest(method, "http://"+tp.process.InternalAddr()+path, reader)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+operator)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := adminDo(http.MethodPost, "/api/v1/rotations/initiate", map[string]string{"clientId": testClientID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var initiated struct {
		Rotation struct {
			ID    string `json:"rotationId"`
			State string `json:"state"`
		} `json:"rotation"`
		Secret string `json:"secret"`
	}
	decodeJSON(t, resp, &initiated)
	require.Equal(t, "INITIATED", initiated.Rotation.State)
	require.NotEmpty(t, initiated.Secret)
	newSecret := initiated.Secret

	resp = adminDo(http.MethodPut, "/api/v1/rotations/"+initiated.Rotation.ID+"/advance",
		map[string]string{"targetState": "DUAL_ACTIVE"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// DUAL_ACTIVE: both the old and the new secret authenticate.
	for _, secret := range []string{testSecret, newSecret} {
		resp := tp.vendorDo(t, http.MethodPost, "/api/v1/payments", testClientID, secret,
			sapi.PaymentRequest{Amount: 1, Currency: "EUR"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp = adminDo(http.MethodPut, "/api/v1/rotations/"+initiated.Rotation.ID+"/advance",
		map[string]string{"targetState": "OLD_DEPRECATED"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = adminDo(http.MethodPut, "/api/v1/rotations/"+initiated.Rotation.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The in-flight listing is empty once the rotation lands, the client
	// history keeps the record.
	resp = adminDo(http.MethodGet, "/api/v1/rotations/active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var active struct {
		Rotations []json.RawMessage `json:"rotations"`
	}
	decodeJSON(t, resp, &active)
	require.Empty(t, active.Rotations)
	resp = adminDo(http.MethodGet, "/api/v1/rotations/client/"+testClientID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history struct {
		Rotations []json.RawMessage `json:"rotations"`
	}
	decodeJSON(t, resp, &history)
	require.Len(t, history.Rotations, 1)

	// NEW_ACTIVE: the old secret is gone, the new one keeps working.
	resp = tp.vendorDo(t, http.MethodPost, "/api/v1/payments", testClientID, testSecret,
		sapi.PaymentRequest{Amount: 1, Currency: "EUR"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, httplib.CodeAuthenticationFailed, errorCode(t, resp))

	resp = tp.vendorDo(t, http.MethodPost, "/api/v1/payments", testClientID, newSecret,
		sapi.PaymentRequest{Amount: 1, Currency: "EUR"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProcessRequestCorrelation(t *testing.T) {
	tp := newTestProcess(t, "")
	tp.seedClient(t, testClientID, testSecret)

	// A request without a correlation ID gets one assigned and echoed.
	resp := tp.vendorDo(t, http.MethodPost, "/api/v1/payments", testClientID, testSecret,
		sapi.PaymentRequest{Amount: 1, Currency: "EUR"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(tollgate.HeaderRequestID))

	// A supplied ID is echoed back and lands in the error envelope.
	req, err := http.NewRequest(http.MethodPost, "http://"+tp.process.EAPIAddr()+"/api/v1/payments", nil)
	require.NoError(t, err)
	req.Header.Set(tollgate.HeaderClientID, testClientID)
	req.Header.Set(tollgate.HeaderClientSecret, "wrong-secret-material")
	req.Header.Set(tollgate.HeaderRequestID, "corr-1234")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "corr-1234", resp.Header.Get(tollgate.HeaderRequestID))
	var envelope httplib.ErrorEnvelope
	decodeJSON(t, resp, &envelope)
	require.Equal(t, "corr-1234", envelope.RequestID)

	// Every listener in the path recorded latency.
	metrics, err := http.Get("http://" + tp.process.DiagnosticsAddr() + "/metrics")
	require.NoError(t, err)
	raw, err := io.ReadAll(metrics.Body)
	metrics.Body.Close()
	require.NoError(t, err)
	body := string(raw)
	require.Contains(t, body, tollgate.MetricNamespace+"_eapi_request_duration_seconds_count")
	require.Contains(t, body, tollgate.MetricNamespace+"_sapi_request_duration_seconds_count")
	// Both listeners served requests above, so neither count is still zero.
	require.NotContains(t, body, tollgate.MetricNamespace+"_eapi_request_duration_seconds_count 0")
	require.NotContains(t, body, tollgate.MetricNamespace+"_sapi_request_duration_seconds_count 0")
}

func TestProcessSurvivesSecretStoreOutage(t *testing.T) {
	tp := newTestProcess(t, "")
	tp.seedClient(t, testClientID, testSecret)
	coldClientID := "vendor-beta-002"
	tp.seedClient(t, coldClientID, testSecret)

	// Warm the credential cache.
	resp := tp.vendorDo(t, http.MethodPost, "/api/v1/payments", testClientID, testSecret,
		sapi.PaymentRequest{Amount: 1, Currency: "EUR"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tp.secrets.SetError(trace.ConnectionProblem(nil, "vault is down"))

	// Past the credential TTL the store read fails, and the stale cache
	// entry keeps authentication alive.
	tp.clock.Advance(61 * time.Second)
	resp = tp.vendorDo(t, http.MethodPost, "/api/v1/payments", testClientID, testSecret,
		sapi.PaymentRequest{Amount: 1, Currency: "EUR"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A client that was never cached has nothing to fall back on.
	resp = tp.vendorDo(t, http.MethodPost, "/api/v1/payments", coldClientID, testSecret,
		sapi.PaymentRequest{Amount: 1, Currency: "EUR"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, httplib.CodeUpstreamUnavailable, errorCode(t, resp))

	// Readiness reflects the outage while liveness stays green.
	ready, err := http.Get("http://" + tp.process.DiagnosticsAddr() + "/readyz")
	require.NoError(t, err)
	ready.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, ready.StatusCode)

	live, err := http.Get("http://" + tp.process.DiagnosticsAddr() + "/healthz")
	require.NoError(t, err)
	live.Body.Close()
	require.Equal(t, http.StatusOK, live.StatusCode)

	// Recovery: the store answers again and the cold client gets through.
	tp.secrets.SetError(nil)
	resp = tp.vendorDo(t, http.MethodPost, "/api/v1/payments", coldClientID, testSecret,
		sapi.PaymentRequest{Amount: 1, Currency: "EUR"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
