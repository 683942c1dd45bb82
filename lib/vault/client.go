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

package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gravitational/trace"
	vaultapi "github.com/hashicorp/vault/api"

	"github.com/gravitational/tollgate/lib/credentials"
	"github.com/gravitational/tollgate/lib/defaults"
)

// ClientConfig configures the transport Client.
type ClientConfig struct {
	// Address is the vault server URL.
	Address string
	// CACertPath is the CA bundle verifying the vault server certificate.
	CACertPath string
	// ClientCertPath and ClientKeyPath hold the gateway's client
	// certificate for mutual TLS.
	ClientCertPath string
	ClientKeyPath  string
	// Namespace is the optional vault enterprise namespace.
	Namespace string
	// Token authenticates the client when set; otherwise the standard
	// VAULT_TOKEN environment handling applies.
	Token string
	// Mount is the KV v2 mount holding gateway secrets.
	Mount string
	// Prefix is the path prefix of client credentials under the mount.
	Prefix string
	// Timeout bounds a single request.
	Timeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.Address == "" {
		return trace.BadParameter("missing vault address")
	}
	if (c.ClientCertPath == "") != (c.ClientKeyPath == "") {
		return trace.BadParameter("vault client certificate and key must be set together")
	}
	if c.Mount == "" {
		c.Mount = defaults.VaultMount
	}
	if c.Prefix == "" {
		c.Prefix = defaults.VaultCredentialPrefix
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.VaultTimeout
	}
	return nil
}

// Client is the production SecretStore on a vault KV v2 mount.
//
// Layout under the mount:
//
//	{prefix}/{clientId}                        credential envelope
//	{prefix}/{clientId}/versions/{versionId}   secret hash of one version
//
// The envelope carries the version index (IDs, statuses, deadlines); the
// hashes live in the per-version documents. Envelope writes use KV v2
// check-and-set so concurrent mutations surface as CompareFailed instead of
// silently losing an update.
type Client struct {
	cfg ClientConfig
	kv  *vaultapi.KVv2
}

// NewClient connects the transport client. The connection is lazy; the
// first request performs the handshake.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	apiConf := vaultapi.DefaultConfig()
	apiConf.Address = cfg.Address
	if err := apiConf.ConfigureTLS(&vaultapi.TLSConfig{
		CACert:     cfg.CACertPath,
		ClientCert: cfg.ClientCertPath,
		ClientKey:  cfg.ClientKeyPath,
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	// The resilient wrapper owns retries; the api client must not stack its
	// own on top.
	apiConf.MaxRetries = 0

	client, err := vaultapi.NewClient(apiConf)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client.SetClientTimeout(cfg.Timeout)
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	return &Client{cfg: cfg, kv: client.KVv2(cfg.Mount)}, nil
}

// envelope is the stored form of a credential record minus the hashes.
type envelope struct {
	ClientID    string         `json:"clientId"`
	Permissions []string       `json:"permissions"`
	RotationID  string         `json:"rotationId,omitempty"`
	Versions    []versionEntry `json:"versions"`
}

type versionEntry struct {
	ID        string                    `json:"versionId"`
	Status    credentials.VersionStatus `json:"status"`
	CreatedAt time.Time                 `json:"createdAt"`
	NotAfter  time.Time                 `json:"notAfter,omitzero"`
}

func (c *Client) credentialPath(clientID string) string {
	return c.cfg.Prefix + "/" + clientID
}

func (c *Client) versionPath(clientID, versionID string) string {
	return c.cfg.Prefix + "/" + clientID + "/versions/" + versionID
}

// GetCredential implements SecretStore.
func (c *Client) GetCredential(ctx context.Context, clientID string) (cred *credentials.ClientCredential, err error) {
	defer func() { observeRequest("get_credential", err) }()

	env, storeVersion, err := c.readEnvelope(ctx, clientID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cred = &credentials.ClientCredential{
		ClientID:     env.ClientID,
		Permissions:  env.Permissions,
		RotationID:   env.RotationID,
		StoreVersion: storeVersion,
		Versions:     make([]credentials.CredentialVersion, 0, len(env.Versions)),
	}
	for _, entry := range env.Versions {
		secret, err := c.kv.Get(ctx, c.versionPath(clientID, entry.ID))
		if err != nil {
			return nil, trace.Wrap(convertError(err))
		}
		hash, _ := secret.Data["secretHash"].(string)
		cred.Versions = append(cred.Versions, credentials.CredentialVersion{
			ID:         entry.ID,
			SecretHash: hash,
			Status:     entry.Status,
			CreatedAt:  entry.CreatedAt,
			NotAfter:   entry.NotAfter,
		})
	}
	if err := cred.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cred, nil
}

// PutCredential implements SecretStore. Version documents are written
// first so a reader that sees the new envelope always finds the hashes it
// references.
func (c *Client) PutCredential(ctx context.Context, cred *credentials.ClientCredential) (err error) {
	defer func() { observeRequest("put_credential", err) }()

	if err := cred.Check(); err != nil {
		return trace.Wrap(err)
	}
	for i := range cred.Versions {
		v := &cred.Versions[i]
		if _, err := c.kv.Put(ctx, c.versionPath(cred.ClientID, v.ID), map[string]interface{}{
			"secretHash": v.SecretHash,
		}); err != nil {
			return trace.Wrap(convertError(err))
		}
	}
	return trace.Wrap(c.writeEnvelope(ctx, envelopeFromCredential(cred), cred.StoreVersion))
}

// PutCredentialVersion implements SecretStore.
func (c *Client) PutCredentialVersion(ctx context.Context, clientID string, version credentials.CredentialVersion) (err error) {
	defer func() { observeRequest("put_version", err) }()

	env, storeVersion, err := c.readEnvelope(ctx, clientID)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, entry := range env.Versions {
		if entry.ID == version.ID {
			return trace.AlreadyExists("credential version %q already exists", version.ID)
		}
	}

	// Create-only write: a lingering version document under a reused ID is
	// a bug, not something to overwrite.
	if _, err := c.kv.Put(ctx, c.versionPath(clientID, version.ID), map[string]interface{}{
		"secretHash": version.SecretHash,
	}, vaultapi.WithCheckAndSet(0)); err != nil {
		return trace.Wrap(convertError(err))
	}

	env.Versions = append(env.Versions, versionEntry{
		ID:        version.ID,
		Status:    version.Status,
		CreatedAt: version.CreatedAt,
		NotAfter:  version.NotAfter,
	})
	return trace.Wrap(c.writeEnvelope(ctx, env, storeVersion))
}

// UpdateVersionStatus implements SecretStore.
func (c *Client) UpdateVersionStatus(ctx context.Context, clientID, versionID string, status credentials.VersionStatus, notAfter time.Time) (err error) {
	defer func() { observeRequest("update_version_status", err) }()

	if !status.Valid() {
		return trace.BadParameter("unknown credential version status %q", status)
	}

	env, storeVersion, err := c.readEnvelope(ctx, clientID)
	if err != nil {
		return trace.Wrap(err)
	}
	var found bool
	for i := range env.Versions {
		if env.Versions[i].ID != versionID {
			continue
		}
		found = true
		if env.Versions[i].Status == status && (notAfter.IsZero() || env.Versions[i].NotAfter.Equal(notAfter)) {
			// Already there: reconciliation replays are no-ops.
			return nil
		}
		env.Versions[i].Status = status
		if !notAfter.IsZero() {
			env.Versions[i].NotAfter = notAfter
		}
	}
	if !found {
		return trace.NotFound("credential version %q not found for client %q", versionID, clientID)
	}
	return trace.Wrap(c.writeEnvelope(ctx, env, storeVersion))
}

// DeleteVersion implements SecretStore.
func (c *Client) DeleteVersion(ctx context.Context, clientID, versionID string) (err error) {
	defer func() { observeRequest("delete_version", err) }()

	env, storeVersion, err := c.readEnvelope(ctx, clientID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}

	kept := env.Versions[:0]
	var found bool
	for _, entry := range env.Versions {
		if entry.ID == versionID {
			found = true
			continue
		}
		kept = append(kept, entry)
	}
	if !found {
		return nil
	}
	env.Versions = kept

	// Envelope first: no window where the index references a destroyed
	// hash.
	if err := c.writeEnvelope(ctx, env, storeVersion); err != nil {
		return trace.Wrap(err)
	}
	if err := c.kv.DeleteMetadata(ctx, c.versionPath(clientID, versionID)); err != nil {
		err = convertError(err)
		if !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Health implements SecretStore by listing nothing more than the mount's
// own config endpoint.
func (c *Client) Health(ctx context.Context) (err error) {
	defer func() { observeRequest("health", err) }()

	// Reading a well-known absent path exercises auth, TLS and the mount
	// without touching credential data. Only transport-level failures count
	// as unhealthy.
	_, err = c.kv.Get(ctx, c.cfg.Prefix+"/.health")
	if err == nil || trace.IsNotFound(convertError(err)) {
		return nil
	}
	return trace.Wrap(convertError(err))
}

func (c *Client) readEnvelope(ctx context.Context, clientID string) (*envelope, int, error) {
	if clientID == "" {
		return nil, 0, trace.BadParameter("missing client id")
	}
	secret, err := c.kv.Get(ctx, c.credentialPath(clientID))
	if err != nil {
		return nil, 0, trace.Wrap(convertError(err))
	}

	// KV v2 data comes back as map[string]interface{}; a JSON round trip is
	// the least error-prone way into the typed envelope.
	raw, err := json.Marshal(secret.Data)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, 0, trace.Wrap(err, "credential envelope for client %q is corrupt", clientID)
	}

	var storeVersion int
	if secret.VersionMetadata != nil {
		storeVersion = secret.VersionMetadata.Version
	}
	return &env, storeVersion, nil
}

func (c *Client) writeEnvelope(ctx context.Context, env *envelope, storeVersion int) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return trace.Wrap(err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return trace.Wrap(err)
	}

	var opts []vaultapi.KVOption
	if storeVersion > 0 {
		opts = append(opts, vaultapi.WithCheckAndSet(storeVersion))
	}
	if _, err := c.kv.Put(ctx, c.credentialPath(env.ClientID), data, opts...); err != nil {
		return trace.Wrap(convertError(err))
	}
	return nil
}

func envelopeFromCredential(cred *credentials.ClientCredential) *envelope {
	env := &envelope{
		ClientID:    cred.ClientID,
		Permissions: cred.Permissions,
		RotationID:  cred.RotationID,
		Versions:    make([]versionEntry, 0, len(cred.Versions)),
	}
	for _, v := range cred.Versions {
		env.Versions = append(env.Versions, versionEntry{
			ID:        v.ID,
			Status:    v.Status,
			CreatedAt: v.CreatedAt,
			NotAfter:  v.NotAfter,
		})
	}
	return env
}

// convertError maps vault api errors onto the gateway's error taxonomy.
// Anything that might heal on its own becomes a ConnectionProblem, which is
// what the retry policy and the breaker key off.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, vaultapi.ErrSecretNotFound) {
		return trace.NotFound("secret not found")
	}

	var respErr *vaultapi.ResponseError
	if errors.As(err, &respErr) {
		msg := strings.Join(respErr.Errors, "; ")
		switch {
		case respErr.StatusCode == 400 && strings.Contains(msg, "check-and-set"):
			return trace.CompareFailed("secret was concurrently modified")
		case respErr.StatusCode == 400:
			return trace.BadParameter("vault rejected the request: %s", msg)
		case respErr.StatusCode == 403:
			return trace.AccessDenied("vault denied access: %s", msg)
		case respErr.StatusCode == 404:
			return trace.NotFound("secret not found")
		case respErr.StatusCode == 429, respErr.StatusCode >= 500:
			return trace.ConnectionProblem(err, "vault unavailable: HTTP %d", respErr.StatusCode)
		default:
			return trace.Wrap(err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return trace.ConnectionProblem(err, "vault request timed out")
	}
	// Network-level failures come back as url.Error or raw net errors.
	return trace.ConnectionProblem(err, "vault request failed: %v", truncateErr(err))
}

// truncateErr bounds the error string carried into logs and wrapped
// messages.
func truncateErr(err error) string {
	return fmt.Sprintf("%.200s", err.Error())
}
