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
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/tollgate/lib/tokens"
)

// keyringDocument is the stored shape of a signing keyring under the KV
// mount. Secrets are base64 so the document survives the KV v2 JSON round
// trip unharmed.
type keyringDocument struct {
	ActiveKeyID string               `json:"activeKeyId"`
	Keys        []keyringDocumentKey `json:"keys"`
}

type keyringDocumentKey struct {
	KeyID    string    `json:"keyId"`
	Secret   string    `json:"secret"`
	NotAfter time.Time `json:"notAfter,omitzero"`
}

// GetKeyring reads the signing keyring stored at path under the mount.
// Deployments that keep signing keys next to the client credentials use
// this instead of a keyring file.
func (c *Client) GetKeyring(ctx context.Context, path string) (*tokens.Keyring, error) {
	if path == "" {
		return nil, trace.BadParameter("missing keyring path")
	}
	secret, err := c.kv.Get(ctx, path)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}

	raw, err := json.Marshal(secret.Data)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var doc keyringDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, trace.Wrap(err, "keyring document at %q is corrupt", path)
	}

	keys := make([]tokens.SigningKey, 0, len(doc.Keys))
	for _, key := range doc.Keys {
		material, err := base64.StdEncoding.DecodeString(key.Secret)
		if err != nil {
			return nil, trace.BadParameter("keyring key %q secret is not valid base64", key.KeyID)
		}
		keys = append(keys, tokens.SigningKey{
			ID:       key.KeyID,
			Secret:   material,
			NotAfter: key.NotAfter,
		})
	}
	keyring, err := tokens.NewKeyring(doc.ActiveKeyID, keys)
	return keyring, trace.Wrap(err)
}
