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
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/tollgate/lib/defaults"
)

// SigningKey is a single HMAC key of the keyring. Secret material never
// appears in logs or errors; keys are referred to by ID everywhere.
type SigningKey struct {
	// ID names the key. It becomes the kid header on minted tokens when the
	// keyring holds more than one key.
	ID string
	// Secret is the raw HMAC-SHA256 key material.
	Secret []byte
	// NotAfter, when set, stops the key from verifying tokens past this
	// instant. Used to age out retired signing keys.
	NotAfter time.Time
}

// Keyring holds the signing key and any number of additional verification
// keys. Exactly one key signs; every non-expired key verifies, which is what
// makes signing-key rotation possible without invalidating tokens in flight.
type Keyring struct {
	activeID string
	keys     []SigningKey
}

// NewKeyring builds a keyring from keys, with activeID naming the signing
// key. Key IDs must be unique and every secret must meet the minimum length.
func NewKeyring(activeID string, keys []SigningKey) (*Keyring, error) {
	if activeID == "" {
		return nil, trace.BadParameter("missing active key id")
	}
	if len(keys) == 0 {
		return nil, trace.BadParameter("keyring requires at least one key")
	}

	seen := make(map[string]struct{}, len(keys))
	var foundActive bool
	for _, key := range keys {
		if key.ID == "" {
			return nil, trace.BadParameter("keyring contains a key without an id")
		}
		if _, dup := seen[key.ID]; dup {
			return nil, trace.BadParameter("duplicate key id %q", key.ID)
		}
		seen[key.ID] = struct{}{}
		if len(key.Secret) < defaults.MinSigningKeyLength {
			return nil, trace.BadParameter("key %q is shorter than %d bytes", key.ID, defaults.MinSigningKeyLength)
		}
		if key.ID == activeID {
			foundActive = true
		}
	}
	if !foundActive {
		return nil, trace.BadParameter("active key %q not present in keyring", activeID)
	}

	return &Keyring{
		activeID: activeID,
		keys:     append([]SigningKey(nil), keys...),
	}, nil
}

// Active returns the signing key.
func (r *Keyring) Active() SigningKey {
	for _, key := range r.keys {
		if key.ID == r.activeID {
			return key
		}
	}
	// NewKeyring guarantees the active key exists.
	panic("keyring: active key missing")
}

// VerificationKeys returns every key usable for verification at the given
// instant, the signing key included.
func (r *Keyring) VerificationKeys(now time.Time) []SigningKey {
	keys := make([]SigningKey, 0, len(r.keys))
	for _, key := range r.keys {
		if !key.NotAfter.IsZero() && now.After(key.NotAfter) {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// Len returns the number of keys held, expired verification keys included.
func (r *Keyring) Len() int {
	return len(r.keys)
}
