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
	"io"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/gravitational/tollgate/lib/tokens"
)

// keyringFile is the on-disk shape of a signing keyring.
type keyringFile struct {
	// ActiveKeyID names the key that signs; every listed key verifies.
	ActiveKeyID string `yaml:"activeKeyId"`
	Keys        []keyringFileKey `yaml:"keys"`
}

type keyringFileKey struct {
	KeyID string `yaml:"keyId"`
	// Secret is the base64-encoded HMAC key material. Exactly one of Secret
	// and SecretFile must be set.
	Secret string `yaml:"secret,omitempty"`
	// SecretFile reads the raw key material from a separate file, so the
	// keyring document itself can stay out of secret management.
	SecretFile string `yaml:"secretFile,omitempty"`
	// NotAfter retires the key for verification past this instant.
	NotAfter time.Time `yaml:"notAfter,omitempty"`
}

// LoadKeyringFile reads a signing keyring from the YAML document at path.
func LoadKeyringFile(path string) (*tokens.Keyring, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	keyring, err := ReadKeyring(f)
	return keyring, trace.Wrap(err, "parsing keyring %v", path)
}

// ReadKeyring parses a signing keyring document.
func ReadKeyring(r io.Reader) (*tokens.Keyring, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var kf keyringFile
	if err := dec.Decode(&kf); err != nil {
		return nil, trace.BadParameter("failed to parse keyring: %v", err)
	}

	keys := make([]tokens.SigningKey, 0, len(kf.Keys))
	for _, key := range kf.Keys {
		secret, err := keyMaterial(key)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		keys = append(keys, tokens.SigningKey{
			ID:       key.KeyID,
			Secret:   secret,
			NotAfter: key.NotAfter,
		})
	}
	keyring, err := tokens.NewKeyring(kf.ActiveKeyID, keys)
	return keyring, trace.Wrap(err)
}

func keyMaterial(key keyringFileKey) ([]byte, error) {
	switch {
	case key.Secret != "" && key.SecretFile != "":
		return nil, trace.BadParameter("key %q sets both secret and secretFile", key.KeyID)
	case key.Secret != "":
		secret, err := base64.StdEncoding.DecodeString(key.Secret)
		if err != nil {
			return nil, trace.BadParameter("key %q secret is not valid base64", key.KeyID)
		}
		return secret, nil
	case key.SecretFile != "":
		secret, err := os.ReadFile(key.SecretFile)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		return bytes.TrimSpace(secret), nil
	default:
		return nil, trace.BadParameter("key %q has no secret material", key.KeyID)
	}
}
