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
	"sync"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/gravitational/tollgate/lib/defaults"
)

// HashSecret hashes a plaintext secret for storage.
func HashSecret(secret string) (string, error) {
	if err := CheckSecretSyntax(secret); err != nil {
		return "", trace.Wrap(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), defaults.BcryptCost)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(hash), nil
}

// VerifySecret checks the secret against every matchable version of the
// credential and returns the matched version. All candidates are evaluated
// before the verdict so the comparison count does not depend on where, or
// whether, a match sits. When several versions match (possible mid-rotation
// if the same secret was staged twice) the last match wins.
func VerifySecret(cred *ClientCredential, secret string, now time.Time) (*CredentialVersion, error) {
	var matched *CredentialVersion
	for i := range cred.Versions {
		v := &cred.Versions[i]
		if !v.Matchable(now) {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(v.SecretHash), []byte(secret)) == nil {
			matched = v
		}
	}
	if matched == nil {
		return nil, trace.AccessDenied("invalid client credentials")
	}
	return matched, nil
}

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// VerifyDummy burns one bcrypt comparison against a fixed throwaway hash.
// The authentication path calls it for unknown client IDs so response
// latency does not reveal whether a client exists.
func VerifyDummy(secret string) {
	dummyHashOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("tollgate-dummy-credential"), defaults.BcryptCost)
		if err != nil {
			// GenerateFromPassword only fails on an invalid cost, which is a
			// compile-time constant here.
			panic(err)
		}
		dummyHash = hash
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
}

const (
	// MaxClientIDLength bounds the X-Client-ID header value.
	MaxClientIDLength = 128
	// MaxSecretLength bounds the X-Client-Secret header value.
	MaxSecretLength = 1024
)

// CheckClientIDSyntax validates a client ID header value before it is used
// anywhere: 1 to 128 characters of [A-Za-z0-9_-].
func CheckClientIDSyntax(clientID string) error {
	if len(clientID) == 0 || len(clientID) > MaxClientIDLength {
		return trace.BadParameter("client id length must be between 1 and %d characters", MaxClientIDLength)
	}
	for i := 0; i < len(clientID); i++ {
		c := clientID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return trace.BadParameter("client id contains invalid characters")
		}
	}
	return nil
}

// CheckSecretSyntax validates a client secret header value: 1 to 1024 bytes
// of printable ASCII. The error never echoes the value.
func CheckSecretSyntax(secret string) error {
	if len(secret) == 0 || len(secret) > MaxSecretLength {
		return trace.BadParameter("client secret length must be between 1 and %d bytes", MaxSecretLength)
	}
	for i := 0; i < len(secret); i++ {
		// Printable ASCII only. Anything else means header smuggling or
		// encoding confusion, not a credential.
		if secret[i] < 0x20 || secret[i] > 0x7e {
			return trace.BadParameter("client secret contains invalid characters")
		}
	}
	return nil
}
