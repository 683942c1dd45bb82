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
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/audit"
	"github.com/gravitational/tollgate/lib/cache"
	"github.com/gravitational/tollgate/lib/credentials"
	"github.com/gravitational/tollgate/lib/tokens"
)

func newTestKeyring(t *testing.T) *tokens.Keyring {
	t.Helper()
	keyring, err := tokens.NewKeyring("key-1", []tokens.SigningKey{{
		ID:     "key-1",
		Secret: bytes.Repeat([]byte("k"), 32),
	}})
	require.NoError(t, err)
	return keyring
}

func newTestMinter(t *testing.T, keyring *tokens.Keyring, clock clockwork.Clock) *tokens.Minter {
	t.Helper()
	minter, err := tokens.NewMinter(tokens.MinterConfig{
		Keyring:  keyring,
		Lifetime: 5 * time.Minute,
		Clock:    clock,
	})
	require.NoError(t, err)
	return minter
}

func newTestTokenSource(t *testing.T, minter *tokens.Minter, clock clockwork.Clock, emitter audit.Emitter) *TokenSource {
	t.Helper()
	tokenCache, err := cache.NewLRUCache[string](cache.LRUConfig{
		Name:  "test_tokens",
		Clock: clock,
	})
	require.NoError(t, err)
	source, err := NewTokenSource(TokenSourceConfig{
		Minter:  minter,
		Cache:   tokenCache,
		Emitter: emitter,
	})
	require.NoError(t, err)
	return source
}

func testCredential() *credentials.ClientCredential {
	return &credentials.ClientCredential{
		ClientID:    testClientID,
		Permissions: []string{tollgate.PermissionPaymentsWrite},
	}
}

func TestTokenSourceCachesUntilNearExpiry(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	recorder := audit.NewRecorder()
	source := newTestTokenSource(t, newTestMinter(t, newTestKeyring(t), clock), clock, recorder)
	ctx := context.Background()
	cred := testCredential()

	first, err := source.Bearer(ctx, cred)
	require.NoError(t, err)
	second, err := source.Bearer(ctx, cred)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, recorder.Find(audit.TokenMinted), 1)

	// Still inside 90% of the 5 minute lifetime.
	clock.Advance(4 * time.Minute)
	cached, err := source.Bearer(ctx, cred)
	require.NoError(t, err)
	require.Equal(t, first, cached)

	// Past the cache cutoff a fresh token is minted even though the old one
	// has a minute of validity left.
	clock.Advance(45 * time.Second)
	fresh, err := source.Bearer(ctx, cred)
	require.NoError(t, err)
	require.NotEqual(t, first, fresh)
	require.Len(t, recorder.Find(audit.TokenMinted), 2)
}

func TestTokenSourceEvict(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	source := newTestTokenSource(t, newTestMinter(t, newTestKeyring(t), clock), clock, audit.DiscardEmitter{})
	ctx := context.Background()
	cred := testCredential()

	first, err := source.Bearer(ctx, cred)
	require.NoError(t, err)
	source.Evict(cred.ClientID)
	second, err := source.Bearer(ctx, cred)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}
