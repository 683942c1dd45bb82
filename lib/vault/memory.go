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
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/tollgate/lib/credentials"
)

// MemoryStore is an in-memory SecretStore for tests and single-node
// development. It honors the same semantics as the vault transport:
// check-and-set on full-record writes, idempotent status updates and
// deletes, never-reused version IDs. Tests can inject failures to exercise
// the resilient wrapper.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]*credentials.ClientCredential
	// tombstones remembers every version ID ever written per client so a
	// deleted ID cannot come back.
	tombstones map[string]map[string]struct{}
	// failWith, when set, makes operations fail with this error.
	failWith error
	// failRemaining limits how many operations fail; negative means until
	// healed.
	failRemaining int
	// calls counts operations by name for test assertions.
	calls map[string]int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds:      make(map[string]*credentials.ClientCredential),
		tombstones: make(map[string]map[string]struct{}),
		calls:      make(map[string]int),
	}
}

// SetError makes every subsequent operation fail with err. Pass nil to heal
// the store.
func (m *MemoryStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
	m.failRemaining = -1
}

// FailTimes makes the next n operations fail with err, then the store heals
// on its own.
func (m *MemoryStore) FailTimes(err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
	m.failRemaining = n
}

// Calls returns how many times the named operation ran, failures included.
func (m *MemoryStore) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MemoryStore) enter(op string) error {
	m.calls[op]++
	if m.failWith == nil {
		return nil
	}
	if m.failRemaining == 0 {
		m.failWith = nil
		return nil
	}
	if m.failRemaining > 0 {
		m.failRemaining--
	}
	return m.failWith
}

// GetCredential implements SecretStore.
func (m *MemoryStore) GetCredential(_ context.Context, clientID string) (*credentials.ClientCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("get_credential"); err != nil {
		return nil, trace.Wrap(err)
	}

	cred, ok := m.creds[clientID]
	if !ok {
		return nil, trace.NotFound("client %q not found", clientID)
	}
	return cloneCredential(cred), nil
}

// PutCredential implements SecretStore.
func (m *MemoryStore) PutCredential(_ context.Context, cred *credentials.ClientCredential) error {
	if err := cred.Check(); err != nil {
		return trace.Wrap(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("put_credential"); err != nil {
		return trace.Wrap(err)
	}

	existing := m.creds[cred.ClientID]
	if cred.StoreVersion > 0 {
		if existing == nil || existing.StoreVersion != cred.StoreVersion {
			return trace.CompareFailed("client %q was concurrently modified", cred.ClientID)
		}
	}

	stored := cloneCredential(cred)
	if existing != nil {
		stored.StoreVersion = existing.StoreVersion + 1
	} else {
		stored.StoreVersion = 1
	}
	m.creds[cred.ClientID] = stored
	for _, v := range stored.Versions {
		m.remember(cred.ClientID, v.ID)
	}
	return nil
}

// PutCredentialVersion implements SecretStore.
func (m *MemoryStore) PutCredentialVersion(_ context.Context, clientID string, version credentials.CredentialVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("put_version"); err != nil {
		return trace.Wrap(err)
	}

	cred, ok := m.creds[clientID]
	if !ok {
		return trace.NotFound("client %q not found", clientID)
	}
	if _, used := m.tombstones[clientID][version.ID]; used {
		return trace.AlreadyExists("credential version %q already exists", version.ID)
	}

	cred.Versions = append(cred.Versions, version)
	cred.StoreVersion++
	m.remember(clientID, version.ID)
	return nil
}

// UpdateVersionStatus implements SecretStore.
func (m *MemoryStore) UpdateVersionStatus(_ context.Context, clientID, versionID string, status credentials.VersionStatus, notAfter time.Time) error {
	if !status.Valid() {
		return trace.BadParameter("unknown credential version status %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("update_version_status"); err != nil {
		return trace.Wrap(err)
	}

	cred, ok := m.creds[clientID]
	if !ok {
		return trace.NotFound("client %q not found", clientID)
	}
	version := cred.Version(versionID)
	if version == nil {
		return trace.NotFound("credential version %q not found for client %q", versionID, clientID)
	}
	if version.Status == status && (notAfter.IsZero() || version.NotAfter.Equal(notAfter)) {
		return nil
	}
	version.Status = status
	if !notAfter.IsZero() {
		version.NotAfter = notAfter
	}
	cred.StoreVersion++
	return nil
}

// DeleteVersion implements SecretStore.
func (m *MemoryStore) DeleteVersion(_ context.Context, clientID, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("delete_version"); err != nil {
		return trace.Wrap(err)
	}

	cred, ok := m.creds[clientID]
	if !ok {
		return nil
	}
	kept := cred.Versions[:0]
	var found bool
	for _, v := range cred.Versions {
		if v.ID == versionID {
			found = true
			continue
		}
		kept = append(kept, v)
	}
	if found {
		cred.Versions = kept
		cred.StoreVersion++
	}
	return nil
}

// Health implements SecretStore.
func (m *MemoryStore) Health(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return trace.Wrap(m.enter("health"))
}

func (m *MemoryStore) remember(clientID, versionID string) {
	used := m.tombstones[clientID]
	if used == nil {
		used = make(map[string]struct{})
		m.tombstones[clientID] = used
	}
	used[versionID] = struct{}{}
}

func cloneCredential(cred *credentials.ClientCredential) *credentials.ClientCredential {
	out := *cred
	out.Permissions = append([]string(nil), cred.Permissions...)
	out.Versions = append([]credentials.CredentialVersion(nil), cred.Versions...)
	return &out
}
