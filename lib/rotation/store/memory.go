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

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/gravitational/trace"
)

// MemoryStore keeps rotation records in memory. Used by tests and
// single-node development setups; state does not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, record *Record) error {
	if err := record.Check(); err != nil {
		return trace.Wrap(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[record.ID]; exists {
		return trace.AlreadyExists("rotation %q already exists", record.ID)
	}
	record.Revision = 1
	m.records[record.ID] = record.Clone()
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, rotationID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[rotationID]
	if !ok {
		return nil, trace.NotFound("rotation %q not found", rotationID)
	}
	return record.Clone(), nil
}

// Update implements Store.
func (m *MemoryStore) Update(_ context.Context, record *Record) error {
	if err := record.Check(); err != nil {
		return trace.Wrap(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.records[record.ID]
	if !ok {
		return trace.NotFound("rotation %q not found", record.ID)
	}
	if stored.Revision != record.Revision {
		return trace.CompareFailed("rotation %q was concurrently modified", record.ID)
	}
	record.Revision++
	m.records[record.ID] = record.Clone()
	return nil
}

// GetActiveByClient implements Store.
func (m *MemoryStore) GetActiveByClient(_ context.Context, clientID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range m.records {
		if record.ClientID == clientID && !record.State.Terminal() {
			return record.Clone(), nil
		}
	}
	return nil, trace.NotFound("no active rotation for client %q", clientID)
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, filter Filter) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Record
	for _, record := range m.records {
		if filter.matches(record) {
			out = append(out, record.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
