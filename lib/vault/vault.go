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

// Package vault holds the secret store client. The transport layer speaks
// to a HashiCorp Vault KV v2 mount over mutual TLS; the resilient layer
// wraps any SecretStore with retries, per-operation circuit breakers and a
// cache that keeps the last known credentials readable through an outage.
package vault

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/credentials"
	"github.com/gravitational/tollgate/lib/utils"
)

// SecretStore is the authoritative credential storage. The transport Client
// is the production implementation; MemoryStore backs tests and single-node
// development setups; Resilient wraps either.
type SecretStore interface {
	// GetCredential returns the full credential record of a client,
	// NotFound if the client does not exist.
	GetCredential(ctx context.Context, clientID string) (*credentials.ClientCredential, error)

	// PutCredential writes the full credential record. When the record
	// carries a StoreVersion the write is check-and-set: a concurrent
	// update yields CompareFailed.
	PutCredential(ctx context.Context, cred *credentials.ClientCredential) error

	// PutCredentialVersion stores a new credential version for the client.
	// A version ID is never reused; writing an existing ID yields
	// AlreadyExists.
	PutCredentialVersion(ctx context.Context, clientID string, version credentials.CredentialVersion) error

	// UpdateVersionStatus moves a credential version to the given status,
	// setting its grace deadline when notAfter is non-zero. Setting the
	// status a version already has is a no-op success, which is what lets
	// the rotation coordinator reconcile after a partial failure.
	UpdateVersionStatus(ctx context.Context, clientID, versionID string, status credentials.VersionStatus, notAfter time.Time) error

	// DeleteVersion removes a credential version outright. Deleting an
	// absent version is a no-op success.
	DeleteVersion(ctx context.Context, clientID, versionID string) error

	// Health reports whether the store can serve requests.
	Health(ctx context.Context) error
}

var (
	vaultRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "vault",
		Name:      "requests_total",
		Help:      "Secret store requests by operation and result.",
	}, []string{"op", "result"})

	vaultStaleReads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "vault",
		Name:      "stale_reads_total",
		Help:      "Credential reads served from cache because the store was unavailable.",
	})

	registerOnce sync.Once
)

func ensureRegistered() {
	registerOnce.Do(func() {
		if err := utils.RegisterPrometheusCollectors(vaultRequests, vaultStaleReads); err != nil {
			panic(err)
		}
	})
}

func observeRequest(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	vaultRequests.WithLabelValues(op, result).Inc()
}
