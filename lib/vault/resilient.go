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
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/audit"
	"github.com/gravitational/tollgate/lib/breaker"
	"github.com/gravitational/tollgate/lib/cache"
	"github.com/gravitational/tollgate/lib/credentials"
	logutils "github.com/gravitational/tollgate/lib/utils/log"
	"github.com/gravitational/tollgate/lib/utils/retryutils"
)

var logger = logutils.NewPackageLogger(tollgate.ComponentKey, tollgate.ComponentVault)

// CredentialCache is the TTL cache the resilient layer reads through. The
// stale accessor is what keeps authentication alive through a store outage.
type CredentialCache = cache.TTLCache[*credentials.ClientCredential]

// ResilientConfig configures the Resilient wrapper.
type ResilientConfig struct {
	// Store is the wrapped secret store.
	Store SecretStore
	// Cache is the credential read-through cache.
	Cache *CredentialCache
	// Retry is the per-operation retry policy. The Retryable predicate is
	// owned by the wrapper and must be left unset.
	Retry retryutils.Config
	// Breaker is the base circuit breaker configuration, cloned per
	// operation class.
	Breaker breaker.Config
	// Emitter records degradation and recovery events.
	Emitter audit.Emitter
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ResilientConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing secret store")
	}
	if c.Cache == nil {
		return trace.BadParameter("missing credential cache")
	}
	if c.Retry.Retryable != nil {
		return trace.BadParameter("retryable predicate is owned by the resilient wrapper")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Breaker.Trip == nil {
		c.Breaker = breaker.DefaultConfig(c.Clock)
	}
	if c.Emitter == nil {
		c.Emitter = audit.DiscardEmitter{}
	}
	c.Retry.Clock = c.Clock
	c.Retry.Retryable = retryableStoreError
	return nil
}

// retryableStoreError retries transient store failures only. Breaker
// rejections are terminal for the attempt loop: a tripped breaker means the
// fallback path should take over immediately.
func retryableStoreError(err error) bool {
	if errors.Is(err, breaker.ErrStateTripped) || errors.Is(err, breaker.ErrRecoveryLimitExceeded) {
		return false
	}
	return trace.IsConnectionProblem(err)
}

// Resilient wraps a SecretStore with retries, per-operation-class circuit
// breakers and cache fallback for reads. Writes never fall back: a rotation
// must not proceed on guessed store state.
type Resilient struct {
	cfg ResilientConfig

	readBreaker   *breaker.CircuitBreaker
	writeBreaker  *breaker.CircuitBreaker
	healthBreaker *breaker.CircuitBreaker

	flight singleflight.Group
}

// NewResilient creates the wrapper from the config.
func NewResilient(cfg ResilientConfig) (*Resilient, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureRegistered()

	r := &Resilient{cfg: cfg}

	newBreaker := func(name string) (*breaker.CircuitBreaker, error) {
		bcfg := breaker.InstrumentConfig(name, cfg.Breaker)
		prevTripped := bcfg.OnTripped
		bcfg.OnTripped = func() {
			logger.Warn("Secret store breaker tripped.", "breaker", name)
			r.cfg.Emitter.EmitAuditEvent(context.Background(), audit.Event{
				Type:   audit.VaultDegraded,
				Reason: name,
			})
			if prevTripped != nil {
				prevTripped()
			}
		}
		prevStandby := bcfg.OnStandby
		bcfg.OnStandby = func() {
			logger.Info("Secret store breaker recovered.", "breaker", name)
			r.cfg.Emitter.EmitAuditEvent(context.Background(), audit.Event{
				Type:   audit.VaultRecovered,
				Reason: name,
			})
			if prevStandby != nil {
				prevStandby()
			}
		}
		return breaker.New(bcfg)
	}

	var err error
	if r.readBreaker, err = newBreaker("vault_read"); err != nil {
		return nil, trace.Wrap(err)
	}
	if r.writeBreaker, err = newBreaker("vault_write"); err != nil {
		return nil, trace.Wrap(err)
	}
	if r.healthBreaker, err = newBreaker("vault_health"); err != nil {
		return nil, trace.Wrap(err)
	}
	return r, nil
}

// execute runs op through the breaker inside the retry loop: every attempt
// is a breaker execution, and once the breaker trips the loop ends
// immediately.
func (r *Resilient) execute(ctx context.Context, cb *breaker.CircuitBreaker, op func() error) error {
	return retryutils.Retry(ctx, r.cfg.Retry, func() error {
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, op()
		})
		return err
	})
}

// GetCredential implements SecretStore. Reads go through the cache;
// concurrent misses for the same client collapse into one store round trip.
// When the store cannot answer, the last known record is served flagged
// Stale; with nothing cached the caller sees the store failure.
func (r *Resilient) GetCredential(ctx context.Context, clientID string) (*credentials.ClientCredential, error) {
	if cred, ok := r.cfg.Cache.Get(clientID); ok {
		return cred, nil
	}

	out, err, _ := r.flight.Do(clientID, func() (interface{}, error) {
		// Another waiter may have filled the cache while this call queued.
		if cred, ok := r.cfg.Cache.Get(clientID); ok {
			return cred, nil
		}

		var cred *credentials.ClientCredential
		err := r.execute(ctx, r.readBreaker, func() error {
			var opErr error
			cred, opErr = r.cfg.Store.GetCredential(ctx, clientID)
			return opErr
		})
		if err == nil {
			r.cfg.Cache.Put(clientID, cred)
			return cred, nil
		}
		if !trace.IsConnectionProblem(err) && !errors.Is(err, breaker.ErrRecoveryLimitExceeded) {
			// A definite store answer, NotFound included: no fallback.
			return nil, trace.Wrap(err)
		}

		if stale, found, _ := r.cfg.Cache.GetStale(clientID); found {
			vaultStaleReads.Inc()
			logger.WarnContext(ctx, "Secret store unavailable, serving cached credentials.",
				"client_id", audit.MaskedClient(clientID),
				"error", err,
			)
			out := cloneCredential(stale)
			out.Stale = true
			return out, nil
		}
		return nil, trace.ConnectionProblem(err, "secret store unavailable and no cached credentials for this client")
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out.(*credentials.ClientCredential), nil
}

// PutCredential implements SecretStore.
func (r *Resilient) PutCredential(ctx context.Context, cred *credentials.ClientCredential) error {
	err := r.execute(ctx, r.writeBreaker, func() error {
		return r.cfg.Store.PutCredential(ctx, cred)
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.cfg.Cache.Evict(cred.ClientID)
	return nil
}

// PutCredentialVersion implements SecretStore.
func (r *Resilient) PutCredentialVersion(ctx context.Context, clientID string, version credentials.CredentialVersion) error {
	err := r.execute(ctx, r.writeBreaker, func() error {
		return r.cfg.Store.PutCredentialVersion(ctx, clientID, version)
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.cfg.Cache.Evict(clientID)
	return nil
}

// UpdateVersionStatus implements SecretStore.
func (r *Resilient) UpdateVersionStatus(ctx context.Context, clientID, versionID string, status credentials.VersionStatus, notAfter time.Time) error {
	err := r.execute(ctx, r.writeBreaker, func() error {
		return r.cfg.Store.UpdateVersionStatus(ctx, clientID, versionID, status, notAfter)
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.cfg.Cache.Evict(clientID)
	return nil
}

// DeleteVersion implements SecretStore.
func (r *Resilient) DeleteVersion(ctx context.Context, clientID, versionID string) error {
	err := r.execute(ctx, r.writeBreaker, func() error {
		return r.cfg.Store.DeleteVersion(ctx, clientID, versionID)
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.cfg.Cache.Evict(clientID)
	return nil
}

// Health implements SecretStore with a single attempt: a health probe that
// needs retries is not healthy.
func (r *Resilient) Health(ctx context.Context) error {
	_, err := r.healthBreaker.Execute(func() (interface{}, error) {
		return nil, r.cfg.Store.Health(ctx)
	})
	return trace.Wrap(err)
}

// EvictCredential drops the cached record for a client so the next read
// hits the store.
func (r *Resilient) EvictCredential(clientID string) {
	r.cfg.Cache.Evict(clientID)
}
