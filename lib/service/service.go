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

// Package service assembles the gateway from its parts and runs them under
// one supervisor: the vendor-facing listener, the internal renewal and
// rotation admin listener, the internal service listener, the diagnostics
// listener and the background loops (rotation scheduler, cache sweepers,
// revocation sweeper).
package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/admin"
	"github.com/gravitational/tollgate/lib/audit"
	"github.com/gravitational/tollgate/lib/breaker"
	"github.com/gravitational/tollgate/lib/cache"
	"github.com/gravitational/tollgate/lib/config"
	"github.com/gravitational/tollgate/lib/credentials"
	"github.com/gravitational/tollgate/lib/defaults"
	"github.com/gravitational/tollgate/lib/eapi"
	"github.com/gravitational/tollgate/lib/httplib"
	"github.com/gravitational/tollgate/lib/limiter"
	"github.com/gravitational/tollgate/lib/rotation"
	"github.com/gravitational/tollgate/lib/rotation/store"
	"github.com/gravitational/tollgate/lib/sapi"
	"github.com/gravitational/tollgate/lib/tokens"
	logutils "github.com/gravitational/tollgate/lib/utils/log"
	"github.com/gravitational/tollgate/lib/utils/retryutils"
	"github.com/gravitational/tollgate/lib/vault"
)

var logger = logutils.NewPackageLogger(tollgate.ComponentKey, tollgate.ComponentProcess)

// ProcessConfig configures a Process.
type ProcessConfig struct {
	// FileConfig is the validated gateway configuration.
	FileConfig *config.FileConfig
	// Keyring overrides the configured keyring source. Tests use it.
	Keyring *tokens.Keyring
	// Secrets overrides the secret store connection. Tests use it.
	Secrets vault.SecretStore
	// Backend overrides the bundled in-memory payment backend.
	Backend sapi.Backend
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ProcessConfig) CheckAndSetDefaults() error {
	if c.FileConfig == nil {
		return trace.BadParameter("missing file config")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Process is a fully wired gateway instance. NewProcess binds the
// listeners, so the bound addresses are known before Run starts serving.
type Process struct {
	cfg   ProcessConfig
	fc    *config.FileConfig
	clock clockwork.Clock

	emitter    audit.Emitter
	secrets    vault.SecretStore
	registry   *tokens.RevocationRegistry
	tokenCache *eapi.TokenCache
	credCache  *vault.CredentialCache
	limiter    *limiter.Limiter
	usage      *rotation.UsageTracker
	records    store.Store
	scheduler  *rotation.Scheduler

	supervisor *Supervisor

	vendorLn   net.Listener
	internalLn net.Listener
	sapiLn     net.Listener
	diagLn     net.Listener

	vendorSrv   *http.Server
	internalSrv *http.Server
	sapiSrv     *http.Server
	diagSrv     *http.Server
}

// NewProcess wires the gateway and binds its listeners. Run starts serving.
func NewProcess(ctx context.Context, cfg ProcessConfig) (*Process, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	fc := cfg.FileConfig

	p := &Process{
		cfg:        cfg,
		fc:         fc,
		clock:      cfg.Clock,
		emitter:    audit.NewMultiEmitter(audit.NewLogEmitter(), audit.NewMetricsEmitter()),
		supervisor: NewSupervisor(),
	}
	if err := p.init(ctx); err != nil {
		p.Close()
		return nil, trace.Wrap(err)
	}
	return p, nil
}

func (p *Process) init(ctx context.Context) error {
	fc := p.fc

	vaultClient, err := p.initSecrets()
	if err != nil {
		return trace.Wrap(err)
	}

	keyring := p.cfg.Keyring
	if keyring == nil {
		keyring, err = p.loadKeyring(ctx, vaultClient)
		if err != nil {
			return trace.Wrap(err)
		}
	}

	p.registry = tokens.NewRevocationRegistry(p.clock)
	minter, err := tokens.NewMinter(tokens.MinterConfig{
		Keyring:  keyring,
		Issuer:   fc.Token.Issuer,
		Audience: fc.Token.Audience,
		Lifetime: fc.Token.Lifetime(),
		Registry: p.registry,
		Clock:    p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	validator, err := tokens.NewValidator(tokens.ValidatorConfig{
		Keyring:   keyring,
		Issuer:    fc.Token.Issuer,
		Audience:  fc.Token.Audience,
		ClockSkew: fc.Token.ClockSkew(),
		Registry:  p.registry,
		Clock:     p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	p.tokenCache, err = cache.NewLRUCache[string](cache.LRUConfig{
		Name:    "tokens",
		TTL:     fc.Token.Lifetime(),
		MaxSize: fc.Cache.Token.MaxSize,
		Clock:   p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	p.limiter, err = limiter.New(limiter.Config{
		MaxFailures:      fc.Limiter.MaxFailures,
		Window:           fc.Limiter.Window(),
		Backoff:          fc.Limiter.Backoff(),
		MaxBackoffFactor: fc.Limiter.MaxBackoffFactor,
		Clock:            p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.usage = rotation.NewUsageTracker(p.clock)

	p.records, err = p.initRotationStore(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	coordinator, err := rotation.NewCoordinator(rotation.Config{
		Records:          p.records,
		Secrets:          p.secrets,
		Invalidator:      rotation.TokenInvalidatorFunc(p.invalidateClientTokens),
		Emitter:          p.emitter,
		Clock:            p.clock,
		TransitionPeriod: fc.Rotation.TransitionPeriod(),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.scheduler, err = rotation.NewScheduler(rotation.SchedulerConfig{
		Coordinator:   coordinator,
		Usage:         p.usage,
		CheckInterval: fc.Rotation.CheckInterval(),
		UsageGrace:    fc.Rotation.UsageGrace(),
		Emitter:       p.emitter,
		Clock:         p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	if err := p.bindListeners(); err != nil {
		return trace.Wrap(err)
	}

	if fc.HasRole(config.RoleSAPI) {
		if err := p.initSAPI(validator); err != nil {
			return trace.Wrap(err)
		}
	}
	if fc.HasRole(config.RoleEAPI) {
		if err := p.initEAPI(minter, validator, coordinator); err != nil {
			return trace.Wrap(err)
		}
	}
	p.initDiagnostics()
	return nil
}

// initSecrets connects the secret store and wraps it with the resilient
// layer. The returned transport client is nil when the store is injected or
// in-memory.
func (p *Process) initSecrets() (*vault.Client, error) {
	fc := p.fc

	var base vault.SecretStore
	var vaultClient *vault.Client
	switch {
	case p.cfg.Secrets != nil:
		base = p.cfg.Secrets
	case fc.Vault.Address == "":
		logger.Warn("No vault address configured, using the in-memory secret store. Credentials will not survive a restart.")
		base = vault.NewMemoryStore()
	default:
		var err error
		vaultClient, err = vault.NewClient(vault.ClientConfig{
			Address:        fc.Vault.Address,
			CACertPath:     fc.Vault.TLS.CACertPath,
			ClientCertPath: fc.Vault.TLS.ClientCertPath,
			ClientKeyPath:  fc.Vault.TLS.ClientKeyPath,
			Namespace:      fc.Vault.Namespace,
			Mount:          fc.Vault.Mount,
			Prefix:         fc.Vault.Prefix,
			Timeout:        fc.Vault.Timeout(),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		base = vaultClient
	}

	var err error
	p.credCache, err = cache.NewTTLCache[*credentials.ClientCredential](cache.TTLConfig{
		Name:           "credentials",
		TTL:            fc.Cache.Credential.TTL(),
		StaleRetention: fc.Cache.Credential.StaleRetention(),
		Clock:          p.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p.secrets, err = vault.NewResilient(vault.ResilientConfig{
		Store: base,
		Cache: p.credCache,
		Retry: retryutils.Config{
			MaxAttempts: fc.Retry.MaxAttempts,
			BaseDelay:   fc.Retry.BaseDelay(),
			MaxDelay:    fc.Retry.MaxDelay(),
		},
		Breaker: breaker.Config{
			Clock:         p.clock,
			Interval:      fc.Breaker.Window(),
			TrippedPeriod: fc.Breaker.OpenDuration(),
			RecoveryLimit: uint32(fc.Breaker.RecoveryLimit),
			Trip:          breaker.RatioTripper(fc.Breaker.FailureRateThreshold, uint32(fc.Breaker.MinCalls)),
		},
		Emitter: p.emitter,
		Clock:   p.clock,
	})
	return vaultClient, trace.Wrap(err)
}

func (p *Process) loadKeyring(ctx context.Context, vaultClient *vault.Client) (*tokens.Keyring, error) {
	kc := p.fc.Token.Keyring
	switch kc.Source {
	case config.KeyringSourceFile:
		if kc.Path == "" {
			return nil, trace.BadParameter("token.keyring.path is required when the keyring source is a file")
		}
		keyring, err := config.LoadKeyringFile(kc.Path)
		return keyring, trace.Wrap(err)
	case config.KeyringSourceVault:
		if vaultClient == nil {
			return nil, trace.BadParameter("token.keyring.source vault requires a vault address")
		}
		keyring, err := vaultClient.GetKeyring(ctx, kc.VaultPath)
		return keyring, trace.Wrap(err)
	default:
		return nil, trace.BadParameter("unknown keyring source %q", kc.Source)
	}
}

func (p *Process) initRotationStore(ctx context.Context) (store.Store, error) {
	sc := p.fc.Rotation.Store
	switch sc.Backend {
	case config.RotationStoreMemory:
		return store.NewMemoryStore(), nil
	case config.RotationStoreSQLite:
		records, err := store.NewSQLiteStore(sc.Path)
		return records, trace.Wrap(err)
	case config.RotationStorePostgres:
		records, err := store.NewPostgresStore(ctx, sc.DSN)
		return records, trace.Wrap(err)
	default:
		return nil, trace.BadParameter("unknown rotation store backend %q", sc.Backend)
	}
}

// invalidateClientTokens drops everything that would let a client's old
// credential keep working: cached bearer tokens, outstanding token IDs and
// the cached credential record.
func (p *Process) invalidateClientTokens(clientID string) {
	p.tokenCache.Evict(clientID)
	p.registry.RevokeAllForClient(clientID)
	p.credCache.Evict(clientID)
	p.usage.Forget(clientID)
}

func (p *Process) bindListeners() error {
	fc := p.fc

	listen := func(addr string) (net.Listener, error) {
		ln, err := net.Listen("tcp", addr)
		return ln, trace.Wrap(err, "binding %v", addr)
	}

	var err error
	if fc.HasRole(config.RoleSAPI) {
		if p.sapiLn, err = listen(fc.SAPI.ListenAddr); err != nil {
			return trace.Wrap(err)
		}
	}
	if fc.HasRole(config.RoleEAPI) {
		if p.vendorLn, err = listen(fc.EAPI.ListenAddr); err != nil {
			return trace.Wrap(err)
		}
		if p.internalLn, err = listen(fc.EAPI.InternalListenAddr); err != nil {
			return trace.Wrap(err)
		}
	}
	if p.diagLn, err = listen(fc.Diagnostics.ListenAddr); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// sapiURL is where the forwarder sends vendor requests. When both surfaces
// run in one process and the URL was left at its default, it follows the
// actually bound address, which is what makes port zero listeners work.
func (p *Process) sapiURL() string {
	if p.sapiLn != nil && p.fc.EAPI.SAPIURL == "http://"+defaults.SAPIListenAddr {
		return "http://" + p.sapiLn.Addr().String()
	}
	return p.fc.EAPI.SAPIURL
}

// eapiInternalURL is where the renewal client calls back into the gateway.
// Same defaulting rule as sapiURL.
func (p *Process) eapiInternalURL() string {
	if p.internalLn != nil && p.fc.SAPI.EAPIURL == "http://"+defaults.EAPIInternalListenAddr {
		return "http://" + p.internalLn.Addr().String()
	}
	return p.fc.SAPI.EAPIURL
}

func (p *Process) initSAPI(validator *tokens.Validator) error {
	fc := p.fc

	var renewal *sapi.RenewalClient
	if fc.Token.RenewalEnabled {
		var err error
		renewal, err = sapi.NewRenewalClient(sapi.RenewalClientConfig{EAPIURL: p.eapiInternalURL()})
		if err != nil {
			return trace.Wrap(err)
		}
	}
	guard, err := sapi.NewTokenGuard(sapi.GuardConfig{
		Validator: validator,
		Renewal:   renewal,
		Emitter:   p.emitter,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	backend := p.cfg.Backend
	if backend == nil {
		memory := sapi.NewMemoryBackend()
		memory.SetClock(p.clock)
		backend = memory
	}
	handler, err := sapi.NewHandler(sapi.HandlerConfig{
		Guard:     guard,
		Validator: validator,
		Backend:   backend,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.sapiSrv = newHTTPServer(instrument(handler, sapi.RequestDuration))
	return nil
}

func (p *Process) initEAPI(minter *tokens.Minter, validator *tokens.Validator, coordinator *rotation.Coordinator) error {
	fc := p.fc

	authenticator, err := eapi.NewAuthenticator(eapi.AuthenticatorConfig{
		Credentials: p.secrets,
		Limiter:     p.limiter,
		Usage:       p.usage,
		Emitter:     p.emitter,
		Clock:       p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	tokenSource, err := eapi.NewTokenSource(eapi.TokenSourceConfig{
		Minter:   minter,
		Cache:    p.tokenCache,
		CacheTTL: fc.Cache.Token.TTL(),
		Emitter:  p.emitter,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	forwarder, err := eapi.NewForwarder(eapi.ForwarderConfig{
		SAPIURL: p.sapiURL(),
		Tokens:  tokenSource,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	handler, err := eapi.NewHandler(eapi.HandlerConfig{
		Authenticator: authenticator,
		Forwarder:     forwarder,
		Secrets:       p.secrets,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.vendorSrv = newHTTPServer(instrument(handler, eapi.RequestDuration))

	renewer, err := eapi.NewRenewer(eapi.RenewerConfig{
		Validator:   validator,
		Minter:      minter,
		Credentials: p.secrets,
		MaxRenewals: fc.Token.MaxRenewals,
		Emitter:     p.emitter,
		Clock:       p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	adminGuard, err := sapi.NewTokenGuard(sapi.GuardConfig{
		Validator: validator,
		Emitter:   p.emitter,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	adminHandler, err := admin.NewHandler(admin.HandlerConfig{
		Coordinator: coordinator,
		Guard:       adminGuard,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	internalMux := http.NewServeMux()
	internalMux.Handle("/internal/", renewer)
	internalMux.Handle("/api/", adminHandler)
	p.internalSrv = newHTTPServer(instrument(internalMux, eapi.InternalRequestDuration))
	return nil
}

func (p *Process) initDiagnostics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := p.secrets.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"degraded"}`))
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	})
	if p.fc.Diagnostics.Debug {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	p.diagSrv = newHTTPServer(mux)
}

// instrument gives every listener the shared request plumbing: request ID
// generation and echo, then a latency observation per request.
func instrument(handler http.Handler, obs httplib.LatencyObserver) http.Handler {
	return httplib.RequestID(httplib.MeasureHandler(handler, obs))
}

func newHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: defaults.HTTPReadHeaderTimeout,
		IdleTimeout:       defaults.HTTPIdleTimeout,
	}
}

// EAPIAddr returns the bound vendor listener address, empty when the eapi
// role is not served.
func (p *Process) EAPIAddr() string { return lnAddr(p.vendorLn) }

// InternalAddr returns the bound internal listener address.
func (p *Process) InternalAddr() string { return lnAddr(p.internalLn) }

// SAPIAddr returns the bound internal service listener address.
func (p *Process) SAPIAddr() string { return lnAddr(p.sapiLn) }

// DiagnosticsAddr returns the bound diagnostics listener address.
func (p *Process) DiagnosticsAddr() string { return lnAddr(p.diagLn) }

func lnAddr(ln net.Listener) string {
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

// Run serves until ctx is canceled or a service fails, then shuts
// everything down and returns.
func (p *Process) Run(ctx context.Context) error {
	if p.vendorSrv != nil {
		p.supervisor.RegisterFunc("eapi", p.serve(p.vendorSrv, p.vendorLn))
		p.supervisor.RegisterFunc("eapi:internal", p.serve(p.internalSrv, p.internalLn))
		p.supervisor.RegisterFunc("rotation:scheduler", func(ctx context.Context) error {
			p.scheduler.Run(ctx)
			return nil
		})
	}
	if p.sapiSrv != nil {
		p.supervisor.RegisterFunc("sapi", p.serve(p.sapiSrv, p.sapiLn))
	}
	p.supervisor.RegisterFunc("diagnostics", p.serve(p.diagSrv, p.diagLn))
	p.supervisor.RegisterFunc("cache:credentials", func(ctx context.Context) error {
		p.credCache.RunSweepLoop(ctx, p.fc.Cache.SweepInterval())
		return nil
	})
	p.supervisor.RegisterFunc("tokens:revocation", func(ctx context.Context) error {
		p.registry.RunSweepLoop(ctx, defaults.RevocationSweepInterval)
		return nil
	})
	p.supervisor.RegisterFunc("sweeper", p.sweepLoop)

	logger.InfoContext(ctx, "Gateway is starting.",
		"version", tollgate.Version,
		"eapi_addr", p.EAPIAddr(),
		"internal_addr", p.InternalAddr(),
		"sapi_addr", p.SAPIAddr(),
		"diagnostics_addr", p.DiagnosticsAddr(),
	)
	err := p.supervisor.Run(ctx)
	if closeErr := p.records.Close(); closeErr != nil {
		logger.Warn("Failed to close the rotation store.", "error", closeErr)
	}
	return trace.Wrap(err)
}

// serve runs one HTTP server until the context ends, then drains it within
// the shutdown budget.
func (p *Process) serve(srv *http.Server, ln net.Listener) ServiceFunc {
	return func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Serve(ln)
		}()
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.HTTPShutdownTimeout)
			defer cancel()
			return trace.Wrap(srv.Shutdown(shutdownCtx))
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return trace.Wrap(err)
		}
	}
}

// sweepLoop periodically drops expired limiter state and token cache
// entries. The credential cache and the revocation registry run their own
// loops.
func (p *Process) sweepLoop(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.fc.Cache.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			p.limiter.Sweep()
			p.tokenCache.Sweep()
		case <-ctx.Done():
			return nil
		}
	}
}

// Close releases listeners and stores without serving. Run performs its own
// shutdown; Close exists for the error paths before Run.
func (p *Process) Close() error {
	for _, ln := range []net.Listener{p.vendorLn, p.internalLn, p.sapiLn, p.diagLn} {
		if ln != nil {
			ln.Close()
		}
	}
	if p.records != nil {
		return trace.Wrap(p.records.Close())
	}
	return nil
}
