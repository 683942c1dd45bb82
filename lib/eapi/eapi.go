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

// Package eapi implements the vendor-facing gateway surface: it
// authenticates `X-Client-ID`/`X-Client-Secret` headers against the secret
// store, exchanges them for a short-lived bearer token and forwards the
// request to the internal service. The package also hosts the internal
// token renewal endpoint the service side calls when renewal is enabled.
package eapi

import (
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/httplib"
	"github.com/gravitational/tollgate/lib/vault"
)

// HandlerConfig configures the vendor API handler.
type HandlerConfig struct {
	// Authenticator verifies vendor credentials.
	Authenticator *Authenticator
	// Forwarder proxies authenticated requests to the internal service.
	Forwarder *Forwarder
	// Secrets reports secret store health for readiness.
	Secrets vault.SecretStore
}

// CheckAndSetDefaults validates the config.
func (c *HandlerConfig) CheckAndSetDefaults() error {
	if c.Authenticator == nil {
		return trace.BadParameter("missing authenticator")
	}
	if c.Forwarder == nil {
		return trace.BadParameter("missing forwarder")
	}
	if c.Secrets == nil {
		return trace.BadParameter("missing secret store")
	}
	return nil
}

// Handler is the vendor API: payment routes behind credential
// authentication plus unauthenticated liveness and readiness probes.
type Handler struct {
	httprouter.Router
	cfg HandlerConfig
}

// NewHandler creates the vendor API handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg}

	h.POST("/api/v1/payments", h.withAuth())
	h.GET("/api/v1/payments/:paymentId", h.withAuth())
	h.GET("/api/v1/health", httplib.MakeHandler(h.health))
	h.GET("/api/v1/readyz", httplib.MakeHandler(h.readyz))

	return h, nil
}

// withAuth authenticates the vendor and hands the request to the forwarder.
// The forwarder streams the upstream response itself, so this does not go
// through MakeHandler.
func (h *Handler) withAuth() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		result, err := h.authenticate(r)
		if err != nil {
			httplib.ReplyError(w, r, err)
			return
		}
		if err := h.cfg.Forwarder.Forward(w, r, result.Credential); err != nil {
			httplib.ReplyError(w, r, err)
		}
	}
}

func (h *Handler) authenticate(r *http.Request) (*AuthResult, error) {
	clientID := r.Header.Get(tollgate.HeaderClientID)
	secret := r.Header.Get(tollgate.HeaderClientSecret)
	if clientID == "" || secret == "" {
		return nil, httplib.NewError(httplib.CodeMissingCredentials,
			trace.BadParameter("missing client credential headers"))
	}
	result, err := h.cfg.Authenticator.Authenticate(r.Context(), clientID, secret)
	return result, trace.Wrap(err)
}

func (h *Handler) health(_ http.ResponseWriter, _ *http.Request, _ httprouter.Params) (interface{}, error) {
	return statusResponse{Status: "ok", Version: tollgate.Version}, nil
}

// readyz reports readiness: the secret store answers health probes and the
// internal service is reachable. A degraded secret store with a warm cache
// still serves authentications, but new instances should not take traffic
// on cache fallback alone.
func (h *Handler) readyz(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if err := h.cfg.Secrets.Health(r.Context()); err != nil {
		return nil, httplib.NewError(httplib.CodeUpstreamUnavailable,
			trace.ConnectionProblem(err, "secret store is not healthy"))
	}
	if err := h.cfg.Forwarder.CheckReachable(r); err != nil {
		return nil, httplib.NewError(httplib.CodeUpstreamUnavailable, err)
	}
	return statusResponse{Status: "ok", Version: tollgate.Version}, nil
}

type statusResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
