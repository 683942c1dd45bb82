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

// Package sapi implements the internal service surface: payment routes
// behind the bearer token guard, an explicit token validation endpoint for
// other internal services, and the renewal client the guard uses to
// exchange expired tokens in-band. The payment backend itself is opaque to
// the gateway; the bundled in-memory backend exists for development and
// tests.
package sapi

import (
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/httplib"
	"github.com/gravitational/tollgate/lib/tokens"
	logutils "github.com/gravitational/tollgate/lib/utils/log"
)

var logger = logutils.NewPackageLogger(tollgate.ComponentKey, tollgate.ComponentSAPI)

// HandlerConfig configures the internal service handler.
type HandlerConfig struct {
	// Guard authenticates bearer tokens in front of payment routes.
	Guard *TokenGuard
	// Validator serves the explicit validation endpoint.
	Validator *tokens.Validator
	// Backend processes payments once the caller is authenticated.
	Backend Backend
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *HandlerConfig) CheckAndSetDefaults() error {
	if c.Guard == nil {
		return trace.BadParameter("missing token guard")
	}
	if c.Validator == nil {
		return trace.BadParameter("missing token validator")
	}
	if c.Backend == nil {
		c.Backend = NewMemoryBackend()
	}
	return nil
}

// Handler is the internal service API.
type Handler struct {
	httprouter.Router
	cfg HandlerConfig
}

// NewHandler creates the internal service handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg}

	h.POST("/internal/v1/payments", cfg.Guard.WithPermission(tollgate.PermissionPaymentsWrite, h.createPayment))
	h.GET("/internal/v1/payments/:paymentId", cfg.Guard.WithPermission(tollgate.PermissionPaymentsRead, h.getPayment))
	h.POST("/internal/v1/tokens/validate", httplib.MakeHandler(h.validateToken))
	h.GET("/internal/v1/health", httplib.MakeHandler(h.health))

	return h, nil
}

func (h *Handler) createPayment(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, authCtx *AuthContext) (interface{}, error) {
	var req PaymentRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	payment, err := h.cfg.Backend.CreatePayment(r.Context(), authCtx.Claims.Subject, req)
	return payment, trace.Wrap(err)
}

func (h *Handler) getPayment(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *AuthContext) (interface{}, error) {
	payment, err := h.cfg.Backend.GetPayment(r.Context(), p.ByName("paymentId"))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, httplib.NewError(httplib.CodeNotFound, err)
		}
		return nil, trace.Wrap(err)
	}
	return payment, nil
}

// ValidateRequest is the body of the explicit validation endpoint.
type ValidateRequest struct {
	// Token is the compact serialized token to check.
	Token string `json:"token"`
	// RequiredPermission, when set, must be granted by the token.
	RequiredPermission string `json:"requiredPermission,omitempty"`
}

// ValidateResponse reports a validation verdict. Rejections are a payload,
// not an error: the endpoint answers the question either way.
type ValidateResponse struct {
	Valid       bool      `json:"valid"`
	ClientID    string    `json:"clientId,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt,omitzero"`
	Reason      string    `json:"reason,omitempty"`
}

func (h *Handler) validateToken(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req ValidateRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}

	result, err := h.cfg.Validator.Verify(r.Context(), tokens.VerifyParams{
		RawToken:           req.Token,
		RequiredPermission: req.RequiredPermission,
	})
	if err != nil {
		return ValidateResponse{Valid: false, Reason: trace.UserMessage(err)}, nil
	}
	return ValidateResponse{
		Valid:       true,
		ClientID:    result.Claims.Subject,
		Permissions: result.Claims.Permissions,
		ExpiresAt:   result.Claims.Expires().UTC(),
	}, nil
}

func (h *Handler) health(_ http.ResponseWriter, _ *http.Request, _ httprouter.Params) (interface{}, error) {
	return map[string]string{"status": "ok", "version": tollgate.Version}, nil
}
