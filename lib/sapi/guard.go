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

package sapi

import (
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/audit"
	"github.com/gravitational/tollgate/lib/httplib"
	"github.com/gravitational/tollgate/lib/tokens"
)

// GuardConfig configures a TokenGuard.
type GuardConfig struct {
	// Validator verifies bearer tokens.
	Validator *tokens.Validator
	// Renewal, when set, enables in-band renewal of expired tokens. Nil
	// means expired tokens are simply rejected.
	Renewal *RenewalClient
	// Emitter records token rejections.
	Emitter audit.Emitter
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *GuardConfig) CheckAndSetDefaults() error {
	if c.Validator == nil {
		return trace.BadParameter("missing token validator")
	}
	if c.Emitter == nil {
		c.Emitter = audit.DiscardEmitter{}
	}
	return nil
}

// AuthContext carries the verified token claims into a guarded handler.
type AuthContext struct {
	// Claims is the verified claim set.
	Claims *tokens.Claims
}

// GuardedHandlerFunc is a handler that runs only behind a verified token.
type GuardedHandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params, authCtx *AuthContext) (interface{}, error)

// TokenGuard authenticates bearer tokens in front of internal handlers.
// When renewal is enabled an expired token is exchanged in-band and the
// response carries the replacement in the X-Renewed-Token header; a failed
// renewal surfaces the original expiry, never the renewal error.
type TokenGuard struct {
	cfg GuardConfig
}

// NewTokenGuard creates a TokenGuard from the config.
func NewTokenGuard(cfg GuardConfig) (*TokenGuard, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureRegistered()
	return &TokenGuard{cfg: cfg}, nil
}

// WithPermission wraps fn so it only runs for a token carrying permission.
func (g *TokenGuard) WithPermission(permission string, fn GuardedHandlerFunc) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		authCtx, err := g.authorize(w, r, permission)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p, authCtx)
	})
}

func (g *TokenGuard) authorize(w http.ResponseWriter, r *http.Request, permission string) (*AuthContext, error) {
	raw, err := bearerToken(r)
	if err != nil {
		g.reject(r, err)
		return nil, trace.Wrap(err)
	}

	params := tokens.VerifyParams{RawToken: raw, RequiredPermission: permission}
	result, verifyErr := g.cfg.Validator.Verify(r.Context(), params)
	if verifyErr == nil {
		guardDecisions.WithLabelValues("ok").Inc()
		return &AuthContext{Claims: result.Claims}, nil
	}

	if httplib.ErrorCode(verifyErr) == httplib.CodeTokenExpired && g.cfg.Renewal != nil {
		if authCtx, ok := g.renew(w, r, raw, permission); ok {
			return authCtx, nil
		}
	}

	g.reject(r, verifyErr)
	return nil, trace.Wrap(verifyErr)
}

// renew exchanges the expired token and re-validates the replacement
// locally. The renewed token is handed back to the caller on the response so
// the gateway side can refresh its cache.
func (g *TokenGuard) renew(w http.ResponseWriter, r *http.Request, raw, permission string) (*AuthContext, bool) {
	renewed, err := g.cfg.Renewal.Renew(r.Context(), raw)
	if err != nil {
		logger.DebugContext(r.Context(), "In-band token renewal failed.", "error", err)
		return nil, false
	}
	result, err := g.cfg.Validator.Verify(r.Context(), tokens.VerifyParams{
		RawToken:           renewed,
		RequiredPermission: permission,
	})
	if err != nil {
		logger.WarnContext(r.Context(), "Renewed token failed local validation.", "error", err)
		return nil, false
	}

	w.Header().Set(tollgate.HeaderRenewedToken, renewed)
	guardDecisions.WithLabelValues("renewed").Inc()
	return &AuthContext{Claims: result.Claims}, true
}

func (g *TokenGuard) reject(r *http.Request, err error) {
	code := httplib.ErrorCode(err)
	switch code {
	case httplib.CodeTokenExpired:
		guardDecisions.WithLabelValues("expired").Inc()
	case httplib.CodePermissionDenied:
		guardDecisions.WithLabelValues("forbidden").Inc()
	default:
		guardDecisions.WithLabelValues("invalid").Inc()
	}
	g.cfg.Emitter.EmitAuditEvent(r.Context(), audit.Event{
		Type:      audit.TokenRejected,
		RequestID: httplib.RequestIDFromContext(r.Context()),
		Reason:    trace.UserMessage(err),
	})
}

// bearerToken extracts the token from the Authorization header. The scheme
// match is case-insensitive; everything else about the header is strict.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", httplib.NewError(httplib.CodeTokenInvalid, trace.AccessDenied("missing bearer token"))
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", httplib.NewError(httplib.CodeTokenInvalid, trace.AccessDenied("malformed authorization header"))
	}
	return strings.TrimSpace(token), nil
}
