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
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/tollgate/lib/audit"
	"github.com/gravitational/tollgate/lib/defaults"
	"github.com/gravitational/tollgate/lib/httplib"
	"github.com/gravitational/tollgate/lib/tokens"
	"github.com/gravitational/tollgate/lib/vault"
)

// RenewerConfig configures the token renewal endpoint.
type RenewerConfig struct {
	// Validator verifies the expired token's signature and claims.
	Validator *tokens.Validator
	// Minter signs the replacement token.
	Minter *tokens.Minter
	// Credentials confirms the client is still in good standing.
	Credentials vault.SecretStore
	// MaxRenewals caps how many times one token lineage can be renewed
	// before the vendor must authenticate again.
	MaxRenewals int
	// Emitter records renewal audit events.
	Emitter audit.Emitter
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RenewerConfig) CheckAndSetDefaults() error {
	if c.Validator == nil {
		return trace.BadParameter("missing token validator")
	}
	if c.Minter == nil {
		return trace.BadParameter("missing token minter")
	}
	if c.Credentials == nil {
		return trace.BadParameter("missing credential source")
	}
	if c.MaxRenewals <= 0 {
		c.MaxRenewals = defaults.MaxTokenRenewals
	}
	if c.Emitter == nil {
		c.Emitter = audit.DiscardEmitter{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Renewer serves the internal token renewal endpoint. The endpoint accepts
// a token that is expired but otherwise fully valid, confirms the client
// can still authenticate, and mints a replacement carrying an incremented
// renewal count. It must only be reachable from the internal network.
type Renewer struct {
	httprouter.Router
	cfg RenewerConfig
}

// NewRenewer creates the renewal handler.
func NewRenewer(cfg RenewerConfig) (*Renewer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureRegistered()
	h := &Renewer{cfg: cfg}
	h.POST("/internal/v1/tokens/renew", httplib.MakeHandler(h.renew))
	return h, nil
}

type renewRequest struct {
	Token string `json:"token"`
}

// RenewResponse is the renewal endpoint's success payload.
type RenewResponse struct {
	// Token is the freshly signed replacement.
	Token string `json:"token"`
	// ExpiresAt is the replacement's expiry.
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *Renewer) renew(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req renewRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Token == "" {
		return nil, httplib.NewError(httplib.CodeBadRequest, trace.BadParameter("missing token"))
	}

	// Expiry is the one check waived; a token invalid for any other reason
	// is not renewable.
	result, err := h.cfg.Validator.Verify(r.Context(), tokens.VerifyParams{
		RawToken:     req.Token,
		AllowExpired: true,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	claims := result.Claims

	if claims.Renewals >= h.cfg.MaxRenewals {
		return nil, httplib.NewError(httplib.CodeTokenExpired,
			trace.AccessDenied("token renewal limit reached"))
	}

	// The client must still be able to authenticate on its own: a client
	// whose versions were all disabled or revoked gets nothing renewed.
	cred, err := h.cfg.Credentials.GetCredential(r.Context(), claims.Subject)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, httplib.NewError(httplib.CodeTokenInvalid,
				trace.AccessDenied("client is no longer credentialed"))
		}
		return nil, trace.Wrap(err)
	}
	if len(cred.MatchableVersions(h.cfg.Clock.Now())) == 0 {
		return nil, httplib.NewError(httplib.CodeTokenInvalid,
			trace.AccessDenied("client is no longer credentialed"))
	}

	// Permissions come from the current credential record, not the old
	// token, so a permission change takes effect at renewal.
	signed, err := h.cfg.Minter.Sign(tokens.SignParams{
		ClientID:    claims.Subject,
		Permissions: cred.Permissions,
		Renewals:    claims.Renewals + 1,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	tokenRenewals.Inc()
	h.cfg.Emitter.EmitAuditEvent(r.Context(), audit.Event{
		Type:      audit.TokenRenewed,
		ClientID:  audit.MaskedClient(claims.Subject),
		RequestID: httplib.RequestIDFromContext(r.Context()),
		TokenID:   claims.ID,
	})
	return RenewResponse{
		Token:     signed,
		ExpiresAt: h.cfg.Clock.Now().Add(h.cfg.Minter.Lifetime()).UTC(),
	}, nil
}
