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
	"context"
	"encoding/json"
	"net/http"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"

	"github.com/gravitational/tollgate/lib/defaults"
)

// RenewalClientConfig configures a RenewalClient.
type RenewalClientConfig struct {
	// EAPIURL is the base URL of the gateway's internal listener.
	EAPIURL string
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// RenewalClient calls the gateway's internal renewal endpoint on behalf of
// the token guard. One attempt, short timeout: a failed renewal falls back
// to the plain expiry rejection and the vendor's next request re-enters the
// normal path. Tokens never appear in logs or errors.
type RenewalClient struct {
	clt *roundtrip.Client
}

// NewRenewalClient creates a RenewalClient from the config.
func NewRenewalClient(cfg RenewalClientConfig) (*RenewalClient, error) {
	if cfg.EAPIURL == "" {
		return nil, trace.BadParameter("missing gateway internal URL")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaults.RenewalTimeout}
	}
	clt, err := roundtrip.NewClient(cfg.EAPIURL, "internal", roundtrip.HTTPClient(cfg.Client))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &RenewalClient{clt: clt}, nil
}

type renewalRequest struct {
	Token string `json:"token"`
}

type renewalResponse struct {
	Token string `json:"token"`
}

// Renew exchanges an expired token for a fresh one.
func (c *RenewalClient) Renew(ctx context.Context, token string) (string, error) {
	re, err := c.clt.PostJSON(ctx, c.clt.Endpoint("v1", "tokens", "renew"), renewalRequest{Token: token})
	if err != nil {
		return "", trace.ConnectionProblem(err, "token renewal request failed")
	}
	if re.Code() != http.StatusOK {
		return "", trace.AccessDenied("token renewal refused with status %d", re.Code())
	}
	var resp renewalResponse
	if err := json.Unmarshal(re.Bytes(), &resp); err != nil {
		return "", trace.Wrap(err)
	}
	if resp.Token == "" {
		return "", trace.BadParameter("renewal response carried no token")
	}
	return resp.Token, nil
}
