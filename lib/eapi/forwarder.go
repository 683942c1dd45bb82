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
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/credentials"
	"github.com/gravitational/tollgate/lib/defaults"
	"github.com/gravitational/tollgate/lib/httplib"
	"github.com/gravitational/tollgate/lib/utils"
)

const (
	// vendorPathPrefix is the path prefix of the vendor API.
	vendorPathPrefix = "/api/v1"
	// internalPathPrefix replaces vendorPathPrefix on forwarded requests.
	internalPathPrefix = "/internal/v1"

	// maxForwardBodyBytes bounds proxied payment bodies.
	maxForwardBodyBytes = 4 << 20
)

// ForwarderConfig configures a Forwarder.
type ForwarderConfig struct {
	// SAPIURL is the base URL of the internal service.
	SAPIURL string
	// Tokens supplies bearer tokens for forwarded requests.
	Tokens *TokenSource
	// Client performs the upstream calls.
	Client *http.Client
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ForwarderConfig) CheckAndSetDefaults() error {
	if c.SAPIURL == "" {
		return trace.BadParameter("missing internal service URL")
	}
	if c.Tokens == nil {
		return trace.BadParameter("missing token source")
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: defaults.ForwardTimeout}
	}
	return nil
}

// Forwarder proxies authenticated vendor requests to the internal service.
// The body is preserved byte for byte, vendor credential headers are
// stripped and replaced with a bearer token, and a token the internal
// service rejects is reminted and retried exactly once.
type Forwarder struct {
	cfg     ForwarderConfig
	sapiURL *url.URL
}

// NewForwarder creates a Forwarder from the config.
func NewForwarder(cfg ForwarderConfig) (*Forwarder, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	sapiURL, err := url.Parse(cfg.SAPIURL)
	if err != nil {
		return nil, trace.BadParameter("invalid internal service URL: %v", err)
	}
	ensureRegistered()
	return &Forwarder{cfg: cfg, sapiURL: sapiURL}, nil
}

// Forward proxies the request on behalf of the authenticated client and
// writes the upstream response. The returned error, if any, has not been
// written to the client yet.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, cred *credentials.ClientCredential) error {
	r.Body = utils.MaxBytesReader(w, r.Body, maxForwardBodyBytes)
	body, err := utils.GetAndReplaceRequestBody(r)
	if err != nil {
		if errors.Is(err, utils.ErrLimitReached) {
			return httplib.NewError(httplib.CodeBadRequest,
				trace.BadParameter("request body exceeds %d bytes", maxForwardBodyBytes))
		}
		return trace.Wrap(err)
	}

	token, err := f.cfg.Tokens.Bearer(r.Context(), cred)
	if err != nil {
		return trace.Wrap(err)
	}

	resp, err := f.send(r, body, token)
	if err != nil {
		forwards.WithLabelValues("upstream_error").Inc()
		return httplib.NewError(httplib.CodeUpstreamUnavailable,
			trace.ConnectionProblem(err, "internal service is unreachable"))
	}

	// The internal service refusing the token usually means the cached one
	// crossed its expiry in flight. Remint and retry exactly once.
	if tokenRejected(resp) {
		resp.Body.Close()
		f.cfg.Tokens.Evict(cred.ClientID)
		token, err = f.cfg.Tokens.Bearer(r.Context(), cred)
		if err != nil {
			return trace.Wrap(err)
		}
		resp, err = f.send(r, body, token)
		if err != nil {
			forwards.WithLabelValues("upstream_error").Inc()
			return httplib.NewError(httplib.CodeUpstreamUnavailable,
				trace.ConnectionProblem(err, "internal service is unreachable"))
		}
		forwards.WithLabelValues("retried").Inc()
	} else {
		forwards.WithLabelValues("ok").Inc()
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// The status line is out; all that is left is logging.
		logger.WarnContext(r.Context(), "Streaming the upstream response failed.", "error", err)
	}
	return nil
}

// CheckReachable probes the internal service health endpoint, for readiness
// reporting.
func (f *Forwarder) CheckReachable(r *http.Request) error {
	healthURL := f.sapiURL.JoinPath(internalPathPrefix, "health")
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, healthURL.String(), nil)
	if err != nil {
		return trace.Wrap(err)
	}
	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "internal service is unreachable")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return trace.ConnectionProblem(nil, "internal service health returned status %d", resp.StatusCode)
	}
	return nil
}

func (f *Forwarder) send(r *http.Request, body []byte, token string) (*http.Response, error) {
	outURL := *f.sapiURL
	outURL.Path = internalPathPrefix + strings.TrimPrefix(r.URL.Path, vendorPathPrefix)
	outURL.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	copyForwardHeaders(out.Header, r.Header)
	out.Header.Set("Authorization", "Bearer "+token)
	out.ContentLength = int64(len(body))

	resp, err := f.cfg.Client.Do(out)
	return resp, trace.Wrap(err)
}

// strippedHeaders never cross the trust boundary: the vendor credentials
// are replaced by the bearer token, and any inbound Authorization header is
// the vendor's business, not the internal service's.
var strippedHeaders = []string{
	tollgate.HeaderClientID,
	tollgate.HeaderClientSecret,
	"Authorization",
}

func copyForwardHeaders(dst, src http.Header) {
	for key, values := range src {
		dst[key] = append([]string(nil), values...)
	}
	for _, key := range strippedHeaders {
		dst.Del(key)
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		dst[key] = append([]string(nil), values...)
	}
}

// tokenRejected reports whether the upstream response is a 401 caused by
// the bearer token. The body is restored afterwards so a response that is
// not retried forwards unchanged.
func tokenRejected(resp *http.Response) bool {
	if resp.StatusCode != http.StatusUnauthorized {
		return false
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body = io.NopCloser(bytes.NewReader(payload))
	if err != nil {
		return false
	}
	var envelope httplib.ErrorEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return false
	}
	return envelope.ErrorCode == httplib.CodeTokenExpired || envelope.ErrorCode == httplib.CodeTokenInvalid
}
