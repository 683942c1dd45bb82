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

package utils

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
)

// ErrLimitReached means that a read limit was exhausted before the body
// ended.
var ErrLimitReached = &trace.LimitExceededError{Message: "the limit has been reached"}

// GetAndReplaceRequestBody returns the request body and replaces the drained
// body reader with an [io.NopCloser] so the request can still be forwarded
// by an HTTP transport. Wrap the body in MaxBytesReader first if memory
// exhaustion is a concern.
func GetAndReplaceRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return []byte{}, nil
	}
	defer req.Body.Close()

	payload, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	req.Body = io.NopCloser(bytes.NewReader(payload))
	return payload, nil
}

// GetSingleHeader returns the header value for the key if there is exactly
// one value present. A missing header yields a NotFound error, a repeated
// one a BadParameter error.
func GetSingleHeader(headers http.Header, key string) (string, error) {
	values := headers.Values(key)
	switch len(values) {
	case 0:
		return "", trace.NotFound("missing %q header", key)
	case 1:
		return values[0], nil
	default:
		return "", trace.BadParameter("multiple %q headers", key)
	}
}

// HTTPMiddleware defines an HTTP middleware.
type HTTPMiddleware func(next http.Handler) http.Handler

// ChainHTTPMiddlewares wraps an http.Handler with a list of middlewares.
// Inner middlewares should be provided before outer middlewares.
func ChainHTTPMiddlewares(handler http.Handler, middlewares ...HTTPMiddleware) http.Handler {
	for _, apply := range middlewares {
		if apply != nil {
			handler = apply(handler)
		}
	}
	return handler
}

// MaxBytesReader returns an [io.ReadCloser] that wraps an
// [http.MaxBytesReader] and converts its [http.MaxBytesError] to
// [ErrLimitReached].
func MaxBytesReader(w http.ResponseWriter, r io.ReadCloser, n int64) io.ReadCloser {
	return &maxBytesReader{ReadCloser: http.MaxBytesReader(w, r, n)}
}

type maxBytesReader struct {
	io.ReadCloser
}

func (m *maxBytesReader) Read(p []byte) (int, error) {
	n, err := m.ReadCloser.Read(p)

	var mbErr *http.MaxBytesError
	if errors.As(err, &mbErr) {
		return n, ErrLimitReached
	}
	return n, err
}

// sensitiveHeaderKeys lists HTTP headers that must never be written to a
// log. The vendor credential headers are the important entries here; the
// rest follow common proxy practice.
var sensitiveHeaderKeys = []string{
	"Authorization",
	"Cookie",
	"Proxy-Authorization",
	"Set-Cookie",
	"X-Client-Secret",
	"X-Renewed-Token",
}

// sensitiveHeaderFragments is a list of suspect header fragments. If a
// header key contains any of these fragments it is filtered out by
// SanitizeHeaders.
var sensitiveHeaderFragments = []string{
	"api-key",
	"secret",
	"token",
}

// SanitizedHeaderValuer is a slog.LogValuer for http.Header that lazily
// filters out sensitive headers when logged.
type SanitizedHeaderValuer http.Header

var _ slog.LogValuer = SanitizedHeaderValuer(nil)

// LogValue implements slog.LogValuer, omitting any sensitive headers.
func (h SanitizedHeaderValuer) LogValue() slog.Value {
	return slog.AnyValue(SanitizeHeaders(http.Header(h)))
}

// SanitizeHeaders returns a copy of the supplied HTTP headers with any
// sensitive entries removed.
func SanitizeHeaders(src http.Header) http.Header {
	if src == nil {
		return nil
	}

	dst := maps.Clone(src)
	for _, k := range sensitiveHeaderKeys {
		dst.Del(k)
	}

nextkey:
	for key := range dst {
		lcKey := strings.ToLower(key)

		for _, frag := range sensitiveHeaderFragments {
			if strings.Contains(lcKey, frag) {
				dst.Del(key)
				continue nextkey
			}
		}
	}

	return dst
}
