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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestGetAndReplaceRequestBody(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/payments", strings.NewReader(`{"amount":100}`))
	payload, err := GetAndReplaceRequestBody(req)
	require.NoError(t, err)
	require.Equal(t, `{"amount":100}`, string(payload))

	// The body must still be readable by a transport afterwards.
	replayed, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	require.Equal(t, payload, replayed)
}

func TestGetAndReplaceRequestBodyEmpty(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/payments/1", nil)
	payload, err := GetAndReplaceRequestBody(req)
	require.NoError(t, err)
	require.Empty(t, payload)
}

func TestGetSingleHeader(t *testing.T) {
	t.Parallel()

	t.Run("present", func(t *testing.T) {
		t.Parallel()
		headers := http.Header{}
		headers.Set("X-Client-ID", "vendor-alpha-001")
		value, err := GetSingleHeader(headers, "X-Client-ID")
		require.NoError(t, err)
		require.Equal(t, "vendor-alpha-001", value)
	})

	t.Run("missing", func(t *testing.T) {
		t.Parallel()
		_, err := GetSingleHeader(http.Header{}, "X-Client-ID")
		require.True(t, trace.IsNotFound(err))
	})

	t.Run("duplicated", func(t *testing.T) {
		t.Parallel()
		headers := http.Header{}
		headers.Add("X-Client-ID", "one")
		headers.Add("X-Client-ID", "two")
		_, err := GetSingleHeader(headers, "X-Client-ID")
		require.True(t, trace.IsBadParameter(err))
	})
}

func TestSanitizeHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{}
	src.Set("Content-Type", "application/json")
	src.Set("Authorization", "Bearer secret-token")
	src.Set("X-Client-Secret", "super-secret")
	src.Set("X-Renewed-Token", "renewed")
	src.Set("Some-Api-Key", "key")
	src.Set("X-Request-ID", "req-1")

	dst := SanitizeHeaders(src)
	require.Equal(t, "application/json", dst.Get("Content-Type"))
	require.Equal(t, "req-1", dst.Get("X-Request-ID"))
	require.Empty(t, dst.Get("Authorization"))
	require.Empty(t, dst.Get("X-Client-Secret"))
	require.Empty(t, dst.Get("X-Renewed-Token"))
	require.Empty(t, dst.Get("Some-Api-Key"))

	// Source headers are untouched.
	require.Equal(t, "super-secret", src.Get("X-Client-Secret"))
	require.Nil(t, SanitizeHeaders(nil))
}

func TestMaxBytesReader(t *testing.T) {
	t.Parallel()

	body := io.NopCloser(strings.NewReader(strings.Repeat("x", 100)))
	limited := MaxBytesReader(httptest.NewRecorder(), body, 10)
	_, err := io.ReadAll(limited)
	require.ErrorIs(t, err, ErrLimitReached)
}

func TestChainHTTPMiddlewares(t *testing.T) {
	t.Parallel()

	var order []string
	mark := func(name string) HTTPMiddleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := ChainHTTPMiddlewares(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			order = append(order, "handler")
		}),
		mark("inner"),
		nil,
		mark("outer"),
	)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, []string{"outer", "inner", "handler"}, order)
}
