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

// Package httplib implements the gateway's HTTP plumbing: handler adapters,
// the wire error envelope and request correlation.
package httplib

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/tollgate"
	logutils "github.com/gravitational/tollgate/lib/utils/log"
)

var logger = logutils.NewPackageLogger(tollgate.ComponentKey, "httplib")

// HandlerFunc specifies an HTTP handler function that returns the response
// payload or an error. Errors are rendered as the standard envelope.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, r, err)
			return
		}
		SetNoCacheHeaders(w.Header())
		roundtrip.ReplyJSON(w, http.StatusOK, out)
	}
}

// ReadJSON reads an HTTP JSON request body and unmarshals it into val. The
// body is limited to maxRequestBodyBytes.
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return NewError(CodeBadRequest, trace.BadParameter("request: %v", err))
	}
	return nil
}

// maxRequestBodyBytes bounds JSON control-plane bodies. Proxied payment
// bodies have their own limit on the forwarding path.
const maxRequestBodyBytes = 1 << 20

// SetNoCacheHeaders tells proxies and browsers do not cache the content.
func SetNoCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

// Wire error codes of the gateway. Every error that reaches a vendor or an
// internal caller carries exactly one of these.
const (
	// CodeMissingCredentials means a credential header was absent or empty.
	CodeMissingCredentials = "MISSING_CREDENTIALS"
	// CodeMalformedCredentials means a credential header failed syntactic
	// validation.
	CodeMalformedCredentials = "MALFORMED_CREDENTIALS"
	// CodeAuthenticationFailed means the supplied credentials did not
	// verify. Deliberately identical for unknown clients and wrong secrets.
	CodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	// CodeTokenInvalid means a bearer token failed structural, signature or
	// claim validation.
	CodeTokenInvalid = "TOKEN_INVALID"
	// CodeTokenExpired means a bearer token was valid but past its expiry.
	CodeTokenExpired = "TOKEN_EXPIRED"
	// CodePermissionDenied means a valid token lacked a required permission.
	CodePermissionDenied = "PERMISSION_DENIED"
	// CodeRotationNotFound means the referenced rotation does not exist.
	CodeRotationNotFound = "ROTATION_NOT_FOUND"
	// CodeRotationInProgress means the client already has an unfinished
	// rotation.
	CodeRotationInProgress = "ROTATION_IN_PROGRESS"
	// CodeInvalidStateTransition means the requested rotation step is not
	// legal from the current state.
	CodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	// CodeRateLimited means the caller is in failed-authentication backoff.
	CodeRateLimited = "RATE_LIMITED"
	// CodeUpstreamUnavailable means a dependency (secret store, internal
	// service) could not serve the request.
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	// CodeSystemError is the catch-all for unexpected failures.
	CodeSystemError = "SYSTEM_ERROR"
	// CodeBadRequest is the generic code for malformed non-credential
	// requests, e.g. an unreadable admin API body.
	CodeBadRequest = "BAD_REQUEST"
	// CodeNotFound is the generic code for missing resources outside the
	// rotation API.
	CodeNotFound = "NOT_FOUND"
	// CodeConflict is the generic code for concurrent-update conflicts.
	CodeConflict = "CONFLICT"
)

// ErrorEnvelope is the JSON body of every error response.
type ErrorEnvelope struct {
	// ErrorCode is one of the Code constants above.
	ErrorCode string `json:"errorCode"`
	// Message is a sanitized, user-facing description.
	Message string `json:"message"`
	// RequestID correlates the response with gateway logs.
	RequestID string `json:"requestId"`
	// Timestamp is the RFC 3339 time the error was rendered.
	Timestamp string `json:"timestamp"`
}

// Error attaches a wire error code to an underlying error so handlers at
// the HTTP boundary never guess which code a failure maps to.
type Error struct {
	// Code is the wire error code.
	Code string
	// Err is the underlying error. Its trace class decides the HTTP status
	// when the code alone is ambiguous.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a wire error code.
func NewError(code string, err error) error {
	if err == nil {
		err = trace.BadParameter("unspecified error")
	}
	return &Error{Code: code, Err: err}
}

// ErrorCode extracts the wire code from err, falling back to a mapping of
// the error's trace class when no explicit code is attached.
func ErrorCode(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	switch {
	case trace.IsBadParameter(err):
		return CodeBadRequest
	case trace.IsAccessDenied(err):
		return CodePermissionDenied
	case trace.IsNotFound(err):
		return CodeNotFound
	case trace.IsAlreadyExists(err), trace.IsCompareFailed(err):
		return CodeConflict
	case trace.IsConnectionProblem(err):
		return CodeUpstreamUnavailable
	case trace.IsLimitExceeded(err):
		return CodeRateLimited
	default:
		return CodeSystemError
	}
}

// StatusForCode maps a wire error code to its HTTP status.
func StatusForCode(code string) int {
	switch code {
	case CodeMissingCredentials, CodeMalformedCredentials, CodeBadRequest:
		return http.StatusBadRequest
	case CodeAuthenticationFailed, CodeTokenInvalid, CodeTokenExpired:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeRotationNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeRotationInProgress, CodeInvalidStateTransition, CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ReplyError renders err as the standard envelope. Messages of 5xx replies
// are replaced with a generic string so internal detail never reaches the
// caller; the original error goes to the log instead.
func ReplyError(w http.ResponseWriter, r *http.Request, err error) {
	code := ErrorCode(err)
	status := StatusForCode(code)
	requestID := RequestIDFromContext(r.Context())

	message := trace.UserMessage(err)
	if status >= http.StatusInternalServerError {
		message = "internal server error"
		logger.ErrorContext(r.Context(), "Handler failed.",
			"error", err,
			"request_id", requestID,
			"code", code,
		)
	} else {
		logger.DebugContext(r.Context(), "Request rejected.",
			"error", err,
			"request_id", requestID,
			"code", code,
			"status", status,
		)
	}

	roundtrip.ReplyJSON(w, status, ErrorEnvelope{
		ErrorCode: code,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

type requestIDKey struct{}

// ContextWithRequestID returns a context carrying the correlation ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the correlation ID installed by the
// RequestID middleware, generating one if the middleware never ran.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// maxRequestIDLength caps inbound correlation IDs; longer or non-printable
// values are replaced rather than propagated into logs.
const maxRequestIDLength = 128

// RequestID ensures every request carries a correlation ID: the inbound
// X-Request-ID is validated and propagated, or a fresh UUID is assigned.
// The ID is echoed on the response and stored on the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(tollgate.HeaderRequestID)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(tollgate.HeaderRequestID, id)
		r.Header.Set(tollgate.HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(ContextWithRequestID(r.Context(), id)))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, c := range id {
		if c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}

// LatencyObserver records a request duration, typically backed by a
// prometheus histogram.
type LatencyObserver interface {
	Observe(float64)
}

// MeasureHandler observes the wall time of every request on obs.
func MeasureHandler(next http.Handler, obs LatencyObserver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		obs.Observe(time.Since(start).Seconds())
	})
}
