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

// Package tollgate holds constants shared across the gateway: component
// names used for logging, wire header names, token permissions and the
// Prometheus metric namespace.
package tollgate

import "strings"

// Version is the semver of the current build.
const Version = "1.4.0"

const (
	// ComponentKey is the log field under which the emitting component is
	// recorded.
	ComponentKey = "component"

	// ComponentEAPI is the vendor-facing gateway surface.
	ComponentEAPI = "eapi"

	// ComponentSAPI is the internal service surface.
	ComponentSAPI = "sapi"

	// ComponentTokens is the token mint/verify service.
	ComponentTokens = "tokens"

	// ComponentVault is the secret store client.
	ComponentVault = "vault"

	// ComponentCache covers the token and credential caches.
	ComponentCache = "cache"

	// ComponentRotation is the credential rotation coordinator.
	ComponentRotation = "rotation"

	// ComponentAdmin is the rotation administration API.
	ComponentAdmin = "admin"

	// ComponentLimiter is the failed-authentication rate limiter.
	ComponentLimiter = "limiter"

	// ComponentAudit is the audit event pipeline.
	ComponentAudit = "audit"

	// ComponentProcess is the supervisor running all enabled roles.
	ComponentProcess = "process"
)

// Component generates a colon-joined component name for nested subsystems,
// e.g. Component("eapi", "forwarder") -> "eapi:forwarder".
func Component(components ...string) string {
	return strings.Join(components, ":")
}

// MetricNamespace is the prefix of every Prometheus metric the gateway
// exports.
const MetricNamespace = "tollgate"

const (
	// HeaderClientID carries the vendor client identifier on external
	// requests.
	HeaderClientID = "X-Client-ID"

	// HeaderClientSecret carries the vendor client secret on external
	// requests. Its value must never be logged or echoed.
	HeaderClientSecret = "X-Client-Secret"

	// HeaderRequestID carries the request correlation identifier through
	// the gateway and into upstream calls.
	HeaderRequestID = "X-Request-ID"

	// HeaderRenewedToken is set on responses whose bearer token was renewed
	// in-band so callers can refresh their cached copy.
	HeaderRenewedToken = "X-Renewed-Token"
)

const (
	// PermissionPaymentsWrite allows submitting payments.
	PermissionPaymentsWrite = "payments:write"

	// PermissionPaymentsRead allows reading payment state.
	PermissionPaymentsRead = "payments:read"

	// PermissionManageRotations allows driving credential rotations through
	// the admin API.
	PermissionManageRotations = "rotations:manage"
)
