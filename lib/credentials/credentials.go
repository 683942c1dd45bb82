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

// Package credentials defines the client credential model and the secret
// verification rules. A client owns up to a handful of credential versions
// so secrets can rotate without downtime; verification decides which
// versions may match and always burns the same amount of work regardless of
// the outcome.
package credentials

import (
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/tollgate/lib/defaults"
)

// VersionStatus is the lifecycle state of a single credential version.
type VersionStatus string

const (
	// StatusStaged marks a version written ahead of activation. It never
	// matches.
	StatusStaged VersionStatus = "STAGED"
	// StatusActive marks the version vendors are expected to use.
	StatusActive VersionStatus = "ACTIVE"
	// StatusDeprecated marks an old version still accepted until its grace
	// deadline passes.
	StatusDeprecated VersionStatus = "DEPRECATED"
	// StatusDisabled marks a version administratively turned off.
	StatusDisabled VersionStatus = "DISABLED"
	// StatusRevoked marks a version withdrawn for cause. Like DISABLED it
	// never matches, but it is terminal: a revoked version is never
	// re-enabled.
	StatusRevoked VersionStatus = "REVOKED"
)

// Valid reports whether the status is one of the defined states.
func (s VersionStatus) Valid() bool {
	switch s {
	case StatusStaged, StatusActive, StatusDeprecated, StatusDisabled, StatusRevoked:
		return true
	}
	return false
}

// CredentialVersion is one generation of a client's secret.
type CredentialVersion struct {
	// ID names the version.
	ID string `json:"versionId"`
	// SecretHash is the bcrypt hash of the secret. The plaintext secret is
	// never stored.
	SecretHash string `json:"secretHash"`
	// Status is the version's lifecycle state.
	Status VersionStatus `json:"status"`
	// CreatedAt is when the version was written.
	CreatedAt time.Time `json:"createdAt"`
	// NotAfter is the grace deadline of a DEPRECATED version. Zero means no
	// deadline has been set yet.
	NotAfter time.Time `json:"notAfter,omitzero"`
}

// Matchable reports whether the version may authenticate a request at the
// given instant: ACTIVE always, DEPRECATED only inside its grace window.
func (v *CredentialVersion) Matchable(now time.Time) bool {
	switch v.Status {
	case StatusActive:
		return true
	case StatusDeprecated:
		return v.NotAfter.IsZero() || now.Before(v.NotAfter)
	default:
		return false
	}
}

// ClientCredential is the full credential record of one client.
type ClientCredential struct {
	// ClientID identifies the client.
	ClientID string `json:"clientId"`
	// Permissions are granted to every token minted for the client.
	Permissions []string `json:"permissions"`
	// Versions holds the credential versions, oldest first.
	Versions []CredentialVersion `json:"versions"`
	// RotationID annotates the record with the in-flight rotation, if any.
	RotationID string `json:"rotationId,omitempty"`
	// StoreVersion is the secret store's version of the envelope, used for
	// check-and-set writes. Not part of the stored document.
	StoreVersion int `json:"-"`
	// Stale marks a record served from cache after the secret store failed.
	// Not part of the stored document.
	Stale bool `json:"-"`
}

// Check validates the record.
func (c *ClientCredential) Check() error {
	if c.ClientID == "" {
		return trace.BadParameter("missing client id")
	}
	if len(c.Versions) == 0 {
		return trace.BadParameter("client %q has no credential versions", c.ClientID)
	}
	seen := make(map[string]struct{}, len(c.Versions))
	var matchable int
	for i := range c.Versions {
		v := &c.Versions[i]
		if v.ID == "" {
			return trace.BadParameter("client %q has a credential version without an id", c.ClientID)
		}
		if _, dup := seen[v.ID]; dup {
			return trace.BadParameter("client %q has duplicate credential version %q", c.ClientID, v.ID)
		}
		seen[v.ID] = struct{}{}
		if !v.Status.Valid() {
			return trace.BadParameter("credential version %q has unknown status %q", v.ID, v.Status)
		}
		if v.SecretHash == "" {
			return trace.BadParameter("credential version %q has no secret hash", v.ID)
		}
		if v.Status == StatusActive || v.Status == StatusDeprecated {
			matchable++
		}
	}
	if matchable > defaults.RotationMaxActiveVersions {
		return trace.BadParameter("client %q has %d matchable credential versions, at most %d allowed",
			c.ClientID, matchable, defaults.RotationMaxActiveVersions)
	}
	return nil
}

// Version returns the version with the given ID, or nil.
func (c *ClientCredential) Version(id string) *CredentialVersion {
	for i := range c.Versions {
		if c.Versions[i].ID == id {
			return &c.Versions[i]
		}
	}
	return nil
}

// ActiveVersion returns the ACTIVE version, or nil if there is none.
func (c *ClientCredential) ActiveVersion() *CredentialVersion {
	for i := range c.Versions {
		if c.Versions[i].Status == StatusActive {
			return &c.Versions[i]
		}
	}
	return nil
}

// MatchableVersions returns the versions allowed to authenticate at the
// given instant.
func (c *ClientCredential) MatchableVersions(now time.Time) []CredentialVersion {
	matchable := make([]CredentialVersion, 0, len(c.Versions))
	for i := range c.Versions {
		if c.Versions[i].Matchable(now) {
			matchable = append(matchable, c.Versions[i])
		}
	}
	return matchable
}
