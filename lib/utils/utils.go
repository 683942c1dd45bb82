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

// Package utils holds small helpers shared across the gateway.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/gravitational/trace"

	logutils "github.com/gravitational/tollgate/lib/utils/log"
)

// CryptoRandomHex returns a hex-encoded random hex string where the length
// of the byte sequence is specified by length.
func CryptoRandomHex(length int) (string, error) {
	randomBytes := make([]byte, length)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(randomBytes), nil
}

// maskRune replaces hidden characters of a client identifier.
const maskRune = "*"

// maskedPlaceholder stands in for identifiers too short to partially mask.
const maskedPlaceholder = "******"

// MaskClientID redacts a client identifier for logs, audit records and
// metric labels: the first four and last two characters stay visible,
// everything between is replaced. Identifiers shorter than eight characters
// are fully redacted since partial masking would leave too little hidden.
func MaskClientID(clientID string) string {
	if len(clientID) < 8 {
		return maskedPlaceholder
	}
	return clientID[:4] + strings.Repeat(maskRune, len(clientID)-6) + clientID[len(clientID)-2:]
}

// InitLoggerForTests initializes the default logger for tests: quiet unless
// `go test -v` is set, in which case debug records go to stderr.
func InitLoggerForTests() {
	// Parse flags to check testing.Verbose().
	flag.Parse()

	level := slog.LevelWarn
	var out io.Writer
	if !testing.Verbose() {
		out = io.Discard
	} else {
		level = slog.LevelDebug
	}
	if _, err := logutils.Initialize(logutils.Config{
		Severity: level.String(),
		Format:   logutils.FormatText,
		Output:   out,
	}); err != nil {
		panic(err)
	}
}
