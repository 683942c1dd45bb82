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

// Package log configures the process-wide structured logger and hands out
// per-package child loggers.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gravitational/trace"
)

// Supported output formats.
const (
	// FormatText renders human-readable records.
	FormatText = "text"
	// FormatJSON renders one JSON object per record.
	FormatJSON = "json"
)

// NewPackageLogger creates a child of the default logger carrying the
// provided key/value pairs on every record. Intended for package-level
// logger variables.
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.With(args...)
}

// Config configures the default logger for the process.
type Config struct {
	// Severity is the minimum level that gets emitted, one of DEBUG, INFO,
	// WARN or ERROR. Empty means INFO.
	Severity string
	// Format selects the output format, FormatText or FormatJSON. Empty
	// means FormatText.
	Format string
	// Output overrides the destination, used by tests. Defaults to stderr.
	Output io.Writer
}

// Initialize builds a handler from cfg and installs it as the process
// default so loggers created by NewPackageLogger after this point inherit
// it. Call early in main, before any component starts.
func Initialize(cfg Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Severity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", FormatText:
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	case FormatJSON:
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	default:
		return nil, trace.BadParameter("unsupported log format %q, expected %q or %q", cfg.Format, FormatText, FormatJSON)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// ParseLevel converts a level name to a slog.Level. The empty string parses
// to INFO.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, trace.BadParameter("unsupported log severity %q", s)
}
