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

// Package audit defines the gateway's audit events and the emitters that
// record them. Events carry only identifiers safe to persist: client IDs are
// masked before an event is constructed and secret material never enters an
// event field.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/utils"
	logutils "github.com/gravitational/tollgate/lib/utils/log"
)

// EventType names an audit event.
type EventType string

const (
	// AuthSucceeded records a successful vendor authentication.
	AuthSucceeded EventType = "auth.succeeded"
	// AuthFailed records a vendor authentication that did not verify.
	AuthFailed EventType = "auth.failed"
	// TokenMinted records a fresh bearer token.
	TokenMinted EventType = "token.minted"
	// TokenRenewed records an in-band renewal of an expired token.
	TokenRenewed EventType = "token.renewed"
	// TokenRejected records a bearer token that failed validation at the
	// internal boundary.
	TokenRejected EventType = "token.rejected"
	// RotationTransitioned records a rotation state change.
	RotationTransitioned EventType = "rotation.transitioned"
	// RotationFailed records a rotation ending in FAILED.
	RotationFailed EventType = "rotation.failed"
	// RotationExtended records a rotation held open because the deprecated
	// credential version is still being used.
	RotationExtended EventType = "rotation.extended"
	// VaultDegraded records the secret store breaker opening.
	VaultDegraded EventType = "vault.degraded"
	// VaultRecovered records the secret store breaker closing again.
	VaultRecovered EventType = "vault.recovered"
	// Throttled records a client entering failed-authentication backoff.
	Throttled EventType = "auth.throttled"
)

// Event is a single audit record. Zero-valued fields are omitted by the
// emitters.
type Event struct {
	// Type names the event.
	Type EventType
	// Time is when the event occurred. The emitter stamps it if unset.
	Time time.Time
	// ClientID is the masked client identifier the event concerns.
	ClientID string
	// RequestID correlates the event with a request.
	RequestID string
	// RotationID correlates the event with a rotation.
	RotationID string
	// VersionID names the credential version involved, e.g. the deprecated
	// version a vendor keeps authenticating with.
	VersionID string
	// TokenID is the jti of the token involved.
	TokenID string
	// Reason is a short free-form explanation. Must never contain secret
	// material.
	Reason string
}

// MaskedClient prepares a raw client ID for inclusion in an event.
func MaskedClient(clientID string) string {
	return utils.MaskClientID(clientID)
}

// Emitter records audit events. Implementations must not block on slow
// sinks; event emission sits on the authentication hot path.
type Emitter interface {
	EmitAuditEvent(ctx context.Context, event Event)
}

// LogEmitter writes events to the structured log.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter on the package's audit logger.
func NewLogEmitter() *LogEmitter {
	return &LogEmitter{
		logger: logutils.NewPackageLogger(tollgate.ComponentKey, tollgate.ComponentAudit),
	}
}

// EmitAuditEvent implements Emitter.
func (e *LogEmitter) EmitAuditEvent(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	attrs := make([]any, 0, 14)
	attrs = append(attrs, "event", string(event.Type), "time", event.Time.Format(time.RFC3339Nano))
	if event.ClientID != "" {
		attrs = append(attrs, "client_id", event.ClientID)
	}
	if event.RequestID != "" {
		attrs = append(attrs, "request_id", event.RequestID)
	}
	if event.RotationID != "" {
		attrs = append(attrs, "rotation_id", event.RotationID)
	}
	if event.VersionID != "" {
		attrs = append(attrs, "version_id", event.VersionID)
	}
	if event.TokenID != "" {
		attrs = append(attrs, "token_id", event.TokenID)
	}
	if event.Reason != "" {
		attrs = append(attrs, "reason", event.Reason)
	}
	e.logger.InfoContext(ctx, "Audit event.", attrs...)
}

var (
	auditEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "audit",
		Name:      "events_total",
		Help:      "Audit events by type.",
	}, []string{"event"})

	registerOnce sync.Once
)

// MetricsEmitter counts events per type in prometheus.
type MetricsEmitter struct{}

// NewMetricsEmitter creates a MetricsEmitter, registering its collector on
// first use.
func NewMetricsEmitter() *MetricsEmitter {
	registerOnce.Do(func() {
		if err := utils.RegisterPrometheusCollectors(auditEvents); err != nil {
			panic(err)
		}
	})
	return &MetricsEmitter{}
}

// EmitAuditEvent implements Emitter.
func (e *MetricsEmitter) EmitAuditEvent(_ context.Context, event Event) {
	auditEvents.WithLabelValues(string(event.Type)).Inc()
}

// MultiEmitter fans events out to several emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates a MultiEmitter. Nil entries are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	kept := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			kept = append(kept, e)
		}
	}
	return &MultiEmitter{emitters: kept}
}

// EmitAuditEvent implements Emitter.
func (m *MultiEmitter) EmitAuditEvent(ctx context.Context, event Event) {
	for _, e := range m.emitters {
		e.EmitAuditEvent(ctx, event)
	}
}

// DiscardEmitter drops every event. The default where no emitter was
// configured, mainly in tests of unrelated behavior.
type DiscardEmitter struct{}

// EmitAuditEvent implements Emitter.
func (DiscardEmitter) EmitAuditEvent(context.Context, Event) {}

// Recorder keeps emitted events in memory for test assertions.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// EmitAuditEvent implements Emitter.
func (r *Recorder) EmitAuditEvent(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Find returns the recorded events of the given type.
func (r *Recorder) Find(eventType EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found []Event
	for _, e := range r.events {
		if e.Type == eventType {
			found = append(found, e)
		}
	}
	return found
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
