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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// PaymentRequest is the payment submission body. The gateway does not
// interpret it beyond the minimal shape checks below; payment semantics
// belong to the backend.
type PaymentRequest struct {
	// Amount is the payment amount in minor units.
	Amount int64 `json:"amount"`
	// Currency is the ISO 4217 currency code.
	Currency string `json:"currency"`
	// Reference is the vendor's own reference for the payment.
	Reference string `json:"reference,omitempty"`
}

// Check validates the request shape.
func (r *PaymentRequest) Check() error {
	if r.Amount <= 0 {
		return trace.BadParameter("payment amount must be positive")
	}
	if len(r.Currency) != 3 {
		return trace.BadParameter("currency must be a three-letter code")
	}
	return nil
}

// Payment is an accepted payment record.
type Payment struct {
	// ID names the payment.
	ID string `json:"paymentId"`
	// ClientID is the vendor that submitted the payment.
	ClientID string `json:"clientId"`
	// Amount is the payment amount in minor units.
	Amount int64 `json:"amount"`
	// Currency is the ISO 4217 currency code.
	Currency string `json:"currency"`
	// Reference is the vendor's own reference for the payment.
	Reference string `json:"reference,omitempty"`
	// Status is the processing state.
	Status string `json:"status"`
	// CreatedAt is when the payment was accepted.
	CreatedAt time.Time `json:"createdAt"`
}

// Backend processes payments for authenticated callers.
type Backend interface {
	// CreatePayment accepts a payment on behalf of the client.
	CreatePayment(ctx context.Context, clientID string, req PaymentRequest) (*Payment, error)
	// GetPayment returns a payment by ID, NotFound if it does not exist.
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
}

// MemoryBackend is an in-memory Backend for development and tests.
type MemoryBackend struct {
	clock clockwork.Clock

	mu       sync.Mutex
	payments map[string]*Payment
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		clock:    clockwork.NewRealClock(),
		payments: make(map[string]*Payment),
	}
}

// SetClock overrides the time source, for tests.
func (b *MemoryBackend) SetClock(clock clockwork.Clock) {
	b.clock = clock
}

// CreatePayment implements Backend.
func (b *MemoryBackend) CreatePayment(_ context.Context, clientID string, req PaymentRequest) (*Payment, error) {
	if err := req.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	payment := &Payment{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Reference: req.Reference,
		Status:    "ACCEPTED",
		CreatedAt: b.clock.Now().UTC(),
	}

	b.mu.Lock()
	b.payments[payment.ID] = payment
	b.mu.Unlock()
	return payment, nil
}

// GetPayment implements Backend.
func (b *MemoryBackend) GetPayment(_ context.Context, paymentID string) (*Payment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	payment, ok := b.payments[paymentID]
	if !ok {
		return nil, trace.NotFound("payment %q not found", paymentID)
	}
	out := *payment
	return &out, nil
}
