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

package service

import (
	"context"
	"errors"
	"sync"

	"github.com/gravitational/trace"
)

// ServiceFunc is one unit of work under the supervisor. It runs until it
// fails or its context is canceled; returning nil after cancellation is a
// clean exit.
type ServiceFunc func(ctx context.Context) error

type supervisedService struct {
	name string
	fn   ServiceFunc
}

// Supervisor runs named services as one group: the first failure cancels
// every other service, and Run returns once all of them have exited.
type Supervisor struct {
	mu       sync.Mutex
	services []supervisedService
	started  bool
}

// NewSupervisor creates an empty Supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{}
}

// RegisterFunc adds a named service. Registration after Run is a
// programming error and panics.
func (s *Supervisor) RegisterFunc(name string, fn ServiceFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("supervisor: RegisterFunc after Run")
	}
	s.services = append(s.services, supervisedService{name: name, fn: fn})
}

// Run starts every registered service and blocks until all of them have
// exited. The returned error is the first service failure, or nil when the
// group shut down cleanly after ctx was canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	services := s.services
	s.started = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(services))
	for _, svc := range services {
		wg.Add(1)
		go func(svc supervisedService) {
			defer wg.Done()
			logger.InfoContext(ctx, "Service started.", "service", svc.name)
			err := svc.fn(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.ErrorContext(ctx, "Service exited with error.", "service", svc.name, "error", err)
				errCh <- trace.Wrap(err, "service %v failed", svc.name)
				// One failed service takes the whole group down.
				cancel()
				return
			}
			logger.DebugContext(ctx, "Service exited.", "service", svc.name)
		}(svc)
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return trace.Wrap(err)
	default:
		return nil
	}
}
