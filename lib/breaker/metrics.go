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

package breaker

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/tollgate"
)

var (
	breakerExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "breaker",
		Name:      "executions_total",
		Help:      "Calls per breaker, state of the breaker and success as interpreted by the breaker.",
	}, []string{"name", "state", "success"})

	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Current state of each breaker: 0 standby, 1 tripped, 2 recovering.",
	}, []string{"name"})

	breakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "breaker",
		Name:      "trips_total",
		Help:      "Number of times each breaker tripped.",
	}, []string{"name"})
)

var registerOnce sync.Once

func ensureRegistered() {
	registerOnce.Do(func() {
		prometheus.MustRegister(breakerExecutions, breakerState, breakerTrips)
	})
}

// InstrumentConfig returns a copy of a Config that reports executions,
// trips and state changes of the breaker under the given name.
func InstrumentConfig(name string, cfg Config) Config {
	ensureRegistered()

	cfg = cfg.Clone()

	prevOnExecute := cfg.OnExecute
	cfg.OnExecute = func(success bool, state State) {
		breakerExecutions.WithLabelValues(name, state.String(), strconv.FormatBool(success)).Inc()
		if prevOnExecute != nil {
			prevOnExecute(success, state)
		}
	}

	prevOnTripped := cfg.OnTripped
	cfg.OnTripped = func() {
		breakerTrips.WithLabelValues(name).Inc()
		breakerState.WithLabelValues(name).Set(float64(StateTripped))
		if prevOnTripped != nil {
			prevOnTripped()
		}
	}

	prevOnStandby := cfg.OnStandby
	cfg.OnStandby = func() {
		breakerState.WithLabelValues(name).Set(float64(StateStandby))
		if prevOnStandby != nil {
			prevOnStandby()
		}
	}

	breakerState.WithLabelValues(name).Set(float64(StateStandby))
	return cfg
}
