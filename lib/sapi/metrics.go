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
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/utils"
)

var (
	guardDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "sapi",
		Name:      "guard_decisions_total",
		Help:      "Token guard decisions by outcome.",
	}, []string{"outcome"})

	// RequestDuration is exported so the service wiring can wrap the internal
	// listener with httplib.MeasureHandler.
	RequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "sapi",
		Name:      "request_duration_seconds",
		Help:      "Internal service request latency.",
		Buckets:   prometheus.DefBuckets,
	})

	registerOnce sync.Once
)

func ensureRegistered() {
	registerOnce.Do(func() {
		if err := utils.RegisterPrometheusCollectors(guardDecisions, RequestDuration); err != nil {
			panic(err)
		}
	})
}
