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

package eapi

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/utils"
)

var (
	authAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "eapi",
		Name:      "auth_total",
		Help:      "Vendor authentication attempts by outcome.",
	}, []string{"outcome"})

	forwards = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "eapi",
		Name:      "forwards_total",
		Help:      "Requests proxied to the internal service by result.",
	}, []string{"result"})

	tokenRenewals = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "eapi",
		Name:      "token_renewals_total",
		Help:      "Tokens renewed in-band through the internal renewal endpoint.",
	})

	// RequestDuration feeds httplib.MeasureHandler on the vendor listener.
	RequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "eapi",
		Name:      "request_duration_seconds",
		Help:      "Wall time of vendor API requests.",
		Buckets:   prometheus.DefBuckets,
	})

	// InternalRequestDuration feeds httplib.MeasureHandler on the internal
	// listener serving renewal and rotation administration.
	InternalRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "eapi",
		Name:      "internal_request_duration_seconds",
		Help:      "Wall time of internal renewal and admin requests.",
		Buckets:   prometheus.DefBuckets,
	})

	registerOnce sync.Once
)

func ensureRegistered() {
	registerOnce.Do(func() {
		if err := utils.RegisterPrometheusCollectors(
			authAttempts, forwards, tokenRenewals, RequestDuration, InternalRequestDuration,
		); err != nil {
			panic(err)
		}
	})
}
