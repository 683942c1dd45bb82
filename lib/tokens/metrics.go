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

package tokens

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/utils"
)

var (
	tokensMinted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "tokens",
		Name:      "minted_total",
		Help:      "Bearer tokens minted.",
	})

	tokenVerifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "tokens",
		Name:      "verifications_total",
		Help:      "Token verifications by outcome.",
	}, []string{"outcome"})

	tokensRevoked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: tollgate.MetricNamespace,
		Subsystem: "tokens",
		Name:      "revoked_total",
		Help:      "Token IDs added to the revocation registry.",
	})
)

func init() {
	// Metric name clashes inside this package are programmer error.
	if err := utils.RegisterPrometheusCollectors(tokensMinted, tokenVerifications, tokensRevoked); err != nil {
		panic(err)
	}
}
