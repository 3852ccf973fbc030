// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package prison

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Offenses recorded since startup, labelled by offense.
	prometheusPrisonOffenses *prometheus.CounterVec

	// Records currently held by the ledger, banned or waiting to be
	// forgiven.
	prometheusPrisonRecords prometheus.Gauge

	// Records forgotten by pruning.
	prometheusPrisonPruned prometheus.Counter
)

var prometheusMetricsInitOnce sync.Once

// initPrometheusMetrics registers the ban ledger metrics with the default
// registry.  Registering twice panics, so it only ever happens once per
// process.
func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusPrisonOffenses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btccoinjoin",
			Subsystem: "prison",
			Name:      "offenses",
			Help:      "Number of offenses recorded by the ban ledger",
		},
		[]string{"offense"},
	)

	prometheusPrisonRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "btccoinjoin",
			Subsystem: "prison",
			Name:      "records",
			Help:      "Number of records held by the ban ledger",
		},
	)

	prometheusPrisonPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "btccoinjoin",
			Subsystem: "prison",
			Name:      "pruned",
			Help:      "Number of forgiven records removed by pruning",
		},
	)
}
