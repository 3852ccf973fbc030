// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package containment

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusContainmentDescendants  prometheus.Counter
	prometheusContainmentDoubleSpends prometheus.Counter
	prometheusContainmentAborted      prometheus.Counter
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusContainmentDescendants = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "btccoinjoin",
			Subsystem: "containment",
			Name:      "descendants_banned",
			Help:      "Number of outputs that inherited a ban",
		},
	)

	prometheusContainmentDoubleSpends = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "btccoinjoin",
			Subsystem: "containment",
			Name:      "double_spends",
			Help:      "Number of transactions double spending round inputs",
		},
	)

	prometheusContainmentAborted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "btccoinjoin",
			Subsystem: "containment",
			Name:      "rounds_aborted",
			Help:      "Number of rounds aborted because of a double spend",
		},
	)
}
