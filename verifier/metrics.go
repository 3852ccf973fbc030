// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package verifier

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Verdicts handed out, labelled by audit reason.
	prometheusVerifierVerdicts *prometheus.CounterVec

	// Scheduling records currently held.
	prometheusVerifierPending prometheus.Gauge

	// Provider request latency, labelled by outcome.
	prometheusVerifierProviderLatency *prometheus.HistogramVec

	// Scheduling records removed by the sanity sweep.
	prometheusVerifierLeaked prometheus.Counter

	// Whitelisted outpoints.
	prometheusVerifierWhitelist prometheus.Gauge
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusVerifierVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btccoinjoin",
			Subsystem: "verifier",
			Name:      "verdicts",
			Help:      "Number of coin verdicts by audit reason",
		},
		[]string{"reason"},
	)

	prometheusVerifierPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "btccoinjoin",
			Subsystem: "verifier",
			Name:      "pending",
			Help:      "Number of scheduled coin verifications",
		},
	)

	prometheusVerifierProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "btccoinjoin",
			Subsystem: "verifier",
			Name:      "provider_latency_seconds",
			Help:      "Latency of risk provider requests",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"outcome"},
	)

	prometheusVerifierLeaked = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "btccoinjoin",
			Subsystem: "verifier",
			Name:      "leaked",
			Help:      "Number of scheduling records removed by the sanity sweep",
		},
	)

	prometheusVerifierWhitelist = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "btccoinjoin",
			Subsystem: "verifier",
			Name:      "whitelist",
			Help:      "Number of whitelisted outpoints",
		},
	)
}

// observeProviderLatency records the duration of one provider attempt.
func observeProviderLatency(d time.Duration, err error) {
	initPrometheusMetrics()

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	prometheusVerifierProviderLatency.WithLabelValues(outcome).Observe(
		d.Seconds(),
	)
}
