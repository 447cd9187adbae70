// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package lock

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "viewfinder_lock"

// metricsCollector collects metrics about lock traffic.
type metricsCollector struct {
	acquires        *prometheus.CounterVec
	contention      prometheus.Counter
	renewalFailures prometheus.Counter
}

func newMetricsCollector() *metricsCollector {
	return &metricsCollector{
		acquires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "acquires_total",
				Help:      "Lock acquisition attempts by outcome.",
			}, []string{"status"},
		),
		contention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "contention_total",
				Help:      "Failed acquisitions observed by releasing holders.",
			},
		),
		renewalFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "renewal_failures_total",
				Help:      "Lock renewals that failed, losing the lock.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Manager) Describe(ch chan<- *prometheus.Desc) {
	m.metrics.acquires.Describe(ch)
	m.metrics.contention.Describe(ch)
	m.metrics.renewalFailures.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Manager) Collect(ch chan<- prometheus.Metric) {
	m.metrics.acquires.Collect(ch)
	m.metrics.contention.Collect(ch)
	m.metrics.renewalFailures.Collect(ch)
}
