// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package opmanager

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "viewfinder_ops"

// metricsCollector exposes the manager's view of the pipeline.
type metricsCollector struct {
	executed    prometheus.Counter
	failed      prometheus.Counter
	quarantined prometheus.Counter
	aborted     prometheus.Counter
	activeUsers prometheus.Gauge
	sweeps      *prometheus.CounterVec
}

func newMetricsCollector() *metricsCollector {
	return &metricsCollector{
		executed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "executed_total",
			Help:      "Operations that completed and were deleted.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "failed_total",
			Help:      "Operation attempts that ended in error.",
		}),
		quarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "quarantined_total",
			Help:      "Operations set aside after too many failed attempts.",
		}),
		aborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "aborted_drains_total",
			Help:      "Queue drains abandoned because the user's lock was unavailable.",
		}),
		activeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_users",
			Help:      "Users whose queues are currently being drained.",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweeps_total",
			Help:      "Background sweep runs by kind.",
		}, []string{"kind"}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.executed.Describe(ch)
	c.failed.Describe(ch)
	c.quarantined.Describe(ch)
	c.aborted.Describe(ch)
	c.activeUsers.Describe(ch)
	c.sweeps.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.executed.Collect(ch)
	c.failed.Collect(ch)
	c.quarantined.Collect(ch)
	c.aborted.Collect(ch)
	c.activeUsers.Collect(ch)
	c.sweeps.Collect(ch)
}
