// Package metrics registers the Prometheus collectors shared across the
// dispatcher, jobs and HTTP layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Transition metrics
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpufleet",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Total number of applied status transitions by edge",
		},
		[]string{"from", "to"},
	)

	InstancesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gpufleet",
			Subsystem: "lifecycle",
			Name:      "instances",
			Help:      "Current number of instances by status",
		},
		[]string{"status"},
	)

	// Job metrics
	JobTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpufleet",
			Subsystem: "jobs",
			Name:      "ticks_total",
			Help:      "Total number of job ticks by job and result",
		},
		[]string{"job", "result"},
	)

	JobTickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gpufleet",
			Subsystem: "jobs",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one job tick in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"job"},
	)

	JobClaimedRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpufleet",
			Subsystem: "jobs",
			Name:      "claimed_rows_total",
			Help:      "Total number of rows claimed by job",
		},
		[]string{"job"},
	)

	// Dispatcher metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpufleet",
			Subsystem: "dispatcher",
			Name:      "commands_total",
			Help:      "Total number of commands handled by type and result",
		},
		[]string{"type", "result"},
	)

	// Routing metrics
	RoutingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpufleet",
			Subsystem: "routing",
			Name:      "requests_total",
			Help:      "Total number of routing requests by result",
		},
		[]string{"result"},
	)

	// Heartbeat metrics
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpufleet",
			Subsystem: "heartbeat",
			Name:      "reports_total",
			Help:      "Total number of heartbeat reports by result",
		},
		[]string{"result"},
	)
)

// Register adds all collectors to the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		TransitionsTotal,
		InstancesByStatus,
		JobTicksTotal,
		JobTickDuration,
		JobClaimedRows,
		CommandsTotal,
		RoutingRequestsTotal,
		HeartbeatsTotal,
	)
}
