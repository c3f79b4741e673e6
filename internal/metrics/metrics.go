// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package metrics provides Prometheus instrumentation for the supervisor
// core, following the promauto pattern used throughout the codebase this
// project was modeled on.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FailoverRequestsTotal counts dequeued failover-engine requests by kind.
	FailoverRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgsupervisor_failover_requests_total",
			Help: "Total failover engine requests processed, by kind.",
		},
		[]string{"kind"},
	)

	// FailoverSweepsTotal counts completed switching=true...false sweeps.
	FailoverSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgsupervisor_failover_sweeps_total",
			Help: "Total number of failover engine sweeps completed.",
		},
	)

	// RestartScopeTotal counts restart decisions by scope (none/partial/full).
	RestartScopeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgsupervisor_restart_scope_total",
			Help: "Restart scope decisions made by the failover engine.",
		},
		[]string{"scope"},
	)

	// QueueDepth reports the current request queue length.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgsupervisor_queue_depth",
			Help: "Current number of unread entries in the request queue.",
		},
	)

	// QueueFullTotal counts rejected Enqueue calls.
	QueueFullTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgsupervisor_queue_full_total",
			Help: "Total Enqueue calls rejected because the queue was full.",
		},
	)

	// StatusFileWrites / StatusFileWriteErrors instrument status-file I/O.
	StatusFileWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgsupervisor_status_file_writes_total",
			Help: "Total status file writes performed (skipped all-down writes excluded).",
		},
	)
	StatusFileWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgsupervisor_status_file_write_errors_total",
			Help: "Total status file write errors.",
		},
	)

	// PrimaryDiscoveryDuration tracks find_primary_node round latency.
	PrimaryDiscoveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgsupervisor_primary_discovery_duration_seconds",
			Help:    "Duration of a primary discovery round.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// PrimaryDiscoveryBreakerOpen counts backends probe-skipped due to an
	// open circuit breaker.
	PrimaryDiscoveryBreakerOpen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgsupervisor_discovery_breaker_open_total",
			Help: "Backend probes skipped because the circuit breaker was open.",
		},
		[]string{"backend"},
	)

	// ChildRestartsTotal counts child respawns by role.
	ChildRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgsupervisor_child_restarts_total",
			Help: "Total child respawns, by role.",
		},
		[]string{"role"},
	)

	// FollowPrimaryRunsTotal counts follow-primary child invocations.
	FollowPrimaryRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgsupervisor_follow_primary_runs_total",
			Help: "Total follow-primary child runs.",
		},
	)

	// PeerSyncTotal counts peer-sync reconciliations by outcome.
	PeerSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgsupervisor_peer_sync_total",
			Help: "Peer sync reconciliations, by restart scope outcome.",
		},
		[]string{"restart_scope"},
	)
)
