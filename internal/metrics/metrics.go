// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

// Package metrics exposes Prometheus instrumentation for the sync engine:
// queue depth, drain outcomes, retry/backoff behavior, remote store calls,
// store latencies, and connectivity state.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_queue_depth",
			Help: "Number of queued operations per account",
		},
		[]string{"account"},
	)

	QueuePausedOperations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_queue_paused_operations",
			Help: "Number of operations parked as requires_intervention per account",
		},
		[]string{"account"},
	)

	OperationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_operations_enqueued_total",
			Help: "Total operations accepted into the queue",
		},
		[]string{"type"},
	)

	OperationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_operation_outcomes_total",
			Help: "Terminal and non-terminal outcomes of operation execution attempts",
		},
		[]string{"type", "outcome"}, // "success", "retryable", "fatal", "intervention"
	)

	OperationRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_operation_retries_total",
			Help: "Total failed attempts that left the operation queued for retry",
		},
	)

	DrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_drain_duration_seconds",
			Help:    "Duration of a single drain cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Remote store metrics
	RemoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remote_request_duration_seconds",
			Help:    "Duration of remote table API calls",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"table", "operation"},
	)

	RemoteRequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_request_errors_total",
			Help: "Remote table API errors by classification",
		},
		[]string{"table", "operation", "class"}, // "retryable", "fatal", "missing_row"
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remote_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Scheduler metrics
	SchedulerBackoffStep = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_scheduler_backoff_step",
			Help: "Current backoff step of the retry scheduler",
		},
	)

	SchedulerDrainTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_scheduler_drain_triggers_total",
			Help: "Drain attempts by trigger source",
		},
		[]string{"trigger"}, // "enqueue", "online", "backoff", "poll", "manual"
	)

	// Connectivity metrics
	ConnectivityOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connectivity_online",
			Help: "1 when the remote endpoint is reachable, 0 otherwise",
		},
	)

	ConnectivityTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connectivity_transitions_total",
			Help: "Online/offline transitions",
		},
		[]string{"to"}, // "online", "offline"
	)

	// Store metrics
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Duration of durable store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"store", "operation"},
	)

	InvariantViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_invariant_violations_total",
			Help: "Canonical inventory pairing violations detected after compound operations",
		},
		[]string{"operation"},
	)
)

// ObserveStoreOperation records one durable-store call.
func ObserveStoreOperation(store, operation string, start time.Time) {
	StoreOperationDuration.WithLabelValues(store, operation).Observe(time.Since(start).Seconds())
}

// ObserveRemoteRequest records one remote API call.
func ObserveRemoteRequest(table, operation string, start time.Time) {
	RemoteRequestDuration.WithLabelValues(table, operation).Observe(time.Since(start).Seconds())
}
