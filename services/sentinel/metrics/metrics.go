// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metrics defines the Prometheus instrumentation for the
// remediation control loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts guarded runs by task and outcome
	// (success, failure, timeout).
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "envelope",
		Name:      "runs_total",
		Help:      "Total guarded runs by task and outcome",
	}, []string{"task", "outcome"})

	// RunsSkipped counts runs short-circuited by an envelope gate.
	// Labels: task, gate (maintenance, kill_switch, backoff, rate_limit).
	RunsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "envelope",
		Name:      "runs_skipped_total",
		Help:      "Guarded runs skipped at an envelope gate",
	}, []string{"task", "gate"})

	// RunDuration records guarded-run duration in seconds.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Subsystem: "envelope",
		Name:      "run_duration_seconds",
		Help:      "Guarded run duration in seconds",
		Buckets:   []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30},
	}, []string{"task"})

	// CompletionCalls counts completion-service calls by status
	// (ok, timeout, server_error, rate_limited, parse_error, other).
	CompletionCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "reasoner",
		Name:      "completion_calls_total",
		Help:      "Completion-service calls by status",
	}, []string{"status"})

	// TokensSpent accumulates the estimated dollar cost of completion
	// calls, labeled by day key for ledger reconciliation.
	TokensSpent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "reasoner",
		Name:      "estimated_spend_dollars_total",
		Help:      "Estimated cumulative completion spend in dollars",
	})

	// ActionsValidated counts policy-guard decisions by action id and
	// verdict (approved, denied).
	ActionsValidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "guard",
		Name:      "actions_validated_total",
		Help:      "Policy guard decisions by action and verdict",
	}, []string{"action", "verdict"})

	// ActionsExecuted counts executor invocations by action id and
	// outcome (success, failure).
	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "executor",
		Name:      "actions_executed_total",
		Help:      "Executed remediation actions by outcome",
	}, []string{"action", "outcome"})

	// EventsScanned counts telemetry events pulled per kind.
	EventsScanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "telemetry",
		Name:      "events_scanned_total",
		Help:      "Telemetry events observed by kind",
	}, []string{"kind"})

	// TasksTripped tracks the circuit state per task (0=closed, 1=tripped).
	TasksTripped = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Subsystem: "scheduler",
		Name:      "task_tripped",
		Help:      "Task circuit state (0=closed, 1=tripped)",
	}, []string{"task"})
)
