// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package envelope wraps every scheduled invocation of the remediation
// pipeline in the safety gates: maintenance blackout, global
// kill-switch, error backoff, completion-call rate limit, heartbeat,
// timeout, latency boundary, and audit logging.
//
// The gate order is fixed and short-circuits on the first gate that
// declines the run. A declined run is a skip, not a failure: it mutates
// no counter state ahead of its own gate.
package envelope

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleyhq/sentinel/services/sentinel/audit"
	"github.com/parleyhq/sentinel/services/sentinel/metrics"
	"github.com/parleyhq/sentinel/services/sentinel/store"
)

// Store keys shared by all sentinel instances.
const (
	keyKillSwitch = "automation_disabled"
	keyBackoff    = "backoff_until"
	keyRatePrefix = "ratelimit:completion"
	keyHeartbeat  = "heartbeat"
	keySpend      = "spend"
)

// Skip reasons recorded in audit payloads and metrics labels.
const (
	SkipMaintenance = "maintenance_window"
	SkipKillSwitch  = "kill_switch"
	SkipBackoff     = "backoff"
	SkipRateLimit   = "rate_limit"
)

// Config holds the envelope gate parameters.
type Config struct {
	// MaintenanceStartHour and MaintenanceEndHour bound the UTC
	// blackout window [start, end). Equal values disable the window.
	MaintenanceStartHour int
	MaintenanceEndHour   int

	// RateLimit is the completion-call budget per RateWindow.
	RateLimit  int64
	RateWindow time.Duration

	// BackoffWindow is the suppression period armed on
	// infrastructure-classified failures.
	BackoffWindow time.Duration

	// OperationTimeout bounds the wrapped operation.
	OperationTimeout time.Duration

	// LatencyBoundMs is the soft post-run latency target applied when a
	// run opts in via WithLatencyCheck.
	LatencyBoundMs float64

	// DailySpendLimit is the dollar budget whose crossing sets the
	// kill-switch for the rest of the UTC day.
	DailySpendLimit float64
}

// DefaultConfig returns the production defaults: 03:00-05:00 UTC
// maintenance, 100 calls/hour, 5 minute backoff, 30s timeout, 200ms
// latency target.
func DefaultConfig() Config {
	return Config{
		MaintenanceStartHour: 3,
		MaintenanceEndHour:   5,
		RateLimit:            100,
		RateWindow:           time.Hour,
		BackoffWindow:        5 * time.Minute,
		OperationTimeout:     30 * time.Second,
		LatencyBoundMs:       200,
		DailySpendLimit:      10.0,
	}
}

// Envelope applies the safety gates around task operations.
//
// # Thread Safety
//
// Safe for concurrent use; all mutable state lives in the KV store
// behind atomic operations.
type Envelope struct {
	kv   store.KV
	sink audit.Sink
	cfg  Config

	// clock is overridable in tests.
	clock func() time.Time
}

// New creates an Envelope over the given store and audit sink.
func New(kv store.KV, sink audit.Sink, cfg Config) *Envelope {
	return &Envelope{kv: kv, sink: sink, cfg: cfg, clock: time.Now}
}

// Operation is a pipeline invocation wrapped by GuardedRun.
type Operation func(ctx context.Context) error

// Outcome describes what GuardedRun did.
type Outcome struct {
	// Ran is true when the operation was actually invoked.
	Ran bool

	// SkipReason names the declining gate when Ran is false.
	SkipReason string

	// Duration is the wall time of the operation when it ran.
	Duration time.Duration

	// Class is the failure classification (ClassNone on success).
	Class FailureClass
}

// runOptions configure one guarded run.
type runOptions struct {
	latencyCheck bool
	consumeRate  bool
}

// RunOption is a functional option for GuardedRun.
type RunOption func(*runOptions)

// WithLatencyCheck enables the post-run latency boundary for this run.
// It is meant for lightweight automations, not the LLM-driven loop.
func WithLatencyCheck() RunOption {
	return func(o *runOptions) { o.latencyCheck = true }
}

// WithoutRateLimit skips the rate-limit gate for runs that make no
// completion-service call.
func WithoutRateLimit() RunOption {
	return func(o *runOptions) { o.consumeRate = false }
}

// GuardedRun evaluates the gates in fixed order and, if all pass, runs
// op under the operation timeout.
//
// # Gate order
//
//  1. Maintenance window: skip, no state mutated.
//  2. Kill-switch: skip.
//  3. Backoff gate: skip while the suppression window is active.
//  4. Rate-limit gate: atomically consume one window slot; skip and log
//     a violation when over budget.
//  5. Heartbeat write, before the operation so a hang is detectable.
//  6. Timeout-wrapped execution.
//  7. Latency boundary check (opt-in), out-of-bounds arms backoff.
//  8. Audit entries for start, success, and failure in all cases.
//
// # Outputs
//
//   - Outcome: what happened, including skip reason and failure class.
//   - error: the operation's error, nil on success or skip.
//
// GuardedRun never panics into the caller; gate-infrastructure errors
// fail open with a logged warning, matching the availability posture of
// the rest of the platform.
func (e *Envelope) GuardedRun(ctx context.Context, taskName string, op Operation, opts ...RunOption) (Outcome, error) {
	options := runOptions{consumeRate: true}
	for _, o := range opts {
		o(&options)
	}

	// 1. Maintenance window.
	if e.inMaintenanceWindow() {
		return e.skip(ctx, taskName, SkipMaintenance), nil
	}

	// 2. Global kill-switch.
	if disabled, _ := e.KillSwitchActive(ctx); disabled {
		return e.skip(ctx, taskName, SkipKillSwitch), nil
	}

	// 3. Error-backoff gate.
	if active, until := e.BackoffActive(ctx); active {
		slog.Debug("run suppressed by backoff", "task", taskName, "until", until)
		return e.skip(ctx, taskName, SkipBackoff), nil
	}

	// 4. Rate-limit gate. The budget is counted per guarded run, not
	// per completion call: a run that ends up making no completion
	// (an empty scan, say) still spends a slot. Counting here keeps
	// the gate a single atomic check ahead of execution instead of
	// threading store access into the reasoner; the run budget is a
	// conservative upper bound on completion calls.
	if options.consumeRate {
		allowed, err := e.allowCompletionCall(ctx)
		if err != nil {
			slog.Warn("rate-limit gate unavailable, failing open", "task", taskName, "error", err)
		} else if !allowed {
			audit.Log(ctx, e.sink, audit.NewEntry(audit.EventRateLimitBreach, taskName, "envelope", nil))
			return e.skip(ctx, taskName, SkipRateLimit), nil
		}
	}

	// 5. Heartbeat before running.
	e.Heartbeat(ctx, taskName, "guarded_run")

	audit.Log(ctx, e.sink, audit.NewEntry(audit.EventRunStarted, taskName, "envelope", nil))

	// 6. Timeout-wrapped execution. The deadline is enforced here
	// rather than delegated: an operation that ignores its context
	// still counts as a timeout, and its late result is discarded.
	start := e.clock()
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	opDone := make(chan error, 1)
	go func() { opDone <- op(runCtx) }()
	var err error
	select {
	case err = <-opDone:
	case <-runCtx.Done():
		err = fmt.Errorf("operation %q: %w", taskName, runCtx.Err())
	}
	cancel()
	elapsed := e.clock().Sub(start)
	metrics.RunDuration.WithLabelValues(taskName).Observe(elapsed.Seconds())

	outcome := Outcome{Ran: true, Duration: elapsed, Class: Classify(err)}

	if err != nil {
		if outcome.Class.ArmsBackoff() {
			e.armBackoff(ctx, taskName, outcome.Class)
		}
		metrics.RunsTotal.WithLabelValues(taskName, outcome.Class.String()).Inc()
		audit.Log(ctx, e.sink, audit.NewEntry(audit.EventRunFailed, taskName, "envelope", map[string]any{
			"class":       outcome.Class.String(),
			"duration_ms": elapsed.Milliseconds(),
			"error":       err.Error(),
		}))
		return outcome, err
	}

	// 7. Post-run latency boundary.
	if options.latencyCheck && e.cfg.LatencyBoundMs > 0 {
		if ms := float64(elapsed.Milliseconds()); ms > e.cfg.LatencyBoundMs {
			slog.Warn("latency boundary exceeded, arming backoff",
				"task", taskName, "latency_ms", ms, "bound_ms", e.cfg.LatencyBoundMs)
			e.armBackoff(ctx, taskName, ClassOther)
		}
	}

	metrics.RunsTotal.WithLabelValues(taskName, "success").Inc()
	audit.Log(ctx, e.sink, audit.NewEntry(audit.EventRunSucceeded, taskName, "envelope", map[string]any{
		"duration_ms": elapsed.Milliseconds(),
	}))
	return outcome, nil
}

// skip records a gate skip without mutating any counter state.
func (e *Envelope) skip(ctx context.Context, taskName, reason string) Outcome {
	metrics.RunsSkipped.WithLabelValues(taskName, reason).Inc()
	audit.Log(ctx, e.sink, audit.NewEntry(audit.EventRunSkipped, taskName, "envelope", map[string]any{
		"gate": reason,
	}))
	slog.Info("guarded run skipped", "task", taskName, "gate", reason)
	return Outcome{Ran: false, SkipReason: reason}
}

// inMaintenanceWindow reports whether the current UTC hour is inside
// [start, end).
func (e *Envelope) inMaintenanceWindow() bool {
	start, end := e.cfg.MaintenanceStartHour, e.cfg.MaintenanceEndHour
	if start == end {
		return false
	}
	hour := e.clock().UTC().Hour()
	if start < end {
		return hour >= start && hour < end
	}
	// Window wraps midnight, e.g. 23-02.
	return hour >= start || hour < end
}

// KillSwitchActive reports the persisted automation_disabled flag.
func (e *Envelope) KillSwitchActive(ctx context.Context) (bool, error) {
	v, found, err := e.kv.Get(ctx, keyKillSwitch)
	if err != nil {
		return false, err
	}
	return found && v == "true", nil
}

// SetKillSwitch sets the global automation_disabled flag. A zero ttl
// persists until explicitly cleared.
func (e *Envelope) SetKillSwitch(ctx context.Context, reason string, ttl time.Duration) error {
	if err := e.kv.Set(ctx, keyKillSwitch, "true", ttl); err != nil {
		return fmt.Errorf("set kill switch: %w", err)
	}
	audit.Log(ctx, e.sink, audit.NewEntry(audit.EventKillSwitchSet, "", "envelope", map[string]any{
		"reason": reason,
	}))
	slog.Warn("automation kill-switch set", "reason", reason, "ttl", ttl.String())
	return nil
}

// ClearKillSwitch removes the flag. Administrative action.
func (e *Envelope) ClearKillSwitch(ctx context.Context) error {
	return e.kv.Delete(ctx, keyKillSwitch)
}

// BackoffActive reports whether the suppression window is live, along
// with its expiry when known.
func (e *Envelope) BackoffActive(ctx context.Context) (bool, time.Time) {
	v, found, err := e.kv.Get(ctx, keyBackoff)
	if err != nil || !found {
		return false, time.Time{}
	}
	until, parseErr := time.Parse(time.RFC3339, v)
	if parseErr != nil {
		return true, time.Time{}
	}
	return true, until
}

// armBackoff starts the suppression window. The store TTL clears it
// automatically on expiry.
func (e *Envelope) armBackoff(ctx context.Context, taskName string, class FailureClass) {
	until := e.clock().Add(e.cfg.BackoffWindow)
	if err := e.kv.Set(ctx, keyBackoff, until.Format(time.RFC3339), e.cfg.BackoffWindow); err != nil {
		slog.Warn("failed to arm backoff", "task", taskName, "error", err)
		return
	}
	audit.Log(ctx, e.sink, audit.NewEntry(audit.EventBackoffArmed, taskName, "envelope", map[string]any{
		"class": class.String(),
		"until": until.Format(time.RFC3339),
	}))
}

// allowCompletionCall consumes one slot of the shared completion-call
// window. The counter increment is a single atomic round trip.
func (e *Envelope) allowCompletionCall(ctx context.Context) (bool, error) {
	windowStart := e.clock().UTC().Truncate(e.cfg.RateWindow)
	key := fmt.Sprintf("%s:%d", keyRatePrefix, windowStart.Unix())
	count, err := e.kv.Incr(ctx, key, e.cfg.RateWindow)
	if err != nil {
		return true, err
	}
	return count <= e.cfg.RateLimit, nil
}
