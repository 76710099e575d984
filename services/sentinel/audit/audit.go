// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package audit provides the append-only audit trail for the control
// loop. Every guarded run writes start, success, and failure entries
// here; sinks are best-effort and must never abort the operation being
// logged.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event types recorded by the control loop.
const (
	EventRunStarted      = "run_started"
	EventRunSucceeded    = "run_succeeded"
	EventRunFailed       = "run_failed"
	EventRunSkipped      = "run_skipped"
	EventScanFailed      = "scan_failed"
	EventActionProposed  = "action_proposed"
	EventActionDenied    = "action_denied"
	EventActionExecuted  = "action_executed"
	EventCircuitTripped  = "circuit_tripped"
	EventTaskToggled     = "task_toggled"
	EventKillSwitchSet   = "kill_switch_set"
	EventRateLimitBreach = "rate_limit_breach"
	EventBackoffArmed    = "backoff_armed"
	EventSpendLimitHit   = "spend_limit_crossed"
)

// Entry is one immutable audit record.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	TaskName  string         `json:"task_name,omitempty"`
	Actor     string         `json:"actor"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEntry creates an entry with the id and timestamp set.
func NewEntry(eventType, taskName, actor string, payload map[string]any) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		TaskName:  taskName,
		Actor:     actor,
		Payload:   payload,
	}
}

// Sink receives audit entries.
//
// # Error Handling
//
// Sink errors should not block the operation being audited. Callers log
// errors but do not fail; see Log.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
}

// Reader exposes recent entries for operational dashboards.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// Log appends an entry to the sink, logging (not returning) any failure.
// This is the one call sites should use: the audit trail is best-effort
// by contract.
func Log(ctx context.Context, sink Sink, entry Entry) {
	if sink == nil {
		return
	}
	if err := sink.Append(ctx, entry); err != nil {
		slog.Warn("audit append failed",
			"event_type", entry.EventType,
			"task", entry.TaskName,
			"error", err,
		)
	}
}

// noopSink discards all entries.
type noopSink struct{}

func (noopSink) Append(context.Context, Entry) error { return nil }

// NewNoopSink returns a sink that discards everything. Useful in tests
// that do not assert on the audit trail.
func NewNoopSink() Sink { return noopSink{} }
