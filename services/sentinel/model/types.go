// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package model defines the shared data types of the remediation control
// loop: telemetry events, proposed actions, policy decisions, and the
// mutable safety state kept in the fast store.
package model

import (
	"time"
)

// EventKind is the closed set of recognized telemetry event kinds.
//
// Unrecognized kinds map to KindUnknown and are logged and skipped by the
// scanner dispatch, never treated as an error.
type EventKind string

const (
	KindMessageStall EventKind = "message_stall"
	KindChatDeadlock EventKind = "chat_deadlock"
	KindSpamBurst    EventKind = "spam_burst"
	KindLatencySpike EventKind = "latency_spike"
	KindBotMisfire   EventKind = "bot_misfire"
	KindUnknown      EventKind = "unknown"
)

// ParseEventKind maps a free-form kind string to an EventKind.
func ParseEventKind(s string) EventKind {
	switch EventKind(s) {
	case KindMessageStall, KindChatDeadlock, KindSpamBurst, KindLatencySpike, KindBotMisfire:
		return EventKind(s)
	default:
		return KindUnknown
	}
}

// TelemetryEvent is one observed operational occurrence.
//
// Events are immutable once observed; the scanner only reads them.
type TelemetryEvent struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// OccurredAt is the monotonic ordering key within a scan batch.
	OccurredAt time.Time `json:"occurred_at"`

	// Kind is the raw kind string as reported by the upstream store.
	Kind string `json:"kind"`

	// RoomRef and UserRef are optional foreign references.
	RoomRef string `json:"room_ref,omitempty"`
	UserRef string `json:"user_ref,omitempty"`

	// RiskScore is an optional 0.0-1.0 severity estimate.
	RiskScore float64 `json:"risk_score,omitempty"`

	// Features is an open key/value map of extra signal.
	Features map[string]string `json:"features,omitempty"`

	// LatencyMs is the observed latency, when the event carries one.
	LatencyMs float64 `json:"latency_ms,omitempty"`
}

// KindTag returns the closed-variant kind for dispatch.
func (e TelemetryEvent) KindTag() EventKind {
	return ParseEventKind(e.Kind)
}

// ActionID identifies a remediation action from the versioned catalog.
type ActionID string

const (
	ActionAdjustRateLimit           ActionID = "adjust_rate_limit"
	ActionDeactivateBot             ActionID = "deactivate_bot"
	ActionEnableAutoModeration      ActionID = "enable_auto_moderation"
	ActionAdjustCacheTTL            ActionID = "adjust_cache_ttl"
	ActionCreateIndex               ActionID = "create_index"
	ActionAdjustModerationThreshold ActionID = "adjust_moderation_threshold"
	ActionScaleResource             ActionID = "scale_resource"

	// ActionRunScript and ActionRunCommand are the generic execution
	// shapes. They are never in the safe catalog and pass the guard only
	// if an operator extends the rule table explicitly.
	ActionRunScript  ActionID = "run_script"
	ActionRunCommand ActionID = "run_command"
)

// ProposedAction is a catalog-bound remediation suggestion produced by
// the reasoner. Unknown action ids are always rejected by the policy
// guard, never executed.
type ProposedAction struct {
	ActionID   ActionID       `json:"action_id"`
	Parameters map[string]any `json:"parameters,omitempty"`

	// Reasoning is required for audit. An empty reasoning fails the
	// preconditions of some safe-catalog actions.
	Reasoning string `json:"reasoning"`

	// Confidence is optional; zero means not reported.
	Confidence float64 `json:"confidence,omitempty"`
}

// PolicyDecision is the pure output of guard validation.
type PolicyDecision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// ExecutionResult is the outcome of running an approved action.
// Failures are data, never panics.
type ExecutionResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// LoopHealthState is the per-task circuit state mutated only by the
// scheduler's failure handler.
type LoopHealthState struct {
	ConsecutiveFailures int  `json:"consecutive_failures"`
	Tripped             bool `json:"tripped"`
	DisabledManually    bool `json:"disabled_manually"`
}

// RateLimitWindow mirrors the completion-call budget window kept in the
// fast store.
type RateLimitWindow struct {
	Count         int64     `json:"count"`
	WindowResetAt time.Time `json:"window_reset_at"`
}

// BackoffState is the timed suppression window armed after an
// infrastructure-classified completion failure.
type BackoffState struct {
	Active      bool      `json:"active"`
	ActiveUntil time.Time `json:"active_until"`
}

// HeartbeatRecord is a per-task liveness timestamp. It feeds alarms
// only, never control decisions.
type HeartbeatRecord struct {
	LastSeenAt    time.Time `json:"last_seen_at"`
	LastOperation string    `json:"last_operation"`
}
