// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parleyhq/sentinel/services/sentinel/audit"
	"github.com/parleyhq/sentinel/services/sentinel/envelope"
	"github.com/parleyhq/sentinel/services/sentinel/executor"
	"github.com/parleyhq/sentinel/services/sentinel/guard"
	"github.com/parleyhq/sentinel/services/sentinel/model"
	"github.com/parleyhq/sentinel/services/sentinel/reasoner"
	"github.com/parleyhq/sentinel/services/sentinel/store"
	"github.com/parleyhq/sentinel/services/sentinel/telemetry"
)

// fakeProposer returns canned proposals when events are present.
type fakeProposer struct {
	actions []model.ProposedAction
	err     error
	called  bool
}

func (f *fakeProposer) Reason(_ context.Context, _ reasoner.ContextSnapshot) (string, []model.ProposedAction, error) {
	f.called = true
	if f.err != nil {
		return "", nil, f.err
	}
	return "canned analysis", f.actions, nil
}

func testLoop(t *testing.T, prop Proposer) (*HealingLoop, *telemetry.MemorySource, *executor.RecordingTargets, *audit.MemorySink) {
	t.Helper()
	src := telemetry.NewMemorySource()
	kv := store.NewMemoryKV()
	sink := audit.NewMemorySink()
	scanner := telemetry.NewScanner(src, kv, sink)

	targets := &executor.RecordingTargets{}
	exec := executor.New(targets.All(), "")

	loop := NewHealingLoop(scanner, prop, guard.New(), exec, sink)
	return loop, src, targets, sink
}

func proposal(id model.ActionID, params map[string]any) model.ProposedAction {
	return model.ProposedAction{
		ActionID:   id,
		Parameters: params,
		Reasoning:  "telemetry indicates a fault",
		Confidence: 0.9,
	}
}

func freshEvent() model.TelemetryEvent {
	return model.TelemetryEvent{
		ID:         "e1",
		OccurredAt: time.Now().Add(-time.Minute),
		Kind:       "spam_burst",
		RoomRef:    "general",
	}
}

func TestHealingLoop_ApprovedActionExecutes(t *testing.T) {
	prop := &fakeProposer{actions: []model.ProposedAction{
		proposal(model.ActionAdjustRateLimit, map[string]any{"room": "general", "limit": 10}),
	}}
	loop, src, targets, sink := testLoop(t, prop)
	src.Add(freshEvent())

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(targets.Calls) != 1 {
		t.Fatalf("expected one target call, got %v", targets.Calls)
	}
	if got := sink.ByType(audit.EventActionProposed); len(got) != 1 {
		t.Errorf("expected one proposed entry, got %d", len(got))
	}
	if got := sink.ByType(audit.EventActionExecuted); len(got) != 1 {
		t.Errorf("expected one executed entry, got %d", len(got))
	}
}

func TestHealingLoop_DeniedActionNeverExecutes(t *testing.T) {
	prop := &fakeProposer{actions: []model.ProposedAction{
		proposal("grant_elevated_access", map[string]any{"user": "u1"}),
	}}
	loop, src, targets, sink := testLoop(t, prop)
	src.Add(freshEvent())

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("denials are outcomes, not errors: %v", err)
	}
	if len(targets.Calls) != 0 {
		t.Fatalf("denied action reached the executor: %v", targets.Calls)
	}
	if got := sink.ByType(audit.EventActionDenied); len(got) != 1 {
		t.Errorf("expected one denied entry, got %d", len(got))
	}
	if got := sink.ByType(audit.EventActionExecuted); len(got) != 0 {
		t.Errorf("denied action was audited as executed")
	}
}

func TestHealingLoop_NoEventsSkipsReasoning(t *testing.T) {
	prop := &fakeProposer{}
	loop, _, _, _ := testLoop(t, prop)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prop.called {
		t.Error("reasoner consulted with no fresh telemetry")
	}
}

func TestHealingLoop_CompletionErrorSurfaces(t *testing.T) {
	prop := &fakeProposer{err: envelope.ErrUpstreamTimeout}
	loop, src, _, _ := testLoop(t, prop)
	src.Add(freshEvent())

	err := loop.Run(context.Background())
	if !errors.Is(err, envelope.ErrUpstreamTimeout) {
		t.Fatalf("completion errors must surface for backoff, got %v", err)
	}
}

func TestHealingLoop_ExecutionFailureIsNotAnError(t *testing.T) {
	prop := &fakeProposer{actions: []model.ProposedAction{
		proposal(model.ActionDeactivateBot, map[string]any{"bot_id": "b7"}),
	}}
	loop, src, targets, sink := testLoop(t, prop)
	src.Add(freshEvent())
	targets.FailNext = true

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("execution failures are data: %v", err)
	}
	entries := sink.ByType(audit.EventActionExecuted)
	if len(entries) != 1 {
		t.Fatalf("expected one executed entry, got %d", len(entries))
	}
	if success, _ := entries[0].Payload["success"].(bool); success {
		t.Error("failed execution audited as success")
	}
}
