// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scheduler

import (
	"context"
	"log/slog"

	"github.com/parleyhq/sentinel/services/sentinel/audit"
	"github.com/parleyhq/sentinel/services/sentinel/executor"
	"github.com/parleyhq/sentinel/services/sentinel/guard"
	"github.com/parleyhq/sentinel/services/sentinel/model"
	"github.com/parleyhq/sentinel/services/sentinel/reasoner"
	"github.com/parleyhq/sentinel/services/sentinel/telemetry"
)

// Proposer is the reasoning step of the healing loop.
type Proposer interface {
	Reason(ctx context.Context, snapshot reasoner.ContextSnapshot) (string, []model.ProposedAction, error)
}

// Validator decides whether a proposed action may execute.
type Validator interface {
	Validate(action model.ProposedAction) model.PolicyDecision
}

// Runner carries out an approved action.
type Runner interface {
	Execute(ctx context.Context, action model.ProposedAction) model.ExecutionResult
}

// HealingLoop is one full remediation pass: scan the event store,
// ask the reasoner for proposals, validate each against the policy
// guard, and execute the approved ones. Denials and execution
// failures are outcomes, not errors; only scan and completion
// failures surface to the envelope.
type HealingLoop struct {
	scanner *telemetry.Scanner
	prop    Proposer
	guard   Validator
	exec    Runner
	sink    audit.Sink
}

// NewHealingLoop wires the loop. sink may be nil.
func NewHealingLoop(scanner *telemetry.Scanner, prop Proposer, g Validator, exec Runner, sink audit.Sink) *HealingLoop {
	if sink == nil {
		sink = audit.NewNoopSink()
	}
	return &HealingLoop{scanner: scanner, prop: prop, guard: g, exec: exec, sink: sink}
}

// Run is the envelope.Operation registered with the scheduler.
func (l *HealingLoop) Run(ctx context.Context) error {
	events, err := l.scanner.Scan(ctx)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		slog.Debug("no fresh telemetry, skipping reasoning")
		return nil
	}

	reasoning, actions, err := l.prop.Reason(ctx, reasoner.ContextSnapshot{Events: events})
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		slog.Info("no actions proposed", "events", len(events), "reasoning", reasoning)
		return nil
	}

	for _, action := range actions {
		l.handle(ctx, action)
	}
	return nil
}

// handle validates and (when approved) executes one proposal.
func (l *HealingLoop) handle(ctx context.Context, action model.ProposedAction) {
	audit.Log(ctx, l.sink, audit.NewEntry(audit.EventActionProposed, "healing_loop", "reasoner",
		map[string]any{
			"action":     string(action.ActionID),
			"confidence": action.Confidence,
			"reasoning":  action.Reasoning,
		}))

	decision := l.guard.Validate(action)
	if !decision.Approved {
		slog.Info("action denied by policy",
			"action", action.ActionID, "reason", decision.Reason)
		audit.Log(ctx, l.sink, audit.NewEntry(audit.EventActionDenied, "healing_loop", "guard",
			map[string]any{"action": string(action.ActionID), "reason": decision.Reason}))
		return
	}

	result := l.exec.Execute(ctx, action)
	if !result.Success {
		slog.Warn("action execution failed",
			"action", action.ActionID, "error", result.Error)
	}
	audit.Log(ctx, l.sink, audit.NewEntry(audit.EventActionExecuted, "healing_loop", "executor",
		map[string]any{
			"action":  string(action.ActionID),
			"success": result.Success,
			"output":  result.Output,
			"error":   result.Error,
		}))
}

// interface conformance for the concrete components
var (
	_ Validator = (*guard.Guard)(nil)
	_ Runner    = (*executor.Executor)(nil)
	_ Proposer  = (*reasoner.Reasoner)(nil)
)
