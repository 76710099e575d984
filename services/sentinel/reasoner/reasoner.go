// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package reasoner turns telemetry context into proposed remediation
// actions by consulting the completion service. It owns prompt
// construction and response parsing; the safety envelope owns rate
// limiting and backoff around it.
//
// Two entry points exist: Reason for the healing pipeline and Analyze
// for ad-hoc automations. Both share the same client, timeout, and
// spend accounting.
package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/parleyhq/sentinel/services/sentinel/metrics"
	"github.com/parleyhq/sentinel/services/sentinel/model"
)

// SpendRecorder receives the estimated cost of each completion call.
// The safety envelope's ledger implements this.
type SpendRecorder interface {
	RecordSpend(ctx context.Context, cost float64) error
}

// ContextSnapshot is the structured input to Reason: the fresh
// telemetry batch plus the current platform configuration the model
// should consider.
type ContextSnapshot struct {
	Events []model.TelemetryEvent `json:"events"`
	Config map[string]any         `json:"config,omitempty"`
}

// Recommendation is the structured output of Analyze.
type Recommendation struct {
	Summary    string                 `json:"summary"`
	Findings   []string               `json:"findings,omitempty"`
	Actions    []model.ProposedAction `json:"actions,omitempty"`
	Confidence float64                `json:"confidence,omitempty"`
}

// Reasoner drives the completion service.
type Reasoner struct {
	client  CompletionClient
	spender SpendRecorder

	// safeActions is embedded in the system prompt so proposals stay
	// catalog-bound. The guard still validates every proposal.
	safeActions []model.ActionID
}

// New creates a Reasoner. spender may be nil in tests.
func New(client CompletionClient, spender SpendRecorder, safeActions []model.ActionID) *Reasoner {
	return &Reasoner{client: client, spender: spender, safeActions: safeActions}
}

const reasonSystemPrompt = `You are the remediation advisor for a chat platform.
Given recent operational telemetry, propose corrective actions.
Respond with a single JSON object of the form:
{"reasoning": "<your analysis>", "actions": [{"action_id": "<id>", "parameters": {}, "reasoning": "<why>", "confidence": 0.0}]}
Only propose action ids from this catalog: %s.
Propose no actions when none are warranted.`

// Reason asks for remediation proposals for a telemetry snapshot.
//
// # Outputs
//
//   - string: The model's reasoning. On a malformed response this is a
//     parse-failure description, never empty.
//   - []model.ProposedAction: Proposals, empty on parse failure.
//   - error: Transport-level failures only (timeout, 5xx, 429), for
//     the envelope's backoff classification. Parse failures are not
//     errors.
//
// Reason never panics into the scheduler.
func (r *Reasoner) Reason(ctx context.Context, snapshot ContextSnapshot) (string, []model.ProposedAction, error) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		// Snapshot marshaling cannot fail for our own types; treat it
		// like a parse failure rather than killing the run.
		return fmt.Sprintf("failed to encode telemetry snapshot: %v", err), nil, nil
	}

	system := fmt.Sprintf(reasonSystemPrompt, actionList(r.safeActions))
	raw, err := r.complete(ctx, system, string(payload))
	if err != nil {
		return "", nil, err
	}

	reasoning, actions, parseErr := parseProposal(raw)
	if parseErr != nil {
		metrics.CompletionCalls.WithLabelValues("parse_error").Inc()
		slog.Warn("completion response was not valid proposal JSON", "error", parseErr)
		return fmt.Sprintf("could not parse completion response: %v", parseErr), nil, nil
	}

	for _, a := range actions {
		slog.Debug("action proposed", "action", a.ActionID, "confidence", a.Confidence)
	}
	return reasoning, actions, nil
}

const analyzeSystemPrompt = `You are an operations analyst for a chat platform.
Answer the operator's question about the provided context.
Respond with a single JSON object of the form:
{"summary": "<answer>", "findings": ["<finding>"], "actions": [{"action_id": "<id>", "parameters": {}, "reasoning": "<why>"}], "confidence": 0.0}
Only suggest action ids from this catalog: %s.`

// Analyze answers an ad-hoc natural-language question over arbitrary
// context. Parse failures degrade to a Recommendation whose summary
// describes the failure, mirroring Reason.
func (r *Reasoner) Analyze(ctx context.Context, contextData map[string]any, prompt string) (*Recommendation, error) {
	payload, err := json.Marshal(map[string]any{
		"context":  contextData,
		"question": prompt,
	})
	if err != nil {
		slog.Warn("analysis context could not be encoded", "error", err)
		return &Recommendation{
			Summary: fmt.Sprintf("failed to encode analysis context: %v", err),
		}, nil
	}

	system := fmt.Sprintf(analyzeSystemPrompt, actionList(r.safeActions))
	raw, err := r.complete(ctx, system, string(payload))
	if err != nil {
		return nil, err
	}

	var rec Recommendation
	if err := json.Unmarshal([]byte(extractJSON(raw)), &rec); err != nil {
		metrics.CompletionCalls.WithLabelValues("parse_error").Inc()
		return &Recommendation{
			Summary: fmt.Sprintf("could not parse completion response: %v", err),
		}, nil
	}
	return &rec, nil
}

// complete wraps the client call with metrics and spend accounting.
func (r *Reasoner) complete(ctx context.Context, system, user string) (string, error) {
	raw, err := r.client.Complete(ctx, system, user)
	if err != nil {
		metrics.CompletionCalls.WithLabelValues(statusLabel(err)).Inc()
		return "", err
	}
	metrics.CompletionCalls.WithLabelValues("ok").Inc()

	cost := r.client.EstimateCost(len(system)+len(user), len(raw))
	if r.spender != nil && cost > 0 {
		if spendErr := r.spender.RecordSpend(ctx, cost); spendErr != nil {
			slog.Warn("failed to record completion spend", "error", spendErr)
		}
	}
	return raw, nil
}

func actionList(ids []model.ActionID) string {
	if len(ids) == 0 {
		return "(none)"
	}
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ", "
		}
		out += string(id)
	}
	return out
}
