// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reasoner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parleyhq/sentinel/services/sentinel/envelope"
	"github.com/parleyhq/sentinel/services/sentinel/model"
)

// proposalDoc is the wire shape of a Reason response.
type proposalDoc struct {
	Reasoning string `json:"reasoning"`
	Actions   []struct {
		ActionID   string         `json:"action_id"`
		Parameters map[string]any `json:"parameters"`
		Reasoning  string         `json:"reasoning"`
		Confidence float64        `json:"confidence"`
	} `json:"actions"`
}

// parseProposal decodes a completion response into reasoning plus
// proposals. Models occasionally wrap JSON in markdown fences despite
// the response-format request, so fences are stripped first.
func parseProposal(raw string) (string, []model.ProposedAction, error) {
	cleaned := extractJSON(raw)
	if cleaned == "" {
		return "", nil, fmt.Errorf("response contains no JSON object")
	}

	var doc proposalDoc
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return "", nil, fmt.Errorf("decode proposal: %w", err)
	}

	actions := make([]model.ProposedAction, 0, len(doc.Actions))
	for _, a := range doc.Actions {
		if a.ActionID == "" {
			continue
		}
		reasoning := a.Reasoning
		if reasoning == "" {
			reasoning = doc.Reasoning
		}
		actions = append(actions, model.ProposedAction{
			ActionID:   model.ActionID(a.ActionID),
			Parameters: a.Parameters,
			Reasoning:  reasoning,
			Confidence: a.Confidence,
		})
	}
	return doc.Reasoning, actions, nil
}

// extractJSON returns the outermost JSON object in raw, tolerating
// markdown code fences and prose around it. Returns "" when no object
// is present.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// statusLabel maps a transport error to a metrics label via the
// envelope taxonomy.
func statusLabel(err error) string {
	switch envelope.Classify(err) {
	case envelope.ClassTimeout:
		return "timeout"
	case envelope.ClassServerError:
		return "server_error"
	case envelope.ClassRateLimited:
		return "rate_limited"
	default:
		return "other"
	}
}
