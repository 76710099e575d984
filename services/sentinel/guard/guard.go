// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package guard is the deterministic policy gate between the reasoner
// and the executor. Validation is a pure function of the action and the
// rule table: no I/O, no clock, no external dependencies.
//
// Rule evaluation order: hard-deny patterns, danger catalog, safe
// catalog with preconditions, then default deny. The reference behavior
// this replaces allowed unrecognized shell commands through; that
// permissive fallback is intentionally not reproduced here.
package guard

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/parleyhq/sentinel/services/sentinel/metrics"
	"github.com/parleyhq/sentinel/services/sentinel/model"
)

// denyPattern is one hard-deny rule compiled at construction.
type denyPattern struct {
	id      string
	desc    string
	pattern *regexp.Regexp
}

// Precondition names a catalog-specific check a safe action must pass.
type Precondition string

const (
	// PrecondNone approves the action with no further check.
	PrecondNone Precondition = "none"

	// PrecondNonEmptyReasoning requires the action to carry reasoning
	// text for the audit trail.
	PrecondNonEmptyReasoning Precondition = "non_empty_reasoning"
)

// Guard validates proposed actions against its rule table.
//
// # Thread Safety
//
// Safe for concurrent use: the rule table is immutable after New.
type Guard struct {
	deny   []denyPattern
	danger map[model.ActionID]string
	safe   map[model.ActionID]Precondition
}

// defaultDenyPatterns are the destructive-operation patterns that deny
// regardless of catalog membership. Matching is case-insensitive over
// the action id, reasoning, and every parameter value.
var defaultDenyPatterns = []struct {
	id, desc, expr string
}{
	{"recursive_delete", "recursive filesystem delete", `rm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\b`},
	{"service_shutdown", "service or host shutdown", `\b(shutdown|halt|poweroff|systemctl\s+stop)\b`},
	{"disk_format", "disk format or overwrite", `\b(mkfs|fdisk|dd\s+if=)\b`},
	{"table_drop", "database table drop or truncate", `\b(drop\s+table|truncate\s+table|drop\s+database)\b`},
	{"bulk_user_delete", "bulk user-data delete", `delete\s+from\s+(users|messages|rooms)\b`},
}

// defaultDangerCatalog lists action ids that are always denied, with
// the reason recorded in the decision.
var defaultDangerCatalog = map[model.ActionID]string{
	"delete_user_data":         "user data deletion is never automated",
	"modify_security_settings": "security and auth settings are operator-only",
	"modify_access_policy":     "access policies are operator-only",
	"grant_elevated_access":    "privilege grants are operator-only",
	"change_billing":           "billing changes are operator-only",
}

// defaultSafeCatalog lists the approved action ids and their
// preconditions.
var defaultSafeCatalog = map[model.ActionID]Precondition{
	model.ActionAdjustRateLimit:           PrecondNone,
	model.ActionDeactivateBot:             PrecondNonEmptyReasoning,
	model.ActionEnableAutoModeration:      PrecondNone,
	model.ActionAdjustCacheTTL:            PrecondNone,
	model.ActionCreateIndex:               PrecondNone,
	model.ActionAdjustModerationThreshold: PrecondNone,
}

// New builds a guard from the compiled-in default rule table.
func New() *Guard {
	g, err := newFromTables(defaultDenyPatterns, defaultDangerCatalog, defaultSafeCatalog)
	if err != nil {
		// Default patterns are compile-time constants; a failure here
		// is a programming error.
		panic(err)
	}
	return g
}

func newFromTables(
	patterns []struct{ id, desc, expr string },
	danger map[model.ActionID]string,
	safe map[model.ActionID]Precondition,
) (*Guard, error) {
	g := &Guard{
		danger: make(map[model.ActionID]string, len(danger)),
		safe:   make(map[model.ActionID]Precondition, len(safe)),
	}
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p.expr)
		if err != nil {
			return nil, fmt.Errorf("compile deny pattern %s: %w", p.id, err)
		}
		g.deny = append(g.deny, denyPattern{id: p.id, desc: p.desc, pattern: re})
	}
	for id, reason := range danger {
		g.danger[id] = reason
	}
	for id, pre := range safe {
		g.safe[id] = pre
	}
	return g, nil
}

// Validate decides whether a proposed action may execute.
//
// # Inputs
//
//   - action: The proposed action. Never mutated.
//
// # Outputs
//
//   - model.PolicyDecision: Approved plus a human-readable reason.
//
// Pure and deterministic given the rule table; safe to call from tests
// with zero setup.
func (g *Guard) Validate(action model.ProposedAction) model.PolicyDecision {
	decision := g.validate(action)
	verdict := "denied"
	if decision.Approved {
		verdict = "approved"
	}
	metrics.ActionsValidated.WithLabelValues(string(action.ActionID), verdict).Inc()
	return decision
}

func (g *Guard) validate(action model.ProposedAction) model.PolicyDecision {
	// 1. Hard deny list over every textual surface of the action.
	text := g.searchableText(action)
	for _, d := range g.deny {
		if d.pattern.MatchString(text) {
			return model.PolicyDecision{
				Approved: false,
				Reason:   fmt.Sprintf("hard deny: %s (pattern %s)", d.desc, d.id),
			}
		}
	}

	// 2. Explicit danger catalog, regardless of reasoning supplied.
	if reason, ok := g.danger[action.ActionID]; ok {
		return model.PolicyDecision{
			Approved: false,
			Reason:   fmt.Sprintf("danger catalog: %s", reason),
		}
	}

	// 3. Explicit safe catalog with per-action preconditions.
	if pre, ok := g.safe[action.ActionID]; ok {
		if msg, failed := g.preconditionFails(pre, action); failed {
			return model.PolicyDecision{Approved: false, Reason: msg}
		}
		return model.PolicyDecision{
			Approved: true,
			Reason:   fmt.Sprintf("safe catalog: %s", action.ActionID),
		}
	}

	// 4. Default deny.
	return model.PolicyDecision{
		Approved: false,
		Reason:   fmt.Sprintf("action %q is not in the safe catalog", action.ActionID),
	}
}

// preconditionFails evaluates a named precondition, returning the
// denial message when it fails.
func (g *Guard) preconditionFails(pre Precondition, action model.ProposedAction) (string, bool) {
	switch pre {
	case PrecondNonEmptyReasoning:
		if strings.TrimSpace(action.Reasoning) == "" {
			return fmt.Sprintf("action %s requires non-empty reasoning", action.ActionID), true
		}
	}
	return "", false
}

// searchableText flattens the action into one lowercase-matchable
// string: id, reasoning, and parameter values in stable key order.
func (g *Guard) searchableText(action model.ProposedAction) string {
	var b strings.Builder
	b.WriteString(string(action.ActionID))
	b.WriteByte(' ')
	b.WriteString(action.Reasoning)

	keys := make([]string, 0, len(action.Parameters))
	for k := range action.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		fmt.Fprintf(&b, "%v", action.Parameters[k])
	}
	return b.String()
}

// SafeActions returns the safe-catalog action ids, sorted. The reasoner
// embeds this list in its system prompt so proposals stay catalog-bound.
func (g *Guard) SafeActions() []model.ActionID {
	ids := make([]model.ActionID, 0, len(g.safe))
	for id := range g.safe {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
