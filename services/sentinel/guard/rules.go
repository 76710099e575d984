// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package guard

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/parleyhq/sentinel/services/sentinel/model"
)

// RuleFile is the YAML schema for an operator-supplied rule table. It
// replaces the compiled-in defaults wholesale; partial overrides are
// deliberately not supported so the effective policy is always visible
// in one file.
type RuleFile struct {
	DenyPatterns  []DenyPatternRule `yaml:"deny_patterns"`
	DangerCatalog []DangerRule      `yaml:"danger_catalog"`
	SafeCatalog   []SafeRule        `yaml:"safe_catalog"`
}

// DenyPatternRule is one hard-deny regex.
type DenyPatternRule struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Regex       string `yaml:"regex"`
}

// DangerRule always denies an action id.
type DangerRule struct {
	ActionID string `yaml:"action_id"`
	Reason   string `yaml:"reason"`
}

// SafeRule approves an action id subject to a named precondition.
type SafeRule struct {
	ActionID     string `yaml:"action_id"`
	Precondition string `yaml:"precondition"`
}

// LoadRules builds a guard from a YAML rule file.
//
// Regexes are compiled at load so a malformed table fails fast at
// startup instead of silently never matching. Unknown precondition
// names are rejected for the same reason.
func LoadRules(path string) (*Guard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}

	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rule file %s: %w", path, err)
	}

	patterns := make([]struct{ id, desc, expr string }, 0, len(rf.DenyPatterns))
	for _, p := range rf.DenyPatterns {
		if p.ID == "" || p.Regex == "" {
			return nil, fmt.Errorf("deny pattern needs id and regex: %+v", p)
		}
		patterns = append(patterns, struct{ id, desc, expr string }{p.ID, p.Description, p.Regex})
	}

	danger := make(map[model.ActionID]string, len(rf.DangerCatalog))
	for _, d := range rf.DangerCatalog {
		if d.ActionID == "" {
			return nil, fmt.Errorf("danger rule needs action_id")
		}
		danger[model.ActionID(d.ActionID)] = d.Reason
	}

	safe := make(map[model.ActionID]Precondition, len(rf.SafeCatalog))
	for _, s := range rf.SafeCatalog {
		pre := Precondition(s.Precondition)
		switch pre {
		case "", PrecondNone:
			pre = PrecondNone
		case PrecondNonEmptyReasoning:
		default:
			return nil, fmt.Errorf("unknown precondition %q for %s", s.Precondition, s.ActionID)
		}
		safe[model.ActionID(s.ActionID)] = pre
	}

	return newFromTables(patterns, danger, safe)
}
