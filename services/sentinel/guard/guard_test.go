// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package guard

import (
	"testing"

	"github.com/parleyhq/sentinel/services/sentinel/model"
)

func TestValidate_SafeCatalogApproved(t *testing.T) {
	g := New()

	tests := []struct {
		name   string
		action model.ProposedAction
	}{
		{"adjust_rate_limit", model.ProposedAction{
			ActionID:   model.ActionAdjustRateLimit,
			Parameters: map[string]any{"room": "general", "limit": 20},
			Reasoning:  "spam burst in #general",
		}},
		{"enable_auto_moderation", model.ProposedAction{
			ActionID:  model.ActionEnableAutoModeration,
			Reasoning: "repeated abuse reports",
		}},
		{"adjust_cache_ttl", model.ProposedAction{
			ActionID:   model.ActionAdjustCacheTTL,
			Parameters: map[string]any{"ttl_seconds": 120},
		}},
		{"create_index", model.ProposedAction{
			ActionID:   model.ActionCreateIndex,
			Parameters: map[string]any{"table": "messages", "column": "room_id"},
		}},
		{"adjust_moderation_threshold", model.ProposedAction{
			ActionID:   model.ActionAdjustModerationThreshold,
			Parameters: map[string]any{"threshold": 0.8},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := g.Validate(tc.action)
			if !d.Approved {
				t.Errorf("expected approval, got denial: %s", d.Reason)
			}
		})
	}
}

func TestValidate_UnknownActionDenied(t *testing.T) {
	g := New()

	// Everything outside the safe catalog is denied, including ids the
	// reasoner might invent.
	for _, id := range []model.ActionID{
		"restart_database",
		"do_something_helpful",
		model.ActionScaleResource,
		model.ActionRunScript,
		model.ActionRunCommand,
		"",
	} {
		d := g.Validate(model.ProposedAction{ActionID: id, Reasoning: "sounds safe"})
		if d.Approved {
			t.Errorf("action %q must be denied by default", id)
		}
	}
}

func TestValidate_DeactivateBotRequiresReasoning(t *testing.T) {
	g := New()

	d := g.Validate(model.ProposedAction{
		ActionID:  model.ActionDeactivateBot,
		Reasoning: "",
	})
	if d.Approved {
		t.Error("deactivate_bot with empty reasoning must be denied")
	}

	d = g.Validate(model.ProposedAction{
		ActionID:  model.ActionDeactivateBot,
		Reasoning: "   ",
	})
	if d.Approved {
		t.Error("whitespace-only reasoning must be denied")
	}

	d = g.Validate(model.ProposedAction{
		ActionID:  model.ActionDeactivateBot,
		Reasoning: "bot flooding #support with duplicate replies",
	})
	if !d.Approved {
		t.Errorf("deactivate_bot with reasoning must be approved, got: %s", d.Reason)
	}
}

func TestValidate_HardDenyBeatsCatalogMembership(t *testing.T) {
	g := New()

	// A safe-catalog action carrying a destructive pattern in its
	// parameters is still denied.
	d := g.Validate(model.ProposedAction{
		ActionID:   model.ActionAdjustCacheTTL,
		Parameters: map[string]any{"cmd": "rm -rf /var/cache"},
		Reasoning:  "cache cleanup",
	})
	if d.Approved {
		t.Error("hard-deny pattern must override safe catalog membership")
	}
}

func TestValidate_HardDenyPatterns(t *testing.T) {
	g := New()

	tests := []struct {
		name string
		text string
	}{
		{"recursive_delete", "rm -rf /data"},
		{"recursive_delete_swapped", "rm -fr /data"},
		{"shutdown", "systemctl stop chatd"},
		{"halt", "halt the node"},
		{"disk_format", "mkfs.ext4 /dev/sdb"},
		{"disk_overwrite", "dd if=/dev/zero of=/dev/sda"},
		{"drop_table", "DROP TABLE messages"},
		{"truncate", "truncate table sessions"},
		{"bulk_user_delete", "DELETE FROM users WHERE active = false"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := g.Validate(model.ProposedAction{
				ActionID:   model.ActionRunCommand,
				Parameters: map[string]any{"command": tc.text},
			})
			if d.Approved {
				t.Errorf("text %q must hit a hard-deny pattern", tc.text)
			}
		})
	}
}

func TestValidate_DangerCatalogIgnoresReasoning(t *testing.T) {
	g := New()

	for _, id := range []model.ActionID{
		"delete_user_data",
		"modify_security_settings",
		"modify_access_policy",
		"grant_elevated_access",
		"change_billing",
	} {
		d := g.Validate(model.ProposedAction{
			ActionID:  id,
			Reasoning: "thoroughly justified and very convincing",
		})
		if d.Approved {
			t.Errorf("danger-catalog action %q must be denied regardless of reasoning", id)
		}
	}
}

func TestValidate_Deterministic(t *testing.T) {
	g := New()
	action := model.ProposedAction{
		ActionID:   model.ActionAdjustRateLimit,
		Parameters: map[string]any{"a": 1, "b": 2, "c": 3},
		Reasoning:  "spam burst",
	}

	first := g.Validate(action)
	for i := 0; i < 20; i++ {
		if got := g.Validate(action); got != first {
			t.Fatalf("decision changed across calls: %+v vs %+v", first, got)
		}
	}
}

func TestSafeActions_SortedAndComplete(t *testing.T) {
	g := New()
	ids := g.SafeActions()
	if len(ids) != 6 {
		t.Fatalf("expected 6 safe actions, got %d", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Errorf("safe actions not sorted: %v", ids)
		}
	}
}
