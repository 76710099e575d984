// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package executor runs guard-approved remediation actions. It performs
// no authorization of its own: by contract it is only ever handed
// actions the policy guard already approved. Failures come back as
// data in the ExecutionResult, never as a panic, so the scheduler can
// log and continue with the next action.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/parleyhq/sentinel/services/sentinel/metrics"
	"github.com/parleyhq/sentinel/services/sentinel/model"
)

// Executor routes catalog actions to their narrow targets and generic
// shapes to a subprocess.
type Executor struct {
	targets Targets

	// scriptDir confines run_script invocations; script names may not
	// escape it.
	scriptDir string
}

// New creates an Executor. scriptDir may be empty, which disables the
// run_script shape entirely.
func New(targets Targets, scriptDir string) *Executor {
	return &Executor{targets: targets, scriptDir: scriptDir}
}

// Execute runs one approved action and returns the outcome as data.
//
// # Inputs
//
//   - ctx: Bounds subprocess invocations; catalog target calls also
//     receive it.
//   - action: A guard-approved action.
//
// # Outputs
//
//   - model.ExecutionResult: Success flag, captured output, and error
//     text. Never panics.
func (e *Executor) Execute(ctx context.Context, action model.ProposedAction) model.ExecutionResult {
	result := e.dispatch(ctx, action)

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	metrics.ActionsExecuted.WithLabelValues(string(action.ActionID), outcome).Inc()
	slog.Info("action executed",
		"action", action.ActionID,
		"success", result.Success,
		"error", result.Error,
	)
	return result
}

func (e *Executor) dispatch(ctx context.Context, action model.ProposedAction) model.ExecutionResult {
	switch action.ActionID {
	case model.ActionAdjustRateLimit:
		if e.targets.RateLimits == nil {
			return failure("no rate-limit target configured")
		}
		room := paramString(action, "room")
		perMinute := paramInt(action, "limit")
		if room == "" || perMinute <= 0 {
			return failure("adjust_rate_limit needs room and positive limit")
		}
		return fromErr(e.targets.RateLimits.SetRoomRateLimit(ctx, room, perMinute),
			fmt.Sprintf("rate limit for %s set to %d/min", room, perMinute))

	case model.ActionDeactivateBot:
		if e.targets.Bots == nil {
			return failure("no bot target configured")
		}
		botID := paramString(action, "bot_id")
		if botID == "" {
			return failure("deactivate_bot needs bot_id")
		}
		return fromErr(e.targets.Bots.DeactivateBot(ctx, botID, action.Reasoning),
			fmt.Sprintf("bot %s deactivated", botID))

	case model.ActionEnableAutoModeration:
		if e.targets.Moderation == nil {
			return failure("no moderation target configured")
		}
		room := paramString(action, "room")
		if room == "" {
			return failure("enable_auto_moderation needs room")
		}
		return fromErr(e.targets.Moderation.EnableAutoModeration(ctx, room),
			fmt.Sprintf("auto moderation enabled for %s", room))

	case model.ActionAdjustModerationThreshold:
		if e.targets.Moderation == nil {
			return failure("no moderation target configured")
		}
		room := paramString(action, "room")
		threshold := paramFloat(action, "threshold")
		if room == "" || threshold < 0 || threshold > 1 {
			return failure("adjust_moderation_threshold needs room and threshold in [0,1]")
		}
		return fromErr(e.targets.Moderation.SetModerationThreshold(ctx, room, threshold),
			fmt.Sprintf("moderation threshold for %s set to %g", room, threshold))

	case model.ActionAdjustCacheTTL:
		if e.targets.Caches == nil {
			return failure("no cache target configured")
		}
		cache := paramString(action, "cache")
		if cache == "" {
			cache = "default"
		}
		seconds := paramInt(action, "ttl_seconds")
		if seconds <= 0 {
			return failure("adjust_cache_ttl needs positive ttl_seconds")
		}
		return fromErr(e.targets.Caches.SetCacheTTL(ctx, cache, time.Duration(seconds)*time.Second),
			fmt.Sprintf("cache %s ttl set to %ds", cache, seconds))

	case model.ActionCreateIndex:
		if e.targets.Indexes == nil {
			return failure("no index target configured")
		}
		table := paramString(action, "table")
		column := paramString(action, "column")
		if table == "" || column == "" {
			return failure("create_index needs table and column")
		}
		return fromErr(e.targets.Indexes.CreateIndex(ctx, table, column),
			fmt.Sprintf("index requested on %s(%s)", table, column))

	case model.ActionRunScript:
		return e.runScript(ctx, action)

	case model.ActionRunCommand:
		return e.runCommand(ctx, action)

	default:
		return failure(fmt.Sprintf("no executor route for action %q", action.ActionID))
	}
}

// runScript invokes a named script from the configured script
// directory. The name is cleaned and confined to that directory.
func (e *Executor) runScript(ctx context.Context, action model.ProposedAction) model.ExecutionResult {
	if e.scriptDir == "" {
		return failure("script execution is disabled")
	}
	name := paramString(action, "script")
	if name == "" {
		return failure("run_script needs script")
	}
	path := filepath.Join(e.scriptDir, filepath.Clean("/"+name))
	if !strings.HasPrefix(path, filepath.Clean(e.scriptDir)+string(filepath.Separator)) {
		return failure(fmt.Sprintf("script %q escapes the script directory", name))
	}

	out, err := exec.CommandContext(ctx, path).CombinedOutput()
	if err != nil {
		return model.ExecutionResult{Success: false, Output: string(out), Error: err.Error()}
	}
	return model.ExecutionResult{Success: true, Output: string(out)}
}

// runCommand invokes a parameterized command directly, without a
// shell: the command string is split on whitespace, so shell
// metacharacters carry no meaning here.
func (e *Executor) runCommand(ctx context.Context, action model.ProposedAction) model.ExecutionResult {
	command := paramString(action, "command")
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return failure("run_command needs a non-empty command")
	}

	out, err := exec.CommandContext(ctx, fields[0], fields[1:]...).CombinedOutput()
	if err != nil {
		return model.ExecutionResult{Success: false, Output: string(out), Error: err.Error()}
	}
	return model.ExecutionResult{Success: true, Output: string(out)}
}

func failure(msg string) model.ExecutionResult {
	return model.ExecutionResult{Success: false, Error: msg}
}

func fromErr(err error, okOutput string) model.ExecutionResult {
	if err != nil {
		return model.ExecutionResult{Success: false, Error: err.Error()}
	}
	return model.ExecutionResult{Success: true, Output: okOutput}
}

// Parameter extraction tolerates the loose typing of LLM-produced JSON:
// numbers arrive as float64, but strings holding numbers appear too.

func paramString(action model.ProposedAction, key string) string {
	v, ok := action.Parameters[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func paramInt(action model.ProposedAction, key string) int {
	switch v := action.Parameters[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return 0
}

func paramFloat(action model.ProposedAction, key string) float64 {
	switch v := action.Parameters[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			return f
		}
	}
	return 0
}
