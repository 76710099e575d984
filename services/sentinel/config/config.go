// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads runtime configuration for the sentinel service
// from the environment, with logged fallbacks for every default.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	// ListenAddr is the admin HTTP listen address.
	ListenAddr string

	// RedisAddr and RedisPrefix locate the shared fast store.
	RedisAddr   string
	RedisPrefix string

	// EventStoreDSN is the Postgres DSN for the telemetry event store.
	EventStoreDSN string

	// OpenAIModel selects the completion model. The API key comes from
	// OPENAI_API_KEY or the container secret, same as the rest of the
	// platform.
	OpenAIModel string

	// AuditLogPath is the JSONL audit trail location.
	AuditLogPath string

	// ScanInterval is the healing loop cadence.
	ScanInterval time.Duration

	// CompletionTimeout bounds every completion-service call.
	CompletionTimeout time.Duration

	// OperationTimeout bounds every guarded run.
	OperationTimeout time.Duration

	// MaintenanceStartHour/EndHour is the UTC blackout window.
	MaintenanceStartHour int
	MaintenanceEndHour   int

	// CompletionRateLimit is the shared calls-per-hour budget.
	CompletionRateLimit int64

	// BackoffWindow is the suppression window armed on infra errors.
	BackoffWindow time.Duration

	// DailySpendLimit is the dollar budget that flips the kill-switch.
	DailySpendLimit float64

	// FailureThreshold trips a task's circuit.
	FailureThreshold int

	// LatencyBoundMs is the soft post-run latency target for
	// lightweight automations.
	LatencyBoundMs float64

	// PolicyRulesPath optionally overrides the compiled-in guard rules
	// with a YAML rule table. Empty means defaults.
	PolicyRulesPath string

	// ScriptDir confines run_script actions. Empty disables the script
	// shape entirely.
	ScriptDir string
}

// Load reads configuration from the environment. Missing values fall
// back to defaults and are logged at WARN so a misconfigured deployment
// is visible in the first lines of output.
func Load() Config {
	return Config{
		ListenAddr:           getString("SENTINEL_LISTEN_ADDR", ":12300"),
		RedisAddr:            getString("SENTINEL_REDIS_ADDR", "localhost:6379"),
		RedisPrefix:          getString("SENTINEL_REDIS_PREFIX", "sentinel"),
		EventStoreDSN:        getString("SENTINEL_EVENT_STORE_DSN", ""),
		OpenAIModel:          getString("OPENAI_MODEL", "gpt-4o-mini"),
		AuditLogPath:         getString("SENTINEL_AUDIT_LOG", "/var/log/sentinel/audit.jsonl"),
		ScanInterval:         getDuration("SENTINEL_SCAN_INTERVAL", 5*time.Minute),
		CompletionTimeout:    getDuration("SENTINEL_COMPLETION_TIMEOUT", 30*time.Second),
		OperationTimeout:     getDuration("SENTINEL_OPERATION_TIMEOUT", 30*time.Second),
		MaintenanceStartHour: getInt("SENTINEL_MAINTENANCE_START_HOUR", 3),
		MaintenanceEndHour:   getInt("SENTINEL_MAINTENANCE_END_HOUR", 5),
		CompletionRateLimit:  int64(getInt("SENTINEL_COMPLETION_RATE_LIMIT", 100)),
		BackoffWindow:        getDuration("SENTINEL_BACKOFF_WINDOW", 5*time.Minute),
		DailySpendLimit:      getFloat("SENTINEL_DAILY_SPEND_LIMIT", 10.0),
		FailureThreshold:     getInt("SENTINEL_FAILURE_THRESHOLD", 3),
		LatencyBoundMs:       getFloat("SENTINEL_LATENCY_BOUND_MS", 200),
		PolicyRulesPath:      getString("SENTINEL_POLICY_RULES", ""),
		ScriptDir:            getString("SENTINEL_SCRIPT_DIR", ""),
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if fallback != "" {
		slog.Warn("config fallback", "key", key, "value", fallback)
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config parse failed, using fallback", "key", key, "value", v, "fallback", fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("config parse failed, using fallback", "key", key, "value", v, "fallback", fallback)
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("config parse failed, using fallback", "key", key, "value", v, "fallback", fallback.String())
		return fallback
	}
	return d
}

// Validate rejects configurations that cannot work at all.
func (c Config) Validate() error {
	if c.MaintenanceStartHour < 0 || c.MaintenanceStartHour > 23 ||
		c.MaintenanceEndHour < 0 || c.MaintenanceEndHour > 24 {
		return fmt.Errorf("maintenance window hours out of range: %d-%d",
			c.MaintenanceStartHour, c.MaintenanceEndHour)
	}
	if c.CompletionRateLimit < 1 {
		return fmt.Errorf("completion rate limit must be positive, got %d", c.CompletionRateLimit)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be positive, got %d", c.FailureThreshold)
	}
	return nil
}
