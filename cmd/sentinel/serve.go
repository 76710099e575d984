// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/parleyhq/sentinel/services/sentinel/api"
	"github.com/parleyhq/sentinel/services/sentinel/audit"
	"github.com/parleyhq/sentinel/services/sentinel/config"
	"github.com/parleyhq/sentinel/services/sentinel/envelope"
	"github.com/parleyhq/sentinel/services/sentinel/executor"
	"github.com/parleyhq/sentinel/services/sentinel/guard"
	"github.com/parleyhq/sentinel/services/sentinel/model"
	"github.com/parleyhq/sentinel/services/sentinel/reasoner"
	"github.com/parleyhq/sentinel/services/sentinel/scheduler"
	"github.com/parleyhq/sentinel/services/sentinel/store"
	"github.com/parleyhq/sentinel/services/sentinel/telemetry"
)

const healTaskName = "heal"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the remediation loop and the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Fast store.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	defer rdb.Close()
	kv := store.NewRedisKV(rdb, cfg.RedisPrefix)

	// Audit trail.
	sink, err := audit.NewJSONLSink(cfg.AuditLogPath, 512)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer sink.Close()

	// Telemetry event store.
	if cfg.EventStoreDSN == "" {
		return errors.New("SENTINEL_EVENT_STORE_DSN is required")
	}
	source, err := telemetry.OpenPostgresSource(ctx, cfg.EventStoreDSN)
	if err != nil {
		return err
	}
	defer source.Close()

	// Safety envelope.
	env := envelope.New(kv, sink, envelope.Config{
		MaintenanceStartHour: cfg.MaintenanceStartHour,
		MaintenanceEndHour:   cfg.MaintenanceEndHour,
		RateLimit:            cfg.CompletionRateLimit,
		RateWindow:           time.Hour,
		BackoffWindow:        cfg.BackoffWindow,
		OperationTimeout:     cfg.OperationTimeout,
		LatencyBoundMs:       cfg.LatencyBoundMs,
		DailySpendLimit:      cfg.DailySpendLimit,
	})

	// Policy guard, optionally from a YAML rule table.
	var g *guard.Guard
	if cfg.PolicyRulesPath != "" {
		g, err = guard.LoadRules(cfg.PolicyRulesPath)
		if err != nil {
			return fmt.Errorf("load policy rules: %w", err)
		}
		slog.Info("policy rules loaded", "path", cfg.PolicyRulesPath)
	} else {
		g = guard.New()
	}

	// Reasoner.
	client, err := reasoner.NewOpenAIClient(cfg.OpenAIModel, cfg.CompletionTimeout)
	if err != nil {
		return fmt.Errorf("configure completion client: %w", err)
	}
	reason := reasoner.New(client, env, g.SafeActions())

	// Executor over the shared config keys.
	targets := executor.NewKVConfigTarget(kv)
	exec := executor.New(executor.Targets{
		RateLimits: targets,
		Bots:       targets,
		Moderation: targets,
		Caches:     targets,
		Indexes:    targets,
	}, cfg.ScriptDir)

	// Scanner with per-kind signal counters for the platform's
	// dashboards; the healing loop consumes the same batch.
	scanner := telemetry.NewScanner(source, kv, sink)
	registerSignalHandlers(scanner, kv)

	loop := scheduler.NewHealingLoop(scanner, reason, g, exec, sink)

	sched := scheduler.New(env, kv, sink)
	sched.SetFailureThreshold(cfg.FailureThreshold)
	if err := sched.Add(healTaskName, scheduler.Every(cfg.ScanInterval), loop.Run); err != nil {
		return err
	}

	// Lightweight daily liveness report outside the LLM budget.
	daily, err := scheduler.Calendar(scheduler.CalendarSpec{Unit: scheduler.UnitDaily, TimeOfDay: "06:00"})
	if err != nil {
		return err
	}
	if err := sched.Add("daily_health_report", daily, healthReport(sched, env),
		envelope.WithoutRateLimit(), envelope.WithLatencyCheck()); err != nil {
		return err
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	// Admin API.
	router := api.NewRouter(sched, sink)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin API listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin API: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// registerSignalHandlers maintains rolling per-kind counters in the
// fast store so the platform's dashboards see raw telemetry pressure
// even when the reasoner proposes nothing.
func registerSignalHandlers(scanner *telemetry.Scanner, kv store.KV) {
	kinds := []model.EventKind{
		model.KindMessageStall,
		model.KindChatDeadlock,
		model.KindSpamBurst,
		model.KindLatencySpike,
		model.KindBotMisfire,
	}
	for _, kind := range kinds {
		k := kind
		scanner.Register(k, func(ctx context.Context, ev model.TelemetryEvent) error {
			_, err := kv.Incr(ctx, fmt.Sprintf("signal:%s", k), time.Hour)
			return err
		})
	}
}

// healthReport logs every task's loop state and is itself a scheduled
// task, so a wedged scheduler shows up as a missing report.
func healthReport(sched *scheduler.Scheduler, env *envelope.Envelope) envelope.Operation {
	return func(ctx context.Context) error {
		for _, name := range sched.TaskNames() {
			h, err := sched.Health(ctx, name)
			if err != nil {
				continue
			}
			slog.Info("task health",
				"task", name,
				"consecutive_failures", h.ConsecutiveFailures,
				"tripped", h.Tripped,
				"disabled", h.DisabledManually)
		}
		spend, err := env.DailySpend(ctx)
		if err == nil {
			slog.Info("completion spend today", "usd", spend)
		}
		return nil
	}
}
