// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scheduler runs named remediation tasks on periodic or
// calendar schedules, tracks per-task health, and trips a task's
// circuit after consecutive failures. Every activation goes through
// the safety envelope; the scheduler only decides when to try.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/parleyhq/sentinel/services/sentinel/audit"
	"github.com/parleyhq/sentinel/services/sentinel/envelope"
	"github.com/parleyhq/sentinel/services/sentinel/metrics"
	"github.com/parleyhq/sentinel/services/sentinel/model"
	"github.com/parleyhq/sentinel/services/sentinel/store"
)

// DefaultFailureThreshold is the consecutive-failure count that trips
// a task's circuit.
const DefaultFailureThreshold = 3

// ErrUnknownTask is returned for operations on unregistered task names.
var ErrUnknownTask = fmt.Errorf("unknown task")

// task is one registered unit of scheduled work. Failure counts and
// trip flags live in the side store, not here, so a restart or a
// second instance sees the same circuit state.
type task struct {
	name     string
	schedule Schedule
	op       envelope.Operation
	runOpts  []envelope.RunOption

	mu       sync.Mutex
	inFlight bool
}

// Scheduler owns the task table and the timer goroutines.
//
// # Thread Safety
//
// All public methods are safe for concurrent use. Distinct tasks run
// concurrently; the per-task in-flight flag prevents two overlapping
// runs of the same task.
type Scheduler struct {
	env  *envelope.Envelope
	kv   store.KV
	sink audit.Sink

	failureThreshold int
	clock            func() time.Time

	mu      sync.Mutex
	tasks   map[string]*task
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Scheduler. sink may be nil.
func New(env *envelope.Envelope, kv store.KV, sink audit.Sink) *Scheduler {
	if sink == nil {
		sink = audit.NewNoopSink()
	}
	return &Scheduler{
		env:              env,
		kv:               kv,
		sink:             sink,
		failureThreshold: DefaultFailureThreshold,
		clock:            time.Now,
		tasks:            make(map[string]*task),
		done:             make(chan struct{}),
	}
}

// SetFailureThreshold overrides the trip threshold. Must be called
// before Start.
func (s *Scheduler) SetFailureThreshold(n int) {
	if n > 0 {
		s.failureThreshold = n
	}
}

// Add registers a named task. Returns an error on duplicate names.
func (s *Scheduler) Add(name string, schedule Schedule, op envelope.Operation, opts ...envelope.RunOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task %q already registered", name)
	}
	s.tasks[name] = &task{name: name, schedule: schedule, op: op, runOpts: opts}
	metrics.TasksTripped.WithLabelValues(name).Set(0)
	return nil
}

// Start launches one timer goroutine per task. Returns an error if the
// scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	started := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		started = append(started, t)
	}
	s.mu.Unlock()

	slog.Info("scheduler starting", "tasks", len(started))
	for _, t := range started {
		s.wg.Add(1)
		go s.runLoop(ctx, t)
	}
	return nil
}

// Stop signals all timer goroutines and waits for in-progress runs to
// finish. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("scheduler stopped")
}

// runLoop sleeps until each next activation and fires the task. Timers
// are recomputed after every run so calendar drift never accumulates.
func (s *Scheduler) runLoop(ctx context.Context, t *task) {
	defer s.wg.Done()

	for {
		next := t.schedule.Next(s.clock())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
			s.fire(ctx, t)
		}
	}
}

// fire runs one scheduled activation, honoring the trip state, the
// persisted enable flag, and the overlap guard.
func (s *Scheduler) fire(ctx context.Context, t *task) {
	t.mu.Lock()
	if t.inFlight {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if s.taskTripped(ctx, t.name) {
		return
	}
	if enabled, err := s.taskEnabled(ctx, t.name); err == nil && !enabled {
		slog.Debug("task disabled, skipping activation", "task", t.name)
		return
	}

	_, _ = s.execute(ctx, t)
}

// execute performs a guarded run and updates the failure counter.
func (s *Scheduler) execute(ctx context.Context, t *task) (envelope.Outcome, error) {
	t.mu.Lock()
	if t.inFlight {
		t.mu.Unlock()
		return envelope.Outcome{}, fmt.Errorf("task %q is already running", t.name)
	}
	t.inFlight = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.inFlight = false
		t.mu.Unlock()
	}()

	outcome, err := s.env.GuardedRun(ctx, t.name, t.op, t.runOpts...)

	// Skips leave the failure counter untouched: a closed gate says
	// nothing about the task's own health.
	if !outcome.Ran {
		return outcome, err
	}

	if err == nil {
		if derr := s.kv.Delete(ctx, failuresKey(t.name)); derr != nil {
			slog.Warn("could not reset failure counter", "task", t.name, "error", derr)
		}
		return outcome, nil
	}

	// The counter increment is atomic in the store, so concurrent
	// instances never undercount a shared streak.
	n, ierr := s.kv.Incr(ctx, failuresKey(t.name), 0)
	if ierr != nil {
		slog.Warn("could not advance failure counter", "task", t.name, "error", ierr)
		return outcome, err
	}
	slog.Warn("task run failed",
		"task", t.name, "consecutive_failures", n, "threshold", s.failureThreshold)
	if int(n) >= s.failureThreshold {
		// SetNX makes the trip a one-shot event even when two
		// instances cross the threshold at once.
		won, serr := s.kv.SetNX(ctx, trippedKey(t.name), "true", 0)
		if serr != nil {
			slog.Warn("could not persist trip flag", "task", t.name, "error", serr)
		} else if won {
			metrics.TasksTripped.WithLabelValues(t.name).Set(1)
			audit.Log(ctx, s.sink, audit.NewEntry(audit.EventCircuitTripped, t.name, "scheduler",
				map[string]any{"consecutive_failures": n}))
			slog.Error("task circuit tripped, awaiting manual re-enable", "task", t.name)
		}
	}
	return outcome, err
}

// RunOnce triggers a task immediately, bypassing the timer but not the
// envelope or the trip state.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (envelope.Outcome, error) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return envelope.Outcome{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	if s.taskTripped(ctx, name) {
		return envelope.Outcome{}, fmt.Errorf("task %q is tripped; re-enable it first", name)
	}

	if enabled, err := s.taskEnabled(ctx, name); err == nil && !enabled {
		return envelope.Outcome{}, fmt.Errorf("task %q is disabled", name)
	}

	return s.execute(ctx, t)
}

// Toggle persists the task's desired state. Re-enabling a tripped task
// closes its circuit and zeroes the failure counter.
func (s *Scheduler) Toggle(ctx context.Context, name string, enabled bool) error {
	s.mu.Lock()
	_, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	value := "false"
	if enabled {
		value = "true"
	}
	if err := s.kv.Set(ctx, enabledKey(name), value, 0); err != nil {
		return fmt.Errorf("persist toggle for %q: %w", name, err)
	}

	if enabled {
		wasTripped := s.taskTripped(ctx, name)
		if err := s.kv.Delete(ctx, trippedKey(name)); err != nil {
			return fmt.Errorf("close circuit for %q: %w", name, err)
		}
		if err := s.kv.Delete(ctx, failuresKey(name)); err != nil {
			return fmt.Errorf("reset failure counter for %q: %w", name, err)
		}
		if wasTripped {
			metrics.TasksTripped.WithLabelValues(name).Set(0)
			slog.Info("task circuit closed by operator", "task", name)
		}
	}

	audit.Log(ctx, s.sink, audit.NewEntry(audit.EventTaskToggled, name, "operator",
		map[string]any{"enabled": enabled}))
	return nil
}

// Health reports a task's loop state.
func (s *Scheduler) Health(ctx context.Context, name string) (model.LoopHealthState, error) {
	s.mu.Lock()
	_, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return model.LoopHealthState{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	enabled, err := s.taskEnabled(ctx, name)
	if err != nil {
		enabled = true
	}

	failures := 0
	if raw, found, gerr := s.kv.Get(ctx, failuresKey(name)); gerr == nil && found {
		failures, _ = strconv.Atoi(raw)
	}
	return model.LoopHealthState{
		ConsecutiveFailures: failures,
		Tripped:             s.taskTripped(ctx, name),
		DisabledManually:    !enabled,
	}, nil
}

// TaskNames returns the registered task names.
func (s *Scheduler) TaskNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	return names
}

// taskEnabled reads the persisted desired state; missing means enabled.
func (s *Scheduler) taskEnabled(ctx context.Context, name string) (bool, error) {
	raw, ok, err := s.kv.Get(ctx, enabledKey(name))
	if err != nil {
		return true, err
	}
	if !ok {
		return true, nil
	}
	return raw != "false", nil
}

// taskTripped reads the persisted trip flag. Store errors fail open
// so a flaky store never freezes every circuit shut.
func (s *Scheduler) taskTripped(ctx context.Context, name string) bool {
	_, ok, err := s.kv.Get(ctx, trippedKey(name))
	if err != nil {
		slog.Warn("could not read trip flag", "task", name, "error", err)
		return false
	}
	return ok
}

func enabledKey(name string) string {
	return "task:" + name + ":enabled"
}

func failuresKey(name string) string {
	return "task:" + name + ":failures"
}

func trippedKey(name string) string {
	return "task:" + name + ":tripped"
}
