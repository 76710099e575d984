// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parleyhq/sentinel/services/sentinel/audit"
	"github.com/parleyhq/sentinel/services/sentinel/model"
	"github.com/parleyhq/sentinel/services/sentinel/store"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  2.0,
		JitterFactor:   0,
	}
}

// testScanner wires a scanner against in-memory fakes with a
// controllable clock shared by the checkpoint store.
func testScanner(t *testing.T, now *time.Time) (*Scanner, *MemorySource, *store.MemoryKV, *audit.MemorySink) {
	t.Helper()
	src := NewMemorySource()
	kv := store.NewMemoryKV()
	kv.Clock = func() time.Time { return *now }
	sink := audit.NewMemorySink()

	s := NewScanner(src, kv, sink)
	s.retryCfg = fastRetry()
	s.clock = func() time.Time { return *now }
	return s, src, kv, sink
}

func event(id string, at time.Time, kind string) model.TelemetryEvent {
	return model.TelemetryEvent{ID: id, OccurredAt: at, Kind: kind, RoomRef: "general"}
}

func TestScan_DispatchesEachEventOnce(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s, src, _, _ := testScanner(t, &now)

	src.Add(
		event("e1", now.Add(-30*time.Minute), "spam_burst"),
		event("e2", now.Add(-20*time.Minute), "latency_spike"),
		event("e3", now.Add(-10*time.Minute), "spam_burst"),
	)

	var seen []string
	s.Register(model.KindSpamBurst, func(_ context.Context, ev model.TelemetryEvent) error {
		seen = append(seen, ev.ID)
		return nil
	})
	s.Register(model.KindLatencySpike, func(_ context.Context, ev model.TelemetryEvent) error {
		seen = append(seen, ev.ID)
		return nil
	})

	batch, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 events, got %d", len(batch))
	}
	want := []string{"e1", "e2", "e3"}
	if len(seen) != len(want) {
		t.Fatalf("dispatched %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("dispatch order: got %v, want %v", seen, want)
			break
		}
	}

	// A second scan at the same instant must not re-deliver: the
	// checkpoint advanced to the fetch time, past all three events.
	seen = nil
	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(seen) != 0 {
		t.Errorf("events re-dispatched after checkpoint advance: %v", seen)
	}
}

func TestScan_CheckpointIsFetchTimeNotLatestEvent(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s, src, kv, _ := testScanner(t, &now)

	src.Add(event("e1", now.Add(-45*time.Minute), "spam_burst"))
	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	raw, ok, err := kv.Get(context.Background(), checkpointKey)
	if err != nil || !ok {
		t.Fatalf("checkpoint missing: ok=%v err=%v", ok, err)
	}
	cp, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		t.Fatalf("checkpoint not RFC3339: %q", raw)
	}
	if !cp.Equal(now) {
		t.Errorf("checkpoint = %v, want fetch time %v", cp, now)
	}
}

func TestScan_UnknownKindSkippedWithoutError(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s, src, _, _ := testScanner(t, &now)

	src.Add(
		event("e1", now.Add(-5*time.Minute), "solar_flare"),
		event("e2", now.Add(-4*time.Minute), "bot_misfire"),
	)

	var handled []string
	s.Register(model.KindBotMisfire, func(_ context.Context, ev model.TelemetryEvent) error {
		handled = append(handled, ev.ID)
		return nil
	})

	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(handled) != 1 || handled[0] != "e2" {
		t.Errorf("expected only the known kind handled, got %v", handled)
	}
}

func TestScan_HandlerErrorDoesNotAbortBatch(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s, src, _, _ := testScanner(t, &now)

	src.Add(
		event("e1", now.Add(-5*time.Minute), "spam_burst"),
		event("e2", now.Add(-4*time.Minute), "spam_burst"),
	)

	var handled []string
	s.Register(model.KindSpamBurst, func(_ context.Context, ev model.TelemetryEvent) error {
		handled = append(handled, ev.ID)
		if ev.ID == "e1" {
			return errors.New("boom")
		}
		return nil
	})

	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatalf("handler errors must not surface: %v", err)
	}
	if len(handled) != 2 {
		t.Errorf("expected both events attempted, got %v", handled)
	}
}

func TestScan_RetriesThenSucceeds(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s, src, _, sink := testScanner(t, &now)
	src.Add(event("e1", now.Add(-5*time.Minute), "spam_burst"))

	// Fail the first two fetches, then recover.
	attempts := 0
	s.Register(model.KindSpamBurst, func(_ context.Context, _ model.TelemetryEvent) error { return nil })
	orig := s.source
	s.source = sourceFunc(func(ctx context.Context, since time.Time) ([]model.TelemetryEvent, error) {
		attempts++
		if attempts <= 2 {
			return nil, errors.New("store unavailable")
		}
		return orig.Query(ctx, since)
	})

	batch, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("expected recovery within the retry budget: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if len(batch) != 1 {
		t.Errorf("expected the event after recovery, got %d", len(batch))
	}
	if got := sink.ByType(audit.EventScanFailed); len(got) != 0 {
		t.Errorf("transient failures must not audit as scan failures: %d entries", len(got))
	}
}

func TestScan_ExhaustedRetriesAuditAndPreserveCheckpoint(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s, src, kv, sink := testScanner(t, &now)

	// Seed a checkpoint, then make every fetch fail.
	start := now.Add(-10 * time.Minute)
	if err := kv.Set(context.Background(), checkpointKey, start.Format(time.RFC3339Nano), 0); err != nil {
		t.Fatal(err)
	}
	src.FailNext(errors.New("store down"))

	_, err := s.Scan(context.Background())
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}

	raw, ok, _ := kv.Get(context.Background(), checkpointKey)
	if !ok {
		t.Fatal("checkpoint vanished")
	}
	cp, _ := time.Parse(time.RFC3339Nano, raw)
	if !cp.Equal(start) {
		t.Errorf("checkpoint moved on failure: %v, want %v", cp, start)
	}

	if got := sink.ByType(audit.EventScanFailed); len(got) != 1 {
		t.Fatalf("expected one scan_failed audit entry, got %d", len(got))
	}
}

func TestScan_FirstRunUsesLookback(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s, src, _, _ := testScanner(t, &now)

	src.Add(
		event("old", now.Add(-2*time.Hour), "spam_burst"),
		event("fresh", now.Add(-30*time.Minute), "spam_burst"),
	)

	var handled []string
	s.Register(model.KindSpamBurst, func(_ context.Context, ev model.TelemetryEvent) error {
		handled = append(handled, ev.ID)
		return nil
	})

	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(handled) != 1 || handled[0] != "fresh" {
		t.Errorf("expected only events within the lookback window, got %v", handled)
	}
}

// sourceFunc adapts a function to EventSource.
type sourceFunc func(ctx context.Context, since time.Time) ([]model.TelemetryEvent, error)

func (f sourceFunc) Query(ctx context.Context, since time.Time) ([]model.TelemetryEvent, error) {
	return f(ctx, since)
}
