// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry reads the platform event store on a checkpoint
// cursor and dispatches fresh events to kind-specific handlers.
//
// The checkpoint advances to the fetch time as soon as a fetch
// succeeds, before any event is processed. A crash mid-batch therefore
// replays the whole batch on the next scan: delivery is at-least-once,
// and handlers must tolerate duplicates. Moving the checkpoint after
// processing would instead drop the batch on a crash, which is the
// worse failure mode for remediation.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleyhq/sentinel/services/sentinel/audit"
	"github.com/parleyhq/sentinel/services/sentinel/metrics"
	"github.com/parleyhq/sentinel/services/sentinel/model"
	"github.com/parleyhq/sentinel/services/sentinel/store"
)

const checkpointKey = "scan:last_scan_time"

// DefaultLookback bounds the first scan when no checkpoint exists yet.
const DefaultLookback = 1 * time.Hour

// Handler processes one telemetry event. Errors are logged and do not
// abort the batch.
type Handler func(ctx context.Context, event model.TelemetryEvent) error

// Scanner owns the scan checkpoint and the kind-to-handler routing
// table.
//
// # Thread Safety
//
// Scan is not safe for concurrent calls; the scheduler's overlap guard
// serializes it. Register must complete before the first Scan.
type Scanner struct {
	source   EventSource
	kv       store.KV
	sink     audit.Sink
	retryCfg RetryConfig
	handlers map[model.EventKind]Handler

	clock func() time.Time
}

// NewScanner creates a Scanner with the default retry envelope.
func NewScanner(source EventSource, kv store.KV, sink audit.Sink) *Scanner {
	if sink == nil {
		sink = audit.NewNoopSink()
	}
	return &Scanner{
		source:   source,
		kv:       kv,
		sink:     sink,
		retryCfg: DefaultRetryConfig(),
		handlers: make(map[model.EventKind]Handler),
		clock:    time.Now,
	}
}

// Register routes events of the given kind to handler.
func (s *Scanner) Register(kind model.EventKind, handler Handler) {
	s.handlers[kind] = handler
}

// Scan fetches events since the checkpoint, advances the checkpoint,
// and dispatches the batch. The returned events let callers feed the
// batch onward (e.g. into the reasoner) without a second query.
//
// # Outputs
//
//   - []model.TelemetryEvent: The dispatched batch, ascending by
//     occurrence time. Empty when nothing new happened.
//   - error: Non-nil only when the fetch failed after all retries; the
//     checkpoint is untouched in that case.
func (s *Scanner) Scan(ctx context.Context) ([]model.TelemetryEvent, error) {
	since, err := s.checkpoint(ctx)
	if err != nil {
		return nil, err
	}

	// Captured before the query so events landing mid-fetch are seen
	// again next scan rather than falling into a gap.
	fetchTime := s.clock().UTC()

	var events []model.TelemetryEvent
	fetchErr := retry(ctx, s.retryCfg, func(ctx context.Context, attempt int) error {
		batch, qerr := s.source.Query(ctx, since)
		if qerr != nil {
			slog.Warn("telemetry fetch failed",
				"attempt", attempt, "max_attempts", s.retryCfg.MaxAttempts, "error", qerr)
			return qerr
		}
		events = batch
		return nil
	})
	if fetchErr != nil {
		audit.Log(ctx, s.sink, audit.NewEntry(audit.EventScanFailed, "telemetry_scan", "scanner",
			map[string]any{"error": fetchErr.Error(), "since": since.Format(time.RFC3339)}))
		return nil, fmt.Errorf("fetch telemetry after %d attempts: %w", s.retryCfg.MaxAttempts, fetchErr)
	}

	if err := s.kv.Set(ctx, checkpointKey, fetchTime.Format(time.RFC3339Nano), 0); err != nil {
		// Leaving the old checkpoint means this batch will be re-read;
		// deliver it anyway rather than stalling remediation.
		slog.Warn("failed to advance scan checkpoint", "error", err)
	}

	s.dispatch(ctx, events)
	return events, nil
}

// checkpoint returns the cursor, falling back to now-DefaultLookback
// when absent or unreadable.
func (s *Scanner) checkpoint(ctx context.Context) (time.Time, error) {
	raw, ok, err := s.kv.Get(ctx, checkpointKey)
	if err != nil {
		return time.Time{}, fmt.Errorf("read scan checkpoint: %w", err)
	}
	if !ok {
		return s.clock().UTC().Add(-DefaultLookback), nil
	}
	t, perr := time.Parse(time.RFC3339Nano, raw)
	if perr != nil {
		slog.Warn("scan checkpoint is malformed, rewinding", "value", raw, "error", perr)
		return s.clock().UTC().Add(-DefaultLookback), nil
	}
	return t, nil
}

// dispatch routes each event to its kind's handler in batch order.
func (s *Scanner) dispatch(ctx context.Context, events []model.TelemetryEvent) {
	for _, ev := range events {
		kind := ev.KindTag()
		metrics.EventsScanned.WithLabelValues(string(kind)).Inc()

		handler, ok := s.handlers[kind]
		if !ok {
			slog.Info("no handler for event kind, skipping",
				"kind", ev.Kind, "event_id", ev.ID)
			continue
		}
		if err := handler(ctx, ev); err != nil {
			slog.Error("event handler failed",
				"kind", ev.Kind, "event_id", ev.ID, "error", err)
		}
	}
}
