// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/parleyhq/sentinel/services/sentinel/model"
)

// EventSource yields telemetry events that occurred at or after a
// point in time, in ascending occurrence order.
type EventSource interface {
	Query(ctx context.Context, since time.Time) ([]model.TelemetryEvent, error)
}

// PostgresSource reads telemetry events from the platform's event
// table.
//
// # Thread Safety
//
// Safe for concurrent use; *sql.DB manages its own pool.
type PostgresSource struct {
	db *sql.DB
}

// OpenPostgresSource connects to the event store and verifies the
// connection.
func OpenPostgresSource(ctx context.Context, dsn string) (*PostgresSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping event store: %w", err)
	}
	return &PostgresSource{db: db}, nil
}

const queryEventsSQL = `
SELECT id, occurred_at, kind, room_ref, user_ref, risk_score, features, latency_ms
FROM telemetry_events
WHERE occurred_at >= $1
ORDER BY occurred_at ASC
LIMIT 1000`

// Query returns events with occurred_at >= since, oldest first.
func (s *PostgresSource) Query(ctx context.Context, since time.Time) ([]model.TelemetryEvent, error) {
	rows, err := s.db.QueryContext(ctx, queryEventsSQL, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query telemetry events: %w", err)
	}
	defer rows.Close()

	var events []model.TelemetryEvent
	for rows.Next() {
		var (
			ev        model.TelemetryEvent
			features  []byte
			roomRef   sql.NullString
			userRef   sql.NullString
			riskScore sql.NullFloat64
			latencyMs sql.NullFloat64
		)
		// room_ref, user_ref, risk_score, and latency_ms are all nullable
		// in the event table; a missing value decodes to the zero value.
		if err := rows.Scan(&ev.ID, &ev.OccurredAt, &ev.Kind, &roomRef,
			&userRef, &riskScore, &features, &latencyMs); err != nil {
			return nil, fmt.Errorf("scan telemetry row: %w", err)
		}
		ev.RoomRef = roomRef.String
		ev.UserRef = userRef.String
		ev.RiskScore = riskScore.Float64
		ev.LatencyMs = latencyMs.Float64
		if len(features) > 0 {
			if err := json.Unmarshal(features, &ev.Features); err != nil {
				return nil, fmt.Errorf("decode features for event %s: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate telemetry rows: %w", err)
	}
	return events, nil
}

// Close releases the connection pool.
func (s *PostgresSource) Close() error {
	return s.db.Close()
}

// MemorySource is an in-memory EventSource for tests and local runs.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemorySource struct {
	mu     sync.Mutex
	events []model.TelemetryEvent

	// QueryErr, when set, is returned by every Query until cleared.
	QueryErr error
}

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{}
}

// Add appends events to the source.
func (s *MemorySource) Add(events ...model.TelemetryEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
}

// FailNext makes subsequent queries return err until FailNext(nil).
func (s *MemorySource) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryErr = err
}

func (s *MemorySource) Query(_ context.Context, since time.Time) ([]model.TelemetryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}
	var out []model.TelemetryEvent
	for _, ev := range s.events {
		if !ev.OccurredAt.Before(since) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out, nil
}
