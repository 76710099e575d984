// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parleyhq/sentinel/services/sentinel/store"
)

// Action targets are the narrow update interfaces behind each catalog
// action. Catalog actions go through these, never through the generic
// subprocess path.

// RateLimitTarget adjusts a room's message rate limit.
type RateLimitTarget interface {
	SetRoomRateLimit(ctx context.Context, room string, perMinute int) error
}

// BotTarget flips a bot's activity flag.
type BotTarget interface {
	DeactivateBot(ctx context.Context, botID, reason string) error
}

// ModerationTarget mutates room moderation configuration.
type ModerationTarget interface {
	EnableAutoModeration(ctx context.Context, room string) error
	SetModerationThreshold(ctx context.Context, room string, threshold float64) error
}

// CacheTarget adjusts a named cache's TTL.
type CacheTarget interface {
	SetCacheTTL(ctx context.Context, cache string, ttl time.Duration) error
}

// IndexTarget requests creation of a database index.
type IndexTarget interface {
	CreateIndex(ctx context.Context, table, column string) error
}

// Targets bundles the per-action collaborators. Nil fields make the
// corresponding actions fail as data, not panic.
type Targets struct {
	RateLimits RateLimitTarget
	Bots       BotTarget
	Moderation ModerationTarget
	Caches     CacheTarget
	Indexes    IndexTarget
}

// KVConfigTarget implements every target interface by writing config
// keys to the shared fast store, where the chat platform's config
// watchers pick them up. Index creation is recorded as a request key
// for the migration runner rather than issuing DDL from here.
type KVConfigTarget struct {
	kv store.KV
}

// NewKVConfigTarget creates a KVConfigTarget over kv.
func NewKVConfigTarget(kv store.KV) *KVConfigTarget {
	return &KVConfigTarget{kv: kv}
}

func (t *KVConfigTarget) SetRoomRateLimit(ctx context.Context, room string, perMinute int) error {
	return t.kv.Set(ctx, fmt.Sprintf("config:ratelimit:%s", room), fmt.Sprintf("%d", perMinute), 0)
}

func (t *KVConfigTarget) DeactivateBot(ctx context.Context, botID, reason string) error {
	return t.kv.Set(ctx, fmt.Sprintf("config:bot:%s:active", botID), "false", 0)
}

func (t *KVConfigTarget) EnableAutoModeration(ctx context.Context, room string) error {
	return t.kv.Set(ctx, fmt.Sprintf("config:moderation:%s:auto", room), "true", 0)
}

func (t *KVConfigTarget) SetModerationThreshold(ctx context.Context, room string, threshold float64) error {
	return t.kv.Set(ctx, fmt.Sprintf("config:moderation:%s:threshold", room), fmt.Sprintf("%g", threshold), 0)
}

func (t *KVConfigTarget) SetCacheTTL(ctx context.Context, cache string, ttl time.Duration) error {
	return t.kv.Set(ctx, fmt.Sprintf("config:cache:%s:ttl_ms", cache), fmt.Sprintf("%d", ttl.Milliseconds()), 0)
}

func (t *KVConfigTarget) CreateIndex(ctx context.Context, table, column string) error {
	key := fmt.Sprintf("config:index_request:%s:%s", table, column)
	_, err := t.kv.SetNX(ctx, key, "requested", 0)
	return err
}

// RecordingTargets is a test double recording every call.
type RecordingTargets struct {
	mu    sync.Mutex
	Calls []string

	// FailNext makes the next call return an error.
	FailNext bool
}

func (r *RecordingTargets) record(format string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailNext {
		r.FailNext = false
		return fmt.Errorf("target unavailable")
	}
	r.Calls = append(r.Calls, fmt.Sprintf(format, args...))
	return nil
}

func (r *RecordingTargets) SetRoomRateLimit(_ context.Context, room string, perMinute int) error {
	return r.record("rate_limit:%s:%d", room, perMinute)
}

func (r *RecordingTargets) DeactivateBot(_ context.Context, botID, reason string) error {
	return r.record("deactivate_bot:%s", botID)
}

func (r *RecordingTargets) EnableAutoModeration(_ context.Context, room string) error {
	return r.record("auto_moderation:%s", room)
}

func (r *RecordingTargets) SetModerationThreshold(_ context.Context, room string, threshold float64) error {
	return r.record("moderation_threshold:%s:%g", room, threshold)
}

func (r *RecordingTargets) SetCacheTTL(_ context.Context, cache string, ttl time.Duration) error {
	return r.record("cache_ttl:%s:%s", cache, ttl)
}

func (r *RecordingTargets) CreateIndex(_ context.Context, table, column string) error {
	return r.record("create_index:%s:%s", table, column)
}

// All returns a Targets with every interface backed by r.
func (r *RecordingTargets) All() Targets {
	return Targets{
		RateLimits: r,
		Bots:       r,
		Moderation: r,
		Caches:     r,
		Indexes:    r,
	}
}
