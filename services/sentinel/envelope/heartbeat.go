// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package envelope

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleyhq/sentinel/services/sentinel/model"
)

// heartbeatRetention bounds stale heartbeat keys. Long enough for a
// liveness alarm to fire on a hung task, short enough to self-clean.
const heartbeatRetention = 24 * time.Hour

// Heartbeat records lastSeenAt for a task. Called before the wrapped
// operation runs so an external liveness check can detect a hang even
// when the operation never returns. Heartbeats feed alarms only; no
// control decision reads them.
func (e *Envelope) Heartbeat(ctx context.Context, taskName, operation string) {
	rec := model.HeartbeatRecord{
		LastSeenAt:    e.clock().UTC(),
		LastOperation: operation,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("heartbeat marshal failed", "task", taskName, "error", err)
		return
	}
	key := fmt.Sprintf("%s:%s", keyHeartbeat, taskName)
	if err := e.kv.Set(ctx, key, string(data), heartbeatRetention); err != nil {
		slog.Warn("heartbeat write failed", "task", taskName, "error", err)
	}
}

// LastHeartbeat returns the stored heartbeat for a task, with
// found=false when none was recorded.
func (e *Envelope) LastHeartbeat(ctx context.Context, taskName string) (model.HeartbeatRecord, bool, error) {
	key := fmt.Sprintf("%s:%s", keyHeartbeat, taskName)
	v, found, err := e.kv.Get(ctx, key)
	if err != nil || !found {
		return model.HeartbeatRecord{}, false, err
	}
	var rec model.HeartbeatRecord
	if err := json.Unmarshal([]byte(v), &rec); err != nil {
		return model.HeartbeatRecord{}, false, fmt.Errorf("corrupt heartbeat for %s: %w", taskName, err)
	}
	return rec, true, nil
}
