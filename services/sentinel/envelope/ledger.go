// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package envelope

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/parleyhq/sentinel/services/sentinel/audit"
	"github.com/parleyhq/sentinel/services/sentinel/metrics"
)

// ledgerRetention keeps daily spend keys around long enough for
// reconciliation against provider invoices.
const ledgerRetention = 48 * time.Hour

// RecordSpend adds the estimated cost of one completion call to the
// per-day ledger and, when the daily limit is crossed, sets the global
// kill-switch for the remainder of the UTC day.
//
// This is the one sub-component allowed to mutate global state from
// inside a guarded run: the very next GuardedRun for any task must see
// the flag at the kill-switch gate.
func (e *Envelope) RecordSpend(ctx context.Context, cost float64) error {
	if cost <= 0 {
		return nil
	}
	metrics.TokensSpent.Add(cost)

	day := e.clock().UTC().Format("2006-01-02")
	key := fmt.Sprintf("%s:%s", keySpend, day)
	total, err := e.kv.IncrByFloat(ctx, key, cost, ledgerRetention)
	if err != nil {
		return fmt.Errorf("record spend: %w", err)
	}

	if e.cfg.DailySpendLimit > 0 && total >= e.cfg.DailySpendLimit {
		audit.Log(ctx, e.sink, audit.NewEntry(audit.EventSpendLimitHit, "", "ledger", map[string]any{
			"day":   day,
			"total": total,
			"limit": e.cfg.DailySpendLimit,
		}))
		ttl := e.untilEndOfDay()
		if err := e.SetKillSwitch(ctx, "daily spend limit crossed", ttl); err != nil {
			return err
		}
		slog.Warn("daily spend limit crossed, automation disabled for the day",
			"day", day, "total", total, "limit", e.cfg.DailySpendLimit)
	}
	return nil
}

// DailySpend returns the ledger total for the current UTC day.
func (e *Envelope) DailySpend(ctx context.Context) (float64, error) {
	key := fmt.Sprintf("%s:%s", keySpend, e.clock().UTC().Format("2006-01-02"))
	v, found, err := e.kv.Get(ctx, key)
	if err != nil || !found {
		return 0, err
	}
	total, parseErr := strconv.ParseFloat(v, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("corrupt spend ledger value %q: %w", v, parseErr)
	}
	return total, nil
}

// untilEndOfDay returns the duration to the next UTC midnight.
func (e *Envelope) untilEndOfDay() time.Duration {
	now := e.clock().UTC()
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return midnight.Sub(now)
}
