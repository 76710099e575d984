// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store abstracts the fast ephemeral key/value store that holds
// the control loop's shared mutable state: scan checkpoints, rate-limit
// counters, backoff flags, heartbeat records, spend ledger entries, and
// the global kill-switch.
//
// Counter mutations are atomic at the store level (single round trip),
// so concurrently running tasks never undercount a shared window.
package store

import (
	"context"
	"time"
)

// KV is the narrow store interface the control loop depends on.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type KV interface {
	// Get returns the value for key. The second return is false when the
	// key does not exist (or has expired); that is not an error.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes key=value. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes key=value only if the key is absent. Returns true if
	// the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Incr atomically increments the integer at key by one and returns
	// the new value. When the increment creates the key, ttl is applied
	// in the same round trip.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// IncrByFloat atomically adds delta to the float at key and returns
	// the new value. TTL behavior matches Incr.
	IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
