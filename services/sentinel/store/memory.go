// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemoryKV is an in-process KV with the same expiry and atomicity
// semantics as RedisKV. It backs tests and single-node dev runs.
type MemoryKV struct {
	mu   sync.Mutex
	data map[string]memoryEntry

	// Clock is overridable for expiry tests. Defaults to time.Now.
	Clock func() time.Time
}

// NewMemoryKV creates an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		data:  make(map[string]memoryEntry),
		Clock: time.Now,
	}
}

// live returns the entry for key if present and unexpired, pruning it
// otherwise. Caller holds mu.
func (m *MemoryKV) live(key string) (memoryEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.Clock().Before(e.expiresAt) {
		delete(m.data, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *MemoryKV) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.Clock().Add(ttl)
}

// Get returns the value for key.
func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

// Set writes key=value with an optional expiry.
func (m *MemoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memoryEntry{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

// SetNX writes key=value only if absent.
func (m *MemoryKV) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.data[key] = memoryEntry{value: value, expiresAt: m.expiry(ttl)}
	return true, nil
}

// Incr atomically increments the integer at key.
func (m *MemoryKV) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	e, ok := m.live(key)
	if ok {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n++
	exp := e.expiresAt
	if !ok {
		exp = m.expiry(ttl)
	}
	m.data[key] = memoryEntry{value: strconv.FormatInt(n, 10), expiresAt: exp}
	return n, nil
}

// IncrByFloat atomically adds delta to the float at key.
func (m *MemoryKV) IncrByFloat(_ context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var f float64
	e, ok := m.live(key)
	if ok {
		f, _ = strconv.ParseFloat(e.value, 64)
	}
	f += delta
	exp := e.expiresAt
	if !ok {
		exp = m.expiry(ttl)
	}
	m.data[key] = memoryEntry{value: strconv.FormatFloat(f, 'f', -1, 64), expiresAt: exp}
	return f, nil
}

// Delete removes key.
func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
