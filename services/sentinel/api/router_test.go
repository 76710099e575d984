// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/sentinel/services/sentinel/audit"
	"github.com/parleyhq/sentinel/services/sentinel/envelope"
	"github.com/parleyhq/sentinel/services/sentinel/scheduler"
	"github.com/parleyhq/sentinel/services/sentinel/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testRouter wires a real scheduler over in-memory fakes with one
// registered task whose behavior the test controls.
func testRouter(t *testing.T, op envelope.Operation) (*gin.Engine, *audit.MemorySink) {
	t.Helper()
	kv := store.NewMemoryKV()
	sink := audit.NewMemorySink()

	cfg := envelope.DefaultConfig()
	cfg.MaintenanceStartHour = 0
	cfg.MaintenanceEndHour = 0
	env := envelope.New(kv, sink, cfg)

	sched := scheduler.New(env, kv, sink)
	require.NoError(t, sched.Add("heal", scheduler.Every(time.Hour), op))

	return NewRouter(sched, sink), sink
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	router, _ := testRouter(t, func(ctx context.Context) error { return nil })
	w := doRequest(router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := testRouter(t, func(ctx context.Context) error { return nil })
	w := doRequest(router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestToggleTask(t *testing.T) {
	router, sink := testRouter(t, func(ctx context.Context) error { return nil })

	w := doRequest(router, http.MethodPost, "/v1/tasks/heal/toggle", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "heal", resp["task"])
	assert.Equal(t, false, resp["enabled"])

	assert.Len(t, sink.ByType(audit.EventTaskToggled), 1)
}

func TestToggleTask_BadBody(t *testing.T) {
	router, _ := testRouter(t, func(ctx context.Context) error { return nil })
	w := doRequest(router, http.MethodPost, "/v1/tasks/heal/toggle", `{"on": true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestToggleTask_Unknown(t *testing.T) {
	router, _ := testRouter(t, func(ctx context.Context) error { return nil })
	w := doRequest(router, http.MethodPost, "/v1/tasks/ghost/toggle", `{"enabled": true}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskHealth(t *testing.T) {
	router, _ := testRouter(t, func(ctx context.Context) error { return nil })

	w := doRequest(router, http.MethodGet, "/v1/tasks/heal/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["tripped"])
	assert.Equal(t, false, resp["disabled"])
	assert.EqualValues(t, 0, resp["consecutive_failures"])
}

func TestTaskHealth_Unknown(t *testing.T) {
	router, _ := testRouter(t, func(ctx context.Context) error { return nil })
	w := doRequest(router, http.MethodGet, "/v1/tasks/ghost/health", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunTask_Success(t *testing.T) {
	ran := false
	router, _ := testRouter(t, func(ctx context.Context) error { ran = true; return nil })

	w := doRequest(router, http.MethodPost, "/v1/tasks/heal/run", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ran)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ran"])
}

func TestRunTask_FailureReported(t *testing.T) {
	router, _ := testRouter(t, func(ctx context.Context) error { return errors.New("boom") })

	w := doRequest(router, http.MethodPost, "/v1/tasks/heal/run", "")
	require.Equal(t, http.StatusConflict, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ran"])
	assert.Contains(t, resp["error"], "boom")
}

func TestRunTask_Unknown(t *testing.T) {
	router, _ := testRouter(t, func(ctx context.Context) error { return nil })
	w := doRequest(router, http.MethodPost, "/v1/tasks/ghost/run", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecentAudit(t *testing.T) {
	router, sink := testRouter(t, func(ctx context.Context) error { return nil })

	// Generate some trail via a manual run.
	doRequest(router, http.MethodPost, "/v1/tasks/heal/run", "")
	require.NotEmpty(t, sink.Entries())

	w := doRequest(router, http.MethodGet, "/v1/audit?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Entries []audit.Entry `json:"entries"`
		Count   int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, len(resp.Entries), resp.Count)
	assert.NotEmpty(t, resp.Entries)
	// Newest first.
	if len(resp.Entries) >= 2 {
		assert.False(t, resp.Entries[0].Timestamp.Before(resp.Entries[1].Timestamp))
	}
}

func TestRecentAudit_BadLimit(t *testing.T) {
	router, _ := testRouter(t, func(ctx context.Context) error { return nil })
	for _, q := range []string{"limit=0", "limit=-1", "limit=abc", "limit=5000"} {
		w := doRequest(router, http.MethodGet, "/v1/audit?"+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestRecentAudit_NoReader(t *testing.T) {
	kv := store.NewMemoryKV()
	env := envelope.New(kv, audit.NewNoopSink(), envelope.DefaultConfig())
	sched := scheduler.New(env, kv, nil)
	router := NewRouter(sched, nil)

	w := doRequest(router, http.MethodGet, "/v1/audit", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
