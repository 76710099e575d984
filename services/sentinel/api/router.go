// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package api exposes the operator surface: task toggles, health,
// manual runs, the recent audit trail, and the Prometheus endpoint.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyhq/sentinel/services/sentinel/audit"
	"github.com/parleyhq/sentinel/services/sentinel/scheduler"
)

// NewRouter builds the gin engine. reader may be nil when no
// queryable audit sink is configured; the audit endpoint then returns
// 404.
func NewRouter(sched *scheduler.Scheduler, reader audit.Reader) *gin.Engine {
	router := gin.Default()

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.POST("/tasks/:name/toggle", ToggleTask(sched))
	v1.GET("/tasks/:name/health", TaskHealth(sched))
	v1.POST("/tasks/:name/run", RunTask(sched))
	v1.GET("/audit", RecentAudit(reader))

	return router
}

// toggleRequest is the body of POST /v1/tasks/:name/toggle.
type toggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// ToggleTask enables or disables a task. Re-enabling a tripped task
// closes its circuit.
func ToggleTask(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")

		var req toggleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"enabled\": true|false}"})
			return
		}

		slog.Info("task toggle requested", "task", name, "enabled", *req.Enabled)
		if err := sched.Toggle(c.Request.Context(), name, *req.Enabled); err != nil {
			if errors.Is(err, scheduler.ErrUnknownTask) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
				return
			}
			slog.Error("failed to toggle task", "task", name, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist toggle"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"task": name, "enabled": *req.Enabled})
	}
}

// TaskHealth reports the task's loop state.
func TaskHealth(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")

		health, err := sched.Health(c.Request.Context(), name)
		if err != nil {
			if errors.Is(err, scheduler.ErrUnknownTask) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read task health"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"task":                 name,
			"consecutive_failures": health.ConsecutiveFailures,
			"tripped":              health.Tripped,
			"disabled":             health.DisabledManually,
		})
	}
}

// RunTask triggers an immediate run outside the schedule. The safety
// envelope still applies; a gate skip is reported, not an error.
func RunTask(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		slog.Info("manual task run requested", "task", name)

		outcome, err := sched.RunOnce(c.Request.Context(), name)
		if err != nil {
			if errors.Is(err, scheduler.ErrUnknownTask) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
				return
			}
			// The run happened and failed, or the task is unavailable.
			c.JSON(http.StatusConflict, gin.H{
				"task":  name,
				"ran":   outcome.Ran,
				"error": err.Error(),
			})
			return
		}

		resp := gin.H{"task": name, "ran": outcome.Ran}
		if !outcome.Ran {
			resp["skip_reason"] = outcome.SkipReason
		} else {
			resp["duration_ms"] = outcome.Duration.Milliseconds()
		}
		c.JSON(http.StatusOK, resp)
	}
}

// RecentAudit returns the most recent audit entries, newest first.
func RecentAudit(reader audit.Reader) gin.HandlerFunc {
	return func(c *gin.Context) {
		if reader == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "audit trail is not queryable"})
			return
		}

		limit := 50
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 1000 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer in [1, 1000]"})
				return
			}
			limit = n
		}

		entries, err := reader.Recent(c.Request.Context(), limit)
		if err != nil {
			slog.Error("failed to read audit trail", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read audit trail"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
	}
}
