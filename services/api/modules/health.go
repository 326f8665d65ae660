// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package modules

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianTasks/services/api/routegroup"
	"github.com/AleutianAI/AleutianTasks/services/api/router"
)

const healthPingTimeout = 2 * time.Second

// Health serves probe endpoints for load balancers and orchestrators.
type Health struct {
	d Deps
}

// NewHealth creates the health module.
func NewHealth(d Deps) *Health {
	return &Health{d: d.withDefaults()}
}

// Endpoints implements routegroup.Provider.
func (h *Health) Endpoints() []routegroup.Endpoint {
	return []routegroup.Endpoint{
		{Method: http.MethodGet, Path: "", Handler: h.status, Summary: "service status"},
		{Method: http.MethodGet, Path: "/live", Handler: h.live, Summary: "process is serving"},
		{Method: http.MethodGet, Path: "/ready", Handler: h.ready, NeedsSession: true, Summary: "a database session can be acquired and used"},
		{Method: http.MethodGet, Path: "/db", Handler: h.db, Summary: "database connectivity and pool usage"},
		{Method: http.MethodGet, Path: "/routes", Handler: h.routes, Summary: "route table meets per-tag minimums"},
	}
}

func (h *Health) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"version":        h.d.Version,
		"uptime_seconds": int64(time.Since(h.d.StartedAt).Seconds()),
	})
}

func (h *Health) live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (h *Health) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
	defer cancel()

	if err := sess(c).PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": "database ping failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *Health) db(c *gin.Context) {
	if h.d.Pool == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": "no session pool"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
	defer cancel()

	stats := h.d.Pool.Stats()
	if err := h.d.Pool.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "pool": stats})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "up", "pool": stats})
}

func (h *Health) routes(c *gin.Context) {
	t := h.d.Table.Get()
	if t == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	if short := router.CheckMinimums(t, Minimums()); len(short) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "shortfalls": short})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "counts": t.Introspect()})
}

var _ routegroup.Provider = (*Health)(nil)
