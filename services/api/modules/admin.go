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
	"crypto/subtle"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianTasks/services/api/middleware"
	"github.com/AleutianAI/AleutianTasks/services/api/observability"
	"github.com/AleutianAI/AleutianTasks/services/api/routegroup"
	"github.com/AleutianAI/AleutianTasks/services/api/router"
	"github.com/AleutianAI/AleutianTasks/services/api/store"
)

// Admin exposes operational introspection: the composed route table, the
// session pool, stored documents, the running configuration and the
// liveness watchdog.
//
// The group fails closed: without an admin token every endpoint answers
// 403. Credential kinds are never listed or deleted through it.
type Admin struct {
	d Deps
}

// NewAdmin creates the admin module.
func NewAdmin(d Deps) *Admin {
	return &Admin{d: d.withDefaults()}
}

// Endpoints implements routegroup.Provider.
func (a *Admin) Endpoints() []routegroup.Endpoint {
	guard := []gin.HandlerFunc{requireStaticToken(a.d.AdminToken)}
	ep := func(method, path string, h gin.HandlerFunc, needsSession bool, summary string) routegroup.Endpoint {
		return routegroup.Endpoint{Method: method, Path: path, Handler: h, NeedsSession: needsSession, Middleware: guard, Summary: summary}
	}
	return []routegroup.Endpoint{
		ep(http.MethodGet, "/routes", a.routes, false, "composed route table"),
		ep(http.MethodGet, "/routes/counts", a.routeCounts, false, "routes per tag against minimums"),
		ep(http.MethodGet, "/pool", a.pool, false, "session pool statistics"),
		ep(http.MethodGet, "/stats", a.stats, true, "documents per kind"),
		ep(http.MethodGet, "/documents/:kind", a.documents, true, "list documents of a kind"),
		ep(http.MethodDelete, "/documents/:kind/:id", a.deleteDocument, true, "delete a document"),
		ep(http.MethodGet, "/config", a.config, false, "running configuration with secrets redacted"),
		ep(http.MethodGet, "/liveness", a.liveness, false, "run the liveness watchdog"),
		ep(http.MethodGet, "/version", a.version, false, "build information"),
		ep(http.MethodPost, "/migrate", a.migrate, true, "create missing tables"),
	}
}

// protectedKinds hold credentials and stay out of reach of the admin
// document endpoints.
var protectedKinds = map[string]bool{
	identityKind: true,
	tokenKind:    true,
}

func requireStaticToken(want string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if want == "" {
			middleware.Abort(c, http.StatusForbidden, observability.ErrorCodeForbidden, "admin API disabled: no admin token configured")
			return
		}
		got := middleware.BearerToken(c)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			middleware.Abort(c, http.StatusUnauthorized, observability.ErrorCodeUnauthorized, "unauthorized")
			return
		}
		c.Next()
	}
}

func (a *Admin) table(c *gin.Context) (*router.Table, bool) {
	t := a.d.Table.Get()
	if t == nil {
		middleware.Abort(c, http.StatusServiceUnavailable, observability.ErrorCodeUnavailable, "route table not composed yet")
		return nil, false
	}
	return t, true
}

func (a *Admin) routes(c *gin.Context) {
	t, ok := a.table(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"routes": t.Describe(), "count": t.Len()})
}

func (a *Admin) routeCounts(c *gin.Context) {
	t, ok := a.table(c)
	if !ok {
		return
	}
	mins := Minimums()
	shortfalls := router.CheckMinimums(t, mins)
	if shortfalls == nil {
		shortfalls = []router.Shortfall{}
	}
	c.JSON(http.StatusOK, gin.H{
		"counts":     t.Introspect(),
		"minimums":   mins,
		"shortfalls": shortfalls,
		"tags":       t.Tags(),
		"total":      t.Len(),
	})
}

func (a *Admin) pool(c *gin.Context) {
	if a.d.Pool == nil {
		middleware.Abort(c, http.StatusServiceUnavailable, observability.ErrorCodeUnavailable, "no session pool")
		return
	}
	c.JSON(http.StatusOK, a.d.Pool.Stats())
}

func (a *Admin) stats(c *gin.Context) {
	counts, err := a.d.Store.CountByKind(c.Request.Context(), sess(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if counts == nil {
		counts = []store.KindCount{}
	}
	c.JSON(http.StatusOK, gin.H{"kinds": counts})
}

func protectedKind(c *gin.Context, kind string) bool {
	if !protectedKinds[kind] {
		return false
	}
	middleware.Abort(c, http.StatusForbidden, observability.ErrorCodeForbidden, fmt.Sprintf("kind %q is not accessible", kind))
	return true
}

func (a *Admin) documents(c *gin.Context) {
	kind := c.Param("kind")
	if protectedKind(c, kind) {
		return
	}
	q, ok := listQuery(c, kind)
	if !ok {
		return
	}
	docs, err := a.d.Store.List(c.Request.Context(), sess(c), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": docs, "count": len(docs)})
}

func (a *Admin) deleteDocument(c *gin.Context) {
	kind := c.Param("kind")
	if protectedKind(c, kind) {
		return
	}
	if err := a.d.Store.Delete(c.Request.Context(), sess(c), kind, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *Admin) config(c *gin.Context) {
	if a.d.Config == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, a.d.Config())
}

func (a *Admin) liveness(c *gin.Context) {
	if a.d.Liveness == nil {
		middleware.Abort(c, http.StatusNotImplemented, observability.ErrorCodeUnavailable, "liveness watchdog not configured")
		return
	}
	v := a.d.Liveness(c.Request.Context())
	status := http.StatusOK
	if !v.Alive {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, v)
}

func (a *Admin) version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":        a.d.Version,
		"go_version":     runtime.Version(),
		"started_at":     a.d.StartedAt.UTC(),
		"uptime_seconds": int64(time.Since(a.d.StartedAt).Seconds()),
	})
}

func (a *Admin) migrate(c *gin.Context) {
	if err := a.d.Store.Migrate(c.Request.Context(), sess(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "migrated"})
}

var _ routegroup.Provider = (*Admin)(nil)
