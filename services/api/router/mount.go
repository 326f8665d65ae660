// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianTasks/services/api/middleware"
	"github.com/AleutianAI/AleutianTasks/services/api/observability"
)

// ErrNoSessionSource is returned by Mount when an endpoint needs a
// database session but MountOptions.Sessions is nil.
var ErrNoSessionSource = errors.New("endpoint needs a session but no session source is configured")

// MountOptions configures Mount.
//
// # Fields
//
//   - Sessions: Source of per-dispatch sessions. Required when any
//     endpoint sets NeedsSession.
//   - Metrics: Optional request metrics. Nil records nothing.
//   - Logger: Optional logger. Nil uses slog.Default().
type MountOptions struct {
	Sessions middleware.SessionSource
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Mount registers every route of t on engine.
//
// # Description
//
// Each route is registered as
//
//	stamp(tag, group, metrics) ─► [Session] ─► endpoint middleware ─► handler
//
// The stamp resolves the request path against the table first. gin picks
// routes by its own tree, so a route of group "/a" declared as "/b/:id"
// also matches "/a/b/y" even when a group "/a/b" exists. The group with the
// longest matching prefix owns the path: when that is not the route's own
// group the request is answered 404 "endpoint_not_found" for the owning
// group. Otherwise the stamp records the group on the context and observes
// the request when the chain returns. Requests whose path matches no route
// are answered by
// the NoRoute handler: 404 "route_not_found" when no group prefix matches,
// 404 "endpoint_not_found" when a group matches but none of its endpoints
// do. Wrong methods on known paths get 405 "method_not_allowed".
//
// # Outputs
//
//   - error: ErrNoSessionSource, or the gin registration conflict (gin
//     panics on conflicting wildcard routes; the panic is returned as an
//     error).
//
// # Limitations
//
//   - Call once per engine. gin rejects registering the same route twice.
func Mount(engine *gin.Engine, t *Table, opts MountOptions) (err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var sessionMW gin.HandlerFunc
	if opts.Sessions != nil {
		sessionMW = middleware.Session(opts.Sessions, logger)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mount routes: %v", r)
		}
	}()

	for _, r := range t.routes {
		handlers := make([]gin.HandlerFunc, 0, 3+len(r.Endpoint.Middleware))
		handlers = append(handlers, stamp(t, r, opts.Metrics))
		if r.Endpoint.NeedsSession {
			if sessionMW == nil {
				return fmt.Errorf("%w: %s %s", ErrNoSessionSource, r.Method, r.FullPath)
			}
			handlers = append(handlers, sessionMW)
		}
		handlers = append(handlers, r.Endpoint.Middleware...)
		handlers = append(handlers, r.Endpoint.Handler)

		engine.Handle(r.Method, r.FullPath, handlers...)
	}

	engine.HandleMethodNotAllowed = true
	engine.NoRoute(unmatched(t, opts.Metrics))
	engine.NoMethod(methodNotAllowed(t, opts.Metrics))

	logger.Info("route table mounted", "routes", t.Len(), "groups", len(t.groups))
	return nil
}

func stamp(t *Table, r Route, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		if owner, err := t.Resolve(c.Request.URL.Path); err == nil && owner.Name != r.Group {
			middleware.SetRouteInfo(c, owner.Tag, owner.Name)
			middleware.Abort(c, http.StatusNotFound, observability.ErrorCodeEndpointNotFound, "not found")
			observe(c, metrics, owner.Tag, start)
			return
		}

		middleware.SetRouteInfo(c, r.Tag, r.Group)

		c.Next()

		observe(c, metrics, r.Tag, start)
	}
}

func unmatched(t *Table, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		g, err := t.Resolve(c.Request.URL.Path)
		if err != nil {
			middleware.Abort(c, http.StatusNotFound, observability.ErrorCodeRouteNotFound, "not found")
			observe(c, metrics, "", start)
			return
		}

		middleware.SetRouteInfo(c, g.Tag, g.Name)
		middleware.Abort(c, http.StatusNotFound, observability.ErrorCodeEndpointNotFound, "not found")
		observe(c, metrics, g.Tag, start)
	}
}

func methodNotAllowed(t *Table, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		tag := ""
		if g, err := t.Resolve(c.Request.URL.Path); err == nil {
			tag = g.Tag
			middleware.SetRouteInfo(c, g.Tag, g.Name)
		}
		middleware.Abort(c, http.StatusMethodNotAllowed, observability.ErrorCodeMethodNotAllowed, "method not allowed")
		observe(c, metrics, tag, start)
	}
}

func observe(c *gin.Context, metrics *observability.Metrics, tag string, start time.Time) {
	metrics.ObserveRequest(tag, c.Request.Method, c.Writer.Status(), time.Since(start))
	if code, ok := middleware.ErrorCode(c); ok {
		metrics.RecordError(tag, code)
	}
}
