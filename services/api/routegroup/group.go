// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routegroup defines route groups and the registry that holds them.
//
// A route group is a self-contained set of endpoints that share one path
// prefix and one category tag. Each business module (auth, tasks, users, ...)
// contributes exactly one group through the Provider interface. The registry
// enforces that no two groups share a prefix or a tag, and keeps groups in
// registration order, which is also their precedence order.
//
// # Lifecycle
//
// The registry is populated once during start-up, before any request is
// served. There is no removal operation.
//
//	reg := routegroup.NewRegistry()
//	if err := reg.Register(routegroup.RouteGroup{
//	    Name:     "tasks",
//	    Prefix:   "/tasks",
//	    Tag:      "tasks",
//	    Provider: tasksModule,
//	}); err != nil {
//	    return err // configuration error, do not start serving
//	}
package routegroup

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Endpoint
// =============================================================================

// Endpoint is one (method, path, behavior) triple declared by a provider.
//
// # Fields
//
//   - Method: HTTP method, upper case (GET, POST, ...).
//   - Path: Path relative to the group prefix. Either empty (the group root)
//     or starting with "/". May contain gin parameters (":id").
//   - Handler: The behavior. Must not be nil.
//   - NeedsSession: When true, the router acquires a database session scoped
//     to the single dispatch and releases it afterwards.
//   - Middleware: Extra per-endpoint handlers run after session acquisition
//     and before Handler (for example bearer authentication).
//   - Summary: Optional one-line description used by introspection output.
type Endpoint struct {
	Method       string
	Path         string
	Handler      gin.HandlerFunc
	NeedsSession bool
	Middleware   []gin.HandlerFunc
	Summary      string
}

// Provider is the capability every route group module implements.
//
// # Description
//
// Endpoints returns the full, static set of endpoints of the module. It is
// called once at composition time; the returned slice must not change
// afterwards.
//
// # Thread Safety
//
// Handlers returned by Endpoints are invoked concurrently and must be safe
// for concurrent use.
type Provider interface {
	Endpoints() []Endpoint
}

// ProviderFunc adapts a plain function to the Provider interface.
type ProviderFunc func() []Endpoint

// Endpoints calls f.
func (f ProviderFunc) Endpoints() []Endpoint {
	return f()
}

// =============================================================================
// RouteGroup
// =============================================================================

// RouteGroup is a named set of endpoints mounted under one prefix.
//
// # Fields
//
//   - Name: Human-readable module name, used in errors and logs.
//   - Prefix: Mount point. Non-empty, starts with "/", unique per registry.
//   - Tag: Category label, unique per registry.
//   - Provider: Source of the group's endpoints.
type RouteGroup struct {
	Name     string
	Prefix   string
	Tag      string
	Provider Provider
}

// NormalizedPrefix returns the prefix with surrounding whitespace and any
// trailing "/" removed. The root prefix "/" is returned unchanged.
func (g RouteGroup) NormalizedPrefix() string {
	return NormalizePrefix(g.Prefix)
}

// NormalizePrefix trims whitespace and trailing separators from a prefix.
//
// "/tasks/" and "/tasks" normalize to the same value, so they are treated
// as duplicates by the registry.
func NormalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		return ""
	}
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed
}

// EndpointCount returns the number of endpoints the group declares.
func (g RouteGroup) EndpointCount() int {
	if g.Provider == nil {
		return 0
	}
	return len(g.Provider.Endpoints())
}
