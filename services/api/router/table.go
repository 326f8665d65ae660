// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router composes registered route groups into one route table and
// mounts it on a gin engine.
//
// # Description
//
// Compose walks the registry in registration order and joins every group
// prefix with its endpoints' relative paths. The result is an immutable
// Table: introspection and prefix resolution read it without locking.
// Rebuilding means composing again from a registry.
//
//	reg := routegroup.NewRegistry()
//	_ = reg.RegisterAll(groups...)
//
//	table, err := router.Compose(reg)
//	if err != nil { ... }
//	if err := router.VerifyMinimums(table, minimums); err != nil { ... }
//
//	engine := gin.New()
//	if err := router.Mount(engine, table, router.MountOptions{Sessions: factory}); err != nil { ... }
//
// # Thread Safety
//
// A Table is read-only after Compose and safe for concurrent use.
package router

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianTasks/services/api/routegroup"
)

var (
	// ErrDuplicateRoute is returned when two endpoints compose to the same
	// method and full path.
	ErrDuplicateRoute = errors.New("duplicate route")

	// ErrInvalidEndpoint is returned for endpoints with an unknown method,
	// a relative path not starting with "/", or a nil handler.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrNotFound is returned by Resolve when no group prefix matches.
	ErrNotFound = errors.New("no route group matches path")
)

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// =============================================================================
// Route + Table
// =============================================================================

// Route is one entry of the composed table.
type Route struct {
	Method   string
	FullPath string
	Tag      string
	Group    string
	Endpoint routegroup.Endpoint
}

// RouteInfo is the JSON-friendly view of a Route used by introspection
// endpoints and the routes CLI.
type RouteInfo struct {
	Method       string `json:"method" yaml:"method"`
	Path         string `json:"path" yaml:"path"`
	Tag          string `json:"tag" yaml:"tag"`
	Group        string `json:"group" yaml:"group"`
	NeedsSession bool   `json:"needs_session" yaml:"needs_session"`
	Summary      string `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// Table is the immutable result of Compose.
type Table struct {
	routes []Route
	groups []routegroup.RouteGroup
	counts map[string]int
}

// Compose builds the route table from every group in the registry.
//
// # Description
//
// Groups are visited in registration order and endpoints in declaration
// order, so the same registry always yields the same table. Each route's
// full path is the group prefix joined with the endpoint path; the root
// prefix "/" contributes nothing to the join.
//
// # Outputs
//
//   - *Table: The composed table.
//   - error: ErrInvalidEndpoint or ErrDuplicateRoute (wrapped with the
//     offending group, method and path). No table is returned on error.
func Compose(reg *routegroup.Registry) (*Table, error) {
	groups := reg.All()
	t := &Table{
		groups: groups,
		counts: make(map[string]int, len(groups)),
	}
	seen := make(map[string]string)

	for _, g := range groups {
		t.counts[g.Tag] = 0
		for _, ep := range g.Provider.Endpoints() {
			method := strings.ToUpper(strings.TrimSpace(ep.Method))
			if !allowedMethods[method] {
				return nil, fmt.Errorf("group %q: %w: method %q", g.Name, ErrInvalidEndpoint, ep.Method)
			}
			if ep.Path != "" && !strings.HasPrefix(ep.Path, "/") {
				return nil, fmt.Errorf("group %q: %w: path %q must start with /", g.Name, ErrInvalidEndpoint, ep.Path)
			}
			if ep.Handler == nil {
				return nil, fmt.Errorf("group %q: %w: %s %s has no handler", g.Name, ErrInvalidEndpoint, method, ep.Path)
			}

			full := JoinPath(g.Prefix, ep.Path)
			key := method + " " + full
			if owner, dup := seen[key]; dup {
				return nil, fmt.Errorf("group %q: %w: %s (already declared by %q)", g.Name, ErrDuplicateRoute, key, owner)
			}
			seen[key] = g.Name

			ep.Method = method
			t.routes = append(t.routes, Route{
				Method:   method,
				FullPath: full,
				Tag:      g.Tag,
				Group:    g.Name,
				Endpoint: ep,
			})
			t.counts[g.Tag]++
		}
	}

	return t, nil
}

// JoinPath joins a group prefix and an endpoint path.
func JoinPath(prefix, path string) string {
	prefix = routegroup.NormalizePrefix(prefix)
	if prefix == "/" {
		prefix = ""
	}
	full := prefix + path
	if full == "" {
		return "/"
	}
	return full
}

// Routes returns a copy of the composed routes in composition order.
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Len returns the total number of routes.
func (t *Table) Len() int { return len(t.routes) }

// Groups returns the composed groups in registration order.
func (t *Table) Groups() []routegroup.RouteGroup {
	out := make([]routegroup.RouteGroup, len(t.groups))
	copy(out, t.groups)
	return out
}

// Tags returns the group tags in registration order.
func (t *Table) Tags() []string {
	tags := make([]string, len(t.groups))
	for i, g := range t.groups {
		tags[i] = g.Tag
	}
	return tags
}

// Introspect returns the number of routes per tag.
//
// Every registered tag appears, including tags whose group declared no
// endpoints. The returned map is a copy.
func (t *Table) Introspect() map[string]int {
	out := make(map[string]int, len(t.counts))
	for tag, n := range t.counts {
		out[tag] = n
	}
	return out
}

// Describe returns the JSON-friendly route list, sorted by path then method.
func (t *Table) Describe() []RouteInfo {
	out := make([]RouteInfo, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, RouteInfo{
			Method:       r.Method,
			Path:         r.FullPath,
			Tag:          r.Tag,
			Group:        r.Group,
			NeedsSession: r.Endpoint.NeedsSession,
			Summary:      r.Endpoint.Summary,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Method < out[j].Method
	})
	return out
}

// Resolve returns the group whose prefix is the longest match for path.
//
// # Description
//
// A prefix matches when it equals the path or is followed by "/" in the
// path, so "/tasks" matches "/tasks" and "/tasks/7" but not "/tasksx". The
// root prefix "/" matches every path. Prefixes are unique, so there are no
// ties; the first registered group would win otherwise.
//
// # Outputs
//
//   - *routegroup.RouteGroup: Copy of the matching group.
//   - error: ErrNotFound when nothing matches.
func (t *Table) Resolve(path string) (*routegroup.RouteGroup, error) {
	if path == "" {
		path = "/"
	}

	best := -1
	bestLen := -1
	for i, g := range t.groups {
		if !prefixMatches(g.Prefix, path) {
			continue
		}
		if len(g.Prefix) > bestLen {
			best, bestLen = i, len(g.Prefix)
		}
	}

	if best < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	g := t.groups[best]
	return &g, nil
}

func prefixMatches(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
