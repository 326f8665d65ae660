// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package modules contains the route group providers of the tasks API.
//
// # Description
//
// Each file defines one business module that contributes a single route
// group: auth, users, tasks, badges, content, showcus, payments, admin and
// health. Modules only see the shared Deps; they never reach into the
// router or the session pool directly, and they declare which endpoints
// need a database session so the router can scope one to each dispatch.
//
// Catalog returns every group in canonical order. Minimums returns the
// per-tag route counts the deployment requires.
package modules

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianTasks/services/api/routegroup"
	"github.com/AleutianAI/AleutianTasks/services/api/router"
	"github.com/AleutianAI/AleutianTasks/services/api/session"
	"github.com/AleutianAI/AleutianTasks/services/api/store"
	"github.com/AleutianAI/AleutianTasks/services/watchdog"
)

// Tags of the nine route groups.
const (
	TagAuth     = "auth"
	TagUsers    = "users"
	TagTasks    = "tasks"
	TagBadges   = "badges"
	TagContent  = "content"
	TagShowcus  = "showcus"
	TagPayments = "payments"
	TagAdmin    = "admin"
	TagHealth   = "health"
)

// Minimums returns the minimum route count per tag.
func Minimums() map[string]int {
	return map[string]int{
		TagAuth:     6,
		TagUsers:    8,
		TagTasks:    10,
		TagBadges:   7,
		TagContent:  7,
		TagShowcus:  9,
		TagPayments: 9,
		TagAdmin:    10,
		TagHealth:   5,
	}
}

// PoolInfo is what modules may know about the session pool.
type PoolInfo interface {
	Stats() session.Stats
	Ping(ctx context.Context) error
}

// TableRef holds the composed route table.
//
// Admin and health endpoints report on the table that contains them, so
// the reference is filled in after composition.
type TableRef struct {
	p atomic.Pointer[router.Table]
}

// Set publishes the composed table.
func (r *TableRef) Set(t *router.Table) { r.p.Store(t) }

// Get returns the composed table, or nil before Set.
func (r *TableRef) Get() *router.Table { return r.p.Load() }

// Deps are the collaborators shared by all modules.
//
// # Fields
//
//   - Store: Document repository.
//   - Pool: Session pool figures and connectivity check.
//   - Table: Late-bound composed route table.
//   - Liveness: Runs the liveness watchdog. Nil disables /admin/liveness.
//   - Config: Returns the redacted running configuration.
//   - Version: Build version string.
//   - AdminToken: Bearer token required by admin endpoints. Empty disables
//     the admin group (403).
//   - TokenTTL: Lifetime of auth tokens. Zero uses 24h.
//   - BcryptCost: Password hashing cost. Zero uses bcrypt.DefaultCost.
//   - Logger: Module logger.
//   - StartedAt: Process start, reported by health.
type Deps struct {
	Store      *store.Store
	Pool       PoolInfo
	Table      *TableRef
	Liveness   func(ctx context.Context) watchdog.Verdict
	Config     func() any
	Version    string
	AdminToken string
	TokenTTL   time.Duration
	BcryptCost int
	Logger     *slog.Logger
	StartedAt  time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Store == nil {
		d.Store = store.New()
	}
	if d.Table == nil {
		d.Table = &TableRef{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.TokenTTL <= 0 {
		d.TokenTTL = 24 * time.Hour
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now()
	}
	if d.Version == "" {
		d.Version = "dev"
	}
	return d
}

// Catalog returns the nine route groups in canonical order.
func Catalog(d Deps) []routegroup.RouteGroup {
	d = d.withDefaults()
	return []routegroup.RouteGroup{
		{Name: "auth", Prefix: "/auth", Tag: TagAuth, Provider: NewAuth(d)},
		{Name: "users", Prefix: "/users", Tag: TagUsers, Provider: NewUsers(d)},
		{Name: "tasks", Prefix: "/tasks", Tag: TagTasks, Provider: NewTasks(d)},
		{Name: "badges", Prefix: "/badges", Tag: TagBadges, Provider: NewBadges(d)},
		{Name: "content", Prefix: "/content", Tag: TagContent, Provider: NewContent(d)},
		{Name: "showcus", Prefix: "/showcus", Tag: TagShowcus, Provider: NewShowcus(d)},
		{Name: "payments", Prefix: "/payments", Tag: TagPayments, Provider: NewPayments(d)},
		{Name: "admin", Prefix: "/admin", Tag: TagAdmin, Provider: NewAdmin(d)},
		{Name: "health", Prefix: "/health", Tag: TagHealth, Provider: NewHealth(d)},
	}
}
