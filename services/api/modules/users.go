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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianTasks/services/api/routegroup"
)

// Users is the user directory module.
type Users struct {
	res resource
}

// NewUsers creates the users module.
func NewUsers(d Deps) *Users {
	d = d.withDefaults()
	return &Users{res: resource{
		kind:          "user",
		store:         d.Store,
		required:      []string{"email"},
		initialStatus: "active",
	}}
}

// Endpoints implements routegroup.Provider.
func (u *Users) Endpoints() []routegroup.Endpoint {
	eps := u.res.crud()
	return append(eps,
		routegroup.Endpoint{Method: http.MethodGet, Path: "/count", Handler: u.res.count, NeedsSession: true, Summary: "count users"},
		routegroup.Endpoint{Method: http.MethodGet, Path: "/:id/tasks", Handler: u.owned("task"), NeedsSession: true, Summary: "tasks assigned to a user"},
		routegroup.Endpoint{Method: http.MethodGet, Path: "/:id/badges", Handler: u.owned(badgeAwardKind), NeedsSession: true, Summary: "badges awarded to a user"},
	)
}

// owned lists documents of kind owned by the user in the path.
func (u *Users) owned(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		db := sess(c)
		id := c.Param("id")

		if _, err := u.res.store.Get(ctx, db, u.res.kind, id); err != nil {
			respondError(c, err)
			return
		}
		q, ok := listQuery(c, kind)
		if !ok {
			return
		}
		q.Owner = id
		docs, err := u.res.store.List(ctx, db, q)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": docs, "count": len(docs)})
	}
}

var _ routegroup.Provider = (*Users)(nil)
