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

// Task statuses.
const (
	TaskOpen       = "open"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
	TaskCancelled  = "cancelled"
)

// Tasks is the task tracking module.
type Tasks struct {
	res resource
}

// NewTasks creates the tasks module.
func NewTasks(d Deps) *Tasks {
	d = d.withDefaults()
	return &Tasks{res: resource{
		kind:          "task",
		store:         d.Store,
		required:      []string{"title"},
		initialStatus: TaskOpen,
	}}
}

// Endpoints implements routegroup.Provider.
func (t *Tasks) Endpoints() []routegroup.Endpoint {
	eps := t.res.crud()
	return append(eps,
		routegroup.Endpoint{Method: http.MethodGet, Path: "/count", Handler: t.res.count, NeedsSession: true, Summary: "count tasks"},
		routegroup.Endpoint{Method: http.MethodPost, Path: "/:id/start", Handler: t.res.transition("start", TaskInProgress, TaskOpen), NeedsSession: true},
		routegroup.Endpoint{Method: http.MethodPost, Path: "/:id/complete", Handler: t.res.transition("complete", TaskDone, TaskInProgress), NeedsSession: true},
		routegroup.Endpoint{Method: http.MethodPost, Path: "/:id/cancel", Handler: t.res.transition("cancel", TaskCancelled, TaskOpen, TaskInProgress), NeedsSession: true},
		routegroup.Endpoint{Method: http.MethodPost, Path: "/:id/assign", Handler: t.assign, NeedsSession: true, Summary: "assign task to a user"},
	)
}

func (t *Tasks) assign(c *gin.Context) {
	body, ok := bindBody(c)
	if !ok {
		return
	}
	userID := stringField(body, "user_id")
	if userID == "" {
		badRequest(c, "user_id is required")
		return
	}

	ctx := c.Request.Context()
	db := sess(c)
	id := c.Param("id")

	if _, err := t.res.store.Get(ctx, db, "user", userID); err != nil {
		respondError(c, err)
		return
	}
	if err := t.res.store.Assign(ctx, db, t.res.kind, id, userID); err != nil {
		respondError(c, err)
		return
	}
	doc, err := t.res.store.Get(ctx, db, t.res.kind, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

var _ routegroup.Provider = (*Tasks)(nil)
