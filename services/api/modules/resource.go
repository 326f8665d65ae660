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
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianTasks/services/api/middleware"
	"github.com/AleutianAI/AleutianTasks/services/api/observability"
	"github.com/AleutianAI/AleutianTasks/services/api/routegroup"
	"github.com/AleutianAI/AleutianTasks/services/api/session"
	"github.com/AleutianAI/AleutianTasks/services/api/store"
)

// =============================================================================
// Resource
// =============================================================================

// resource implements the CRUD and status-transition endpoints shared by
// most modules on top of one document kind.
type resource struct {
	kind          string
	store         *store.Store
	required      []string
	initialStatus string
	check         func(body map[string]any) error
}

// crud returns list, create, get, update and delete endpoints.
func (r resource) crud() []routegroup.Endpoint {
	return []routegroup.Endpoint{
		{Method: http.MethodGet, Path: "", Handler: r.list, NeedsSession: true, Summary: "list " + r.kind},
		{Method: http.MethodPost, Path: "", Handler: r.create, NeedsSession: true, Summary: "create " + r.kind},
		{Method: http.MethodGet, Path: "/:id", Handler: r.get, NeedsSession: true, Summary: "get " + r.kind},
		{Method: http.MethodPatch, Path: "/:id", Handler: r.update, NeedsSession: true, Summary: "update " + r.kind},
		{Method: http.MethodDelete, Path: "/:id", Handler: r.remove, NeedsSession: true, Summary: "delete " + r.kind},
	}
}

func (r resource) list(c *gin.Context) {
	q, ok := listQuery(c, r.kind)
	if !ok {
		return
	}
	docs, err := r.store.List(c.Request.Context(), sess(c), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": docs, "count": len(docs)})
}

func (r resource) create(c *gin.Context) {
	body, ok := bindBody(c)
	if !ok {
		return
	}
	for _, field := range r.required {
		if v, present := body[field]; !present || v == nil || v == "" {
			badRequest(c, fmt.Sprintf("%s is required", field))
			return
		}
	}
	if r.check != nil {
		if err := r.check(body); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	owner, _ := body["owner_id"].(string)
	doc, err := r.store.Insert(c.Request.Context(), sess(c), store.Document{
		Kind:   r.kind,
		Owner:  owner,
		Status: r.initialStatus,
		Body:   body,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (r resource) get(c *gin.Context) {
	doc, err := r.store.Get(c.Request.Context(), sess(c), r.kind, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (r resource) update(c *gin.Context) {
	patch, ok := bindBody(c)
	if !ok {
		return
	}
	if r.check != nil {
		if err := r.check(patch); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	doc, err := r.store.Update(c.Request.Context(), sess(c), r.kind, c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (r resource) remove(c *gin.Context) {
	if err := r.store.Delete(c.Request.Context(), sess(c), r.kind, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r resource) count(c *gin.Context) {
	q, ok := listQuery(c, r.kind)
	if !ok {
		return
	}
	n, err := r.store.Count(c.Request.Context(), sess(c), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": r.kind, "count": n})
}

// transition moves a document to status "to" when its current status is
// one of from. Any other current status responds 409.
func (r resource) transition(action, to string, from ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		db := sess(c)
		id := c.Param("id")

		doc, err := r.store.Get(ctx, db, r.kind, id)
		if err != nil {
			respondError(c, err)
			return
		}
		if !contains(from, doc.Status) {
			middleware.Abort(c, http.StatusConflict, observability.ErrorCodeConflict,
				fmt.Sprintf("cannot %s %s in status %q", action, r.kind, doc.Status))
			return
		}
		if err := r.store.SetStatus(ctx, db, r.kind, id, to); err != nil {
			respondError(c, err)
			return
		}
		doc.Status = to
		c.JSON(http.StatusOK, doc)
	}
}

// =============================================================================
// Helpers
// =============================================================================

// sess returns the dispatch's session. Only called from endpoints that
// declare NeedsSession, where the router guarantees one is present.
func sess(c *gin.Context) *session.Session {
	s, _ := middleware.GetSession(c)
	return s
}

func bindBody(c *gin.Context) (map[string]any, bool) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "request body must be a JSON object")
		return nil, false
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, true
}

func listQuery(c *gin.Context, kind string) (store.Query, bool) {
	q := store.Query{
		Kind:   kind,
		Owner:  c.Query("owner"),
		Status: c.Query("status"),
	}
	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, name+" must be a non-negative integer")
			return store.Query{}, false
		}
		*dst = n
	}
	return q, true
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		middleware.Abort(c, http.StatusNotFound, observability.ErrorCodeNotFound, "not found")
	case errors.Is(err, session.ErrPoolExhausted):
		middleware.Abort(c, http.StatusServiceUnavailable, observability.ErrorCodePoolExhausted, "service unavailable")
	default:
		_ = c.Error(err)
		middleware.Abort(c, http.StatusInternalServerError, observability.ErrorCodeInternal, "internal error")
	}
}

func badRequest(c *gin.Context, msg string) {
	middleware.Abort(c, http.StatusBadRequest, observability.ErrorCodeValidation, msg)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func stringField(body map[string]any, key string) string {
	s, _ := body[key].(string)
	return strings.TrimSpace(s)
}
