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
	"github.com/AleutianAI/AleutianTasks/services/api/store"
)

const badgeAwardKind = "badge_award"

// Badges is the achievements module.
type Badges struct {
	res resource
}

// NewBadges creates the badges module.
func NewBadges(d Deps) *Badges {
	d = d.withDefaults()
	return &Badges{res: resource{
		kind:          "badge",
		store:         d.Store,
		required:      []string{"name"},
		initialStatus: "active",
	}}
}

// Endpoints implements routegroup.Provider.
func (b *Badges) Endpoints() []routegroup.Endpoint {
	eps := b.res.crud()
	return append(eps,
		routegroup.Endpoint{Method: http.MethodPost, Path: "/:id/award", Handler: b.award, NeedsSession: true, Summary: "award a badge to a user"},
		routegroup.Endpoint{Method: http.MethodGet, Path: "/awards", Handler: b.awards, NeedsSession: true, Summary: "list badge awards"},
	)
}

func (b *Badges) award(c *gin.Context) {
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
	badgeID := c.Param("id")

	badge, err := b.res.store.Get(ctx, db, b.res.kind, badgeID)
	if err != nil {
		respondError(c, err)
		return
	}
	if _, err := b.res.store.Get(ctx, db, "user", userID); err != nil {
		respondError(c, err)
		return
	}

	award, err := b.res.store.Insert(ctx, db, store.Document{
		Kind:  badgeAwardKind,
		Owner: userID,
		Body: map[string]any{
			"badge_id":   badgeID,
			"badge_name": badge.Body["name"],
			"reason":     body["reason"],
		},
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, award)
}

func (b *Badges) awards(c *gin.Context) {
	q, ok := listQuery(c, badgeAwardKind)
	if !ok {
		return
	}
	if user := c.Query("user_id"); user != "" {
		q.Owner = user
	}
	docs, err := b.res.store.List(c.Request.Context(), sess(c), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": docs, "count": len(docs)})
}

var _ routegroup.Provider = (*Badges)(nil)
