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

// Showcase statuses.
const (
	ShowcusPublished = "published"
	ShowcusFeatured  = "featured"
)

// Showcus is the community showcase module.
type Showcus struct {
	res resource
}

// NewShowcus creates the showcus module.
func NewShowcus(d Deps) *Showcus {
	d = d.withDefaults()
	return &Showcus{res: resource{
		kind:          "showcus",
		store:         d.Store,
		required:      []string{"title"},
		initialStatus: ShowcusPublished,
	}}
}

// Endpoints implements routegroup.Provider.
func (s *Showcus) Endpoints() []routegroup.Endpoint {
	eps := s.res.crud()
	return append(eps,
		routegroup.Endpoint{Method: http.MethodPost, Path: "/:id/like", Handler: s.like, NeedsSession: true, Summary: "like a showcase entry"},
		routegroup.Endpoint{Method: http.MethodPost, Path: "/:id/feature", Handler: s.res.transition("feature", ShowcusFeatured, ShowcusPublished), NeedsSession: true},
		routegroup.Endpoint{Method: http.MethodPost, Path: "/:id/unfeature", Handler: s.res.transition("unfeature", ShowcusPublished, ShowcusFeatured), NeedsSession: true},
		routegroup.Endpoint{Method: http.MethodGet, Path: "/featured", Handler: s.featured, NeedsSession: true, Summary: "list featured entries"},
	)
}

func (s *Showcus) like(c *gin.Context) {
	ctx := c.Request.Context()
	db := sess(c)
	id := c.Param("id")

	doc, err := s.res.store.Get(ctx, db, s.res.kind, id)
	if err != nil {
		respondError(c, err)
		return
	}
	likes, _ := doc.Body["likes"].(float64)
	doc, err = s.res.store.Update(ctx, db, s.res.kind, id, map[string]any{"likes": likes + 1})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Showcus) featured(c *gin.Context) {
	q, ok := listQuery(c, s.res.kind)
	if !ok {
		return
	}
	q.Status = ShowcusFeatured
	docs, err := s.res.store.List(c.Request.Context(), sess(c), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": docs, "count": len(docs)})
}

var _ routegroup.Provider = (*Showcus)(nil)
