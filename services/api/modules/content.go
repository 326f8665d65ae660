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

	"github.com/AleutianAI/AleutianTasks/services/api/routegroup"
)

// Content statuses.
const (
	ContentDraft     = "draft"
	ContentPublished = "published"
	ContentArchived  = "archived"
)

// Content is the articles and announcements module.
type Content struct {
	res resource
}

// NewContent creates the content module.
func NewContent(d Deps) *Content {
	d = d.withDefaults()
	return &Content{res: resource{
		kind:          "content",
		store:         d.Store,
		required:      []string{"title"},
		initialStatus: ContentDraft,
	}}
}

// Endpoints implements routegroup.Provider.
func (m *Content) Endpoints() []routegroup.Endpoint {
	eps := m.res.crud()
	return append(eps,
		routegroup.Endpoint{Method: http.MethodPost, Path: "/:id/publish", Handler: m.res.transition("publish", ContentPublished, ContentDraft), NeedsSession: true},
		routegroup.Endpoint{Method: http.MethodPost, Path: "/:id/archive", Handler: m.res.transition("archive", ContentArchived, ContentDraft, ContentPublished), NeedsSession: true},
	)
}

var _ routegroup.Provider = (*Content)(nil)
