// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianTasks/services/api/observability"
	"github.com/AleutianAI/AleutianTasks/services/api/session"
)

// SessionSource hands out database sessions. *session.Factory implements it.
type SessionSource interface {
	Acquire(ctx context.Context) (*session.Session, error)
}

// DefaultRetryAfterSeconds is sent with 503 pool_exhausted responses.
const DefaultRetryAfterSeconds = 1

// Session creates a middleware that scopes one database session to the
// current dispatch.
//
// # Description
//
// Acquires a session before the rest of the chain runs and releases it in
// a deferred call, so release happens whether the handler returns
// normally, aborts with an error or panics. The session is available to
// handlers through GetSession and to code holding only the request context
// through session.FromContext.
//
// # Outputs
//
//   - gin.HandlerFunc: On ErrPoolExhausted responds 503 with code
//     "pool_exhausted" and a Retry-After header. Other acquisition
//     failures respond 503 with code "unavailable".
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func Session(src SessionSource, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		s, err := src.Acquire(c.Request.Context())
		if err != nil {
			if errors.Is(err, session.ErrPoolExhausted) {
				c.Header("Retry-After", strconv.Itoa(DefaultRetryAfterSeconds))
				Abort(c, http.StatusServiceUnavailable, observability.ErrorCodePoolExhausted, "service unavailable")
				return
			}
			logger.Error("session acquisition failed",
				"path", c.Request.URL.Path,
				"request_id", GetRequestID(c),
				"error", err)
			Abort(c, http.StatusServiceUnavailable, observability.ErrorCodeUnavailable, "database unavailable")
			return
		}
		defer s.Release()

		c.Set(sessionKey, s)
		c.Request = c.Request.WithContext(session.NewContext(c.Request.Context(), s))

		c.Next()
	}
}

// GetSession returns the session scoped to this dispatch.
//
// Returns false when the endpoint did not declare a session dependency.
func GetSession(c *gin.Context) (*session.Session, bool) {
	v, ok := c.Get(sessionKey)
	if !ok {
		return nil, false
	}
	s, ok := v.(*session.Session)
	return s, ok && s != nil
}
