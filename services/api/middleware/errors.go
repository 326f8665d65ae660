// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the tasks API.
//
// This package contains the per-dispatch session scope, bearer
// authentication, per-client rate limiting, request ids and request
// logging. It also owns the request-scoped context keys shared between the
// router and route group handlers.
//
// # Dispatch Chain
//
// For one endpoint the router builds:
//
//	Request
//	   │
//	   ▼
//	RequestID ─► Logger ─► RateLimiter          (engine-wide)
//	   │
//	   ▼
//	route stamp + metrics                       (router)
//	   │
//	   ├─► Session        if the endpoint needs a database session
//	   │
//	   ├─► endpoint middleware (e.g. RequireAuth)
//	   │
//	   └─► Handler
//
// # Error Bodies
//
// Every error response has the shape {"error": "...", "code": "..."} and
// is written with Abort so the router can count it by code.
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianTasks/services/api/observability"
)

// =============================================================================
// Context Keys
// =============================================================================

const (
	routeTagKey   = "aleutian_route_tag"
	routeGroupKey = "aleutian_route_group"
	errorCodeKey  = "aleutian_error_code"
	requestIDKey  = "aleutian_request_id"
	sessionKey    = "aleutian_session"
	authInfoKey   = "aleutian_auth_info"
)

// =============================================================================
// Route Info
// =============================================================================

// SetRouteInfo records which route group is handling the request.
func SetRouteInfo(c *gin.Context, tag, group string) {
	c.Set(routeTagKey, tag)
	c.Set(routeGroupKey, group)
}

// RouteTag returns the tag stamped by SetRouteInfo, or "".
func RouteTag(c *gin.Context) string {
	return c.GetString(routeTagKey)
}

// RouteGroup returns the group name stamped by SetRouteInfo, or "".
func RouteGroup(c *gin.Context) string {
	return c.GetString(routeGroupKey)
}

// =============================================================================
// Error Responses
// =============================================================================

// Abort writes a structured JSON error and stops the handler chain.
//
// # Inputs
//
//   - c: Gin context.
//   - status: HTTP status code.
//   - code: Machine-readable error code.
//   - message: Human-readable message. Must not contain secrets.
func Abort(c *gin.Context, status int, code observability.ErrorCode, message string) {
	c.Set(errorCodeKey, code)
	c.AbortWithStatusJSON(status, gin.H{
		"error": message,
		"code":  string(code),
	})
}

// ErrorCode returns the code passed to Abort during this request, if any.
func ErrorCode(c *gin.Context) (observability.ErrorCode, bool) {
	v, ok := c.Get(errorCodeKey)
	if !ok {
		return "", false
	}
	code, ok := v.(observability.ErrorCode)
	return code, ok
}
