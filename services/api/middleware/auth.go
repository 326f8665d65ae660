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
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianTasks/services/api/observability"
)

// ErrUnauthorized is returned by token validators for unknown, expired or
// revoked tokens.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the identity attached to an authenticated request.
type AuthInfo struct {
	// UserID is the id of the user document owning the token.
	UserID string

	// Email of the user, when known.
	Email string

	// TokenID is the id of the token document, used by logout.
	TokenID string

	// Roles the user holds.
	Roles []string
}

// HasRole reports whether the user holds role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenValidator resolves a bearer token to an identity.
//
// Implementations that read tokens from the database should take the
// session from the request context (session.FromContext); RequireAuth is
// always mounted after the session middleware.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// TokenValidatorFunc adapts a function to TokenValidator.
type TokenValidatorFunc func(ctx context.Context, token string) (*AuthInfo, error)

// Validate calls f.
func (f TokenValidatorFunc) Validate(ctx context.Context, token string) (*AuthInfo, error) {
	return f(ctx, token)
}

// SetAuthInfo stores the authenticated identity in the Gin context.
func SetAuthInfo(c *gin.Context, info *AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the identity stored by RequireAuth, or nil.
func GetAuthInfo(c *gin.Context) *AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// RequireAuth creates a middleware that rejects requests without a valid
// bearer token.
//
// # Description
//
// Extracts the bearer token, validates it and stores the resulting
// AuthInfo for downstream handlers. Missing tokens and ErrUnauthorized
// respond 401 "unauthorized"; other validator failures respond 401
// "authentication failed" so internal errors are not leaked.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func RequireAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			Abort(c, http.StatusUnauthorized, observability.ErrorCodeUnauthorized, "unauthorized")
			return
		}

		info, err := validator.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				Abort(c, http.StatusUnauthorized, observability.ErrorCodeUnauthorized, "unauthorized")
				return
			}
			Abort(c, http.StatusUnauthorized, observability.ErrorCodeUnauthorized, "authentication failed")
			return
		}

		SetAuthInfo(c, info)
		c.Next()
	}
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
//
// # Description
//
// The scheme is matched case-insensitively. Returns "" when the header is
// missing, uses another scheme, or carries an empty token.
//
// # Examples
//
//	// Header: "Authorization: bearer ABC123"
//	token := BearerToken(c)
//	// token == "ABC123"
func BearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
