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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/AleutianAI/AleutianTasks/services/api/middleware"
	"github.com/AleutianAI/AleutianTasks/services/api/observability"
	"github.com/AleutianAI/AleutianTasks/services/api/routegroup"
	"github.com/AleutianAI/AleutianTasks/services/api/session"
	"github.com/AleutianAI/AleutianTasks/services/api/store"
)

const (
	identityKind = "auth_identity"
	tokenKind    = "auth_token"

	minPasswordLength = 8
)

// Auth issues and revokes opaque bearer tokens.
//
// # Description
//
// Identities are stored under kind "auth_identity" keyed by the lower-cased
// email, with a bcrypt password hash. Tokens are random uuids; only their
// SHA-256 digest is stored (kind "auth_token", owner = user id), so a
// database dump does not leak usable tokens.
//
// # Limitations
//
//   - No roles or permissions. Authorization policy is out of scope.
type Auth struct {
	store *store.Store
	ttl   time.Duration
	cost  int
	now   func() time.Time
}

// NewAuth creates the auth module.
func NewAuth(d Deps) *Auth {
	d = d.withDefaults()
	cost := d.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Auth{store: d.Store, ttl: d.TokenTTL, cost: cost, now: time.Now}
}

// Endpoints implements routegroup.Provider.
func (a *Auth) Endpoints() []routegroup.Endpoint {
	authed := []gin.HandlerFunc{middleware.RequireAuth(a)}
	return []routegroup.Endpoint{
		{Method: http.MethodPost, Path: "/register", Handler: a.register, NeedsSession: true, Summary: "create an account"},
		{Method: http.MethodPost, Path: "/login", Handler: a.login, NeedsSession: true, Summary: "exchange credentials for a token"},
		{Method: http.MethodPost, Path: "/logout", Handler: a.logout, NeedsSession: true, Middleware: authed, Summary: "revoke the current token"},
		{Method: http.MethodPost, Path: "/refresh", Handler: a.refresh, NeedsSession: true, Middleware: authed, Summary: "replace the current token"},
		{Method: http.MethodGet, Path: "/me", Handler: a.me, NeedsSession: true, Middleware: authed, Summary: "current user"},
		{Method: http.MethodGet, Path: "/sessions", Handler: a.sessions, NeedsSession: true, Middleware: authed, Summary: "active tokens of the current user"},
	}
}

// Validate implements middleware.TokenValidator using the session scoped
// to the current dispatch.
func (a *Auth) Validate(ctx context.Context, token string) (*middleware.AuthInfo, error) {
	s, ok := session.FromContext(ctx)
	if !ok {
		return nil, errors.New("validate token: no session in context")
	}
	doc, err := a.store.Get(ctx, s, tokenKind, tokenDigest(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, middleware.ErrUnauthorized
		}
		return nil, err
	}
	expires, _ := doc.Body["expires_at"].(float64)
	if a.now().UnixMilli() >= int64(expires) {
		return nil, fmt.Errorf("token expired: %w", middleware.ErrUnauthorized)
	}
	email, _ := doc.Body["email"].(string)
	return &middleware.AuthInfo{UserID: doc.Owner, Email: email, TokenID: doc.ID}, nil
}

type credentials struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name"`
}

func (a *Auth) register(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email and password are required")
		return
	}
	if len(req.Password) < minPasswordLength {
		badRequest(c, fmt.Sprintf("password must be at least %d characters", minPasswordLength))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), a.cost)
	if err != nil {
		respondError(c, err)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	user, err := a.createAccount(c.Request.Context(), sess(c), email, req.Name, hash)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			middleware.Abort(c, http.StatusConflict, observability.ErrorCodeConflict, "email already registered")
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

// createAccount stores the identity and its user in one transaction. The
// identity goes first: its (kind, email) key decides concurrent
// registrations, and the loser leaves nothing behind.
func (a *Auth) createAccount(ctx context.Context, db *session.Session, email, name string, hash []byte) (store.Document, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return store.Document{}, fmt.Errorf("register %s: %w", email, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := a.store.Get(ctx, tx, identityKind, email); err == nil {
		return store.Document{}, fmt.Errorf("register %s: %w", email, store.ErrConflict)
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Document{}, err
	}

	userID := uuid.NewString()
	if _, err := a.store.Insert(ctx, tx, store.Document{
		Kind:  identityKind,
		ID:    email,
		Owner: userID,
		Body:  map[string]any{"password_hash": string(hash)},
	}); err != nil {
		return store.Document{}, err
	}
	user, err := a.store.Insert(ctx, tx, store.Document{
		Kind:   "user",
		ID:     userID,
		Status: "active",
		Body:   map[string]any{"email": email, "name": name},
	})
	if err != nil {
		return store.Document{}, err
	}

	if err := tx.Commit(); err != nil {
		return store.Document{}, fmt.Errorf("register %s: commit: %w", email, err)
	}
	return user, nil
}

func (a *Auth) login(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email and password are required")
		return
	}

	ctx := c.Request.Context()
	db := sess(c)
	email := strings.ToLower(strings.TrimSpace(req.Email))

	ident, err := a.store.Get(ctx, db, identityKind, email)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		respondError(c, err)
		return
	}
	hash, _ := ident.Body["password_hash"].(string)
	if err != nil || bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		middleware.Abort(c, http.StatusUnauthorized, observability.ErrorCodeUnauthorized, "invalid credentials")
		return
	}

	a.issue(c, db, ident.Owner, email)
}

func (a *Auth) logout(c *gin.Context) {
	info := middleware.GetAuthInfo(c)
	if err := a.store.Delete(c.Request.Context(), sess(c), tokenKind, info.TokenID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *Auth) refresh(c *gin.Context) {
	info := middleware.GetAuthInfo(c)
	db := sess(c)
	if err := a.store.Delete(c.Request.Context(), db, tokenKind, info.TokenID); err != nil {
		respondError(c, err)
		return
	}
	a.issue(c, db, info.UserID, info.Email)
}

func (a *Auth) me(c *gin.Context) {
	info := middleware.GetAuthInfo(c)
	user, err := a.store.Get(c.Request.Context(), sess(c), "user", info.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (a *Auth) sessions(c *gin.Context) {
	info := middleware.GetAuthInfo(c)
	docs, err := a.store.List(c.Request.Context(), sess(c), store.Query{Kind: tokenKind, Owner: info.UserID})
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]gin.H, 0, len(docs))
	for _, d := range docs {
		expires, _ := d.Body["expires_at"].(float64)
		out = append(out, gin.H{
			"id":         d.ID[:12],
			"current":    d.ID == info.TokenID,
			"created_at": d.CreatedAt,
			"expires_at": time.UnixMilli(int64(expires)).UTC(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": out, "count": len(out)})
}

func (a *Auth) issue(c *gin.Context, db *session.Session, userID, email string) {
	token := uuid.NewString()
	expires := a.now().Add(a.ttl).UTC()

	if _, err := a.store.Insert(c.Request.Context(), db, store.Document{
		Kind:  tokenKind,
		ID:    tokenDigest(token),
		Owner: userID,
		Body:  map[string]any{"email": email, "expires_at": expires.UnixMilli()},
	}); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"token_type": "Bearer",
		"user_id":    userID,
		"expires_at": expires,
	})
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

var (
	_ routegroup.Provider       = (*Auth)(nil)
	_ middleware.TokenValidator = (*Auth)(nil)
)
