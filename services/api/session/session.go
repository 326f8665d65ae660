// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// Session is an exclusive handle on one pooled connection.
//
// Sessions only come from Factory.Acquire, so a release without a prior
// acquire cannot be expressed. Release is guarded: the second and later
// calls do nothing except log a warning.
type Session struct {
	// ID identifies the session in logs.
	ID string

	conn       *sqlx.Conn
	factory    *Factory
	driver     string
	acquiredAt time.Time
	once       sync.Once
}

// Release returns the connection to the pool and frees the slot.
func (s *Session) Release() {
	first := false
	s.once.Do(func() {
		first = true
		s.factory.release(s)
	})
	if !first {
		s.factory.logger.Warn("session released more than once", "session_id", s.ID)
	}
}

// Held returns how long the session has been checked out.
func (s *Session) Held() time.Duration {
	return time.Since(s.acquiredAt)
}

// DriverName returns the driver name, used to pick dialect-specific SQL.
func (s *Session) DriverName() string { return s.driver }

// Rebind converts "?" placeholders to the driver's bindvar style.
func (s *Session) Rebind(query string) string {
	return sqlx.Rebind(sqlx.BindType(s.driver), query)
}

// ExecContext executes a statement on the session's connection.
func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.conn.ExecContext(ctx, query, args...)
}

// GetContext scans a single row into dest.
func (s *Session) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	return s.conn.GetContext(ctx, dest, query, args...)
}

// SelectContext scans all rows into dest, which must be a slice pointer.
func (s *Session) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	return s.conn.SelectContext(ctx, dest, query, args...)
}

// QueryxContext runs a query and returns sqlx rows.
func (s *Session) QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	return s.conn.QueryxContext(ctx, query, args...)
}

// BeginTxx starts a transaction on the session's connection.
func (s *Session) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return s.conn.BeginTxx(ctx, opts)
}

// PingContext checks the session's connection.
func (s *Session) PingContext(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}
