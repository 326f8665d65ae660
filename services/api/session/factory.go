// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session manages request-scoped database sessions.
//
// # Description
//
// A Factory hands out Sessions, each an exclusive handle on one pooled
// database connection. The number of sessions checked out at once is
// bounded by Config.MaxSessions; callers that cannot get one within
// Config.WaitTimeout receive ErrPoolExhausted.
//
// Every Session must be released exactly once. WithSession and the HTTP
// session middleware do this with defer, so release happens on success,
// on error and on panic alike.
//
// # Backends
//
// ParseURL maps one DATABASE_URL value to a driver: postgres URLs use
// lib/pq; sqlite URLs and bare *.db paths use go-sqlite3 in WAL mode.
//
// # Thread Safety
//
// Factory is safe for concurrent use. A Session must not be shared between
// goroutines.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/semaphore"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	// DefaultMaxSessions bounds concurrent sessions when unset.
	DefaultMaxSessions = 10

	// DefaultWaitTimeout is how long Acquire waits for a free slot.
	DefaultWaitTimeout = 5 * time.Second

	// DefaultPingTimeout bounds the connectivity check in Open.
	DefaultPingTimeout = 5 * time.Second
)

// Config configures a Factory.
//
// # Fields
//
//   - URL: Database URL (see ParseURL). Only used by Open.
//   - MaxSessions: Upper bound on concurrently checked-out sessions.
//   - WaitTimeout: How long Acquire waits before ErrPoolExhausted.
//   - ConnMaxLifetime: Maximum age of a pooled connection. Zero keeps
//     connections forever.
//   - PingTimeout: Bound on the connectivity check performed by Open.
type Config struct {
	URL             string
	MaxSessions     int
	WaitTimeout     time.Duration
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	return c
}

// =============================================================================
// Factory
// =============================================================================

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Capacity        int    `json:"capacity"`
	InUse           int    `json:"in_use"`
	Available       int    `json:"available"`
	Acquired        uint64 `json:"acquired_total"`
	Released        uint64 `json:"released_total"`
	Timeouts        uint64 `json:"timeouts_total"`
	OpenConnections int    `json:"open_connections"`
}

// Factory hands out exclusively owned database sessions.
type Factory struct {
	db          *sqlx.DB
	sem         *semaphore.Weighted
	capacity    int
	waitTimeout time.Duration
	logger      *slog.Logger

	inUse    atomic.Int64
	acquired atomic.Uint64
	released atomic.Uint64
	timeouts atomic.Uint64
	closed   atomic.Bool
}

// Open connects to the database named by cfg.URL and returns a Factory.
//
// # Description
//
// Parses the URL, opens the sql pool sized to MaxSessions, creates the
// parent directory of an embedded database file, and verifies
// connectivity with a bounded ping.
//
// # Inputs
//
//   - ctx: Bounds the connectivity check.
//   - cfg: Factory configuration.
//   - logger: Destination for pool events. Nil uses slog.Default().
//
// # Outputs
//
//   - *Factory: Ready to Acquire.
//   - error: URL, open or ping failure. No resources are leaked on error.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Factory, error) {
	cfg = cfg.withDefaults()

	backend, err := ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	if backend.Embedded && !backend.InMemory {
		if dir := filepath.Dir(backend.Path); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sqlx.Open(backend.Driver, backend.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxSessions)
	db.SetMaxIdleConns(cfg.MaxSessions)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	f := NewFactory(db, cfg, logger)
	f.logger.Info("database session factory ready",
		"driver", backend.Driver,
		"embedded", backend.Embedded,
		"in_memory", backend.InMemory,
		"max_sessions", cfg.MaxSessions,
		"wait_timeout", cfg.WaitTimeout)
	return f, nil
}

// NewFactory wraps an existing pool. Used by Open and by tests that supply
// a sqlmock-backed database.
func NewFactory(db *sqlx.DB, cfg Config, logger *slog.Logger) *Factory {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		db:          db,
		sem:         semaphore.NewWeighted(int64(cfg.MaxSessions)),
		capacity:    cfg.MaxSessions,
		waitTimeout: cfg.WaitTimeout,
		logger:      logger.With("component", "session"),
	}
}

// Acquire checks out one session.
//
// # Description
//
// Waits up to the configured WaitTimeout for a free slot, then takes a
// dedicated connection from the pool. The caller owns the session until
// it calls Release.
//
// # Outputs
//
//   - *Session: Exclusive handle; release exactly once.
//   - error: ErrPoolExhausted when no slot freed up in time or ctx ended
//     first (wrapping ctx.Err() in the latter case), ErrClosed after Close,
//     or the connection error.
//
// # Thread Safety
//
// Safe for concurrent use.
func (f *Factory) Acquire(ctx context.Context) (*Session, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}

	waitCtx, cancel := context.WithTimeout(ctx, f.waitTimeout)
	defer cancel()

	if err := f.sem.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrPoolExhausted, ctxErr)
		}
		f.timeouts.Add(1)
		f.logger.Warn("session pool exhausted",
			"capacity", f.capacity,
			"wait_timeout", f.waitTimeout)
		return nil, fmt.Errorf("%w: no session available after %s", ErrPoolExhausted, f.waitTimeout)
	}

	conn, err := f.db.Connx(ctx)
	if err != nil {
		f.sem.Release(1)
		return nil, fmt.Errorf("acquire session connection: %w", err)
	}

	f.inUse.Add(1)
	f.acquired.Add(1)
	return &Session{
		ID:         uuid.NewString(),
		conn:       conn,
		factory:    f,
		driver:     f.db.DriverName(),
		acquiredAt: time.Now(),
	}, nil
}

// release is called once per session by Session.Release.
func (f *Factory) release(s *Session) {
	if err := s.conn.Close(); err != nil {
		f.logger.Warn("session connection close failed", "session_id", s.ID, "error", err)
	}
	f.inUse.Add(-1)
	f.released.Add(1)
	f.sem.Release(1)
}

// WithSession runs fn with a freshly acquired session and releases it on
// every exit path, including a panic inside fn (the panic is re-raised
// after release).
func (f *Factory) WithSession(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	s, err := f.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.Release()
	return fn(ctx, s)
}

// Stats returns a snapshot of pool usage.
func (f *Factory) Stats() Stats {
	inUse := int(f.inUse.Load())
	return Stats{
		Capacity:        f.capacity,
		InUse:           inUse,
		Available:       f.capacity - inUse,
		Acquired:        f.acquired.Load(),
		Released:        f.released.Load(),
		Timeouts:        f.timeouts.Load(),
		OpenConnections: f.db.Stats().OpenConnections,
	}
}

// InUseCount reports the number of checked-out sessions.
func (f *Factory) InUseCount() int { return int(f.inUse.Load()) }

// TimeoutCount reports how many acquisitions gave up waiting.
func (f *Factory) TimeoutCount() uint64 { return f.timeouts.Load() }

// Ping verifies connectivity without taking a session slot.
func (f *Factory) Ping(ctx context.Context) error {
	return f.db.PingContext(ctx)
}

// DriverName returns the driver of the underlying pool.
func (f *Factory) DriverName() string { return f.db.DriverName() }

// Close refuses further acquisitions and closes the pool. Sessions still
// checked out are closed by database/sql when they are released.
func (f *Factory) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n := f.inUse.Load(); n > 0 {
		f.logger.Warn("closing session factory with sessions in use", "in_use", n)
	}
	return f.db.Close()
}
