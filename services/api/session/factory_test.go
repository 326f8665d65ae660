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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func newMockFactory(t *testing.T, cfg Config) (*Factory, sqlmock.Sqlmock, *bytes.Buffer) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	return NewFactory(sqlx.NewDb(db, "sqlmock"), cfg, logger), mock, &buf
}

// =============================================================================
// Acquire / Release
// =============================================================================

func TestAcquireRelease_UpdatesStats(t *testing.T) {
	f, _, _ := newMockFactory(t, Config{MaxSessions: 3})

	s, err := f.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NotEmpty(t, s.ID)

	stats := f.Stats()
	assert.Equal(t, 3, stats.Capacity)
	assert.Equal(t, 1, stats.InUse)
	assert.Equal(t, 2, stats.Available)
	assert.Equal(t, uint64(1), stats.Acquired)

	s.Release()

	stats = f.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 3, stats.Available)
	assert.Equal(t, uint64(1), stats.Released)
}

func TestRelease_SecondCallIsNoOpAndWarns(t *testing.T) {
	f, _, logs := newMockFactory(t, Config{MaxSessions: 2})

	s, err := f.Acquire(context.Background())
	require.NoError(t, err)

	s.Release()
	s.Release()

	stats := f.Stats()
	assert.Equal(t, 2, stats.Available, "double release must not inflate capacity")
	assert.Equal(t, uint64(1), stats.Released)
	assert.Contains(t, logs.String(), "session released more than once")
}

func TestAcquire_BeyondCapacityFailsWithinWaitTimeout(t *testing.T) {
	f, _, _ := newMockFactory(t, Config{MaxSessions: 2, WaitTimeout: 50 * time.Millisecond})

	held := make([]*Session, 0, 2)
	for i := 0; i < 2; i++ {
		s, err := f.Acquire(context.Background())
		require.NoError(t, err)
		held = append(held, s)
	}

	start := time.Now()
	s, err := f.Acquire(context.Background())
	elapsed := time.Since(start)

	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, uint64(1), f.Stats().Timeouts)

	for _, h := range held {
		h.Release()
	}
	s, err = f.Acquire(context.Background())
	require.NoError(t, err, "slot must be reusable after release")
	s.Release()
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	f, _, _ := newMockFactory(t, Config{MaxSessions: 1, WaitTimeout: 2 * time.Second})

	first, err := f.Acquire(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		first.Release()
	}()

	second, err := f.Acquire(context.Background())
	require.NoError(t, err)
	second.Release()
	assert.Zero(t, f.Stats().Timeouts)
}

func TestAcquire_ContextCanceled(t *testing.T) {
	f, _, _ := newMockFactory(t, Config{MaxSessions: 1, WaitTimeout: time.Second})

	held, err := f.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.Acquire(ctx)

	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.Stats().Timeouts, "caller cancellation is not a pool timeout")
}

func TestAcquire_AfterClose(t *testing.T) {
	f, mock, _ := newMockFactory(t, Config{})
	mock.ExpectClose()

	require.NoError(t, f.Close())
	_, err := f.Acquire(context.Background())

	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, f.Close(), "second close is a no-op")
}

func TestAcquire_ConcurrentNeverExceedsCapacity(t *testing.T) {
	const capacity = 3
	f, _, _ := newMockFactory(t, Config{MaxSessions: capacity, WaitTimeout: 5 * time.Second})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		peak    int
		current int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.WithSession(context.Background(), func(ctx context.Context, s *Session) error {
				mu.Lock()
				current++
				if current > peak {
					peak = current
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				current--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, capacity)
	assert.Equal(t, capacity, f.Stats().Available)
	assert.Equal(t, uint64(20), f.Stats().Released)
}

// =============================================================================
// WithSession: release on every exit path
// =============================================================================

func TestWithSession_FaultInjectionRestoresAvailable(t *testing.T) {
	f, mock, _ := newMockFactory(t, Config{MaxSessions: 2})
	mock.ExpectExec("UPDATE documents SET status = ?").WillReturnError(errors.New("disk I/O error"))

	before := f.Stats().Available

	err := f.WithSession(context.Background(), func(ctx context.Context, s *Session) error {
		_, err := s.ExecContext(ctx, "UPDATE documents SET status = ?", "done")
		return err
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.Equal(t, before, f.Stats().Available)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithSession_PanicReleases(t *testing.T) {
	f, _, _ := newMockFactory(t, Config{MaxSessions: 2})

	assert.Panics(t, func() {
		_ = f.WithSession(context.Background(), func(ctx context.Context, s *Session) error {
			panic("handler blew up")
		})
	})

	stats := f.Stats()
	assert.Equal(t, 2, stats.Available)
	assert.Equal(t, stats.Acquired, stats.Released)
}

func TestWithSession_PropagatesPoolExhausted(t *testing.T) {
	f, _, _ := newMockFactory(t, Config{MaxSessions: 1, WaitTimeout: 10 * time.Millisecond})
	held, err := f.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	called := false
	err = f.WithSession(context.Background(), func(ctx context.Context, s *Session) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.False(t, called)
}

func TestSession_QueriesUseOwnConnection(t *testing.T) {
	f, mock, _ := newMockFactory(t, Config{})
	mock.ExpectQuery("SELECT COUNT(*) FROM documents").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	var n int
	err := f.WithSession(context.Background(), func(ctx context.Context, s *Session) error {
		assert.Equal(t, "sqlmock", s.DriverName())
		assert.Equal(t, "SELECT ?", s.Rebind("SELECT ?"))
		return s.GetContext(ctx, &n, "SELECT COUNT(*) FROM documents")
	})

	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFactory_Counters(t *testing.T) {
	f, _, _ := newMockFactory(t, Config{MaxSessions: 1, WaitTimeout: 5 * time.Millisecond})

	s, err := f.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.InUseCount())

	_, err = f.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, uint64(1), f.TimeoutCount())

	s.Release()
	assert.Zero(t, f.InUseCount())
}
