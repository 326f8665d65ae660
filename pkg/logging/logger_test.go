// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LevelDebug.toSlogLevel())
	assert.Equal(t, slog.LevelError, LevelError.toSlogLevel())
	assert.Equal(t, slog.LevelInfo, Level(-1).toSlogLevel())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warning ", LevelWarn, false},
		{"warn", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_StderrText(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Service: "api", Output: &buf})
	defer logger.Close()

	logger.Slog().Info("hidden")
	logger.Slog().Warn("shown", "key", "value")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "key=value")
	assert.Contains(t, out, "service=api")
	assert.Empty(t, logger.FilePath())
}

func TestNew_StderrJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{JSON: true, Output: &buf})

	logger.Slog().Info("hello", "n", 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, float64(1), entry["n"])
}

func TestNew_FileLogging(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var buf bytes.Buffer
	logger := New(Config{LogDir: dir, Service: "api", Output: &buf})

	logger.Slog().Info("to both", "request_id", "abc")
	require.NoError(t, logger.Close())

	want := filepath.Join(dir, "api_"+time.Now().Format("2006-01-02")+".log")
	assert.Equal(t, want, logger.FilePath())

	raw, err := os.ReadFile(want)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &entry))
	assert.Equal(t, "to both", entry["msg"])
	assert.Equal(t, "api", entry["service"])
	assert.Contains(t, buf.String(), "to both")
}

func TestNew_QuietWritesOnlyFile(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	logger := New(Config{LogDir: dir, Quiet: true, Output: &buf})

	logger.Slog().Info("file only")
	require.NoError(t, logger.Close())

	assert.Empty(t, buf.String())
	matches, err := filepath.Glob(filepath.Join(dir, "aleutian_*.log"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestNew_UnwritableLogDir(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	var buf bytes.Buffer

	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Output: &buf})
	logger.Slog().Info("still works")

	assert.Contains(t, buf.String(), "file output disabled")
	assert.Contains(t, buf.String(), "still works")
	assert.NoError(t, logger.Close())
}

func TestCloseTwice(t *testing.T) {
	logger := New(Config{LogDir: t.TempDir(), Quiet: true})
	assert.NoError(t, logger.Close())
	assert.NoError(t, logger.Close())
}

// =============================================================================
// Daily Rotation Tests
// =============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestDailyFile_RotatesOnDateChange(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 23, 59, 0, 0, time.Local)}

	f, err := newDailyFile(dir, "bot", clock.Now)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("before midnight\n"))
	require.NoError(t, err)

	clock.Set(time.Date(2025, 3, 2, 0, 0, 1, 0, time.Local))
	_, err = f.Write([]byte("after midnight\n"))
	require.NoError(t, err)

	first, err := os.ReadFile(filepath.Join(dir, "bot_2025-03-01.log"))
	require.NoError(t, err)
	second, err := os.ReadFile(filepath.Join(dir, "bot_2025-03-02.log"))
	require.NoError(t, err)

	assert.Equal(t, "before midnight\n", string(first))
	assert.Equal(t, "after midnight\n", string(second))
	assert.True(t, strings.HasSuffix(f.Path(), "bot_2025-03-02.log"))
}

func TestDailyFile_AppendsToExisting(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.Local)}
	path := filepath.Join(dir, "bot_2025-03-01.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o640))

	f, err := newDailyFile(dir, "bot", clock.Now)
	require.NoError(t, err)
	_, err = f.Write([]byte("new\n"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old\nnew\n", string(raw))
}

func TestDailyFile_WriteAfterCloseReopens(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.Local)}

	f, err := newDailyFile(dir, "bot", clock.Now)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = f.Write([]byte("late\n"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "logs"), expandPath("~/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.Equal(t, "rel/path", expandPath("rel/path"))
}
