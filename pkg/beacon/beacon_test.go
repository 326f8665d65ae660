// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package beacon

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, interval time.Duration) Config {
	dir := filepath.Join(t.TempDir(), "run")
	return Config{
		PIDFile:       filepath.Join(dir, "bot.pid"),
		HeartbeatFile: filepath.Join(dir, "bot.heartbeat"),
		Interval:      interval,
	}
}

func TestBeacon_StartWritesFiles(t *testing.T) {
	cfg := testConfig(t, time.Hour)
	b := New(cfg, quietLogger())

	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	raw, err := os.ReadFile(cfg.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(raw)))

	info, err := os.Stat(cfg.HeartbeatFile)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), info.ModTime(), 5*time.Second)
	assert.Equal(t, uint64(1), b.Beats())
}

func TestBeacon_StartTwice(t *testing.T) {
	b := New(testConfig(t, time.Hour), quietLogger())
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	assert.ErrorIs(t, b.Start(context.Background()), ErrAlreadyRunning)
}

func TestBeacon_TicksRefreshHeartbeat(t *testing.T) {
	cfg := testConfig(t, 10*time.Millisecond)
	b := New(cfg, quietLogger())
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	require.Eventually(t, func() bool { return b.Beats() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestBeacon_StopRemovesPIDFile(t *testing.T) {
	cfg := testConfig(t, time.Hour)
	b := New(cfg, quietLogger())
	require.NoError(t, b.Start(context.Background()))

	b.Stop()
	b.Stop()

	_, err := os.Stat(cfg.PIDFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(cfg.HeartbeatFile)
	assert.NoError(t, err, "heartbeat stays behind so its age keeps counting")
}

func TestBeacon_StopLeavesForeignPIDFile(t *testing.T) {
	cfg := testConfig(t, time.Hour)
	b := New(cfg, quietLogger())
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, os.WriteFile(cfg.PIDFile, []byte("1\n"), 0o644))

	b.Stop()

	raw, err := os.ReadFile(cfg.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(raw))
}

func TestBeacon_ContextCancelStopsLoop(t *testing.T) {
	cfg := testConfig(t, 5*time.Millisecond)
	b := New(cfg, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Start(ctx))

	cancel()
	time.Sleep(30 * time.Millisecond)
	after := b.Beats()
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, after, b.Beats())
	b.Stop()
}

func TestBeacon_ManualBeat(t *testing.T) {
	cfg := testConfig(t, time.Hour)
	b := New(cfg, quietLogger())
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	require.NoError(t, b.Beat())

	raw, err := os.ReadFile(cfg.HeartbeatFile)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-01T12:00:00Z\n", string(raw))
}

func TestBeacon_HeartbeatOnly(t *testing.T) {
	cfg := testConfig(t, time.Hour)
	cfg.PIDFile = ""
	b := New(cfg, quietLogger())

	require.NoError(t, b.Start(context.Background()))
	b.Stop()

	_, err := os.Stat(cfg.HeartbeatFile)
	assert.NoError(t, err)
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{}, nil)
	assert.Equal(t, DefaultInterval, b.config.Interval)
	assert.NotNil(t, b.logger)
}
