// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watchdog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture lays out run/ and logs/ under a temp dir with a fixed clock.
type fixture struct {
	root string
	now  time.Time
	cfg  Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "run"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "logs"), 0o750))
	return &fixture{
		root: root,
		now:  time.Now(),
		cfg: Config{
			PIDFile:       filepath.Join(root, "run", "bot.pid"),
			HeartbeatFile: filepath.Join(root, "run", "bot.heartbeat"),
			LogDir:        filepath.Join(root, "logs"),
		},
	}
}

func (f *fixture) writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o640))
	mtime := f.now.Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func (f *fixture) writePID(t *testing.T, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.cfg.PIDFile, []byte(content), 0o640))
}

func (f *fixture) watchdog(opts ...Option) *Watchdog {
	base := []Option{
		WithClock(func() time.Time { return f.now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(f.cfg, append(base, opts...)...)
}

// ===== Priority scenarios =====

func TestCheckHealth_RunningProcessWinsOverStaleHeartbeat(t *testing.T) {
	f := newFixture(t)
	f.writePID(t, strconv.Itoa(os.Getpid())+"\n")
	f.writeAged(t, f.cfg.HeartbeatFile, 2*time.Hour)

	v := f.watchdog().CheckHealth(context.Background())

	assert.True(t, v.Alive)
	assert.Equal(t, SignalProcess, v.Source)
	assert.Equal(t, 0, v.ExitCode())
	require.Len(t, v.Results, 1, "evaluation stops at the first alive signal")
}

func TestCheckHealth_FreshLogWithoutPIDOrHeartbeat(t *testing.T) {
	f := newFixture(t)
	f.writeAged(t, filepath.Join(f.cfg.LogDir, "bot_2025-01-01.log"), 100*time.Second)

	v := f.watchdog().CheckHealth(context.Background())

	assert.True(t, v.Alive)
	assert.Equal(t, SignalLogs, v.Source)
	assert.Equal(t, 0, v.ExitCode())
	require.Len(t, v.Results, 3)
	assert.False(t, v.Results[0].Alive)
	assert.False(t, v.Results[1].Alive)
}

func TestCheckHealth_StaleHeartbeatAndNoLogsIsDead(t *testing.T) {
	f := newFixture(t)
	f.writeAged(t, f.cfg.HeartbeatFile, 400*time.Second)

	v := f.watchdog().CheckHealth(context.Background())

	assert.False(t, v.Alive)
	assert.Empty(t, v.Source)
	assert.Equal(t, 1, v.ExitCode())
	assert.Contains(t, v.Results[1].Detail, "stale")
}

func TestCheckHealth_NothingPresentIsDead(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.RemoveAll(filepath.Join(f.root, "run")))
	require.NoError(t, os.RemoveAll(filepath.Join(f.root, "logs")))

	v := f.watchdog().CheckHealth(context.Background())

	assert.False(t, v.Alive)
	assert.Equal(t, 1, v.ExitCode())
	require.Len(t, v.Results, 3)
	for _, r := range v.Results {
		assert.False(t, r.Alive, r.Signal)
		assert.NotEmpty(t, r.Detail, r.Signal)
	}
}

func TestCheckHealth_FreshHeartbeat(t *testing.T) {
	f := newFixture(t)
	f.writeAged(t, f.cfg.HeartbeatFile, 299*time.Second)

	v := f.watchdog().CheckHealth(context.Background())

	assert.True(t, v.Alive)
	assert.Equal(t, SignalHeartbeat, v.Source)
	assert.InDelta(t, float64(299*time.Second), float64(v.Decisive().Age), float64(time.Second))
}

func TestCheckHealth_HeartbeatBoundaryIsStale(t *testing.T) {
	f := newFixture(t)
	f.writeAged(t, f.cfg.HeartbeatFile, DefaultHeartbeatMaxAge)

	v := f.watchdog().CheckHealth(context.Background())

	assert.False(t, v.Alive)
}

func TestCheckHealth_StaleLogIsDead(t *testing.T) {
	f := newFixture(t)
	f.writeAged(t, filepath.Join(f.cfg.LogDir, "bot.log"), 601*time.Second)

	v := f.watchdog().CheckHealth(context.Background())

	assert.False(t, v.Alive)
	assert.Contains(t, v.Results[2].Detail, "stale")
}

func TestCheckHealth_NewestLogDecides(t *testing.T) {
	f := newFixture(t)
	f.writeAged(t, filepath.Join(f.cfg.LogDir, "old.log"), time.Hour)
	f.writeAged(t, filepath.Join(f.cfg.LogDir, "new.log"), 10*time.Second)
	f.writeAged(t, filepath.Join(f.cfg.LogDir, "fresh.txt"), time.Second)

	v := f.watchdog().CheckHealth(context.Background())

	require.True(t, v.Alive)
	assert.Contains(t, v.Decisive().Detail, "new.log")
}

func TestCheckHealth_LogPatternFiltersFiles(t *testing.T) {
	f := newFixture(t)
	f.cfg.LogPattern = "*.jsonl"
	f.writeAged(t, filepath.Join(f.cfg.LogDir, "bot.log"), time.Second)

	v := f.watchdog().CheckHealth(context.Background())

	assert.False(t, v.Alive)
	assert.Contains(t, v.Results[2].Detail, "*.jsonl")
}

func TestCheckHealth_ResultIsStable(t *testing.T) {
	f := newFixture(t)
	f.writeAged(t, f.cfg.HeartbeatFile, time.Minute)
	w := f.watchdog()

	first := w.CheckHealth(context.Background())
	second := w.CheckHealth(context.Background())

	assert.Equal(t, first, second)
}

// ===== Process probe =====

func TestProcessProbe_Inconclusive(t *testing.T) {
	tests := []struct {
		name    string
		content string
		detail  string
	}{
		{"empty", "", "empty"},
		{"whitespace", "  \n", "empty"},
		{"not a number", "abc", "not a number"},
		{"zero", "0", "out of range"},
		{"negative", "-12", "out of range"},
		{"too large", "99999999999", "out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.writePID(t, tt.content)

			r := NewProcessProbe(f.cfg.PIDFile, "").Check(context.Background(), f.now)

			assert.False(t, r.Alive)
			assert.Contains(t, r.Detail, tt.detail)
		})
	}
}

func TestProcessProbe_MissingFile(t *testing.T) {
	p := NewProcessProbe(filepath.Join(t.TempDir(), "absent.pid"), "")

	r := p.Check(context.Background(), time.Now())

	assert.False(t, r.Alive)
	assert.Contains(t, r.Detail, "not found")
}

func TestProcessProbe_NotRunning(t *testing.T) {
	f := newFixture(t)
	f.writePID(t, "4242")
	p := NewProcessProbe(f.cfg.PIDFile, "")
	p.exists = func(context.Context, int32) (bool, error) { return false, nil }

	r := p.Check(context.Background(), f.now)

	assert.False(t, r.Alive)
	assert.Equal(t, "pid 4242 not running", r.Detail)
}

func TestProcessProbe_LookupError(t *testing.T) {
	f := newFixture(t)
	f.writePID(t, "4242")
	p := NewProcessProbe(f.cfg.PIDFile, "")
	p.exists = func(context.Context, int32) (bool, error) { return false, errors.New("permission denied") }

	r := p.Check(context.Background(), f.now)

	assert.False(t, r.Alive)
	assert.Contains(t, r.Detail, "permission denied")
}

func TestProcessProbe_ExpectedName(t *testing.T) {
	tests := []struct {
		name     string
		running  string
		expected string
		alive    bool
	}{
		{"exact match", "aleutian-bot", "aleutian-bot", true},
		{"reused pid", "sshd", "aleutian-bot", false},
		{"kernel truncated name", "aleutian-tasks-", "aleutian-tasks-bot", true},
		{"short prefix is not a match", "aleutian", "aleutian-bot", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.writePID(t, "4242")
			p := NewProcessProbe(f.cfg.PIDFile, tt.expected)
			p.exists = func(context.Context, int32) (bool, error) { return true, nil }
			p.name = func(context.Context, int32) (string, error) { return tt.running, nil }

			r := p.Check(context.Background(), f.now)

			assert.Equal(t, tt.alive, r.Alive, r.Detail)
		})
	}
}

func TestProcessProbe_CurrentProcess(t *testing.T) {
	f := newFixture(t)
	f.writePID(t, strconv.Itoa(os.Getpid()))

	r := NewProcessProbe(f.cfg.PIDFile, "").Check(context.Background(), f.now)

	assert.True(t, r.Alive)
	assert.Equal(t, SignalProcess, r.Signal)
}

func TestParsePID(t *testing.T) {
	pid, err := ParsePID([]byte(" 1234\nextra"))
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)

	_, err = ParsePID([]byte("2147483648"))
	assert.Error(t, err)
}

// ===== Corroboration =====

type stubSignal struct {
	name  string
	alive bool
	calls *int
}

func (s stubSignal) Name() string { return s.name }

func (s stubSignal) Check(context.Context, time.Time) SignalResult {
	if s.calls != nil {
		*s.calls++
	}
	return SignalResult{Signal: s.name, Alive: s.alive, Detail: s.name}
}

func TestCheckHealth_Corroboration(t *testing.T) {
	tests := []struct {
		name      string
		process   bool
		heartbeat bool
		logs      bool
		alive     bool
		source    string
	}{
		{"process with fresh heartbeat", true, true, false, true, SignalProcess},
		{"process with fresh logs", true, false, true, true, SignalProcess},
		{"hung process", true, false, false, false, ""},
		{"heartbeat alone", false, true, false, true, SignalHeartbeat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.cfg.RequireCorroboration = true
			w := f.watchdog(WithSignals(
				stubSignal{name: SignalProcess, alive: tt.process},
				stubSignal{name: SignalHeartbeat, alive: tt.heartbeat},
				stubSignal{name: SignalLogs, alive: tt.logs},
			))

			v := w.CheckHealth(context.Background())

			assert.Equal(t, tt.alive, v.Alive)
			assert.Equal(t, tt.source, v.Source)
		})
	}
}

func TestCheckHealth_ShortCircuits(t *testing.T) {
	f := newFixture(t)
	var later int
	w := f.watchdog(WithSignals(
		stubSignal{name: SignalProcess, alive: true},
		stubSignal{name: SignalHeartbeat, calls: &later},
		stubSignal{name: SignalLogs, calls: &later},
	))

	v := w.CheckHealth(context.Background())

	assert.True(t, v.Alive)
	assert.Zero(t, later)
}

// ===== Config =====

func TestConfig_ApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvPIDFile:         "/var/run/bot.pid",
		EnvLogDir:          "/var/log/bot",
		EnvHeartbeatMaxAge: "2m",
		EnvProcessName:     "bot",
		EnvCorroborate:     "true",
	}

	cfg, err := DefaultConfig().ApplyEnv(func(k string) string { return env[k] })
	require.NoError(t, err)

	assert.Equal(t, "/var/run/bot.pid", cfg.PIDFile)
	assert.Equal(t, "./run/bot.heartbeat", cfg.HeartbeatFile)
	assert.Equal(t, "/var/log/bot", cfg.LogDir)
	assert.Equal(t, 2*time.Minute, cfg.HeartbeatMaxAge)
	assert.Equal(t, DefaultLogMaxAge, cfg.LogMaxAge)
	assert.Equal(t, "bot", cfg.ExpectedName)
	assert.True(t, cfg.RequireCorroboration)
}

func TestConfig_ApplyEnvRejectsBadValues(t *testing.T) {
	for key, val := range map[string]string{
		EnvLogMaxAge:   "soon",
		EnvCorroborate: "maybe",
	} {
		_, err := DefaultConfig().ApplyEnv(func(k string) string {
			if k == key {
				return val
			}
			return ""
		})
		assert.Error(t, err, key)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "./run/bot.pid", cfg.PIDFile)
	assert.Equal(t, "./logs", cfg.LogDir)
	assert.Equal(t, "*.log", cfg.LogPattern)
	assert.Equal(t, 300*time.Second, cfg.HeartbeatMaxAge)
	assert.Equal(t, 600*time.Second, cfg.LogMaxAge)
	assert.False(t, cfg.RequireCorroboration)
}

// ===== Output =====

func TestStatusLine(t *testing.T) {
	alive := Verdict{Alive: true, Source: SignalHeartbeat, Results: []SignalResult{
		{Signal: SignalProcess, Detail: "pid file missing"},
		{Signal: SignalHeartbeat, Alive: true, Detail: "bot.heartbeat updated 5s ago"},
	}}
	assert.Equal(t, "HEALTHY via heartbeat: bot.heartbeat updated 5s ago", alive.StatusLine())

	dead := Verdict{Results: []SignalResult{
		{Signal: SignalProcess, Detail: "a"},
		{Signal: SignalHeartbeat, Detail: "b"},
	}}
	assert.Equal(t, "UNHEALTHY: process: a; heartbeat: b", dead.StatusLine())
	assert.Equal(t, "UNHEALTHY: no signals evaluated", Verdict{}.StatusLine())
}

func TestFormatStatus(t *testing.T) {
	v := Verdict{Alive: true, Source: SignalLogs, Results: []SignalResult{{Signal: SignalLogs, Alive: true, Detail: "ok"}}}

	assert.Equal(t, v.StatusLine(), FormatStatus(v, false))
	styled := FormatStatus(v, true)
	assert.Contains(t, styled, "HEALTHY")
	assert.True(t, strings.HasSuffix(styled, "via logs: ok"))

	lines := FormatResults(v, false)
	assert.Equal(t, "  + logs: ok\n", lines)
}

// ===== Follow =====

func TestFollow_ReportsTransitions(t *testing.T) {
	f := newFixture(t)
	w := New(f.cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	var (
		mu       sync.Mutex
		verdicts []Verdict
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan Verdict, 1)
	go func() {
		last, err := w.Follow(ctx, 20*time.Millisecond, func(v Verdict) {
			mu.Lock()
			verdicts = append(verdicts, v)
			mu.Unlock()
		})
		assert.NoError(t, err)
		done <- last
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(verdicts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(f.cfg.HeartbeatFile, []byte("beat"), 0o640))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(verdicts) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	last := <-done

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, verdicts[0].Alive)
	assert.True(t, verdicts[1].Alive)
	assert.Equal(t, SignalHeartbeat, verdicts[1].Source)
	assert.True(t, last.Alive)
}
