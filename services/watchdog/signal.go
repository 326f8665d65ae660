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
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Signal names, in evaluation order.
const (
	SignalProcess   = "process"
	SignalHeartbeat = "heartbeat"
	SignalLogs      = "logs"
)

// Default freshness thresholds.
const (
	DefaultHeartbeatMaxAge = 300 * time.Second
	DefaultLogMaxAge       = 600 * time.Second
	DefaultLogPattern      = "*.log"
)

// linuxCommLen is the kernel's truncation length for process names.
const linuxCommLen = 15

// Signal is one independent source of liveness evidence.
//
// # Description
//
// A signal never fails. Anything it cannot read or parse makes it
// inconclusive (Alive=false with a Detail), and the watchdog moves on to
// the next signal.
type Signal interface {
	Name() string
	Check(ctx context.Context, now time.Time) SignalResult
}

// SignalResult is the outcome of one signal evaluation.
type SignalResult struct {
	Signal string        `json:"signal"`
	Alive  bool          `json:"alive"`
	Detail string        `json:"detail"`
	Age    time.Duration `json:"age_ns,omitempty"`
}

func inconclusive(name, format string, args ...any) SignalResult {
	return SignalResult{Signal: name, Detail: fmt.Sprintf(format, args...)}
}

// ===== Process probe =====

// ProcessProbe reads a PID file and asks the OS whether that PID runs.
//
// # Description
//
// The file holds a decimal PID, optionally followed by whitespace. A
// missing file, unparsable content, a PID outside 1..MaxInt32 or a PID
// that does not run are all inconclusive.
//
// When ExpectedName is set, the running process must also carry that
// name. This catches the PID having been reused by an unrelated process
// after the monitored one died.
//
// # Limitations
//
//   - A hung process still counts as running. Pair with
//     Config.RequireCorroboration to demand a fresh file signal too.
type ProcessProbe struct {
	PIDFile      string
	ExpectedName string

	exists func(ctx context.Context, pid int32) (bool, error)
	name   func(ctx context.Context, pid int32) (string, error)
}

// NewProcessProbe creates a probe backed by gopsutil.
func NewProcessProbe(pidFile, expectedName string) *ProcessProbe {
	return &ProcessProbe{
		PIDFile:      pidFile,
		ExpectedName: expectedName,
		exists:       process.PidExistsWithContext,
		name:         processName,
	}
}

func processName(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	return p.NameWithContext(ctx)
}

// Name implements Signal.
func (p *ProcessProbe) Name() string { return SignalProcess }

// Check implements Signal.
func (p *ProcessProbe) Check(ctx context.Context, _ time.Time) SignalResult {
	raw, err := os.ReadFile(p.PIDFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return inconclusive(SignalProcess, "pid file %s not found", p.PIDFile)
		}
		return inconclusive(SignalProcess, "read pid file: %v", err)
	}

	pid, err := ParsePID(raw)
	if err != nil {
		return inconclusive(SignalProcess, "%v", err)
	}

	running, err := p.exists(ctx, int32(pid))
	if err != nil {
		return inconclusive(SignalProcess, "pid %d: %v", pid, err)
	}
	if !running {
		return inconclusive(SignalProcess, "pid %d not running", pid)
	}

	if p.ExpectedName != "" {
		got, err := p.name(ctx, int32(pid))
		if err != nil {
			return inconclusive(SignalProcess, "pid %d: read name: %v", pid, err)
		}
		if !nameMatches(got, p.ExpectedName) {
			return inconclusive(SignalProcess, "pid %d is %q, expected %q", pid, got, p.ExpectedName)
		}
	}

	return SignalResult{Signal: SignalProcess, Alive: true, Detail: fmt.Sprintf("pid %d running", pid)}
}

// ParsePID parses PID file content.
func ParsePID(raw []byte) (int, error) {
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0, errors.New("pid file is empty")
	}
	pid, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pid file content %q is not a number", fields[0])
	}
	if pid <= 0 || pid > math.MaxInt32 {
		return 0, fmt.Errorf("pid %d out of range", pid)
	}
	return int(pid), nil
}

func nameMatches(got, want string) bool {
	if got == want {
		return true
	}
	return len(got) == linuxCommLen && strings.HasPrefix(want, got)
}

// ===== Heartbeat file =====

// HeartbeatFile is alive while the file's mtime is younger than MaxAge.
type HeartbeatFile struct {
	Path   string
	MaxAge time.Duration
}

// Name implements Signal.
func (h *HeartbeatFile) Name() string { return SignalHeartbeat }

// Check implements Signal.
func (h *HeartbeatFile) Check(_ context.Context, now time.Time) SignalResult {
	info, err := os.Stat(h.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return inconclusive(SignalHeartbeat, "heartbeat %s not found", h.Path)
		}
		return inconclusive(SignalHeartbeat, "stat heartbeat: %v", err)
	}
	return freshness(SignalHeartbeat, filepath.Base(h.Path), info.ModTime(), now, h.MaxAge)
}

// ===== Log freshness =====

// LogFreshness is alive while the newest file in Dir matching Pattern is
// younger than MaxAge.
type LogFreshness struct {
	Dir     string
	Pattern string
	MaxAge  time.Duration
}

// Name implements Signal.
func (l *LogFreshness) Name() string { return SignalLogs }

// Check implements Signal.
func (l *LogFreshness) Check(_ context.Context, now time.Time) SignalResult {
	pattern := l.Pattern
	if pattern == "" {
		pattern = DefaultLogPattern
	}
	matches, err := filepath.Glob(filepath.Join(l.Dir, pattern))
	if err != nil {
		return inconclusive(SignalLogs, "bad log pattern %q: %v", pattern, err)
	}

	var newest fs.FileInfo
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if newest == nil || info.ModTime().After(newest.ModTime()) {
			newest = info
		}
	}
	if newest == nil {
		return inconclusive(SignalLogs, "no %s files in %s", pattern, l.Dir)
	}
	return freshness(SignalLogs, newest.Name(), newest.ModTime(), now, l.MaxAge)
}

func freshness(signal, file string, mtime, now time.Time, maxAge time.Duration) SignalResult {
	age := now.Sub(mtime)
	if age < 0 {
		age = 0
	}
	res := SignalResult{Signal: signal, Age: age}
	if age < maxAge {
		res.Alive = true
		res.Detail = fmt.Sprintf("%s updated %s ago", file, age.Truncate(time.Second))
		return res
	}
	res.Detail = fmt.Sprintf("%s stale (%s old, limit %s)", file, age.Truncate(time.Second), maxAge)
	return res
}

var (
	_ Signal = (*ProcessProbe)(nil)
	_ Signal = (*HeartbeatFile)(nil)
	_ Signal = (*LogFreshness)(nil)
)
