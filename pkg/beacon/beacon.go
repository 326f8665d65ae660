// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package beacon leaves liveness evidence for an external watchdog.
//
// A running Beacon owns a PID file and touches a heartbeat file on a fixed
// interval. Both are written atomically (temp file + rename) so a reader
// never sees a partial PID.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultInterval is how often the heartbeat is touched.
const DefaultInterval = 60 * time.Second

// ErrAlreadyRunning is returned by Start on a running beacon.
var ErrAlreadyRunning = errors.New("beacon is already running")

// Config holds beacon settings.
//
// # Fields
//
//   - PIDFile: Written on Start, removed on Stop. Empty disables it.
//   - HeartbeatFile: Rewritten every Interval. Empty disables it.
//   - Interval: Heartbeat period. Default: 60s.
type Config struct {
	PIDFile       string
	HeartbeatFile string
	Interval      time.Duration
}

// Beacon writes the PID and heartbeat files.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Beacon struct {
	config Config
	pid    int
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
	beats   uint64
}

// New creates a beacon for the current process.
func New(config Config, logger *slog.Logger) *Beacon {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Beacon{
		config: config,
		pid:    os.Getpid(),
		now:    time.Now,
		logger: logger,
	}
}

// Start writes the PID file, beats once and starts the heartbeat loop.
//
// # Description
//
// The loop runs until Stop is called or ctx is cancelled. Heartbeat write
// failures are logged and retried on the next tick; they never stop the
// loop.
//
// # Outputs
//
//   - error: ErrAlreadyRunning, or the PID/heartbeat write failure. On
//     error nothing keeps running.
func (b *Beacon) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return ErrAlreadyRunning
	}

	if b.config.PIDFile != "" {
		if err := writeAtomic(b.config.PIDFile, strconv.Itoa(b.pid)+"\n"); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
	}
	if err := b.beat(); err != nil {
		b.removePID()
		return fmt.Errorf("write heartbeat: %w", err)
	}

	b.running = true
	b.done = make(chan struct{})
	b.stopped = make(chan struct{})

	b.logger.Info("Liveness beacon started",
		"pid", b.pid,
		"pid_file", b.config.PIDFile,
		"heartbeat_file", b.config.HeartbeatFile,
		"interval", b.config.Interval.String(),
	)

	go b.runLoop(ctx, b.done, b.stopped)
	return nil
}

// Beat touches the heartbeat file now, outside the schedule.
func (b *Beacon) Beat() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.beat()
}

// Beats returns how many heartbeats were written.
func (b *Beacon) Beats() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.beats
}

// Stop ends the loop and removes the PID file. Safe to call more than once.
func (b *Beacon) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.done)
	stopped := b.stopped
	b.mu.Unlock()

	<-stopped
	b.removePID()
	b.logger.Info("Liveness beacon stopped", "beats", b.Beats())
}

func (b *Beacon) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(b.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := b.Beat(); err != nil {
				b.logger.Warn("Heartbeat write failed", "error", err)
			}
		}
	}
}

// beat must be called with mu held.
func (b *Beacon) beat() error {
	if b.config.HeartbeatFile == "" {
		return nil
	}
	if err := writeAtomic(b.config.HeartbeatFile, b.now().UTC().Format(time.RFC3339)+"\n"); err != nil {
		return err
	}
	b.beats++
	return nil
}

// removePID deletes the PID file if it still names this process.
func (b *Beacon) removePID() {
	if b.config.PIDFile == "" {
		return
	}
	raw, err := os.ReadFile(b.config.PIDFile)
	if err != nil {
		return
	}
	if strings.TrimSpace(string(raw)) != strconv.Itoa(b.pid) {
		b.logger.Warn("PID file now belongs to another process, leaving it",
			"pid_file", b.config.PIDFile)
		return
	}
	if err := os.Remove(b.config.PIDFile); err != nil {
		b.logger.Warn("Failed to remove PID file", "error", err)
	}
}

func writeAtomic(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
