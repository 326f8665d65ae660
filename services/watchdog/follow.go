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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultFollowInterval is the re-check period of Follow.
const DefaultFollowInterval = 30 * time.Second

// Follow re-evaluates the chain until ctx ends.
//
// # Description
//
// Checks once immediately, then on every filesystem event in the PID,
// heartbeat and log directories and on every tick of interval. onChange
// is called with the first verdict and then only when Alive or Source
// changes.
//
// Directories that do not exist yet are skipped. The ticker still covers
// them.
//
// # Outputs
//
//   - Verdict: The last verdict evaluated.
//   - error: Non-nil only if the fsnotify watcher cannot be created.
func (w *Watchdog) Follow(ctx context.Context, interval time.Duration, onChange func(Verdict)) (Verdict, error) {
	if interval <= 0 {
		interval = DefaultFollowInterval
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Verdict{}, fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range w.watchDirs {
		if !exists(dir) {
			w.logger.Debug("Skipping missing directory", "dir", dir)
			continue
		}
		if err := watcher.Add(dir); err != nil {
			w.logger.Warn("Not watching directory",
				"dir", dir,
				"error", err)
		}
	}

	last := w.CheckHealth(ctx)
	onChange(last)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	check := func() {
		v := w.CheckHealth(ctx)
		if v.Alive != last.Alive || v.Source != last.Source {
			onChange(v)
		}
		last = v
	}

	for {
		select {
		case <-ctx.Done():
			return last, nil

		case <-ticker.C:
			check()

		case event, ok := <-watcher.Events:
			if !ok {
				return last, nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}
			check()

		case err, ok := <-watcher.Errors:
			if !ok {
				return last, nil
			}
			w.logger.Warn("File watcher error",
				"error", err)
		}
	}
}

func dirOf(path string) string {
	return absDir(filepath.Dir(path))
}

func absDir(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

// exists reports whether path names an existing directory.
func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
