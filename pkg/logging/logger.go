// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for Aleutian Tasks binaries.
//
// The logger is built on log/slog and writes to up to two destinations:
//
//	┌───────────────────────────────────────────────┐
//	│                    Logger                     │
//	│  ┌─────────────┐   ┌───────────────────────┐  │
//	│  │   stderr    │   │ {service}_{date}.log  │  │
//	│  │ text / JSON │   │ JSON, rotated daily   │  │
//	│  └─────────────┘   └───────────────────────┘  │
//	└───────────────────────────────────────────────┘
//
// The file destination doubles as liveness evidence: the watchdog's log
// freshness signal looks at the newest *.log file in the same directory.
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "./logs",
//	    Service: "api",
//	})
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// # Security Considerations
//
// This package does NOT redact anything. Do not log tokens, password
// hashes or DSNs with credentials.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity levels, ordered Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a config string to a Level. It accepts the names
// case-insensitively plus "warning". Empty means Info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the Logger. A zero Config logs Info+ to stderr as text.
type Config struct {
	// Level sets the minimum log level. Default: LevelInfo.
	Level Level

	// LogDir enables file logging. Files are named
	// "{Service}_{YYYY-MM-DD}.log", always JSON, and a new file is opened
	// when the local date changes. The directory is created with 0750.
	// Supports ~ expansion.
	LogDir string

	// Service is added to every entry and names the log file.
	Service string

	// JSON switches stderr output to JSON.
	JSON bool

	// Quiet disables stderr output.
	Quiet bool

	// Output replaces stderr. Mostly for tests.
	Output io.Writer
}

// =============================================================================
// Logger
// =============================================================================

// Logger wraps slog.Logger with a rotating file destination.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Resource Management
//
// Call Close to release the file handle.
type Logger struct {
	slog   *slog.Logger
	config Config
	file   *dailyFile
}

// New creates a Logger. A log directory that cannot be created is
// reported on stderr and file logging is skipped; the logger itself
// always works.
func New(config Config) *Logger {
	var handlers []slog.Handler

	opts := &slog.HandlerOptions{
		Level: config.Level.toSlogLevel(),
	}

	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	logger := &Logger{config: config}

	if config.LogDir != "" {
		service := config.Service
		if service == "" {
			service = "aleutian"
		}
		file, err := newDailyFile(expandPath(config.LogDir), service, time.Now)
		if err != nil {
			fmt.Fprintf(out, "logging: file output disabled: %v\n", err)
		} else {
			logger.file = file
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(out, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns an Info-level stderr logger.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "aleutian"})
}

// Slog returns the underlying slog.Logger. Components take *slog.Logger,
// not *Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// FilePath returns the current log file, or "" without file logging.
func (l *Logger) FilePath() string {
	if l.file == nil {
		return ""
	}
	return l.file.Path()
}

// Close syncs and closes the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// =============================================================================
// Daily File
// =============================================================================

// dailyFile is an io.Writer that appends to "{service}_{date}.log" and
// switches files when the date changes.
type dailyFile struct {
	dir     string
	service string
	now     func() time.Time

	mu   sync.Mutex
	date string
	f    *os.File
}

func newDailyFile(dir, service string, now func() time.Time) (*dailyFile, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	d := &dailyFile{dir: dir, service: service, now: now}
	if err := d.rotate(now().Format("2006-01-02")); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *dailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if date := d.now().Format("2006-01-02"); date != d.date || d.f == nil {
		if err := d.rotate(date); err != nil {
			return 0, err
		}
	}
	return d.f.Write(p)
}

// rotate must be called with mu held (or before the file is shared).
func (d *dailyFile) rotate(date string) error {
	path := filepath.Join(d.dir, fmt.Sprintf("%s_%s.log", d.service, date))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if d.f != nil {
		_ = d.f.Close()
	}
	d.f = f
	d.date = date
	return nil
}

// Path returns the file currently written to.
func (d *dailyFile) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return filepath.Join(d.dir, fmt.Sprintf("%s_%s.log", d.service, d.date))
}

func (d *dailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	var errs []error
	if err := d.f.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync log file: %w", err))
	}
	if err := d.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log file: %w", err))
	}
	d.f = nil
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans out log records to several slog handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
