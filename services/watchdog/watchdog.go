// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watchdog decides whether a long-running bot process is alive.
//
// It reads only the state the process leaves behind: a PID file, a
// heartbeat file and a directory of log files. Signals are evaluated in
// strict priority order and the first conclusive one wins:
//
//	process probe -> heartbeat file (< 300s) -> log freshness (< 600s) -> dead
//
// The watchdog holds no state between checks. Each CheckHealth call is a
// fresh evaluation.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Environment variables read by ApplyEnv.
const (
	EnvPIDFile         = "WATCHDOG_PID_FILE"
	EnvHeartbeatFile   = "WATCHDOG_HEARTBEAT_FILE"
	EnvLogDir          = "WATCHDOG_LOG_DIR"
	EnvLogPattern      = "WATCHDOG_LOG_PATTERN"
	EnvHeartbeatMaxAge = "WATCHDOG_HEARTBEAT_MAX_AGE"
	EnvLogMaxAge       = "WATCHDOG_LOG_MAX_AGE"
	EnvProcessName     = "WATCHDOG_PROCESS_NAME"
	EnvCorroborate     = "WATCHDOG_REQUIRE_CORROBORATION"
)

// Config locates the monitored process's state files.
type Config struct {
	PIDFile         string        `yaml:"pid_file" json:"pid_file"`
	HeartbeatFile   string        `yaml:"heartbeat_file" json:"heartbeat_file"`
	LogDir          string        `yaml:"log_dir" json:"log_dir"`
	LogPattern      string        `yaml:"log_pattern" json:"log_pattern"`
	HeartbeatMaxAge time.Duration `yaml:"heartbeat_max_age" json:"heartbeat_max_age"`
	LogMaxAge       time.Duration `yaml:"log_max_age" json:"log_max_age"`

	// ExpectedName, when set, must match the running process's name.
	ExpectedName string `yaml:"expected_name" json:"expected_name,omitempty"`

	// RequireCorroboration makes a process-only success require a fresh
	// heartbeat or log file as well.
	RequireCorroboration bool `yaml:"require_corroboration" json:"require_corroboration"`
}

// DefaultConfig returns the conventional file locations relative to the
// working directory.
func DefaultConfig() Config {
	return Config{
		PIDFile:         "./run/bot.pid",
		HeartbeatFile:   "./run/bot.heartbeat",
		LogDir:          "./logs",
		LogPattern:      DefaultLogPattern,
		HeartbeatMaxAge: DefaultHeartbeatMaxAge,
		LogMaxAge:       DefaultLogMaxAge,
	}
}

// ApplyEnv overlays WATCHDOG_* environment values onto c.
//
// # Inputs
//
//   - getenv: Usually os.Getenv. Empty values leave the field unchanged.
//
// # Outputs
//
//   - error: Non-nil if a duration or boolean value does not parse.
func (c Config) ApplyEnv(getenv func(string) string) (Config, error) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str(EnvPIDFile, &c.PIDFile)
	str(EnvHeartbeatFile, &c.HeartbeatFile)
	str(EnvLogDir, &c.LogDir)
	str(EnvLogPattern, &c.LogPattern)
	str(EnvProcessName, &c.ExpectedName)

	for key, dst := range map[string]*time.Duration{
		EnvHeartbeatMaxAge: &c.HeartbeatMaxAge,
		EnvLogMaxAge:       &c.LogMaxAge,
	} {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return c, fmt.Errorf("%s: invalid duration %q", key, v)
		}
		*dst = d
	}

	if v := strings.TrimSpace(getenv(EnvCorroborate)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c, fmt.Errorf("%s: invalid boolean %q", EnvCorroborate, v)
		}
		c.RequireCorroboration = b
	}
	return c, nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PIDFile == "" {
		c.PIDFile = d.PIDFile
	}
	if c.HeartbeatFile == "" {
		c.HeartbeatFile = d.HeartbeatFile
	}
	if c.LogDir == "" {
		c.LogDir = d.LogDir
	}
	if c.LogPattern == "" {
		c.LogPattern = d.LogPattern
	}
	if c.HeartbeatMaxAge <= 0 {
		c.HeartbeatMaxAge = d.HeartbeatMaxAge
	}
	if c.LogMaxAge <= 0 {
		c.LogMaxAge = d.LogMaxAge
	}
	return c
}

// Verdict is the result of one health check.
type Verdict struct {
	Alive bool `json:"alive"`

	// Source names the signal that decided Alive. Empty when dead.
	Source    string         `json:"source,omitempty"`
	Results   []SignalResult `json:"results"`
	CheckedAt time.Time      `json:"checked_at"`
}

// ExitCode maps the verdict to the CLI exit status.
func (v Verdict) ExitCode() int {
	if v.Alive {
		return 0
	}
	return 1
}

// Decisive returns the result of the deciding signal, or the zero value.
func (v Verdict) Decisive() SignalResult {
	for _, r := range v.Results {
		if r.Signal == v.Source {
			return r
		}
	}
	return SignalResult{}
}

// StatusLine renders the verdict as one plain line.
func (v Verdict) StatusLine() string {
	if v.Alive {
		return fmt.Sprintf("HEALTHY via %s: %s", v.Source, v.Decisive().Detail)
	}
	parts := make([]string, 0, len(v.Results))
	for _, r := range v.Results {
		parts = append(parts, r.Signal+": "+r.Detail)
	}
	if len(parts) == 0 {
		return "UNHEALTHY: no signals evaluated"
	}
	return "UNHEALTHY: " + strings.Join(parts, "; ")
}

// Watchdog evaluates the signals in priority order.
//
// # Thread Safety
//
// Safe for concurrent use. It has no mutable state after New.
type Watchdog struct {
	signals     []Signal
	corroborate bool
	watchDirs   []string
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}

// WithLogger sets the logger used for per-signal debug output.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watchdog) { w.logger = l }
}

// WithSignals replaces the default signal chain.
func WithSignals(signals ...Signal) Option {
	return func(w *Watchdog) { w.signals = signals }
}

// New builds a watchdog from cfg. Zero fields take DefaultConfig values.
func New(cfg Config, opts ...Option) *Watchdog {
	cfg = cfg.withDefaults()
	w := &Watchdog{
		signals: []Signal{
			NewProcessProbe(cfg.PIDFile, cfg.ExpectedName),
			&HeartbeatFile{Path: cfg.HeartbeatFile, MaxAge: cfg.HeartbeatMaxAge},
			&LogFreshness{Dir: cfg.LogDir, Pattern: cfg.LogPattern, MaxAge: cfg.LogMaxAge},
		},
		corroborate: cfg.RequireCorroboration,
		watchDirs:   watchDirs(cfg),
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// CheckHealth runs the signal chain once.
//
// # Description
//
// Signals run in order and evaluation stops at the first alive one. With
// RequireCorroboration, an alive process signal keeps evaluating and only
// counts when a later signal is alive too.
//
// # Outputs
//
//   - Verdict: Never an error. Every result the chain produced is listed.
func (w *Watchdog) CheckHealth(ctx context.Context) Verdict {
	now := w.now()
	v := Verdict{CheckedAt: now.UTC()}

	processAlive := false
	for _, s := range w.signals {
		r := s.Check(ctx, now)
		v.Results = append(v.Results, r)
		w.logger.Debug("liveness signal",
			"signal", r.Signal,
			"alive", r.Alive,
			"detail", r.Detail,
		)
		if !r.Alive {
			continue
		}
		if w.corroborate && r.Signal == SignalProcess {
			processAlive = true
			continue
		}
		v.Alive = true
		v.Source = r.Signal
		if processAlive {
			v.Source = SignalProcess
		}
		return v
	}

	if processAlive {
		v.Results = append(v.Results, SignalResult{
			Signal: "corroboration",
			Detail: "process is running but no file signal is fresh",
		})
	}
	return v
}

func watchDirs(cfg Config) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, d := range []string{dirOf(cfg.PIDFile), dirOf(cfg.HeartbeatFile), absDir(cfg.LogDir)} {
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}
