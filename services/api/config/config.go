// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the API server configuration.
//
// Sources, lowest precedence first:
//
//  1. Built-in defaults (Default)
//  2. YAML file (optional; a missing file is not an error)
//  3. Environment variables, optionally seeded from a .env file
//
// The merged result is validated with go-playground/validator struct tags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianTasks/services/watchdog"
)

// DefaultDatabaseURL is an embedded SQLite file relative to the working
// directory.
const DefaultDatabaseURL = "sqlite:///./data/aleutian_tasks.db"

// OTelStdout as OTelEndpoint prints spans to stdout instead of exporting.
const OTelStdout = "stdout"

// Environment variables read by Load.
const (
	EnvDatabaseURL     = "DATABASE_URL"
	EnvPort            = "API_PORT"
	EnvGinMode         = "GIN_MODE"
	EnvLogDir          = "LOG_DIR"
	EnvLogLevel        = "LOG_LEVEL"
	EnvOTelEndpoint    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvMaxSessions     = "DB_MAX_SESSIONS"
	EnvWaitTimeout     = "DB_WAIT_TIMEOUT"
	EnvBeaconEnabled   = "BEACON_ENABLED"
	EnvAdminToken      = "ADMIN_TOKEN"
	EnvRateLimitRPS    = "RATE_LIMIT_RPS"
	EnvShutdownTimeout = "SHUTDOWN_TIMEOUT"
)

// Config is the full API server configuration.
type Config struct {
	Port    int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	GinMode string `yaml:"gin_mode" json:"gin_mode" validate:"oneof=debug release test"`

	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Log       LogConfig       `yaml:"log" json:"log"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	Beacon    BeaconConfig    `yaml:"beacon" json:"beacon"`
	Watchdog  watchdog.Config `yaml:"watchdog" json:"watchdog"`

	// OTelEndpoint enables trace export when set: an OTLP collector
	// host:port, or OTelStdout.
	OTelEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint,omitempty"`

	// AdminToken is the bearer token for the admin group. Empty disables it.
	AdminToken string `yaml:"admin_token" json:"admin_token,omitempty"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig selects and sizes the session pool.
type DatabaseConfig struct {
	URL             string        `yaml:"url" json:"url" validate:"required"`
	MaxSessions     int           `yaml:"max_sessions" json:"max_sessions" validate:"min=1,max=1000"`
	WaitTimeout     time.Duration `yaml:"wait_timeout" json:"wait_timeout" validate:"gt=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" validate:"min=0"`
	Migrate         bool          `yaml:"migrate" json:"migrate"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Dir   string `yaml:"dir" json:"dir"`
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json" json:"json"`
}

// RateLimitConfig configures the per-client limiter. RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" json:"rps" validate:"min=0"`
	Burst int     `yaml:"burst" json:"burst" validate:"min=0"`
}

// AuthConfig configures the auth module.
type AuthConfig struct {
	TokenTTL   time.Duration `yaml:"token_ttl" json:"token_ttl" validate:"gt=0"`
	BcryptCost int           `yaml:"bcrypt_cost" json:"bcrypt_cost" validate:"min=4,max=31"`
}

// BeaconConfig makes the server leave liveness evidence for the watchdog.
type BeaconConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	PIDFile       string        `yaml:"pid_file" json:"pid_file"`
	HeartbeatFile string        `yaml:"heartbeat_file" json:"heartbeat_file"`
	Interval      time.Duration `yaml:"interval" json:"interval" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	wd := watchdog.DefaultConfig()
	return Config{
		Port:    12310,
		GinMode: "release",
		Database: DatabaseConfig{
			URL:         DefaultDatabaseURL,
			MaxSessions: 10,
			WaitTimeout: 5 * time.Second,
			Migrate:     true,
		},
		Log: LogConfig{
			Dir:   "./logs",
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			RPS:   50,
			Burst: 100,
		},
		Auth: AuthConfig{
			TokenTTL:   24 * time.Hour,
			BcryptCost: 10,
		},
		Beacon: BeaconConfig{
			PIDFile:       wd.PIDFile,
			HeartbeatFile: wd.HeartbeatFile,
			Interval:      60 * time.Second,
		},
		Watchdog:        wd,
		ShutdownTimeout: 15 * time.Second,
	}
}

var validate = validator.New()

// Load builds the configuration.
//
// # Inputs
//
//   - path: YAML file. Empty or missing means defaults only.
//   - getenv: Usually os.Getenv.
//
// # Outputs
//
//   - Config: Merged and validated.
//   - error: Unreadable/unparsable file, a malformed env value, or a
//     validation failure.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}

	cfg = applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDotEnv seeds the process environment from .env files. Existing
// variables win. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Validate checks struct tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Redacted returns a copy safe to log or serve: the database password
// and the admin token are masked.
func (c Config) Redacted() Config {
	out := c
	out.Database.URL = redactURL(c.Database.URL)
	if out.AdminToken != "" {
		out.AdminToken = "xxxxx"
	}
	return out
}

// Addr is the listen address.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	get := func(key string) string { return strings.TrimSpace(getenv(key)) }

	if v := get(EnvDatabaseURL); v != "" {
		cfg.Database.URL = v
	}
	if v := get(EnvGinMode); v != "" {
		cfg.GinMode = v
	}
	if v := get(EnvLogDir); v != "" {
		cfg.Log.Dir = v
	}
	if v := get(EnvLogLevel); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := get(EnvOTelEndpoint); v != "" {
		cfg.OTelEndpoint = v
	}
	if v := get(EnvAdminToken); v != "" {
		cfg.AdminToken = v
	}

	if v := get(EnvPort); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}
		cfg.Port = n
	}
	if v := get(EnvMaxSessions); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", EnvMaxSessions, v)
		}
		cfg.Database.MaxSessions = n
	}
	if v := get(EnvRateLimitRPS); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid number %q", EnvRateLimitRPS, v)
		}
		cfg.RateLimit.RPS = f
	}
	for key, dst := range map[string]*time.Duration{
		EnvWaitTimeout:     &cfg.Database.WaitTimeout,
		EnvShutdownTimeout: &cfg.ShutdownTimeout,
	} {
		if v := get(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: invalid duration %q", key, v)
			}
			*dst = d
		}
	}
	if v := get(EnvBeaconEnabled); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: invalid boolean %q", EnvBeaconEnabled, v)
		}
		cfg.Beacon.Enabled = b
	}

	wd, err := cfg.Watchdog.ApplyEnv(getenv)
	if err != nil {
		return err
	}
	cfg.Watchdog = wd
	return nil
}

// applyDefaults fills fields a partial YAML file may have zeroed.
func applyDefaults(cfg Config) Config {
	d := Default()
	if cfg.Port == 0 {
		cfg.Port = d.Port
	}
	if cfg.GinMode == "" {
		cfg.GinMode = d.GinMode
	}
	if cfg.Database.MaxSessions == 0 {
		cfg.Database.MaxSessions = d.Database.MaxSessions
	}
	if cfg.Database.WaitTimeout == 0 {
		cfg.Database.WaitTimeout = d.Database.WaitTimeout
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = d.Auth.TokenTTL
	}
	if cfg.Auth.BcryptCost == 0 {
		cfg.Auth.BcryptCost = d.Auth.BcryptCost
	}
	if cfg.Beacon.Interval == 0 {
		cfg.Beacon.Interval = d.Beacon.Interval
	}
	if cfg.Beacon.PIDFile == "" {
		cfg.Beacon.PIDFile = d.Beacon.PIDFile
	}
	if cfg.Beacon.HeartbeatFile == "" {
		cfg.Beacon.HeartbeatFile = d.Beacon.HeartbeatFile
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
	return cfg
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
