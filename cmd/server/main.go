// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command server runs the AleutianTasks HTTP API.
//
// # Usage
//
//	# Serve (default command)
//	./server --config api.yaml
//
//	# Print the composed route table without touching the database
//	./server routes --format json
//
//	# Create missing tables and exit
//	./server migrate
//
// # Environment Variables
//
// Every setting in the YAML file can be overridden by environment
// variables (DATABASE_URL, API_PORT, LOG_LEVEL, ...). Files named by
// --env-file are loaded first; variables already set in the environment
// win over them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianTasks/pkg/logging"
	"github.com/AleutianAI/AleutianTasks/services/api"
	"github.com/AleutianAI/AleutianTasks/services/api/config"
	"github.com/AleutianAI/AleutianTasks/services/api/session"
	"github.com/AleutianAI/AleutianTasks/services/api/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type app struct {
	configPath string
	envFiles   []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "server",
		Short:        "Run the AleutianTasks API server",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         a.runServe,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringSliceVar(&a.envFiles, "env-file", []string{".env"}, "dotenv files to load before reading the environment")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the API server (default)",
			Args:  cobra.NoArgs,
			RunE:  a.runServe,
		},
		a.routesCmd(),
		&cobra.Command{
			Use:   "migrate",
			Short: "Create missing tables and exit",
			Args:  cobra.NoArgs,
			RunE:  a.runMigrate,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func (a *app) loadConfig() (config.Config, error) {
	if err := config.LoadDotEnv(a.envFiles...); err != nil {
		return config.Config{}, err
	}
	return config.Load(a.configPath, os.Getenv)
}

func newLogger(cfg config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	l := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: api.ServiceName,
		JSON:    cfg.Log.JSON,
	})
	slog.SetDefault(l.Slog())
	return l, nil
}

func (a *app) runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	logs, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logs.Close()
	logger := logs.Slog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting AleutianTasks API",
		"version", version,
		"port", cfg.Port,
		"database", cfg.Redacted().Database.URL,
		"log_file", logs.FilePath())

	svc, err := api.New(ctx, cfg, api.WithLogger(logger), api.WithVersion(version))
	if err != nil {
		logger.Error("Failed to start", "error", err)
		return err
	}
	defer svc.Close()

	if err := svc.Run(ctx); err != nil {
		logger.Error("Server error", "error", err)
		return err
	}
	logger.Info("Server stopped")
	return nil
}

func (a *app) runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	logs, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logs.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return migrate(ctx, cfg, logs.Slog(), cmd)
}

func migrate(ctx context.Context, cfg config.Config, logger *slog.Logger, cmd *cobra.Command) error {
	f, err := session.Open(ctx, session.Config{
		URL:         cfg.Database.URL,
		MaxSessions: 1,
		WaitTimeout: cfg.Database.WaitTimeout,
	}, logger)
	if err != nil {
		return err
	}
	defer f.Close()

	docs := store.New()
	if err := f.WithSession(ctx, func(ctx context.Context, s *session.Session) error {
		return docs.Migrate(ctx, s)
	}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", cfg.Redacted().Database.URL)
	return nil
}
