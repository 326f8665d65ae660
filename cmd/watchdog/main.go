// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command watchdog decides whether a supervised long-running process is
// alive and reports it through its exit status.
//
// It checks, in order: the process named by the PID file, the heartbeat
// file's age and the age of the newest log file. The first positive
// signal wins. Exit status is 0 when healthy and 1 otherwise, so it can
// be used directly as a container HEALTHCHECK or a cron probe.
//
// # Usage
//
//	watchdog --pid-file ./run/bot.pid --heartbeat ./run/bot.heartbeat --log-dir ./logs
//	watchdog --verbose
//	watchdog --json
//	watchdog watch --interval 10s
//
// # Environment Variables
//
// Flag defaults come from WATCHDOG_PID_FILE, WATCHDOG_HEARTBEAT_FILE,
// WATCHDOG_LOG_DIR, WATCHDOG_LOG_PATTERN, WATCHDOG_HEARTBEAT_MAX_AGE,
// WATCHDOG_LOG_MAX_AGE, WATCHDOG_PROCESS_NAME and
// WATCHDOG_REQUIRE_CORROBORATION. Flags win over the environment.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianTasks/pkg/logging"
	"github.com/AleutianAI/AleutianTasks/services/watchdog"
)

func main() {
	os.Exit(run(os.Args[1:], os.Getenv, os.Stdout, os.Stderr))
}

// cli holds the parsed flags and the exit code chosen by the last command.
type cli struct {
	cfg      watchdog.Config
	envErr   error
	verbose  bool
	jsonOut  bool
	debug    bool
	interval time.Duration

	stdout   io.Writer
	stderr   io.Writer
	exitCode int
}

// run executes the command line and returns the process exit status.
// Any error, including bad flags or environment values, exits 1: a
// watchdog that cannot decide must not report healthy.
func run(args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	c := &cli{stdout: stdout, stderr: stderr, exitCode: 1}
	c.cfg, c.envErr = watchdog.DefaultConfig().ApplyEnv(getenv)

	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		return 1
	}
	return c.exitCode
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "watchdog",
		Short:        "Report whether the supervised process is alive",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return c.envErr
		},
		RunE: c.runCheck,
	}

	f := root.PersistentFlags()
	f.StringVar(&c.cfg.PIDFile, "pid-file", c.cfg.PIDFile, "file holding the supervised process id")
	f.StringVar(&c.cfg.HeartbeatFile, "heartbeat", c.cfg.HeartbeatFile, "heartbeat file touched by the process")
	f.StringVar(&c.cfg.LogDir, "log-dir", c.cfg.LogDir, "directory holding the process logs")
	f.StringVar(&c.cfg.LogPattern, "log-pattern", c.cfg.LogPattern, "glob selecting log files inside --log-dir")
	f.DurationVar(&c.cfg.HeartbeatMaxAge, "heartbeat-max-age", c.cfg.HeartbeatMaxAge, "heartbeat older than this is stale")
	f.DurationVar(&c.cfg.LogMaxAge, "log-max-age", c.cfg.LogMaxAge, "newest log older than this is stale")
	f.StringVar(&c.cfg.ExpectedName, "process-name", c.cfg.ExpectedName, "expected process name, guards against PID reuse")
	f.BoolVar(&c.cfg.RequireCorroboration, "require-corroboration", c.cfg.RequireCorroboration,
		"a running process also needs a fresh heartbeat or log")
	f.BoolVarP(&c.verbose, "verbose", "v", false, "print every evaluated signal")
	f.BoolVar(&c.jsonOut, "json", false, "print the verdict as JSON")
	f.BoolVar(&c.debug, "debug", false, "log signal evaluation to stderr")

	watch := &cobra.Command{
		Use:   "watch",
		Short: "Re-check on file changes and print each status transition",
		Args:  cobra.NoArgs,
		RunE:  c.runWatch,
	}
	watch.Flags().DurationVar(&c.interval, "interval", watchdog.DefaultFollowInterval, "re-check at least this often")
	root.AddCommand(watch)

	return root
}

func (c *cli) newWatchdog() *watchdog.Watchdog {
	level := logging.LevelWarn
	if c.debug {
		level = logging.LevelDebug
	}
	logs := logging.New(logging.Config{
		Level:   level,
		Service: "watchdog",
		Output:  c.stderr,
	})
	return watchdog.New(c.cfg, watchdog.WithLogger(logs.Slog()))
}

func (c *cli) runCheck(cmd *cobra.Command, _ []string) error {
	v := c.newWatchdog().CheckHealth(cmd.Context())
	if err := c.print(v, false); err != nil {
		return err
	}
	c.exitCode = v.ExitCode()
	return nil
}

func (c *cli) runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var printErr error
	last, err := c.newWatchdog().Follow(ctx, c.interval, func(v watchdog.Verdict) {
		if printErr == nil {
			printErr = c.print(v, true)
		}
	})
	if err != nil {
		return err
	}
	if printErr != nil {
		return printErr
	}
	c.exitCode = last.ExitCode()
	return nil
}

func (c *cli) print(v watchdog.Verdict, stamped bool) error {
	if c.jsonOut {
		return json.NewEncoder(c.stdout).Encode(v)
	}

	styled := isTerminal(c.stdout)
	line := watchdog.FormatStatus(v, styled)
	if stamped {
		line = v.CheckedAt.Format(time.RFC3339) + " " + line
	}
	if _, err := fmt.Fprintln(c.stdout, line); err != nil {
		return err
	}
	if c.verbose {
		if _, err := io.WriteString(c.stdout, watchdog.FormatResults(v, styled)); err != nil {
			return err
		}
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
