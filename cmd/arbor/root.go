// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/arbor/pkg/logging"
	"github.com/AleutianAI/arbor/services/arbor/config"
	"github.com/AleutianAI/arbor/services/arbor/replica"
)

// app holds what every command shares once flags are parsed.
type app struct {
	configPath string
	logLevel   string
	jsonLogs   bool

	cfg    config.Config
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "arbor",
		Short: "Operate a replica of the replicated tree store",
		Long: `arbor manages one replica of a conflict-free replicated tree: its
signing key, its operation log, and reconciliation with peers.`,
		SilenceUsage:       true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", os.Getenv("ARBOR_CONFIG"), "config file (YAML or JSON)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	pf.BoolVar(&a.jsonLogs, "json-logs", false, "write logs as JSON")

	root.AddCommand(
		a.keygenCmd(),
		a.vvCmd(),
		a.logCmd(),
		a.checkoutCmd(),
		a.exportCmd(),
		a.importCmd(),
		a.serveCmd(),
		a.syncCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		lvl, err := logging.ParseLevel(a.logLevel)
		if err != nil {
			return err
		}
		cfg.Logging.Level = lvl
	}
	if a.jsonLogs || !isTerminal(cmd.ErrOrStderr()) {
		cfg.Logging.JSON = true
	}
	cfg.Logging.Writer = cmd.ErrOrStderr()

	a.cfg = cfg
	a.logger = logging.New(cfg.Logging)
	return nil
}

func (a *app) teardown(*cobra.Command, []string) error {
	if a.logger == nil {
		return nil
	}
	return a.logger.Close()
}

// isTerminal reports whether w is a terminal. Anything that is not an
// *os.File (a test buffer, a pipe wrapper) counts as not a terminal.
func isTerminal(w any) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// openReplica opens the configured replica. The caller must Close it.
func (a *app) openReplica(cmd *cobra.Command) (*replica.Replica, error) {
	r, err := replica.OpenConfig(cmd.Context(), a.cfg, a.logger.Slog())
	if err != nil {
		return nil, fmt.Errorf("open replica: %w", err)
	}
	return r, nil
}

// closeReplica closes r and reports a close failure unless err is already set.
func closeReplica(r *replica.Replica, err *error) {
	if cerr := r.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}
