// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/holomush/authd/internal/config"
	"github.com/holomush/authd/internal/logging"
	"github.com/holomush/authd/internal/xdg"
)

const serviceName = "authd"

// NewRootCmd creates the root command for the authd CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(nil)
}

func newRootCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authd",
		Short: "authd - credential and token service",
		Long: `authd registers accounts, authenticates logins and issues
short-lived access tokens paired with rotating refresh tokens.`,
		SilenceUsage: true,
	}

	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd(deps))
	cmd.AddCommand(NewMigrateCmd(deps))
	cmd.AddCommand(NewPruneTokensCmd(deps))
	cmd.AddCommand(NewConfigCmd())

	return cmd
}

// loadConfig reads configuration for cmd from --config (or the XDG default
// file when present), the environment and the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		path = ""
	}
	if path == "" {
		found, ok, err := xdg.FindConfigFile()
		if err != nil {
			return nil, err //nolint:wrapcheck // already coded
		}
		if ok {
			path = found
		}
	}
	return config.Load(path, cmd.Flags()) //nolint:wrapcheck // already coded
}

// newLogger builds the process logger from cfg.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	level, err := cfg.LogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	return logging.Setup(serviceName, version, cfg.Log.Format, level, cmd.ErrOrStderr())
}
