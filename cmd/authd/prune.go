// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/authd/internal/config"
)

// NewPruneTokensCmd creates the prune-tokens subcommand.
func NewPruneTokensCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "prune-tokens",
		Short: "Clear expired refresh tokens",
		Long: `Empty the refresh token slot of every user whose token has
expired. Safe to run while the server is up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runPruneTokens(cmd.Context(), cmd, cfg.Store, deps)
		},
	}
}

func runPruneTokens(ctx context.Context, cmd *cobra.Command, storeCfg config.StoreConfig, deps *Deps) error {
	deps = deps.withDefaults()
	if ctx == nil {
		ctx = context.Background()
	}

	backend, err := deps.BackendOpener(ctx, storeCfg, nil)
	if err != nil {
		return oops.Code("STORE_OPEN_FAILED").With("driver", storeCfg.Driver).Wrap(err)
	}
	defer backend.Close()

	cleared, err := backend.Users.ClearExpiredRefreshTokens(ctx, deps.Now())
	if err != nil {
		return oops.Code("PRUNE_FAILED").Wrap(err)
	}
	cmd.Printf("Cleared %d expired refresh token(s)\n", cleared)
	return nil
}
