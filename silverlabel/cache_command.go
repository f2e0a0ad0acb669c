package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/DeafMist/event-dedup/internal/stagecache"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage stage checkpoints",
	}

	cacheCmd.AddCommand(newCachePruneCommand(ctx))

	return cacheCmd
}

func newCachePruneCommand(ctx *commandContext) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove checkpoints older than --max-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if maxAge <= 0 {
				return fmt.Errorf("--max-age must be positive")
			}

			removed, err := stagecache.Prune(cfg.CacheDir, maxAge, time.Now())
			if errors.Is(err, stagecache.ErrLocked) {
				fmt.Fprintf(cmd.OutOrStdout(), "Cache %s is in use by a running pipeline, nothing pruned\n", cfg.CacheDir)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d checkpoint(s) from %s\n", removed, cfg.CacheDir)
			return nil
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 30*24*time.Hour, "Age after which checkpoints are removed")

	return cmd
}
