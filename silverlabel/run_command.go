package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/DeafMist/event-dedup/internal/dataset"
	"github.com/DeafMist/event-dedup/internal/pipeline"
	"github.com/DeafMist/event-dedup/internal/stagecache"
)

type runFlags struct {
	input   string
	output  string
	params  string
	force   bool
	publish bool
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every stage, reusing checkpoints that are still valid",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if flags.input != "" {
				cfg.InputCSV = flags.input
			}
			if flags.output != "" {
				cfg.OutputCSV = flags.output
			}
			if cmd.Flags().Changed("force") {
				cfg.Force = flags.force
			}
			if cmd.Flags().Changed("publish") {
				cfg.Publish = flags.publish
			}
			if flags.params != "" {
				if err := cfg.ApplyParamsFile(flags.params); err != nil {
					return err
				}
			} else if err := cfg.Validate(); err != nil {
				return err
			}

			log := ctx.log
			cache, err := stagecache.Open(cfg.CacheDir, cfg.Force, log)
			if err != nil {
				return err
			}
			defer cache.Close()

			runner := pipeline.New(cache, ctx.newServices(cfg, log), pipeline.Options{
				InputCSV:            cfg.InputCSV,
				ClusterColumn:       cfg.ClusterColumn,
				Grid:                cfg.Grid,
				Denoise:             cfg.Denoise,
				Merge:               cfg.Merge,
				ClassifierBatchSize: cfg.ClassifierBatchSize,
				EmbeddingModel:      cfg.EmbeddingModel,
			}, log)

			sum, err := runner.Run(cmd.Context())
			if err != nil {
				return err
			}
			if err := dataset.WriteFile(cfg.OutputCSV, sum.Final); err != nil {
				return fmt.Errorf("write final output: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, pipeline.RenderSummary(sum))
			fmt.Fprintf(out, "Final output: %s (%d rows)\n", cfg.OutputCSV, len(sum.Final.Records))

			if !cfg.Publish {
				return nil
			}
			idx, err := ctx.newIndexer(cmd.Context(), cfg, log)
			if err != nil {
				return fmt.Errorf("connect elasticsearch: %w", err)
			}
			runID, err := pipeline.Publish(cmd.Context(), idx, sum.Final, cfg.ClusterColumn, 500, log)
			if err != nil {
				return err
			}
			log.Info("published", slog.String("run_id", runID), slog.String("index", cfg.ElasticsearchIndex))
			fmt.Fprintf(out, "Published run: %s\n", runID)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.input, "input", "", "Aggregated news CSV (overrides PIPELINE_INPUT_CSV)")
	cmd.Flags().StringVar(&flags.output, "output", "", "Final merged CSV (overrides PIPELINE_OUTPUT_CSV)")
	cmd.Flags().StringVar(&flags.params, "params", "", "YAML file with clustering and post-processing parameters")
	cmd.Flags().BoolVar(&flags.force, "force", false, "Recompute every stage and overwrite checkpoints")
	cmd.Flags().BoolVar(&flags.publish, "publish", false, "Index the merged records into Elasticsearch")

	return cmd
}
