package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/DeafMist/event-dedup/internal/classifier"
	"github.com/DeafMist/event-dedup/internal/config"
	"github.com/DeafMist/event-dedup/internal/elasticsearch"
	"github.com/DeafMist/event-dedup/internal/embedding"
	"github.com/DeafMist/event-dedup/internal/entities"
	"github.com/DeafMist/event-dedup/internal/logger"
	"github.com/DeafMist/event-dedup/internal/pipeline"
)

// commandContext carries the lazily loaded configuration and the factories
// for the external collaborators of a run.
type commandContext struct {
	log         *slog.Logger
	cfg         *config.Pipeline
	newServices func(cfg *config.Pipeline, log *slog.Logger) pipeline.Services
	newIndexer  func(ctx context.Context, cfg *config.Pipeline, log *slog.Logger) (pipeline.Indexer, error)
}

func newCommandContext() *commandContext {
	return &commandContext{
		log:         logger.New("silverlabel"),
		newServices: remoteServices,
		newIndexer:  connectIndexer,
	}
}

func (c *commandContext) ensureConfig() (*config.Pipeline, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.LoadPipeline()
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

func remoteServices(cfg *config.Pipeline, log *slog.Logger) pipeline.Services {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	return pipeline.Services{
		Classifier: classifier.NewClient(cfg.ClassifierURL, cfg.ClassifierKey, httpClient, log),
		Linker:     entities.NewClient(cfg.LinkerURL, httpClient),
		Embedder:   embedding.NewClient(cfg.EmbeddingURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, cfg.EmbeddingBatchSize, log),
	}
}

func connectIndexer(ctx context.Context, cfg *config.Pipeline, log *slog.Logger) (pipeline.Indexer, error) {
	return elasticsearch.Connect(ctx, cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, 5, log)
}

func newRootCommand(ctx *commandContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "silverlabel",
		Short:         "Cluster, denoise and merge news mentions into silver-labelled events",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newCacheCommand(ctx))

	return rootCmd
}
