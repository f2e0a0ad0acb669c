package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DeafMist/event-dedup/internal/config"
	"github.com/DeafMist/event-dedup/internal/elasticsearch"
	"github.com/DeafMist/event-dedup/internal/logger"
	"github.com/DeafMist/event-dedup/internal/stagecache"
)

type expirer interface {
	DeleteOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

func main() {
	log := logger.New("retention")
	cfg, err := config.LoadRetention()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	esClient, err := elasticsearch.Connect(ctx, cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, 10, log)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("shutdown signal received during startup")
			return
		}
		log.Error("failed to connect to elasticsearch", slog.Any("err", err))
		os.Exit(1)
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	log.Info("retention job running",
		slog.Duration("interval", cfg.Interval),
		slog.Duration("max_age", cfg.MaxAge),
		slog.String("cache_dir", cfg.CacheDir),
	)

	runOnce(ctx, log, esClient, cfg, time.Now())

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
			return
		case now := <-ticker.C:
			runOnce(ctx, log, esClient, cfg, now)
		}
	}
}

// runOnce expires indexed documents and stale stage checkpoints. Failures are
// logged and retried on the next tick.
func runOnce(ctx context.Context, log *slog.Logger, es expirer, cfg *config.Retention, now time.Time) {
	subCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	deleted, err := es.DeleteOlderThan(subCtx, cfg.MaxAge, cfg.BatchSize)
	if err != nil {
		log.Warn("index retention failed (will retry on next interval)", slog.Any("err", err))
	} else if deleted > 0 {
		log.Info("index retention completed", slog.Int64("deleted", deleted))
	} else {
		log.Debug("index retention completed, no old documents found")
	}

	pruned, err := stagecache.Prune(cfg.CacheDir, cfg.MaxAge, now)
	if errors.Is(err, stagecache.ErrLocked) {
		log.Info("stage cache in use by a pipeline run, skipping checkpoint pruning")
		return
	}
	if err != nil {
		log.Warn("checkpoint pruning failed", slog.Any("err", err), slog.Int("pruned", pruned))
		return
	}
	if pruned > 0 {
		log.Info("stale checkpoints removed", slog.Int("pruned", pruned))
	}
}
