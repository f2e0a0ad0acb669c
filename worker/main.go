package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/event-dedup/internal/config"
	"github.com/DeafMist/event-dedup/internal/dataset"
	"github.com/DeafMist/event-dedup/internal/dedupe"
	"github.com/DeafMist/event-dedup/internal/logger"
	"github.com/DeafMist/event-dedup/internal/models"
	"github.com/DeafMist/event-dedup/internal/processing"
)

// Passthrough columns the worker adds to the aggregated CSV.
const (
	colSource = "source"
	colURL    = "url"
)

type rawNews struct {
	Title     string `json:"title"`
	StartDate string `json:"start_date"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
	URL       string `json:"url"`
}

type recordSink interface {
	Append(rec *models.NewsRecord) error
}

func main() {
	log := logger.New("worker")
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, closeStore, err := newStore(ctx, cfg, log)
	if err != nil {
		log.Error("init dedupe store", slog.Any("err", err))
		os.Exit(1)
	}
	defer closeStore()

	sink, err := dataset.NewAppender(cfg.OutputCSV, []string{colSource, colURL})
	if err != nil {
		log.Error("open aggregated csv", slog.Any("err", err))
		os.Exit(1)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		Topic:          cfg.KafkaTopic,
		GroupID:        cfg.KafkaConsumer,
		QueueCapacity:  cfg.BatchSize,
		MinBytes:       1e3,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit only
	})
	defer reader.Close()

	dlqWriter := kafka.NewWriter(kafka.WriterConfig{
		Brokers:     cfg.KafkaBrokers,
		Topic:       cfg.KafkaTopic + "_dlq",
		MaxAttempts: 3,
	})
	defer dlqWriter.Close()

	log.Info("worker started",
		slog.String("topic", cfg.KafkaTopic),
		slog.String("group", cfg.KafkaConsumer),
		slog.String("dlq_topic", cfg.KafkaTopic+"_dlq"),
		slog.String("output", cfg.OutputCSV),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("context canceled, stopping")
				return
			}
			log.Error("fetch message", slog.Any("err", err))
			continue
		}

		if err := processMessage(ctx, log, sink, store, msg); err != nil {
			log.Warn("process message failed, sending to DLQ",
				slog.Any("err", err),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
			)
			if !sendToDLQ(ctx, log, dlqWriter, msg, err) {
				if ctx.Err() != nil {
					return
				}
				// Leave uncommitted so the message is redelivered after restart.
				log.Error("DLQ write exhausted retries, message may be lost if later messages commit",
					slog.Int("partition", msg.Partition),
					slog.Int64("offset", msg.Offset),
				)
				continue
			}
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Error("commit message", slog.Any("err", err))
		}
	}
}

func newStore(ctx context.Context, cfg *config.Worker, log *slog.Logger) (dedupe.Store, func(), error) {
	if cfg.RedisURL == "" {
		return dedupe.NewCache(cfg.DedupeCapacity, cfg.DedupeTTL), func() {}, nil
	}
	client, err := dedupe.ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	log.Info("using redis dedupe store", slog.Duration("ttl", cfg.DedupeTTL))
	return dedupe.NewRedisStore(client, cfg.DedupeTTL), func() { _ = client.Close() }, nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// sendToDLQ forwards msg with its failure context, retrying with exponential
// backoff. It reports whether the write succeeded.
func sendToDLQ(ctx context.Context, log *slog.Logger, w messageWriter, msg kafka.Message, cause error) bool {
	dlqMsg := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(msg.Headers,
			kafka.Header{Key: "original_partition", Value: []byte(fmt.Sprintf("%d", msg.Partition))},
			kafka.Header{Key: "original_offset", Value: []byte(fmt.Sprintf("%d", msg.Offset))},
			kafka.Header{Key: "error", Value: []byte(cause.Error())},
			kafka.Header{Key: "timestamp", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		),
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := w.WriteMessages(ctx, dlqMsg)
		if err == nil {
			log.Info("message sent to DLQ",
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.Int("attempt", attempt+1),
			)
			return true
		}

		backoff := time.Duration(1<<uint(attempt)) * time.Second
		log.Warn("DLQ write failed, retrying",
			slog.Any("err", err),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			log.Info("context canceled during DLQ retry")
			return false
		}
	}
	return false
}

// processMessage normalizes one raw mention and appends it unless its id was
// already claimed. A failed append releases the claim so redelivery retries
// it. Mentions without a usable title are skipped.
func processMessage(ctx context.Context, log *slog.Logger, sink recordSink, store dedupe.Store, msg kafka.Message) error {
	var payload rawNews
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	title := processing.CleanTitle(processing.LongestSegment(payload.Title))
	if title == "" {
		log.Warn("skipping mention without title", slog.Int64("offset", msg.Offset))
		return nil
	}

	date, err := mentionDate(payload)
	if err != nil {
		return err
	}

	id := processing.BuildDocumentID(title, date)
	claimed, err := store.Claim(ctx, id)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug("duplicate mention", slog.String("id", id))
		return nil
	}

	rec := &models.NewsRecord{
		Title:     title,
		StartDate: date,
		Extra: map[string]string{
			colSource: strings.TrimSpace(payload.Source),
			colURL:    strings.TrimSpace(payload.URL),
		},
	}
	if err := sink.Append(rec); err != nil {
		if relErr := store.Release(ctx, id); relErr != nil {
			log.Warn("release claim after failed append", slog.String("id", id), slog.Any("err", relErr))
		}
		return err
	}

	log.Info("appended mention", slog.String("id", id), slog.String("title", title))
	return nil
}

// mentionDate prefers start_date, falls back to timestamp and then to today.
func mentionDate(p rawNews) (time.Time, error) {
	if strings.TrimSpace(p.StartDate) != "" {
		d, err := processing.ParseDate(p.StartDate)
		if err != nil {
			return time.Time{}, fmt.Errorf("start_date: %w", err)
		}
		return d, nil
	}
	if ts := parseTimestamp(p.Timestamp); !ts.IsZero() {
		return ts.UTC().Truncate(24 * time.Hour), nil
	}
	return time.Now().UTC().Truncate(24 * time.Hour), nil
}

func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}

	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if ts, err := time.Parse(f, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}
