// Package classifier attaches predicted event types to news titles.
package classifier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/DeafMist/event-dedup/internal/dataset"
	"github.com/DeafMist/event-dedup/internal/logger"
)

// DefaultBatchSize is the number of titles sent per classifier call.
const DefaultBatchSize = 512

// EventTypeClassifier labels texts with event types. It never fails: an item
// it could not label gets the empty string.
type EventTypeClassifier interface {
	Classify(ctx context.Context, texts []string) []string
}

type request struct {
	Message []string `json:"message"`
	Key     string   `json:"key"`
}

type response struct {
	EventType []*string `json:"event type"`
}

// Client posts title batches to the event-type detection service.
type Client struct {
	url  string
	key  string
	http *http.Client
	log  *slog.Logger
}

// NewClient builds a classifier client. A nil httpClient uses a client with a
// generous timeout, since the service scores whole batches on one request.
func NewClient(url, key string, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		url:  url,
		key:  key,
		http: httpClient,
		log:  logger.OrDiscard(log).With("component", "classifier"),
	}
}

// Classify sends one batch. Transport errors, undecodable bodies and label
// lists of the wrong length all yield a batch of missing labels.
func (c *Client) Classify(ctx context.Context, texts []string) []string {
	labels, err := c.classify(ctx, texts)
	if err != nil {
		c.log.Warn("event type prediction failed, labels left missing",
			slog.Any("err", err),
			slog.Int("batch_size", len(texts)),
		)
		return make([]string, len(texts))
	}
	return labels
}

func (c *Client) classify(ctx context.Context, texts []string) ([]string, error) {
	payload, err := json.Marshal(request{Message: texts, Key: c.key})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post batch: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("classifier returned %s: %s", res.Status, strings.TrimSpace(string(body)))
	}

	var parsed response
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.EventType) != len(texts) {
		return nil, fmt.Errorf("expected %d labels, got %d", len(texts), len(parsed.EventType))
	}

	labels := make([]string, len(texts))
	for i, l := range parsed.EventType {
		if l != nil {
			labels[i] = strings.TrimSpace(*l)
		}
	}
	return labels, nil
}

// Annotate labels every record of t in fixed-size batches and marks the
// table as carrying event types. Only cancellation aborts it.
func Annotate(ctx context.Context, t *dataset.Table, c EventTypeClassifier, batchSize int, log *slog.Logger) error {
	log = logger.Stage(log, "event_types")
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	titles := make([]string, len(t.Records))
	for i, rec := range t.Records {
		titles[i] = rec.Title
	}

	missing := 0
	for start := 0; start < len(titles); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batchSize, len(titles))

		labels := c.Classify(ctx, titles[start:end])
		for i, rec := range t.Records[start:end] {
			if i < len(labels) {
				rec.EventType = labels[i]
			} else {
				rec.EventType = ""
			}
			if rec.EventType == "" {
				missing++
			}
		}
		log.Debug("classified batch", slog.Int("from", start), slog.Int("to", end))
	}

	t.HasEventType = true
	log.Info("event types annotated", slog.Int("records", len(titles)), slog.Int("missing", missing))
	return nil
}
