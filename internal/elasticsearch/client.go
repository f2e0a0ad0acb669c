package elasticsearch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/goccy/go-json"

	"github.com/DeafMist/event-dedup/internal/logger"
	"github.com/DeafMist/event-dedup/internal/models"
)

// Client wraps go-elasticsearch with helpers for event-mention documents.
type Client struct {
	es    *elasticsearch.Client
	index string
	log   *slog.Logger
}

// New instantiates the Elasticsearch client.
func New(addr, index string, log *slog.Logger) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &Client{es: es, index: index, log: logger.OrDiscard(log)}, nil
}

// Connect creates a client and pings it until it answers, doubling the delay
// between attempts up to 30s. It gives up after attempts tries or when ctx is
// done.
func Connect(ctx context.Context, addr, index string, attempts int, log *slog.Logger) (*Client, error) {
	log = logger.OrDiscard(log)
	client, err := New(addr, index, log)
	if err != nil {
		return nil, err
	}

	delay := 2 * time.Second
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx)
		cancel()
		if err == nil {
			log.Info("connected to elasticsearch", slog.String("addr", addr), slog.String("index", index))
			return client, nil
		}
		if attempt >= attempts {
			return nil, fmt.Errorf("elasticsearch unreachable after %d attempts: %w", attempt, err)
		}

		log.Warn("elasticsearch ping failed, retrying",
			slog.Any("err", err),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", attempts),
			slog.Duration("retry_in", delay),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
}

// Ping checks if Elasticsearch is available.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping failed: %s", res.Status())
	}
	return nil
}

// Health checks the cluster health endpoint.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.es.Cluster.Health(c.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("cluster health bad: %s", strings.TrimSpace(string(data)))
	}
	return nil
}

var indexMapping = map[string]any{
	"mappings": map[string]any{
		"properties": map[string]any{
			"id":             map[string]any{"type": "keyword"},
			"run_id":         map[string]any{"type": "keyword"},
			"title":          map[string]any{"type": "text"},
			"start_date":     map[string]any{"type": "date", "format": "yyyy-MM-dd"},
			"event_type":     map[string]any{"type": "keyword"},
			"cluster":        map[string]any{"type": "integer"},
			"merged_cluster": map[string]any{"type": "integer"},
			"entities":       map[string]any{"type": "keyword"},
			"gpes":           map[string]any{"type": "keyword"},
			"links":          map[string]any{"type": "object", "enabled": false},
			"indexed_at":     map[string]any{"type": "date"},
		},
	},
}

// EnsureIndex creates the index with its mapping unless it exists.
func (c *Client) EnsureIndex(ctx context.Context) error {
	res, err := c.es.Indices.Exists([]string{c.index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	payload, err := json.Marshal(indexMapping)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	res, err = c.es.Indices.Create(c.index,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		if strings.Contains(string(data), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("create index failed: %s", strings.TrimSpace(string(data)))
	}
	c.log.Info("created index", slog.String("index", c.index))
	return nil
}

// IndexEvents bulk-writes docs in chunks of batchSize and returns how many
// were accepted.
func (c *Client) IndexEvents(ctx context.Context, docs []models.EventDocument, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	indexed := 0
	for start := 0; start < len(docs); start += batchSize {
		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}

		var buf bytes.Buffer
		for _, doc := range docs[start:end] {
			meta, err := json.Marshal(map[string]any{"index": map[string]any{"_index": c.index, "_id": doc.ID}})
			if err != nil {
				return indexed, fmt.Errorf("marshal bulk meta: %w", err)
			}
			payload, err := json.Marshal(doc)
			if err != nil {
				return indexed, fmt.Errorf("marshal doc: %w", err)
			}
			buf.Write(meta)
			buf.WriteByte('\n')
			buf.Write(payload)
			buf.WriteByte('\n')
		}

		req := esapi.BulkRequest{
			Index:   c.index,
			Body:    &buf,
			Refresh: "false",
		}
		res, err := req.Do(ctx, c.es)
		if err != nil {
			return indexed, fmt.Errorf("bulk index: %w", err)
		}
		n, err := decodeBulk(res)
		indexed += n
		if err != nil {
			return indexed, err
		}
	}
	return indexed, nil
}

func decodeBulk(res *esapi.Response) (int, error) {
	defer res.Body.Close()
	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return 0, fmt.Errorf("bulk index failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode bulk response: %w", err)
	}

	ok := 0
	var first error
	for _, item := range parsed.Items {
		for _, result := range item {
			if result.Error == nil {
				ok++
				continue
			}
			if first == nil {
				first = fmt.Errorf("bulk item %s: %s: %s", result.ID, result.Error.Type, result.Error.Reason)
			}
		}
	}
	return ok, first
}

// DeleteOlderThan removes documents indexed before now-maxAge using batched
// delete-by-query. It loops until a batch deletes fewer than batchSize.
func (c *Client) DeleteOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	cutoff := time.Now().Add(-maxAge).UTC().Format(time.RFC3339)
	body := map[string]any{
		"query": map[string]any{
			"range": map[string]any{
				"indexed_at": map[string]any{"lte": cutoff},
			},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal delete body: %w", err)
	}

	var total int64
	for {
		res, err := c.es.DeleteByQuery(
			[]string{c.index},
			bytes.NewReader(payload),
			c.es.DeleteByQuery.WithContext(ctx),
			c.es.DeleteByQuery.WithWaitForCompletion(true),
			c.es.DeleteByQuery.WithConflicts("proceed"),
			c.es.DeleteByQuery.WithScrollSize(batchSize),
			c.es.DeleteByQuery.WithMaxDocs(batchSize),
		)
		if err != nil {
			return total, fmt.Errorf("delete by query: %w", err)
		}

		var parsed struct {
			Deleted int64 `json:"deleted"`
		}
		err = decodeResponse(res, &parsed, "delete by query")
		if err != nil {
			return total, err
		}
		total += parsed.Deleted

		if parsed.Deleted < int64(batchSize) {
			return total, nil
		}
	}
}

func decodeResponse(res *esapi.Response, out any, op string) error {
	defer res.Body.Close()
	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("%s failed: %s", op, strings.TrimSpace(string(data)))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
