// Package entities attaches named entities and knowledge-base links to titles.
package entities

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
	"github.com/DeafMist/event-dedup/internal/models"
)

// EntityLinker extracts entities from one text.
type EntityLinker interface {
	Link(ctx context.Context, text string) (*models.Entities, error)
}

// Client calls an NER + entity-linking sidecar over HTTP.
type Client struct {
	url  string
	http *http.Client
}

// NewClient builds a linker client for the sidecar at url.
func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{url: url, http: httpClient}
}

type linkResponse struct {
	Types map[string]string `json:"entity_type"`
	Links map[string]string `json:"linked_entity"`
}

// Link returns the entity types and links found in text.
func (c *Client) Link(ctx context.Context, text string) (*models.Entities, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
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
		return nil, fmt.Errorf("link entities: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("linker returned %s: %s", res.Status, strings.TrimSpace(string(body)))
	}

	var parsed linkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode linker response: %w", err)
	}

	e := &models.Entities{Types: parsed.Types, Links: parsed.Links}
	if e.Types == nil {
		e.Types = map[string]string{}
	}
	if e.Links == nil {
		e.Links = map[string]string{}
	}
	return e, nil
}

// Annotate links every record's title. The first failure aborts the stage.
func Annotate(ctx context.Context, t *dataset.Table, linker EntityLinker, log *slog.Logger) error {
	log = logger.Stage(log, "entities")

	for i, rec := range t.Records {
		ents, err := linker.Link(ctx, rec.Title)
		if err != nil {
			return fmt.Errorf("record %d (%q): %w", i, rec.Title, err)
		}
		rec.Entities = ents

		if (i+1)%10000 == 0 {
			log.Info("linking entities", slog.Int("done", i+1), slog.Int("total", len(t.Records)))
		}
	}

	t.HasEntities = true
	log.Info("entities annotated", slog.Int("records", len(t.Records)))
	return nil
}
