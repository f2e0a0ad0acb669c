package elasticsearch

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/DeafMist/event-dedup/internal/models"
)

// SearchParams narrow the event search query.
type SearchParams struct {
	Query string
	// Cluster filters on the merged cluster id.
	Cluster   *int
	EventType string
	RunID     string
	Start     *time.Time
	End       *time.Time
	From      int
	Size      int
	Sort      string
}

// SearchResult bundles hits and total count.
type SearchResult struct {
	Total int64                  `json:"total"`
	Items []models.EventDocument `json:"items"`
}

var sortable = map[string]bool{
	"start_date":     true,
	"indexed_at":     true,
	"merged_cluster": true,
	"cluster":        true,
	"_score":         true,
}

func searchBody(params SearchParams) map[string]any {
	if params.Size <= 0 {
		params.Size = 20
	}
	if params.Size > 200 {
		params.Size = 200
	}
	if params.From < 0 {
		params.From = 0
	}

	var must, filters []map[string]any
	if params.Query != "" {
		must = append(must, map[string]any{
			"multi_match": map[string]any{
				"query":  params.Query,
				"fields": []string{"title^2", "entities", "gpes"},
			},
		})
	}
	if params.Cluster != nil {
		filters = append(filters, map[string]any{
			"term": map[string]any{"merged_cluster": *params.Cluster},
		})
	}
	if params.EventType != "" {
		filters = append(filters, map[string]any{
			"term": map[string]any{"event_type": params.EventType},
		})
	}
	if params.RunID != "" {
		filters = append(filters, map[string]any{
			"term": map[string]any{"run_id": params.RunID},
		})
	}
	if params.Start != nil || params.End != nil {
		dates := map[string]any{}
		if params.Start != nil {
			dates["gte"] = params.Start.UTC().Format(models.DateLayout)
		}
		if params.End != nil {
			dates["lte"] = params.End.UTC().Format(models.DateLayout)
		}
		filters = append(filters, map[string]any{
			"range": map[string]any{"start_date": dates},
		})
	}

	boolQuery := map[string]any{}
	if len(must) > 0 {
		boolQuery["must"] = must
	}
	if len(filters) > 0 {
		boolQuery["filter"] = filters
	}
	if len(must) == 0 && len(filters) == 0 {
		boolQuery["must"] = []map[string]any{{"match_all": map[string]any{}}}
	}

	field, order := "start_date", "desc"
	if raw := strings.TrimSpace(params.Sort); raw != "" {
		parts := strings.SplitN(raw, ":", 2)
		if sortable[parts[0]] {
			field = parts[0]
		}
		if len(parts) > 1 && (parts[1] == "asc" || parts[1] == "desc") {
			order = parts[1]
		}
	}

	return map[string]any{
		"from":             params.From,
		"size":             params.Size,
		"track_total_hits": true,
		"query":            map[string]any{"bool": boolQuery},
		"sort":             []map[string]any{{field: map[string]any{"order": order}}},
	}
}

// SearchEvents executes a bool query with optional filters.
func (c *Client) SearchEvents(ctx context.Context, params SearchParams) (*SearchResult, error) {
	payload, err := json.Marshal(searchBody(params))
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source models.EventDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := decodeResponse(res, &parsed, "search"); err != nil {
		return nil, err
	}

	items := make([]models.EventDocument, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		items = append(items, hit.Source)
	}
	return &SearchResult{Total: parsed.Hits.Total.Value, Items: items}, nil
}

// ClusterMembers returns up to size mentions of one merged cluster, oldest
// first. An empty runID searches across runs.
func (c *Client) ClusterMembers(ctx context.Context, cluster int, runID string, size int) (*SearchResult, error) {
	return c.SearchEvents(ctx, SearchParams{
		Cluster: &cluster,
		RunID:   runID,
		Size:    size,
		Sort:    "start_date:asc",
	})
}

// LatestRunID returns the run id of the most recently indexed document, or ""
// when the index is empty. Merged cluster ids are only comparable within one
// run.
func (c *Client) LatestRunID(ctx context.Context) (string, error) {
	res, err := c.SearchEvents(ctx, SearchParams{Size: 1, Sort: "indexed_at:desc"})
	if err != nil {
		return "", fmt.Errorf("latest run: %w", err)
	}
	if len(res.Items) == 0 {
		return "", nil
	}
	return res.Items[0].RunID, nil
}
