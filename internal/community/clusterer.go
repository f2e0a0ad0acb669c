package community

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DeafMist/event-dedup/internal/dataset"
	"github.com/DeafMist/event-dedup/internal/embedding"
	"github.com/DeafMist/event-dedup/internal/logger"
	"github.com/DeafMist/event-dedup/internal/models"
)

// Clusterer fills one cluster column per grid point.
type Clusterer struct {
	embedder embedding.Embedder
	grid     []models.ClusterParams
	log      *slog.Logger
}

// NewClusterer builds a clusterer over grid.
func NewClusterer(e embedding.Embedder, grid []models.ClusterParams, log *slog.Logger) *Clusterer {
	return &Clusterer{embedder: e, grid: grid, log: logger.Stage(log, "clustered")}
}

// Run computes every grid column t is missing (every column when force is
// set) and calls checkpoint after each one. Embeddings for a variant are only
// requested when that variant has work to do, and its similarity graph is
// built once at the lowest pending threshold.
func (c *Clusterer) Run(ctx context.Context, t *dataset.Table, force bool, checkpoint func(*dataset.Table) error) error {
	for _, temporal := range []bool{false, true} {
		var pending []models.ClusterParams
		for _, p := range c.grid {
			if p.Temporal != temporal {
				continue
			}
			if err := p.Validate(); err != nil {
				return fmt.Errorf("%s: %w", p.Column(), err)
			}
			if force || !t.HasColumn(p.Column()) {
				pending = append(pending, p)
			}
		}
		if len(pending) == 0 {
			continue
		}

		texts := make([]string, len(t.Records))
		for i, rec := range t.Records {
			if temporal {
				texts[i] = rec.TemporalTitle()
			} else {
				texts[i] = rec.Title
			}
		}

		vectors, err := c.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed titles: %w", err)
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("embed titles: got %d vectors for %d texts", len(vectors), len(texts))
		}
		floor := pending[0].Threshold
		for _, p := range pending[1:] {
			floor = min(floor, p.Threshold)
		}
		started := time.Now()
		graph, err := NewGraph(Normalize(vectors), floor)
		if err != nil {
			return fmt.Errorf("similarity graph: %w", err)
		}
		c.log.Info("similarity graph built",
			slog.Bool("temporal", temporal),
			slog.Float64("floor", floor),
			slog.Duration("took", time.Since(started)),
		)

		for _, p := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			started := time.Now()
			communities := graph.Communities(p.MinCommunitySize, p.Threshold)
			assign(t, p.Column(), communities)

			c.log.Info("clustering done",
				slog.String("column", p.Column()),
				slog.Int("min_community_size", p.MinCommunitySize),
				slog.Float64("threshold", p.Threshold),
				slog.Int("communities", len(communities)),
				slog.Duration("took", time.Since(started)),
			)

			if checkpoint != nil {
				if err := checkpoint(t); err != nil {
					return fmt.Errorf("checkpoint %s: %w", p.Column(), err)
				}
			}
		}
	}
	return nil
}

func assign(t *dataset.Table, column string, communities [][]int) {
	labels := Labels(len(t.Records), communities)
	for i, rec := range t.Records {
		if labels[i] < 0 {
			delete(rec.Clusters, column)
			continue
		}
		rec.SetCluster(column, labels[i])
	}
	t.AddClusterColumn(column)
}
