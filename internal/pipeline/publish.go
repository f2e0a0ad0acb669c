package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/DeafMist/event-dedup/internal/dataset"
	"github.com/DeafMist/event-dedup/internal/logger"
	"github.com/DeafMist/event-dedup/internal/models"
	"github.com/DeafMist/event-dedup/internal/processing"
)

// Indexer stores event documents.
type Indexer interface {
	EnsureIndex(ctx context.Context) error
	IndexEvents(ctx context.Context, docs []models.EventDocument, batchSize int) (int, error)
}

// Documents converts the merged records of t into index documents. column is
// the clustering variant the merge ran on.
func Documents(t *dataset.Table, column, runID string, now time.Time) []models.EventDocument {
	docs := make([]models.EventDocument, 0, len(t.Records))
	for _, rec := range t.Records {
		doc := models.EventDocument{
			ID:        processing.BuildDocumentID(rec.Title, rec.StartDate),
			RunID:     runID,
			Title:     rec.Title,
			StartDate: rec.StartDate.Format(models.DateLayout),
			EventType: rec.EventType,
			IndexedAt: now.UTC(),
		}
		if id, ok := rec.ClusterID(column); ok {
			doc.Cluster = &id
		}
		if id, ok := rec.ClusterID(dataset.ColMerged); ok {
			doc.MergedCluster = &id
		}
		if rec.Entities != nil {
			for form := range rec.Entities.Types {
				doc.Entities = append(doc.Entities, form)
			}
			sort.Strings(doc.Entities)
			doc.GPEs = rec.Entities.GPEs()
			sort.Strings(doc.GPEs)
			if len(rec.Entities.Links) > 0 {
				doc.Links = rec.Entities.Links
			}
		}
		docs = append(docs, doc)
	}
	return docs
}

// Publish indexes the merged records under a fresh run id and returns it.
func Publish(ctx context.Context, idx Indexer, t *dataset.Table, column string, batchSize int, log *slog.Logger) (string, error) {
	log = logger.Stage(log, "publish")
	runID := uuid.NewString()

	if err := idx.EnsureIndex(ctx); err != nil {
		return "", fmt.Errorf("ensure index: %w", err)
	}
	docs := Documents(t, column, runID, time.Now())
	n, err := idx.IndexEvents(ctx, docs, batchSize)
	if err != nil {
		return runID, fmt.Errorf("publish run %s: %d of %d indexed: %w", runID, n, len(docs), err)
	}

	log.Info("run published", slog.String("run_id", runID), slog.Int("documents", n))
	return runID, nil
}
