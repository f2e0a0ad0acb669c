// Package oos drops clusters in which every mention was classified as out of
// scope.
package oos

import (
	"fmt"
	"log/slog"

	"github.com/DeafMist/event-dedup/internal/dataset"
	"github.com/DeafMist/event-dedup/internal/logger"
	"github.com/DeafMist/event-dedup/internal/models"
)

// Filter splits t by cluster. A cluster whose distinct event types are
// exactly {"oos"} goes to removed; any other cluster, including one with a
// missing label, stays in kept. Records without a cluster id are kept.
func Filter(t *dataset.Table, column string, log *slog.Logger) (kept, removed *dataset.Table, err error) {
	if !t.HasColumn(column) {
		return nil, nil, fmt.Errorf("%w: %s", dataset.ErrMissingColumn, column)
	}
	if !t.HasEventType {
		return nil, nil, fmt.Errorf("%w: %s", dataset.ErrMissingColumn, dataset.ColEventType)
	}
	log = logger.Stage(log, "oos_removed")

	onlyOOS := map[int]bool{}
	for _, rec := range t.Records {
		id, ok := rec.ClusterID(column)
		if !ok {
			continue
		}
		isOOS := rec.EventType == models.OutOfScope
		if prev, seen := onlyOOS[id]; seen {
			onlyOOS[id] = prev && isOOS
		} else {
			onlyOOS[id] = isOOS
		}
	}

	dropped := 0
	for _, only := range onlyOOS {
		if only {
			dropped++
		}
	}

	kept, removed = t.WithRecords(nil), t.WithRecords(nil)
	for _, rec := range t.Records {
		if id, ok := rec.ClusterID(column); ok && onlyOOS[id] {
			removed.Records = append(removed.Records, rec)
			continue
		}
		kept.Records = append(kept.Records, rec)
	}

	log.Info("oos filtering done",
		slog.String("column", column),
		slog.Int("clusters", len(onlyOOS)),
		slog.Int("dropped_clusters", dropped),
		slog.Int("kept", len(kept.Records)),
		slog.Int("removed", len(removed.Records)),
	)
	return kept, removed, nil
}
