package temporal

import (
	"fmt"
	"log/slog"

	"github.com/DeafMist/event-dedup/internal/dataset"
	"github.com/DeafMist/event-dedup/internal/logger"
)

// Params configures the per-cluster DBSCAN run.
type Params struct {
	// Eps is the neighbourhood radius in days.
	Eps        float64 `yaml:"eps"`
	MinSamples int     `yaml:"min_samples"`
}

// DefaultParams are one day and three mentions.
var DefaultParams = Params{Eps: 1, MinSamples: 3}

// Validate rejects parameters DBSCAN cannot work with.
func (p Params) Validate() error {
	if p.Eps < 0 {
		return fmt.Errorf("eps must not be negative, got %v", p.Eps)
	}
	if p.MinSamples < 1 {
		return fmt.Errorf("min_samples must be at least 1, got %d", p.MinSamples)
	}
	return nil
}

// Denoise keeps, for every cluster in column, the members of its densest date
// region and returns every other member as an outlier. Records without a
// cluster id go to neither table. Both outputs keep input order.
func Denoise(t *dataset.Table, column string, p Params, log *slog.Logger) (kept, outliers *dataset.Table, err error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}
	if !t.HasColumn(column) {
		return nil, nil, fmt.Errorf("%w: %s", dataset.ErrMissingColumn, column)
	}
	log = logger.Stage(log, "denoised")

	members := map[int][]int{}
	var ids []int
	for i, rec := range t.Records {
		id, ok := rec.ClusterID(column)
		if !ok {
			continue
		}
		if _, seen := members[id]; !seen {
			ids = append(ids, id)
		}
		members[id] = append(members[id], i)
	}

	keep := make([]bool, len(t.Records))
	allNoise := 0
	for _, id := range ids {
		idx := members[id]
		earliest := t.Records[idx[0]].StartDate
		for _, i := range idx[1:] {
			if d := t.Records[i].StartDate; d.Before(earliest) {
				earliest = d
			}
		}
		days := make([]float64, len(idx))
		for k, i := range idx {
			days[k] = t.Records[i].StartDate.Sub(earliest).Hours() / 24
		}

		labels := DBSCAN(days, p.Eps, p.MinSamples)
		dominant := Dominant(labels)
		if dominant == Noise {
			allNoise++
			continue
		}
		for k, i := range idx {
			if labels[k] == dominant {
				keep[i] = true
			}
		}
	}

	kept, outliers = t.WithRecords(nil), t.WithRecords(nil)
	for i, rec := range t.Records {
		if _, ok := rec.ClusterID(column); !ok {
			continue
		}
		if keep[i] {
			kept.Records = append(kept.Records, rec)
		} else {
			outliers.Records = append(outliers.Records, rec)
		}
	}

	log.Info("temporal denoising done",
		slog.String("column", column),
		slog.Int("clusters", len(ids)),
		slog.Int("all_noise_clusters", allNoise),
		slog.Int("kept", len(kept.Records)),
		slog.Int("outliers", len(outliers.Records)),
	)
	return kept, outliers, nil
}
