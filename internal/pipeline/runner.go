// Package pipeline chains the silver-label stages and checkpoints every stage
// output in a stage cache.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/DeafMist/event-dedup/internal/classifier"
	"github.com/DeafMist/event-dedup/internal/community"
	"github.com/DeafMist/event-dedup/internal/dataset"
	"github.com/DeafMist/event-dedup/internal/embedding"
	"github.com/DeafMist/event-dedup/internal/entities"
	"github.com/DeafMist/event-dedup/internal/logger"
	"github.com/DeafMist/event-dedup/internal/merge"
	"github.com/DeafMist/event-dedup/internal/models"
	"github.com/DeafMist/event-dedup/internal/oos"
	"github.com/DeafMist/event-dedup/internal/processing"
	"github.com/DeafMist/event-dedup/internal/stagecache"
	"github.com/DeafMist/event-dedup/internal/temporal"
)

// Stage names double as checkpoint file prefixes.
const (
	StageNormalized = "normalized"
	StageEventTypes = "event_types"
	StageEntities   = "entities"
	StageClustered  = "clustered"
	StageDenoised   = "denoised"
	StageNoisy      = "noisy"
	StageOOSRemoved = "oos_removed"
	StageOOS        = "oos"
	StageMerged     = "merged"
)

// Services are the model-backed collaborators of a run.
type Services struct {
	Classifier classifier.EventTypeClassifier
	Linker     entities.EntityLinker
	Embedder   embedding.Embedder
}

// Options configure a run.
type Options struct {
	InputCSV            string
	ClusterColumn       string
	Grid                []models.ClusterParams
	Denoise             temporal.Params
	Merge               merge.Params
	ClassifierBatchSize int
	// EmbeddingModel is part of the clustered checkpoint key.
	EmbeddingModel string
}

// StageStat describes one stage of a finished run.
type StageStat struct {
	Stage  string
	Rows   int
	Cached bool
	File   string
	Took   time.Duration
}

// Summary is the outcome of a run.
type Summary struct {
	Stages []StageStat
	// ClustersBefore counts distinct ids in the clustered column, ClustersAfter
	// those in new_cluster.
	ClustersBefore int
	ClustersAfter  int
	Final          *dataset.Table
}

// Runner executes the stages against one stage cache.
type Runner struct {
	cache *stagecache.Cache
	svc   Services
	opts  Options
	log   *slog.Logger
}

// New builds a runner. The cache must be open for the lifetime of the runner.
func New(cache *stagecache.Cache, svc Services, opts Options, log *slog.Logger) *Runner {
	return &Runner{cache: cache, svc: svc, opts: opts, log: logger.OrDiscard(log)}
}

// Run executes every stage, reusing checkpoints whose key still matches.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{}

	inputSig, err := stagecache.SignFile(r.opts.InputCSV)
	if err != nil {
		return nil, err
	}
	root := stagecache.Key{Stage: "input", Signature: inputSig}

	normalizedKey := root.Derive(StageNormalized)
	normalized, err := r.resolve(ctx, sum, normalizedKey, func() (*dataset.Table, error) {
		t, err := dataset.ReadFile(r.opts.InputCSV)
		if err != nil {
			return nil, err
		}
		before := len(t.Records)
		t.Records = processing.NormalizeTitles(t.Records)
		r.log.Info("titles normalized",
			slog.String("stage", StageNormalized),
			slog.Int("input", before),
			slog.Int("unique", len(t.Records)),
		)
		return t, nil
	})
	if err != nil {
		return nil, err
	}

	eventKey := normalizedKey.Derive(StageEventTypes)
	annotated, err := r.resolve(ctx, sum, eventKey, func() (*dataset.Table, error) {
		t := normalized.Clone()
		if t.HasEventType && !r.cache.Force() {
			r.log.Info("input already carries event types, skipping classifier", slog.String("stage", StageEventTypes))
			return t, nil
		}
		if err := classifier.Annotate(ctx, t, r.svc.Classifier, r.opts.ClassifierBatchSize, r.log); err != nil {
			return nil, err
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}

	entitiesKey := eventKey.Derive(StageEntities)
	linked, err := r.resolve(ctx, sum, entitiesKey, func() (*dataset.Table, error) {
		t := annotated.Clone()
		if t.HasEntities && !r.cache.Force() {
			r.log.Info("input already carries entities, skipping linker", slog.String("stage", StageEntities))
			return t, nil
		}
		if err := entities.Annotate(ctx, t, r.svc.Linker, r.log); err != nil {
			return nil, err
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}

	clusteredKey := entitiesKey.Derive(StageClustered, r.opts.EmbeddingModel)
	clustered, err := r.cluster(ctx, sum, clusteredKey, linked)
	if err != nil {
		return nil, err
	}
	col := r.opts.ClusterColumn
	if !clustered.HasColumn(col) {
		return nil, fmt.Errorf("%w: %s", dataset.ErrMissingColumn, col)
	}
	sum.ClustersBefore = countClusters(clustered, col)

	denoiseParams := []string{col, fmtFloat(r.opts.Denoise.Eps), strconv.Itoa(r.opts.Denoise.MinSamples)}
	denoisedKey := clusteredKey.Derive(StageDenoised, denoiseParams...)
	noisyKey := clusteredKey.Derive(StageNoisy, denoiseParams...)
	denoised, _, err := r.resolvePair(ctx, sum, denoisedKey, noisyKey, func() (*dataset.Table, *dataset.Table, error) {
		return temporal.Denoise(clustered, col, r.opts.Denoise, r.log)
	})
	if err != nil {
		return nil, err
	}

	inScopeKey := denoisedKey.Derive(StageOOSRemoved, col)
	oosKey := denoisedKey.Derive(StageOOS, col)
	inScope, _, err := r.resolvePair(ctx, sum, inScopeKey, oosKey, func() (*dataset.Table, *dataset.Table, error) {
		return oos.Filter(denoised, col, r.log)
	})
	if err != nil {
		return nil, err
	}

	mergedKey := inScopeKey.Derive(StageMerged, col,
		strconv.Itoa(r.opts.Merge.MinEntityCount),
		strconv.Itoa(r.opts.Merge.MaxGapDays),
		fmtFloat(r.opts.Merge.MinSimilarity),
	)
	final, err := r.resolve(ctx, sum, mergedKey, func() (*dataset.Table, error) {
		res, err := merge.Merge(inScope, col, r.opts.Merge, r.log)
		if err != nil {
			return nil, err
		}
		return res.Table, nil
	})
	if err != nil {
		return nil, err
	}

	sum.ClustersAfter = countClusters(final, dataset.ColMerged)
	sum.Final = final
	return sum, nil
}

func (r *Runner) resolve(ctx context.Context, sum *Summary, k stagecache.Key, compute func() (*dataset.Table, error)) (*dataset.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	started := time.Now()
	cached := !r.cache.Force() && r.cache.Exists(k)

	t, err := r.cache.Resolve(k, compute)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", k.Stage, err)
	}
	sum.Stages = append(sum.Stages, StageStat{
		Stage:  k.Stage,
		Rows:   len(t.Records),
		Cached: cached,
		File:   k.Filename(),
		Took:   time.Since(started),
	})
	return t, nil
}

func (r *Runner) resolvePair(ctx context.Context, sum *Summary, kept, dropped stagecache.Key, compute func() (*dataset.Table, *dataset.Table, error)) (*dataset.Table, *dataset.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	started := time.Now()
	cached := !r.cache.Force() && r.cache.Exists(kept) && r.cache.Exists(dropped)

	a, b, err := r.cache.ResolvePair(kept, dropped, compute)
	if err != nil {
		return nil, nil, fmt.Errorf("stage %s: %w", kept.Stage, err)
	}
	took := time.Since(started)
	sum.Stages = append(sum.Stages,
		StageStat{Stage: kept.Stage, Rows: len(a.Records), Cached: cached, File: kept.Filename(), Took: took},
		StageStat{Stage: dropped.Stage, Rows: len(b.Records), Cached: cached, File: dropped.Filename(), Took: took},
	)
	return a, b, nil
}

// cluster resumes from a partial clustered checkpoint and stores the table
// again after every finished grid column.
func (r *Runner) cluster(ctx context.Context, sum *Summary, k stagecache.Key, input *dataset.Table) (*dataset.Table, error) {
	started := time.Now()

	t := input.Clone()
	if !r.cache.Force() {
		switch cached, err := r.cache.Load(k); {
		case err == nil:
			t = cached
		case !isMiss(err):
			return nil, fmt.Errorf("stage %s: %w", k.Stage, err)
		}
	}

	computed := 0
	clusterer := community.NewClusterer(r.svc.Embedder, r.opts.Grid, r.log)
	err := clusterer.Run(ctx, t, r.cache.Force(), func(snapshot *dataset.Table) error {
		computed++
		return r.cache.Store(k, snapshot)
	})
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", k.Stage, err)
	}
	if computed == 0 && !r.cache.Exists(k) {
		if err := r.cache.Store(k, t); err != nil {
			return nil, fmt.Errorf("stage %s: %w", k.Stage, err)
		}
	}

	sum.Stages = append(sum.Stages, StageStat{
		Stage:  k.Stage,
		Rows:   len(t.Records),
		Cached: computed == 0,
		File:   k.Filename(),
		Took:   time.Since(started),
	})
	return t, nil
}

func isMiss(err error) bool {
	return errors.Is(err, stagecache.ErrMiss)
}

func countClusters(t *dataset.Table, column string) int {
	seen := map[int]struct{}{}
	for _, rec := range t.Records {
		if id, ok := rec.ClusterID(column); ok {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
