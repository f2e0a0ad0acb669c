package merge

import (
	"fmt"
	"log/slog"

	"github.com/DeafMist/event-dedup/internal/dataset"
	"github.com/DeafMist/event-dedup/internal/logger"
)

// Params bounds which cluster pairs get merged.
type Params struct {
	// MinEntityCount is how often an entity must occur in a cluster to count
	// as one of its key entities.
	MinEntityCount int     `yaml:"min_entity_count"`
	MaxGapDays     int     `yaml:"max_gap_days"`
	MinSimilarity  float64 `yaml:"min_similarity"`
}

// DefaultParams: entities seen more than four times, ten days, half overlap.
var DefaultParams = Params{MinEntityCount: 5, MaxGapDays: 10, MinSimilarity: 0.5}

// Validate rejects thresholds that cannot select anything sensible.
func (p Params) Validate() error {
	if p.MinEntityCount < 1 {
		return fmt.Errorf("min entity count must be positive, got %d", p.MinEntityCount)
	}
	if p.MaxGapDays < 0 {
		return fmt.Errorf("max gap must not be negative, got %d", p.MaxGapDays)
	}
	if p.MinSimilarity <= 0 || p.MinSimilarity > 1 {
		return fmt.Errorf("min similarity must be in (0,1], got %v", p.MinSimilarity)
	}
	return nil
}

// Pair is a merge candidate, as indexes into the profile slice.
type Pair struct {
	A, B       int
	Similarity float64
	Distance   int
}

// Candidates compares every pair of profiles and returns those close enough
// in both content and time.
func Candidates(profiles []*Profile, p Params) []Pair {
	keys := make([]map[string]struct{}, len(profiles))
	for i, prof := range profiles {
		keys[i] = prof.KeyEntities(p.MinEntityCount)
	}

	var out []Pair
	for i := 0; i < len(profiles); i++ {
		for j := i + 1; j < len(profiles); j++ {
			dist := Distance(profiles[i].Start, profiles[i].End, profiles[j].Start, profiles[j].End)
			if dist > p.MaxGapDays {
				continue
			}
			sim := Similarity(keys[i], keys[j])
			if sim < p.MinSimilarity {
				continue
			}
			out = append(out, Pair{A: i, B: j, Similarity: sim, Distance: dist})
		}
	}
	return out
}

// unionFind keeps the smallest index of each component as its root.
type unionFind []int

func newUnionFind(n int) unionFind {
	uf := make(unionFind, n)
	for i := range uf {
		uf[i] = i
	}
	return uf
}

func (uf unionFind) find(x int) int {
	for uf[x] != x {
		uf[x] = uf[uf[x]]
		x = uf[x]
	}
	return x
}

func (uf unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	switch {
	case ra < rb:
		uf[rb] = ra
	case rb < ra:
		uf[ra] = rb
	}
}

// Groups returns the components with more than one profile, as profile
// indexes in ascending order.
func Groups(n int, pairs []Pair) [][]int {
	uf := newUnionFind(n)
	for _, pr := range pairs {
		uf.union(pr.A, pr.B)
	}
	members := map[int][]int{}
	var roots []int
	for i := 0; i < n; i++ {
		r := uf.find(i)
		if _, seen := members[r]; !seen {
			roots = append(roots, r)
		}
		members[r] = append(members[r], i)
	}
	var out [][]int
	for _, r := range roots {
		if len(members[r]) > 1 {
			out = append(out, members[r])
		}
	}
	return out
}

// Result summarises one merge run.
type Result struct {
	Table    *dataset.Table
	Clusters int
	Pairs    []Pair
	// Merged maps each absorbed cluster id to the id it now carries.
	Merged map[int]int
}

// Merge profiles every cluster in column, fuses candidate pairs transitively
// and writes the surviving id of every record to the new_cluster column of a
// copy of t. A fused group takes the id of its member that appears first in
// record order; records without an id stay without one.
func Merge(t *dataset.Table, column string, p Params, log *slog.Logger) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !t.HasColumn(column) {
		return nil, fmt.Errorf("%w: %s", dataset.ErrMissingColumn, column)
	}
	if !t.HasEntities {
		return nil, fmt.Errorf("%w: %s", dataset.ErrMissingColumn, dataset.ColEntities)
	}
	log = logger.Stage(log, "merged")

	profiles := Profiles(t, column)
	pairs := Candidates(profiles, p)

	merged := map[int]int{}
	for _, group := range Groups(len(profiles), pairs) {
		canonical := profiles[group[0]].ID
		for _, idx := range group[1:] {
			merged[profiles[idx].ID] = canonical
		}
	}

	out := t.Clone()
	for _, rec := range out.Records {
		id, ok := rec.ClusterID(column)
		if !ok {
			delete(rec.Clusters, dataset.ColMerged)
			continue
		}
		if to, ok := merged[id]; ok {
			id = to
		}
		rec.SetCluster(dataset.ColMerged, id)
	}
	out.AddClusterColumn(dataset.ColMerged)

	log.Info("cluster merging done",
		slog.String("column", column),
		slog.Int("clusters", len(profiles)),
		slog.Int("candidate_pairs", len(pairs)),
		slog.Int("absorbed_clusters", len(merged)),
		slog.Int("final_clusters", len(profiles)-len(merged)),
	)
	return &Result{Table: out, Clusters: len(profiles), Pairs: pairs, Merged: merged}, nil
}
