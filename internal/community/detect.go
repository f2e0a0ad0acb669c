// Package community groups titles whose sentence embeddings are close.
package community

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Normalize returns unit-length float64 copies of vectors. Zero vectors stay
// zero and therefore never reach a positive threshold.
func Normalize(vectors [][]float32) [][]float64 {
	out := make([][]float64, len(vectors))
	for i, v := range vectors {
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		norm = math.Sqrt(norm)
		u := make([]float64, len(v))
		if norm > 0 {
			for j, x := range v {
				u[j] = float64(x) / norm
			}
		}
		out[i] = u
	}
	return out
}

// Cosine is the dot product of two unit vectors. Mismatched lengths score 0.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	return floats.Dot(a, b)
}

// blockCells bounds the size of one similarity block, in matrix cells.
const blockCells = 1 << 22

// Graph holds, for every item, the items at cosine >= a floor threshold from
// it. Each list is ascending and includes the item itself.
type Graph struct {
	floor     float64
	neighbors [][]int32
	sims      [][]float64
}

// NewGraph computes the neighbor lists of unit at threshold floor. Rows of
// the similarity matrix are produced in blocks so memory stays bounded by the
// block size plus the retained neighbors.
func NewGraph(unit [][]float64, floor float64) (*Graph, error) {
	n := len(unit)
	g := &Graph{floor: floor, neighbors: make([][]int32, n), sims: make([][]float64, n)}
	if n == 0 {
		return g, nil
	}

	dim := len(unit[0])
	for i, v := range unit {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d has %d dimensions, want %d", i, len(v), dim)
		}
	}
	if dim == 0 {
		for i := range g.neighbors {
			g.neighbors[i] = []int32{int32(i)}
			g.sims[i] = []float64{math.Inf(1)}
		}
		return g, nil
	}

	data := make([]float64, 0, n*dim)
	for _, v := range unit {
		data = append(data, v...)
	}
	all := mat.NewDense(n, dim, data)

	rows := max(1, blockCells/n)
	var block mat.Dense
	for start := 0; start < n; start += rows {
		end := min(start+rows, n)
		block.Reset()
		block.Mul(all.Slice(start, end, 0, dim), all.T())

		for i := start; i < end; i++ {
			row := block.RawRowView(i - start)
			var idx []int32
			var sim []float64
			for j, s := range row {
				if j == i {
					idx = append(idx, int32(j))
					sim = append(sim, math.Inf(1))
					continue
				}
				if s >= floor {
					idx = append(idx, int32(j))
					sim = append(sim, s)
				}
			}
			g.neighbors[i] = idx
			g.sims[i] = sim
		}
	}
	return g, nil
}

// Len is the number of items in the graph.
func (g *Graph) Len() int {
	return len(g.neighbors)
}

// Communities runs threshold community detection on the graph.
//
// Every item seeds a candidate made of all items at cosine >= threshold from
// it, itself included. Candidates smaller than minSize are dropped. The rest
// are taken largest first; members already claimed by an earlier community
// are removed, and what remains is kept only if it still has minSize members.
// The result is sorted by size, largest first, and every member list is
// ascending. threshold below the graph floor is raised to the floor.
func (g *Graph) Communities(minSize int, threshold float64) [][]int {
	if minSize < 1 {
		minSize = 1
	}
	n := g.Len()
	if n < minSize {
		return nil
	}
	threshold = max(threshold, g.floor)

	var candidates [][]int
	for i := 0; i < n; i++ {
		var members []int
		for k, j := range g.neighbors[i] {
			if g.sims[i][k] >= threshold {
				members = append(members, int(j))
			}
		}
		if len(members) >= minSize {
			candidates = append(candidates, members)
		}
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		return len(candidates[a]) > len(candidates[b])
	})

	claimed := make([]bool, n)
	var communities [][]int
	for _, cand := range candidates {
		free := make([]int, 0, len(cand))
		for _, idx := range cand {
			if !claimed[idx] {
				free = append(free, idx)
			}
		}
		if len(free) < minSize {
			continue
		}
		for _, idx := range free {
			claimed[idx] = true
		}
		communities = append(communities, free)
	}

	sort.SliceStable(communities, func(a, b int) bool {
		return len(communities[a]) > len(communities[b])
	})
	return communities
}

// Detect builds a graph at threshold and returns its communities.
func Detect(unit [][]float64, minSize int, threshold float64) ([][]int, error) {
	g, err := NewGraph(unit, threshold)
	if err != nil {
		return nil, err
	}
	return g.Communities(minSize, threshold), nil
}

// Labels turns communities into a per-item cluster id, -1 for unassigned.
// Community k gets id k.
func Labels(n int, communities [][]int) []int {
	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}
	for id, members := range communities {
		for _, idx := range members {
			labels[idx] = id
		}
	}
	return labels
}
