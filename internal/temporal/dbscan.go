// Package temporal separates the dominant date mass of a cluster from titles
// that are semantically similar but published far away in time.
package temporal

import "sort"

// Noise is the DBSCAN label for points that belong to no dense region.
const Noise = -1

// DBSCAN clusters one-dimensional values. Two values are neighbours when
// |a-b| <= eps; a value is a core point when it has at least minSamples
// neighbours, itself included. Labels start at 0 and are assigned in input
// order of the first core point of each region.
func DBSCAN(values []float64, eps float64, minSamples int) []int {
	n := len(values)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = Noise
	}
	if n == 0 {
		return labels
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return values[order[a]] < values[order[b]] })
	sorted := make([]float64, n)
	for i, idx := range order {
		sorted[i] = values[idx]
	}

	neighbours := make([][]int, n)
	for i, v := range values {
		lo := sort.SearchFloat64s(sorted, v-eps)
		hi := sort.Search(n, func(k int) bool { return sorted[k] > v+eps })
		ids := make([]int, 0, hi-lo)
		for k := lo; k < hi; k++ {
			ids = append(ids, order[k])
		}
		neighbours[i] = ids
	}

	core := make([]bool, n)
	for i, ids := range neighbours {
		core[i] = len(ids) >= minSamples
	}

	label := 0
	var stack []int
	for i := 0; i < n; i++ {
		if labels[i] != Noise || !core[i] {
			continue
		}
		stack = append(stack[:0], i)
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if labels[p] != Noise {
				continue
			}
			labels[p] = label
			if !core[p] {
				continue
			}
			for _, q := range neighbours[p] {
				if labels[q] == Noise {
					stack = append(stack, q)
				}
			}
		}
		label++
	}
	return labels
}

// Dominant returns the non-noise label with the most members, the lowest
// label on ties, or Noise when every point is noise.
func Dominant(labels []int) int {
	counts := map[int]int{}
	for _, l := range labels {
		if l != Noise {
			counts[l]++
		}
	}
	best, bestCount := Noise, 0
	for l, c := range counts {
		if c > bestCount || (c == bestCount && l < best) {
			best, bestCount = l, c
		}
	}
	return best
}
