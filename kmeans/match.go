package kmeans

import (
	"gonum.org/v1/gonum/floats"
)

// MatchCentroids binds existing cluster centroids to freshly computed ones
// so that cluster identity, and with it arm identity and accumulated
// statistics, survives a re-partitioning pass.
//
// Matching is greedy in the order existing centroids are given: each one
// claims the unclaimed new centroid nearest to it. The returned binding has
// one entry per existing centroid holding the index of the new centroid it
// was bound to, or -1 when the new set was exhausted, in which case that
// cluster keeps its prior centroid. Leftover new centroid indexes are
// returned in ascending order for the caller to materialize as new
// clusters.
func MatchCentroids(existing, next [][]float64) (binding []int, unmatched []int) {
	binding = make([]int, len(existing))
	claimed := make([]bool, len(next))

	for i, cur := range existing {
		binding[i] = -1

		bestDist := 0.0
		for j, cand := range next {
			if claimed[j] {
				continue
			}
			d := floats.Distance(cur, cand, 2)
			if binding[i] == -1 || d < bestDist {
				binding[i] = j
				bestDist = d
			}
		}
		if binding[i] != -1 {
			claimed[binding[i]] = true
		}
	}

	for j := range next {
		if !claimed[j] {
			unmatched = append(unmatched, j)
		}
	}
	return binding, unmatched
}
