// Package kmeans implements Lloyd's algorithm with k-means++ seeding for
// partitioning request embeddings, plus the greedy centroid matching that
// preserves cluster identity across re-partitioning passes. All routines are
// deterministic for a fixed random source, which the round-trip guarantees
// of the partitioner depend on.
package kmeans

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// DefaultMaxIterations bounds the Lloyd refinement loop.
	DefaultMaxIterations = 50

	// DefaultTolerance is the total centroid movement below which the
	// refinement loop is considered converged.
	DefaultTolerance = 1e-4
)

// Config parameterizes one clustering run.
type Config struct {
	// K is the number of centroids to produce.
	K int

	// MaxIterations bounds the refinement loop. Zero means
	// DefaultMaxIterations.
	MaxIterations int

	// Tolerance is the convergence threshold on total centroid movement
	// per iteration. Zero means DefaultTolerance.
	Tolerance float64

	// Src drives the k-means++ seeding. A nil source gets a randomly
	// seeded one.
	Src rand.Source
}

// Result is the outcome of one clustering run.
type Result struct {
	// Centroids holds K centroids in seeding order.
	Centroids [][]float64

	// Assignments maps each input point to its centroid index.
	Assignments []int

	// Iterations is the number of refinement iterations performed.
	Iterations int

	// Converged is true when the loop exited on the movement tolerance
	// rather than the iteration cap.
	Converged bool
}

// Run clusters the given points into cfg.K groups. It returns an error when
// the inputs cannot produce K centroids: fewer points than K, an invalid K,
// or inconsistent point dimensions.
func Run(points [][]float64, cfg Config) (*Result, error) {
	if cfg.K < 1 {
		return nil, fmt.Errorf("k must be at least 1, got %d", cfg.K)
	}
	if len(points) < cfg.K {
		return nil, fmt.Errorf("need at least %d points for %d clusters, got %d",
			cfg.K, cfg.K, len(points))
	}

	dim := len(points[0])
	if dim == 0 {
		return nil, fmt.Errorf("points must have at least one dimension")
	}
	for i, p := range points {
		if len(p) != dim {
			return nil, fmt.Errorf("point %d has dimension %d, want %d", i, len(p), dim)
		}
	}

	maxIter := cfg.MaxIterations
	if maxIter == 0 {
		maxIter = DefaultMaxIterations
	}
	tolerance := cfg.Tolerance
	if tolerance == 0 {
		tolerance = DefaultTolerance
	}
	src := cfg.Src
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}

	centroids := seedPlusPlus(points, cfg.K, src)
	assignments := make([]int, len(points))

	result := &Result{Centroids: centroids, Assignments: assignments}
	for result.Iterations < maxIter {
		result.Iterations++

		assign(points, centroids, assignments)
		next := recompute(points, assignments, centroids)

		var movement float64
		for i := range centroids {
			movement += floats.Distance(centroids[i], next[i], 2)
		}
		result.Centroids = next
		centroids = next

		if movement < tolerance {
			result.Converged = true
			break
		}
	}

	// Final assignment against the centroids actually returned.
	assign(points, centroids, assignments)
	return result, nil
}

// seedPlusPlus picks K initial centroids: the first uniformly, the rest
// weighted by squared distance to the nearest already-chosen centroid.
func seedPlusPlus(points [][]float64, k int, src rand.Source) [][]float64 {
	rng := rand.New(src)

	centroids := make([][]float64, 0, k)
	centroids = append(centroids, clonePoint(points[rng.IntN(len(points))]))

	weights := make([]float64, len(points))
	for len(centroids) < k {
		var total float64
		for i, p := range points {
			d := nearestDistance(p, centroids)
			weights[i] = d * d
			total += weights[i]
		}

		var idx int
		if total == 0 {
			// Every remaining point coincides with a centroid; fall back
			// to a uniform draw.
			idx = rng.IntN(len(points))
		} else {
			idx = int(distuv.NewCategorical(weights, src).Rand())
		}
		centroids = append(centroids, clonePoint(points[idx]))
	}
	return centroids
}

// assign writes the nearest-centroid index for every point. Distance ties
// keep the lowest centroid index so assignment is deterministic.
func assign(points, centroids [][]float64, assignments []int) {
	for i, p := range points {
		best := 0
		bestDist := floats.Distance(p, centroids[0], 2)
		for c := 1; c < len(centroids); c++ {
			if d := floats.Distance(p, centroids[c], 2); d < bestDist {
				best = c
				bestDist = d
			}
		}
		assignments[i] = best
	}
}

// recompute returns the mean of each centroid's assigned points. A centroid
// left without members is reseeded to the point currently farthest from its
// assigned centroid, which keeps K stable across iterations.
func recompute(points [][]float64, assignments []int, centroids [][]float64) [][]float64 {
	dim := len(points[0])
	next := make([][]float64, len(centroids))
	counts := make([]int, len(centroids))
	for i := range next {
		next[i] = make([]float64, dim)
	}

	for i, p := range points {
		c := assignments[i]
		floats.Add(next[c], p)
		counts[c]++
	}

	for c := range next {
		if counts[c] == 0 {
			next[c] = clonePoint(farthestPoint(points, assignments, centroids))
			continue
		}
		floats.Scale(1/float64(counts[c]), next[c])
	}
	return next
}

// farthestPoint returns the point with the maximum distance to its assigned
// centroid, used to reseed emptied centroids.
func farthestPoint(points [][]float64, assignments []int, centroids [][]float64) []float64 {
	best := points[0]
	bestDist := math.Inf(-1)
	for i, p := range points {
		if d := floats.Distance(p, centroids[assignments[i]], 2); d > bestDist {
			best = p
			bestDist = d
		}
	}
	return best
}

// nearestDistance returns the distance from p to the closest centroid.
func nearestDistance(p []float64, centroids [][]float64) float64 {
	best := math.Inf(1)
	for _, c := range centroids {
		if d := floats.Distance(p, c, 2); d < best {
			best = d
		}
	}
	return best
}

func clonePoint(p []float64) []float64 {
	cp := make([]float64, len(p))
	copy(cp, p)
	return cp
}
