// Package kmeans implements the k-means training loop behind partition
// assignment. Data is flattened row-major, one vector per row.
package kmeans

import (
	"errors"
	"math"
	"math/rand"
	"sync"
)

// Buffer pool for training to reduce allocations across repeated fits
var bufferPool = sync.Pool{
	New: func() any {
		return &buffers{}
	},
}

// buffers holds reusable scratch state for one training run
type buffers struct {
	assignments []int
	counts      []int
	sums        []float32
}

func getBuffers(n, k, dim int) *buffers {
	buf := bufferPool.Get().(*buffers)

	if cap(buf.assignments) < n {
		buf.assignments = make([]int, n)
	}
	buf.assignments = buf.assignments[:n]

	if cap(buf.counts) < k {
		buf.counts = make([]int, k)
	}
	buf.counts = buf.counts[:k]

	if cap(buf.sums) < k*dim {
		buf.sums = make([]float32, k*dim)
	}
	buf.sums = buf.sums[:k*dim]

	return buf
}

func putBuffers(buf *buffers) {
	bufferPool.Put(buf)
}

// Train runs k-means clustering on flattened data.
// rng: source of randomness for centroid seeding
// dist: distance used for assignment (lower is closer)
// data: flattened vector data (n * dim)
// n: number of vectors
// dim: dimension of each vector
// k: number of centroids
// maxIter: maximum number of iterations
//
// Returns the flattened centroids (k * dim).
func Train(rng *rand.Rand, dist func(a, b []float32) float32, data []float32, n, dim, k, maxIter int) ([]float32, error) {
	if k <= 0 {
		return nil, errors.New("k must be positive")
	}
	if n < k {
		return nil, errors.New("insufficient data for k-means: n < k")
	}
	if len(data) != n*dim {
		return nil, errors.New("data length mismatch")
	}

	centroids := make([]float32, k*dim)

	// 1. Initialization: randomly select k centroids from data
	perm := rng.Perm(n)
	for i := 0; i < k; i++ {
		idx := perm[i]
		copy(centroids[i*dim:(i+1)*dim], data[idx*dim:(idx+1)*dim])
	}

	buf := getBuffers(n, k, dim)
	defer putBuffers(buf)

	assignments := buf.assignments
	counts := buf.counts
	sums := buf.sums

	// 2. Iteration
	for iter := 0; iter < maxIter; iter++ {
		clear(sums)
		clear(counts)

		changed := 0

		// E-step: assign vectors to nearest centroid
		for i := 0; i < n; i++ {
			vec := data[i*dim : (i+1)*dim]
			bestC, _ := Nearest(dist, vec, centroids, k, dim)

			if assignments[i] != bestC {
				changed++
				assignments[i] = bestC
			}

			counts[bestC]++
			centSum := sums[bestC*dim : (bestC+1)*dim]
			for j := 0; j < dim; j++ {
				centSum[j] += vec[j]
			}
		}

		// M-step: update centroids
		for c := 0; c < k; c++ {
			count := float32(counts[c])
			if count > 0 {
				cent := centroids[c*dim : (c+1)*dim]
				sum := sums[c*dim : (c+1)*dim]
				for j := 0; j < dim; j++ {
					cent[j] = sum[j] / count
				}
			} else {
				// Re-initialize empty cluster with a random vector from data
				idx := rng.Intn(n)
				copy(centroids[c*dim:(c+1)*dim], data[idx*dim:(idx+1)*dim])
			}
		}

		// Early stop if few assignments changed (e.g. < 0.1%)
		if iter > 0 && changed < (n/1000)+1 {
			break
		}
	}

	return centroids, nil
}

// Nearest returns the index of the centroid closest to vec under dist,
// along with that distance.
func Nearest(dist func(a, b []float32) float32, vec, centroids []float32, k, dim int) (int, float32) {
	bestDist := float32(math.MaxFloat32)
	bestC := 0
	for c := 0; c < k; c++ {
		d := dist(vec, centroids[c*dim:(c+1)*dim])
		if d < bestDist {
			bestDist = d
			bestC = c
		}
	}
	return bestC, bestDist
}
