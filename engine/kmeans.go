package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/quiver"
	"github.com/23skdu/quiver/internal/kmeans"
	"github.com/23skdu/quiver/internal/metrics"
	"github.com/23skdu/quiver/internal/simd"
	"github.com/23skdu/quiver/vector"
)

// KMeansConfig holds clustering parameters.
type KMeansConfig struct {
	// MaxIterations bounds the training loop. Zero means 50.
	MaxIterations int
	// Metric selects the assignment distance. Empty means l2.
	Metric vector.Metric
	// Seed makes training deterministic when non-zero.
	Seed int64
}

// KMeans partitions vectors into k clusters. Fit must run before Predict
// or Centroids.
type KMeans struct {
	k   int
	cfg KMeansConfig

	mu        sync.RWMutex
	dim       int
	centroids []float32
}

// NewKMeans creates an untrained model with k clusters.
func NewKMeans(k int, cfg KMeansConfig) (*KMeans, error) {
	if k <= 0 {
		return nil, quiver.NewInvalidArgumentError("k", "k must be positive")
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 50
	}
	if cfg.MaxIterations < 0 {
		return nil, quiver.NewInvalidArgumentError("max_iterations", "max iterations must be positive")
	}
	if cfg.Metric == "" {
		cfg.Metric = vector.MetricL2
	}
	metric, err := vector.ParseMetric(string(cfg.Metric))
	if err != nil {
		return nil, err
	}
	cfg.Metric = metric
	return &KMeans{k: k, cfg: cfg}, nil
}

// K returns the number of clusters.
func (km *KMeans) K() int { return km.k }

// Fit trains the model on a canonical vector column.
func (km *KMeans) Fit(ctx context.Context, vecs *array.FixedSizeList) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := vecs.Len()
	if n < km.k {
		return quiver.NewInvalidArgumentError("vectors",
			fmt.Sprintf("need at least %d vectors to fit %d clusters, got %d", km.k, km.k, n))
	}

	seed := km.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	dim := vector.Width(vecs)
	start := time.Now()
	centroids, err := kmeans.Train(rng, km.assignmentDistance(), vector.Flatten(vecs), n, dim, km.k, km.cfg.MaxIterations)
	if err != nil {
		return quiver.NewInvalidArgumentError("vectors", err.Error())
	}
	metrics.KMeansTrainDurationSeconds.Observe(time.Since(start).Seconds())

	km.mu.Lock()
	km.dim = dim
	km.centroids = centroids
	km.mu.Unlock()
	return nil
}

// Predict assigns each input vector to its nearest cluster.
func (km *KMeans) Predict(vecs *array.FixedSizeList) ([]int, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	if km.centroids == nil {
		return nil, quiver.NewInvalidArgumentError("model", "predict called before fit")
	}
	if vector.Width(vecs) != km.dim {
		return nil, quiver.NewShapeError("vectors",
			fmt.Sprintf("got %d dimensions, model has %d", vector.Width(vecs), km.dim))
	}

	dist := km.assignmentDistance()
	flat := vector.Flatten(vecs)
	out := make([]int, vecs.Len())
	for i := range out {
		idx, _ := kmeans.Nearest(dist, flat[i*km.dim:(i+1)*km.dim], km.centroids, km.k, km.dim)
		out[i] = idx
	}
	return out, nil
}

// Centroids returns the learned cluster centers as a canonical column.
// The caller must Release the result.
func (km *KMeans) Centroids(mem memory.Allocator) (*array.FixedSizeList, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	if km.centroids == nil {
		return nil, quiver.NewInvalidArgumentError("model", "centroids requested before fit")
	}
	if mem == nil {
		mem = memory.NewGoAllocator()
	}

	bld := array.NewFixedSizeListBuilder(mem, int32(km.dim), arrow.PrimitiveTypes.Float32)
	defer bld.Release()
	vb := bld.ValueBuilder().(*array.Float32Builder)
	vb.Reserve(len(km.centroids))
	for c := 0; c < km.k; c++ {
		bld.Append(true)
		vb.AppendValues(km.centroids[c*km.dim:(c+1)*km.dim], nil)
	}
	return bld.NewArray().(*array.FixedSizeList), nil
}

// assignmentDistance picks the training distance. Squared L2 keeps the
// same ordering as L2 without the square root.
func (km *KMeans) assignmentDistance() func(a, b []float32) float32 {
	switch km.cfg.Metric {
	case vector.MetricCosine:
		return simd.Cosine
	case vector.MetricDot:
		return func(a, b []float32) float32 { return -simd.Dot(a, b) }
	default:
		return simd.L2Squared
	}
}
