package vector

import (
	"fmt"
	"strings"

	"github.com/23skdu/quiver"
	"github.com/23skdu/quiver/internal/simd"
)

// Metric identifies the distance metric used for vector comparison.
type Metric string

const (
	// MetricL2 is Euclidean distance (lower is closer).
	MetricL2 Metric = "l2"
	// MetricDot is inner product distance. The raw dot product is negated
	// so that lower still means closer.
	MetricDot Metric = "dot"
	// MetricCosine is cosine distance (1.0 - cosine_similarity).
	MetricCosine Metric = "cosine"
)

// DistanceFunc is the function signature for calculating distance between two vectors.
type DistanceFunc func(a, b []float32) float32

// ParseMetric normalizes a metric name into its canonical form. Matching is
// case-insensitive and "euclidean" is accepted as an alias for "l2".
func ParseMetric(name string) (Metric, error) {
	switch strings.ToLower(name) {
	case "l2", "euclidean":
		return MetricL2, nil
	case "dot":
		return MetricDot, nil
	case "cosine":
		return MetricCosine, nil
	default:
		return "", quiver.NewInvalidArgumentError("metric_type",
			fmt.Sprintf("invalid metric type: %s", name))
	}
}

func (m Metric) String() string { return string(m) }

// Distance returns the kernel for m. Every kernel treats lower as closer.
func (m Metric) Distance() DistanceFunc {
	switch m {
	case MetricCosine:
		return simd.Cosine
	case MetricDot:
		return negatedDot
	default:
		return simd.L2
	}
}

func negatedDot(a, b []float32) float32 {
	return -simd.Dot(a, b)
}
