package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/23skdu/quiver"
	"github.com/23skdu/quiver/internal/metrics"
	"github.com/23skdu/quiver/vector"
)

// Query describes one nearest neighbour lookup against a vector column.
type Query struct {
	// Column names the vector column to search.
	Column string
	// Vector is the query point. Its length must match the column width.
	Vector []float32
	// K is the number of neighbours to return.
	K int
	// NProbes bounds partition probing for partitioned indexes. Graph
	// indexes and brute force scans accept and ignore it.
	NProbes int
	// RefineFactor over-fetches K*RefineFactor candidates from the index
	// and re-ranks them by exact distance before truncating to K. Values
	// below 1 disable refinement.
	RefineFactor int
}

// Neighbor is one query result. Distance follows the dataset metric,
// lower is closer.
type Neighbor struct {
	ID       uint64
	Distance float32
}

// NearestIndex is the attachment point for approximate nearest neighbour
// indexes. Search may return candidates in any order; the dataset
// re-ranks them by distance before truncating to K.
type NearestIndex interface {
	Search(query []float32, k int) ([]Neighbor, error)
	Add(id uint64, vec []float32) error
	Len() int
	Dim() int
	Metric() vector.Metric
}

// Nearest returns the K rows closest to q.Vector. The attached index
// serves queries against its column; anything else falls back to an exact
// scan of the materialized column.
func (d *Dataset) Nearest(ctx context.Context, q Query) ([]Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.K <= 0 {
		return nil, quiver.NewInvalidArgumentError("k", "k must be positive")
	}
	if q.NProbes < 0 {
		return nil, quiver.NewInvalidArgumentError("nprobes", "nprobes must not be negative")
	}
	if q.RefineFactor < 0 {
		return nil, quiver.NewInvalidArgumentError("refine_factor", "refine factor must not be negative")
	}
	width, err := d.columnWidth(q.Column)
	if err != nil {
		return nil, err
	}
	if len(q.Vector) != width {
		return nil, quiver.NewShapeError(q.Column,
			fmt.Sprintf("query vector has %d dimensions, column has %d", len(q.Vector), width))
	}

	start := time.Now()
	defer func() {
		metrics.IndexSearchDurationSeconds.WithLabelValues(d.Name).Observe(time.Since(start).Seconds())
	}()

	d.dataMu.RLock()
	idx := d.Index
	indexColumn := d.indexColumn
	d.dataMu.RUnlock()

	if idx != nil && indexColumn == q.Column {
		factor := q.RefineFactor
		if factor < 1 {
			factor = 1
		}
		found, err := idx.Search(q.Vector, q.K*factor)
		if err != nil {
			return nil, err
		}
		sort.Slice(found, func(i, j int) bool { return found[i].Distance < found[j].Distance })
		if len(found) > q.K {
			found = found[:q.K]
		}
		return found, nil
	}

	vecs, err := d.MaterializeColumn(ctx, q.Column)
	if err != nil {
		return nil, err
	}
	defer vecs.Release()
	return nearestBrute(d.Metric.Distance(), vecs, q.Vector, q.K), nil
}

// nearestBrute scans every row and keeps the k closest.
func nearestBrute(dist vector.DistanceFunc, vecs *array.FixedSizeList, query []float32, k int) []Neighbor {
	n := vecs.Len()
	if n == 0 {
		return []Neighbor{}
	}
	width := vector.Width(vecs)
	flat := vector.Flatten(vecs)

	out := make([]Neighbor, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Neighbor{
			ID:       uint64(i),
			Distance: dist(query, flat[i*width:(i+1)*width]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > k {
		out = out[:k]
	}
	return out
}
