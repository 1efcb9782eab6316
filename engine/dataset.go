// Package engine holds the in-memory dataset layer: datasets of Arrow
// record batches with a vector column, nearest neighbour querying over an
// optional HNSW index, index sanity checking, k-means partitioning, tags,
// and Parquet snapshot persistence.
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/tensor"
	"github.com/rs/zerolog"

	"github.com/23skdu/quiver"
	"github.com/23skdu/quiver/internal/metrics"
	"github.com/23skdu/quiver/vector"
)

// MetadataMetricKey is the schema metadata key carrying a dataset's
// distance metric.
const MetadataMetricKey = "quiver.metric"

// DatasetConfig controls dataset construction. The zero value reads the
// metric from schema metadata, allocates with the Go allocator and
// disables logging.
type DatasetConfig struct {
	// Metric overrides the schema metadata metric when set. Any spelling
	// accepted by vector.ParseMetric works.
	Metric vector.Metric
	// Mem is the allocator for normalized and materialized arrays.
	Mem memory.Allocator
	// Logger receives dataset events. Nil disables logging.
	Logger *zerolog.Logger
}

// Dataset wraps record batches with a distance metric and an optional
// vector index. Batches are append-only.
type Dataset struct {
	Name    string
	Schema  *arrow.Schema
	Metric  vector.Metric
	Records []arrow.RecordBatch
	Index   NearestIndex
	Logger  zerolog.Logger

	indexColumn string
	rows        int64
	version     atomic.Int64
	dataMu      sync.RWMutex // Protects Records, Index and rows
	mem         memory.Allocator
}

// NewDataset creates an empty dataset for the given schema. The metric
// comes from cfg.Metric, then the "quiver.metric" schema metadata, then
// defaults to l2; either source goes through vector.ParseMetric, so
// "euclidean" and mixed-case spellings are accepted.
func NewDataset(name string, schema *arrow.Schema, cfg DatasetConfig) (*Dataset, error) {
	if name == "" {
		return nil, quiver.NewInvalidArgumentError("name", "dataset name must not be empty")
	}
	if schema == nil {
		return nil, quiver.NewInvalidArgumentError("schema", "dataset schema must not be nil")
	}

	raw := string(cfg.Metric)
	if raw == "" {
		raw = string(vector.MetricL2)
		if val, ok := schema.Metadata().GetValue(MetadataMetricKey); ok {
			raw = val
		}
	}
	metric, err := vector.ParseMetric(raw)
	if err != nil {
		return nil, err
	}

	mem := cfg.Mem
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Dataset{
		Name:    name,
		Schema:  schema,
		Metric:  metric,
		Records: make([]arrow.RecordBatch, 0),
		Logger:  logger,
		mem:     mem,
	}, nil
}

// AppendBatch adds a record batch to the dataset. The batch schema must
// match the dataset schema. When an index is attached, the new rows are
// normalized and inserted into it before the call returns.
func (d *Dataset) AppendBatch(rec arrow.RecordBatch) error {
	if rec == nil {
		return quiver.NewInvalidArgumentError("record", "record batch must not be nil")
	}
	if !d.Schema.Equal(rec.Schema()) {
		return quiver.NewTypeMismatchError(d.Schema.String(), rec.Schema().String())
	}

	d.dataMu.Lock()
	var vecs *array.FixedSizeList
	if d.Index != nil {
		col, err := recordColumn(rec, d.indexColumn)
		if err != nil {
			d.dataMu.Unlock()
			return err
		}
		vecs, err = d.normalize(col)
		if err != nil {
			d.dataMu.Unlock()
			return err
		}
	}
	rec.Retain()
	d.Records = append(d.Records, rec)
	base := uint64(d.rows)
	d.rows += rec.NumRows()
	rows := d.rows
	idx := d.Index
	d.dataMu.Unlock()
	d.version.Add(1)

	if vecs != nil {
		defer vecs.Release()
		for i := 0; i < vecs.Len(); i++ {
			if err := idx.Add(base+uint64(i), vector.Row(vecs, i)); err != nil {
				return err
			}
		}
		metrics.VectorIndexSize.WithLabelValues(d.Name).Set(float64(idx.Len()))
	}
	metrics.DatasetRows.WithLabelValues(d.Name).Set(float64(rows))
	d.Logger.Debug().Str("dataset", d.Name).Int64("rows", rows).Msg("appended record batch")
	return nil
}

// MaterializeColumn returns the named vector column across all batches as
// one canonical float32 FixedSizeList. Tensor-typed columns are normalized
// on the way out. The caller must Release the result.
func (d *Dataset) MaterializeColumn(ctx context.Context, column string) (*array.FixedSizeList, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	width, err := d.columnWidth(column)
	if err != nil {
		return nil, err
	}

	d.dataMu.RLock()
	defer d.dataMu.RUnlock()

	if len(d.Records) == 0 {
		bld := array.NewFixedSizeListBuilder(d.mem, int32(width), arrow.PrimitiveTypes.Float32)
		defer bld.Release()
		return bld.NewArray().(*array.FixedSizeList), nil
	}

	parts := make([]arrow.Array, 0, len(d.Records))
	defer func() {
		for _, p := range parts {
			p.Release()
		}
	}()
	for _, rec := range d.Records {
		col, err := recordColumn(rec, column)
		if err != nil {
			return nil, err
		}
		fsl, err := d.normalize(col)
		if err != nil {
			return nil, err
		}
		parts = append(parts, fsl)
	}

	if len(parts) == 1 {
		out := parts[0].(*array.FixedSizeList)
		out.Retain()
		return out, nil
	}
	joined, err := array.Concatenate(parts, d.mem)
	if err != nil {
		return nil, err
	}
	return joined.(*array.FixedSizeList), nil
}

// SampleColumn returns up to n rows of the named column chosen uniformly
// without replacement. When the dataset holds n rows or fewer, every row
// is returned in storage order. The caller must Release the result.
func (d *Dataset) SampleColumn(ctx context.Context, column string, n int) (*array.FixedSizeList, error) {
	if n <= 0 {
		return nil, quiver.NewInvalidArgumentError("n", "sample size must be positive")
	}
	all, err := d.MaterializeColumn(ctx, column)
	if err != nil {
		return nil, err
	}
	if all.Len() <= n {
		return all, nil
	}
	defer all.Release()

	width := vector.Width(all)
	bld := array.NewFixedSizeListBuilder(d.mem, int32(width), arrow.PrimitiveTypes.Float32)
	defer bld.Release()
	vb := bld.ValueBuilder().(*array.Float32Builder)
	vb.Reserve(n * width)
	for _, rowIdx := range rand.Perm(all.Len())[:n] {
		bld.Append(true)
		vb.AppendValues(vector.Row(all, rowIdx), nil)
	}
	return bld.NewArray().(*array.FixedSizeList), nil
}

// BuildIndex materializes the named column and builds an HNSW index over
// it. Row ordinals become graph keys. An existing index is replaced.
func (d *Dataset) BuildIndex(ctx context.Context, column string, cfg GraphConfig) error {
	if cfg.Metric == "" {
		cfg.Metric = d.Metric
	}
	if cfg.Metric != d.Metric {
		return quiver.NewInvalidArgumentError("metric",
			fmt.Sprintf("index metric %s does not match dataset metric %s", cfg.Metric, d.Metric))
	}

	vecs, err := d.MaterializeColumn(ctx, column)
	if err != nil {
		return err
	}
	defer vecs.Release()

	g, err := NewGraph(vector.Width(vecs), cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	ids := make([]uint64, vecs.Len())
	for i := range ids {
		ids[i] = uint64(i)
	}
	if err := g.Build(ctx, ids, vecs); err != nil {
		return err
	}
	metrics.IndexBuildLatency.Observe(time.Since(start).Seconds())

	d.dataMu.Lock()
	d.Index = g
	d.indexColumn = column
	d.dataMu.Unlock()

	metrics.VectorIndexSize.WithLabelValues(d.Name).Set(float64(g.Len()))
	d.Logger.Info().
		Str("dataset", d.Name).
		Str("column", column).
		Int("vectors", g.Len()).
		Dur("took", time.Since(start)).
		Msg("built vector index")
	return nil
}

// SetIndex attaches a prebuilt index, typically a graph restored from
// disk. The index must cover the named column's dimension and use the
// dataset metric.
func (d *Dataset) SetIndex(idx NearestIndex, column string) error {
	if idx == nil {
		return quiver.NewInvalidArgumentError("index", "index must not be nil")
	}
	width, err := d.columnWidth(column)
	if err != nil {
		return err
	}
	if idx.Dim() != width {
		return quiver.NewShapeError(column,
			fmt.Sprintf("index dimension %d does not match column width %d", idx.Dim(), width))
	}
	if idx.Metric() != d.Metric {
		return quiver.NewInvalidArgumentError("metric",
			fmt.Sprintf("index metric %s does not match dataset metric %s", idx.Metric(), d.Metric))
	}

	d.dataMu.Lock()
	d.Index = idx
	d.indexColumn = column
	d.dataMu.Unlock()
	metrics.VectorIndexSize.WithLabelValues(d.Name).Set(float64(idx.Len()))
	return nil
}

// Rows returns the number of rows across all batches.
func (d *Dataset) Rows() int64 {
	d.dataMu.RLock()
	defer d.dataMu.RUnlock()
	return d.rows
}

// Version returns the mutation counter. It increments on every append.
func (d *Dataset) Version() int64 {
	return d.version.Load()
}

// IndexLen returns the number of vectors in the index, or 0 without one.
func (d *Dataset) IndexLen() int {
	d.dataMu.RLock()
	defer d.dataMu.RUnlock()
	if d.Index != nil {
		return d.Index.Len()
	}
	return 0
}

// Release drops all record batches. The dataset must not be used after.
func (d *Dataset) Release() {
	d.dataMu.Lock()
	defer d.dataMu.Unlock()
	for _, rec := range d.Records {
		rec.Release()
	}
	d.Records = nil
	d.Index = nil
	d.rows = 0
}

// normalize runs one column through the canonical form conversion and
// records the outcome.
func (d *Dataset) normalize(col arrow.Array) (*array.FixedSizeList, error) {
	variant := normalizeVariant(col)
	out, err := vector.ToFixedSizeList(d.mem, col)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.NormalizeOperationsTotal.WithLabelValues(variant, status).Inc()
	return out, err
}

func normalizeVariant(data any) string {
	switch data.(type) {
	case *array.FixedSizeList:
		return "fixed_size_list"
	case *vector.TensorArray:
		return "tensor_array"
	case tensor.Interface:
		return "tensor"
	default:
		return "unsupported"
	}
}

func recordColumn(rec arrow.RecordBatch, name string) (arrow.Array, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, quiver.NewNotFoundError("column", name)
	}
	return rec.Column(indices[0]), nil
}

// columnWidth resolves the per-row dimension of a schema vector column.
func (d *Dataset) columnWidth(name string) (int, error) {
	indices := d.Schema.FieldIndices(name)
	if len(indices) == 0 {
		return 0, quiver.NewNotFoundError("column", name)
	}
	switch dt := d.Schema.Field(indices[0]).Type.(type) {
	case *arrow.FixedSizeListType:
		if dt.Elem().ID() != arrow.FLOAT32 {
			return 0, quiver.NewTypeMismatchError(arrow.PrimitiveTypes.Float32.String(), dt.Elem().String())
		}
		return int(dt.Len()), nil
	case *vector.TensorType:
		if dt.NumDims() != 1 {
			return 0, quiver.NewShapeError(name,
				fmt.Sprintf("each row must be rank 1, got rank %d", dt.NumDims()))
		}
		if dt.Elem().ID() != arrow.FLOAT32 {
			return 0, quiver.NewTypeMismatchError(arrow.PrimitiveTypes.Float32.String(), dt.Elem().String())
		}
		return int(dt.Shape()[0]), nil
	default:
		return 0, quiver.NewUnsupportedTypeError(dt.String())
	}
}
