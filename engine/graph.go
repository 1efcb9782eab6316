package engine

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/coder/hnsw"

	"github.com/23skdu/quiver"
	"github.com/23skdu/quiver/vector"
)

func init() {
	// Register distance functions for graph serialization
	for _, m := range []vector.Metric{vector.MetricL2, vector.MetricDot, vector.MetricCosine} {
		hnsw.RegisterDistanceFunc("quiver_"+string(m), hnsw.DistanceFunc(m.Distance()))
	}
}

var _ NearestIndex = (*Graph)(nil)

// GraphConfig holds HNSW construction parameters.
type GraphConfig struct {
	// M is the maximum number of neighbours per node.
	M int
	// Ml is the level generation factor.
	Ml float64
	// EfSearch is the size of the candidate beam during search and insert.
	EfSearch int
	// Metric selects the distance function. Empty means l2.
	Metric vector.Metric
	// Seed fixes the level-generation RNG. Zero leaves the underlying
	// graph's time-based seeding in place, so two builds over the same
	// rows may wire different layers.
	Seed int64
}

// DefaultGraphConfig returns sensible defaults.
func DefaultGraphConfig() GraphConfig {
	return GraphConfig{
		M:        20,
		Ml:       0.25,
		EfSearch: 100,
		Metric:   vector.MetricL2,
	}
}

// Validate checks config invariants.
func (c GraphConfig) Validate() error {
	if c.M <= 0 {
		return quiver.NewInvalidArgumentError("m", "M must be > 0")
	}
	if c.Ml <= 0 || c.Ml > 1 {
		return quiver.NewInvalidArgumentError("ml", "Ml must be in (0, 1]")
	}
	if c.EfSearch <= 0 {
		return quiver.NewInvalidArgumentError("ef_search", "EfSearch must be > 0")
	}
	return nil
}

// Graph is an HNSW index over fixed-dimension float32 vectors keyed by row
// ordinal. It keeps its own copy of every inserted vector, so search
// results can be re-ranked and the index serialized without touching the
// source dataset.
type Graph struct {
	mu     sync.RWMutex
	inner  *hnsw.Graph[uint64]
	ids    []uint64
	vecs   map[uint64][]float32
	dim    int
	metric vector.Metric
	dist   vector.DistanceFunc
}

// NewGraph creates an empty graph for vectors of the given dimension.
// Zero-valued config fields fall back to DefaultGraphConfig.
func NewGraph(dim int, cfg GraphConfig) (*Graph, error) {
	if dim <= 0 {
		return nil, quiver.NewShapeError("dim", "dimension must be positive")
	}
	def := DefaultGraphConfig()
	if cfg.M == 0 {
		cfg.M = def.M
	}
	if cfg.Ml == 0 {
		cfg.Ml = def.Ml
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = def.EfSearch
	}
	if cfg.Metric == "" {
		cfg.Metric = def.Metric
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	metric, err := vector.ParseMetric(string(cfg.Metric))
	if err != nil {
		return nil, err
	}

	inner := hnsw.NewGraph[uint64]()
	inner.M = cfg.M
	inner.Ml = cfg.Ml
	inner.EfSearch = cfg.EfSearch
	inner.Distance = hnsw.DistanceFunc(metric.Distance())
	if cfg.Seed != 0 {
		inner.Rng = rand.New(rand.NewSource(cfg.Seed))
	}

	return &Graph{
		inner:  inner,
		vecs:   make(map[uint64][]float32),
		dim:    dim,
		metric: metric,
		dist:   metric.Distance(),
	}, nil
}

// Dim returns the vector dimension.
func (g *Graph) Dim() int { return g.dim }

// Metric returns the metric the graph was built with.
func (g *Graph) Metric() vector.Metric { return g.metric }

// Len returns the number of vectors in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.ids)
}

// Add inserts or replaces one vector. The vector is copied.
func (g *Graph) Add(id uint64, vec []float32) error {
	if len(vec) != g.dim {
		return quiver.NewShapeError("vector",
			fmt.Sprintf("got %d dimensions, graph has %d", len(vec), g.dim))
	}

	// Copy for stability: callers often hand out slices into Arrow buffers.
	vecCopy := make([]float32, len(vec))
	copy(vecCopy, vec)

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.vecs[id]; !ok {
		g.ids = append(g.ids, id)
	}
	g.vecs[id] = vecCopy
	g.inner.Add(hnsw.MakeNode(id, vecCopy))
	return nil
}

// Build bulk-inserts a canonical vector column. ids[i] keys row i.
func (g *Graph) Build(ctx context.Context, ids []uint64, vecs *array.FixedSizeList) error {
	if vector.Width(vecs) != g.dim {
		return quiver.NewShapeError("vectors",
			fmt.Sprintf("column width %d does not match graph dimension %d", vector.Width(vecs), g.dim))
	}
	if len(ids) != vecs.Len() {
		return quiver.NewInvalidArgumentError("ids",
			fmt.Sprintf("got %d ids for %d vectors", len(ids), vecs.Len()))
	}

	for i := 0; i < vecs.Len(); i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := g.Add(ids[i], vector.Row(vecs, i)); err != nil {
			return err
		}
	}
	return nil
}

// Search returns up to k neighbours of query sorted by ascending distance.
// Distances are recomputed against the stored vectors.
func (g *Graph) Search(query []float32, k int) ([]Neighbor, error) {
	if len(query) != g.dim {
		return nil, quiver.NewShapeError("query",
			fmt.Sprintf("got %d dimensions, graph has %d", len(query), g.dim))
	}
	if k <= 0 {
		return nil, quiver.NewInvalidArgumentError("k", "k must be positive")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.ids) == 0 {
		return []Neighbor{}, nil
	}

	nodes := g.inner.Search(query, k)
	out := make([]Neighbor, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, Neighbor{ID: node.Key, Distance: g.dist(query, node.Value)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

// Vector returns the stored vector for id. Callers must not modify it.
func (g *Graph) Vector(id uint64) ([]float32, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	vec, ok := g.vecs[id]
	return vec, ok
}

// Vectors returns all keys in insertion order together with the stored
// vectors as one canonical float32 column. The caller releases the column.
func (g *Graph) Vectors(mem memory.Allocator) ([]uint64, *array.FixedSizeList, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	bld := array.NewFixedSizeListBuilder(mem, int32(g.dim), arrow.PrimitiveTypes.Float32)
	defer bld.Release()
	vb := bld.ValueBuilder().(*array.Float32Builder)

	ids := make([]uint64, len(g.ids))
	copy(ids, g.ids)
	for _, id := range ids {
		bld.Append(true)
		vb.AppendValues(g.vecs[id], nil)
	}
	return ids, bld.NewListArray(), nil
}

// graphState is the serializable form of a Graph.
type graphState struct {
	Metric    string
	Dim       int
	IDs       []uint64
	Vectors   [][]float32
	GraphData []byte
}

// WriteTo serializes the graph.
func (g *Graph) WriteTo(w io.Writer) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var graphBuf bytes.Buffer
	if err := g.inner.Export(&graphBuf); err != nil {
		return fmt.Errorf("exporting graph: %w", err)
	}

	vecs := make([][]float32, len(g.ids))
	for i, id := range g.ids {
		vecs[i] = g.vecs[id]
	}
	state := graphState{
		Metric:    string(g.metric),
		Dim:       g.dim,
		IDs:       append([]uint64(nil), g.ids...),
		Vectors:   vecs,
		GraphData: graphBuf.Bytes(),
	}
	return gob.NewEncoder(w).Encode(state)
}

// WriteFile atomically writes the graph to path.
func (g *Graph) WriteFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := g.WriteTo(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// ReadGraph deserializes a graph written by WriteTo.
func ReadGraph(r io.Reader) (*Graph, error) {
	var state graphState
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return nil, fmt.Errorf("decoding graph state: %w", err)
	}

	cfg := DefaultGraphConfig()
	cfg.Metric = vector.Metric(state.Metric)
	g, err := NewGraph(state.Dim, cfg)
	if err != nil {
		return nil, err
	}
	if len(state.GraphData) > 0 {
		if err := g.inner.Import(bytes.NewReader(state.GraphData)); err != nil {
			return nil, fmt.Errorf("importing graph: %w", err)
		}
	}
	if len(state.IDs) != len(state.Vectors) {
		return nil, quiver.NewInvalidArgumentError("graph",
			"corrupt graph state: id and vector counts differ")
	}
	g.ids = state.IDs
	for i, id := range state.IDs {
		g.vecs[id] = state.Vectors[i]
	}
	return g, nil
}

// OpenGraphFile reads a graph file written by WriteFile.
func OpenGraphFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadGraph(f)
}
