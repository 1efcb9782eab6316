// Command quiver builds, validates, tags and benchmarks vector index
// snapshots produced by the quiver engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/23skdu/quiver/engine"
	"github.com/23skdu/quiver/vector"
)

const usage = `usage: quiver <command> [flags]

commands:
  build      build an HNSW index from a Parquet snapshot
  validate   sanity check an index against its snapshot
  tag        list, create or delete dataset version tags
  bench      measure query throughput against an index
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// Start Metrics Server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server failed", "error", err, "address", cfg.MetricsAddr)
		}
	}()

	ctx := context.Background()
	switch os.Args[1] {
	case "build":
		err = runBuild(ctx, cfg, os.Args[2:])
	case "validate":
		err = runValidate(ctx, cfg, os.Args[2:])
	case "tag":
		err = runTag(cfg, os.Args[2:])
	case "bench":
		err = runBench(ctx, cfg, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// snapshotDataset loads a Parquet snapshot into an in-memory dataset with
// an id column and one vector column.
func snapshotDataset(cfg Config, column, path string) (*engine.Dataset, error) {
	mem := memory.NewGoAllocator()
	ids, vecs, err := engine.ReadSnapshotFile(path, mem)
	if err != nil {
		return nil, err
	}
	if vecs == nil {
		return nil, fmt.Errorf("snapshot %s is empty", path)
	}
	defer vecs.Release()

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Uint64},
		{Name: column, Type: arrow.FixedSizeListOf(int32(vector.Width(vecs)), arrow.PrimitiveTypes.Float32)},
	}, nil)

	ds, err := engine.NewDataset("snapshot", schema, engine.DatasetConfig{
		Metric: vector.Metric(cfg.Metric),
		Mem:    mem,
	})
	if err != nil {
		return nil, err
	}

	idBld := array.NewUint64Builder(mem)
	defer idBld.Release()
	idBld.AppendValues(ids, nil)
	idArr := idBld.NewUint64Array()
	defer idArr.Release()

	rec := array.NewRecordBatch(schema, []arrow.Array{idArr, vecs}, int64(vecs.Len()))
	defer rec.Release()
	if err := ds.AppendBatch(rec); err != nil {
		ds.Release()
		return nil, err
	}
	return ds, nil
}

func runBuild(ctx context.Context, cfg Config, args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	snapshot := fs.String("snapshot", "", "Parquet snapshot to index")
	column := fs.String("column", "vector", "Vector column name")
	out := fs.String("out", "index.hnsw", "Output index file")
	m := fs.Int("m", cfg.HNSWM, "Maximum neighbours per node")
	ef := fs.Int("ef", cfg.HNSWEf, "Search beam width")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *snapshot == "" {
		return fmt.Errorf("build: -snapshot is required")
	}

	ds, err := snapshotDataset(cfg, *column, *snapshot)
	if err != nil {
		return err
	}
	defer ds.Release()

	start := time.Now()
	err = ds.BuildIndex(ctx, *column, engine.GraphConfig{
		M:        *m,
		EfSearch: *ef,
		Metric:   ds.Metric,
	})
	if err != nil {
		return err
	}

	g, ok := ds.Index.(*engine.Graph)
	if !ok {
		return fmt.Errorf("build: unexpected index type %T", ds.Index)
	}
	if err := g.WriteFile(*out); err != nil {
		return err
	}

	slog.Info("index built",
		"snapshot", *snapshot,
		"vectors", g.Len(),
		"out", *out,
		"took", time.Since(start).String())
	return nil
}

func runValidate(ctx context.Context, cfg Config, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	snapshot := fs.String("snapshot", "", "Parquet snapshot the index was built from")
	index := fs.String("index", "", "Index file to check")
	column := fs.String("column", "vector", "Vector column name")
	sample := fs.Int("sample", 0, "Rows to sample, 0 checks every row")
	threshold := fs.Float64("threshold", 1.0, "Minimum pass rate in [0,1]")
	refine := fs.Int("refine", 5, "Refine factor for self queries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *snapshot == "" || *index == "" {
		return fmt.Errorf("validate: -snapshot and -index are required")
	}

	ds, err := snapshotDataset(cfg, *column, *snapshot)
	if err != nil {
		return err
	}
	defer ds.Release()

	g, err := engine.OpenGraphFile(*index)
	if err != nil {
		return err
	}
	if err := ds.SetIndex(g, *column); err != nil {
		return err
	}

	err = ds.ValidateIndex(ctx, *column, engine.ValidateOptions{
		SampleSize:    *sample,
		PassThreshold: *threshold,
		RefineFactor:  *refine,
	})
	if err != nil {
		return err
	}
	slog.Info("index passed sanity check", "index", *index, "snapshot", *snapshot)
	return nil
}

func runTag(cfg Config, args []string) error {
	fs := flag.NewFlagSet("tag", flag.ExitOnError)
	root := fs.String("root", cfg.DataPath, "Dataset root directory")
	version := fs.Uint64("version", 1, "Dataset version to tag (create)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("tag: expected list, create or delete")
	}

	tags := engine.NewTags(*root, nil)
	switch rest[0] {
	case "list":
		all, err := tags.List()
		if err != nil {
			return err
		}
		for name, contents := range all {
			fmt.Printf("%s\t%d\n", name, contents.Version)
		}
		return nil
	case "create":
		if len(rest) != 2 {
			return fmt.Errorf("tag create: expected a tag name")
		}
		return tags.Create(rest[1], engine.TagContents{Version: *version})
	case "delete":
		if len(rest) != 2 {
			return fmt.Errorf("tag delete: expected a tag name")
		}
		return tags.Delete(rest[1])
	default:
		return fmt.Errorf("tag: unknown action %q", rest[0])
	}
}

func runBench(ctx context.Context, cfg Config, args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	index := fs.String("index", "", "Index file to query")
	duration := fs.Duration("duration", cfg.BenchTime, "Benchmark duration")
	concurrency := fs.Int("concurrency", 4, "Concurrent workers")
	k := fs.Int("k", 10, "Neighbours per query")
	qps := fs.Int("qps", cfg.BenchQPS, "Total QPS cap, 0 means unlimited")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *index == "" {
		return fmt.Errorf("bench: -index is required")
	}

	g, err := engine.OpenGraphFile(*index)
	if err != nil {
		return err
	}
	if g.Len() == 0 {
		return fmt.Errorf("bench: index %s is empty", *index)
	}
	_, vecs, err := g.Vectors(memory.DefaultAllocator)
	if err != nil {
		return err
	}
	defer vecs.Release()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if *qps > 0 {
		limiter = rate.NewLimiter(rate.Limit(*qps), *qps)
	}

	var ops, failures atomic.Int64
	var totalNanos atomic.Int64
	benchCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	start := time.Now()
	group, groupCtx := errgroup.WithContext(benchCtx)
	for w := 0; w < *concurrency; w++ {
		seed := int64(w + 1)
		group.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			for {
				if err := limiter.Wait(groupCtx); err != nil {
					return nil // deadline reached
				}
				query := vector.Row(vecs, rng.Intn(vecs.Len()))
				t0 := time.Now()
				if _, err := g.Search(query, *k); err != nil {
					failures.Add(1)
				} else {
					ops.Add(1)
				}
				totalNanos.Add(int64(time.Since(t0)))
			}
		})
	}
	_ = group.Wait()

	elapsed := time.Since(start)
	total := ops.Load()
	var avg time.Duration
	if total > 0 {
		avg = time.Duration(totalNanos.Load() / total)
	}
	fmt.Printf("queries:     %d\n", total)
	fmt.Printf("failures:    %d\n", failures.Load())
	fmt.Printf("elapsed:     %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("throughput:  %.1f qps\n", float64(total)/elapsed.Seconds())
	fmt.Printf("avg latency: %s\n", avg)
	return nil
}
