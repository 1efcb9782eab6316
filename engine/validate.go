package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/chewxy/math32"
	"github.com/rs/zerolog"

	"github.com/23skdu/quiver"
	"github.com/23skdu/quiver/internal/metrics"
	"github.com/23skdu/quiver/internal/simd"
	"github.com/23skdu/quiver/vector"
)

// selfDistanceEpsilon bounds how far a row may be from itself before its
// self-query counts as a miss.
const selfDistanceEpsilon = 1e-6

// VectorSource is the slice of a dataset the index sanity check needs.
type VectorSource interface {
	// MaterializeColumn returns the whole column in canonical form.
	MaterializeColumn(ctx context.Context, column string) (*array.FixedSizeList, error)
	// SampleColumn returns up to n rows of the column in canonical form.
	SampleColumn(ctx context.Context, column string, n int) (*array.FixedSizeList, error)
	// Nearest answers a nearest neighbour query.
	Nearest(ctx context.Context, q Query) ([]Neighbor, error)
}

var _ VectorSource = (*Dataset)(nil)

// ValidateOptions controls an index sanity check. The zero value checks
// every row and requires all of them to pass.
type ValidateOptions struct {
	// SampleSize caps how many rows are checked. Zero checks every row.
	SampleSize int
	// PassThreshold is the minimum fraction of checked rows that must
	// find themselves. Zero means 1.0; the comparison is inclusive.
	// A literal threshold of 0 is therefore not expressible. An empty
	// sample fails regardless of threshold, so the lowest meaningful
	// setting is a small positive fraction.
	PassThreshold float64
	// RefineFactor is passed through to each self-query. Zero means 5.
	RefineFactor int
	// Name labels log lines and metrics.
	Name string
	// Logger receives the summary. Nil disables logging.
	Logger *zerolog.Logger
}

// ValidateIndex checks that an index still reflects its data: every
// sampled row, queried for its own vector with k=1, must come back at
// distance ~zero. Rows containing NaN cannot match themselves and are
// excluded from both sides of the pass ratio. An empty sample fails,
// since it proves nothing about the index.
//
// The returned error is nil when enough rows pass, a quiver.ErrAccuracy
// when too few do, and the underlying error when sampling or querying
// itself breaks.
func ValidateIndex(ctx context.Context, src VectorSource, column string, opts ValidateOptions) error {
	if opts.SampleSize < 0 {
		return quiver.NewInvalidArgumentError("sample_size", "sample size must not be negative")
	}
	if opts.PassThreshold < 0 || opts.PassThreshold > 1 {
		return quiver.NewInvalidArgumentError("pass_threshold", "pass threshold must be in [0, 1]")
	}
	if opts.RefineFactor < 0 {
		return quiver.NewInvalidArgumentError("refine_factor", "refine factor must not be negative")
	}
	threshold := opts.PassThreshold
	if threshold == 0 {
		threshold = 1.0
	}
	refine := opts.RefineFactor
	if refine == 0 {
		refine = 5
	}
	name := opts.Name
	if name == "" {
		name = "unnamed"
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	start := time.Now()
	defer func() {
		metrics.SanityCheckDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	var (
		sample *array.FixedSizeList
		err    error
	)
	if opts.SampleSize > 0 {
		sample, err = src.SampleColumn(ctx, column, opts.SampleSize)
	} else {
		sample, err = src.MaterializeColumn(ctx, column)
	}
	if err != nil {
		return fmt.Errorf("sampling column %q: %w", column, err)
	}
	defer sample.Release()

	total := sample.Len()
	checked := total
	passes := 0
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		vec := vector.Row(sample, i)
		if simd.HasNaN(vec) {
			// A NaN row can never sit at distance zero from anything,
			// itself included.
			checked--
			metrics.SanityCheckSkippedRowsTotal.Inc()
			continue
		}

		found, err := src.Nearest(ctx, Query{
			Column:       column,
			Vector:       vec,
			K:            1,
			NProbes:      1,
			RefineFactor: refine,
		})
		if err != nil {
			metrics.SanityChecksTotal.WithLabelValues(name, "error").Inc()
			return fmt.Errorf("self query for row %d: %w", i, err)
		}
		metrics.SanityCheckQueriesTotal.Inc()

		if len(found) > 0 && math32.Abs(found[0].Distance) < selfDistanceEpsilon {
			passes++
		}
	}

	log := logger.With().
		Str("dataset", name).
		Str("column", column).
		Int("passes", passes).
		Int("checked", checked).
		Int("skipped", total-checked).
		Float64("threshold", threshold).
		Dur("took", time.Since(start)).
		Logger()

	if checked == 0 || float64(passes)/float64(checked) < threshold {
		metrics.SanityChecksTotal.WithLabelValues(name, "fail").Inc()
		log.Warn().Msg("vector index failed sanity check")
		return quiver.NewAccuracyError(passes, checked, threshold)
	}

	metrics.SanityChecksTotal.WithLabelValues(name, "pass").Inc()
	log.Info().Msg("vector index passed sanity check")
	return nil
}

// ValidateIndex runs the sanity check against this dataset, labelling
// logs and metrics with the dataset name.
func (d *Dataset) ValidateIndex(ctx context.Context, column string, opts ValidateOptions) error {
	if opts.Name == "" {
		opts.Name = d.Name
	}
	if opts.Logger == nil {
		opts.Logger = &d.Logger
	}
	return ValidateIndex(ctx, d, column, opts)
}
