package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/parquet-go/parquet-go"

	"github.com/23skdu/quiver"
	"github.com/23skdu/quiver/internal/metrics"
	"github.com/23skdu/quiver/vector"
)

// snapshotRow is the Parquet layout of one snapshot row: a row id and
// its vector as a LIST<FLOAT> column. Any Parquet reader, DuckDB
// included, can scan snapshot files directly.
type snapshotRow struct {
	ID     uint64    `parquet:"id"`
	Vector []float32 `parquet:"vector,list"`
}

const snapshotChunkRows = 4096

// WriteSnapshotFile writes ids and vectors to path as Zstd-compressed
// Parquet. The file is staged at path+".tmp" and renamed into place so
// readers never observe a partial snapshot.
func WriteSnapshotFile(path string, ids []uint64, vecs *array.FixedSizeList) error {
	if vecs == nil {
		return quiver.NewInvalidArgumentError("vectors", "vectors must not be nil")
	}
	if len(ids) != vecs.Len() {
		return quiver.NewInvalidArgumentError("ids", fmt.Sprintf("got %d ids for %d vectors", len(ids), vecs.Len()))
	}

	start := time.Now()
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		metrics.SnapshotTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("creating snapshot file: %w", err)
	}

	err = writeSnapshotRows(f, ids, vecs)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
		metrics.SnapshotTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("writing snapshot %s: %w", path, err)
	}

	metrics.SnapshotWriteDurationSeconds.Observe(time.Since(start).Seconds())
	if stat, err := os.Stat(path); err == nil {
		metrics.SnapshotSizeBytes.Observe(float64(stat.Size()))
	}
	metrics.SnapshotTotal.WithLabelValues("ok").Inc()
	return nil
}

func writeSnapshotRows(w io.Writer, ids []uint64, vecs *array.FixedSizeList) error {
	pw := parquet.NewGenericWriter[snapshotRow](w, parquet.Compression(&parquet.Zstd))

	chunk := make([]snapshotRow, 0, snapshotChunkRows)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		_, err := pw.Write(chunk)
		chunk = chunk[:0]
		return err
	}

	for i := range ids {
		chunk = append(chunk, snapshotRow{ID: ids[i], Vector: vector.Row(vecs, i)})
		if len(chunk) == snapshotChunkRows {
			if err := flush(); err != nil {
				_ = pw.Close()
				return err
			}
		}
	}
	if err := flush(); err != nil {
		_ = pw.Close()
		return err
	}
	return pw.Close()
}

// ReadSnapshotFile loads a snapshot written by WriteSnapshotFile back
// into memory without going through SQL. An empty file yields nil ids
// and a nil array.
func ReadSnapshotFile(path string, mem memory.Allocator) ([]uint64, *array.FixedSizeList, error) {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}

	start := time.Now()
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening snapshot %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("stat snapshot %s: %w", path, err)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing snapshot %s: %w", path, err)
	}

	pr := parquet.NewGenericReader[snapshotRow](pf)
	rows := make([]snapshotRow, pr.NumRows())
	if _, err := pr.Read(rows); err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("reading snapshot rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}

	width := len(rows[0].Vector)
	ids := make([]uint64, len(rows))
	bld := array.NewFixedSizeListBuilder(mem, int32(width), arrow.PrimitiveTypes.Float32)
	defer bld.Release()
	vb := bld.ValueBuilder().(*array.Float32Builder)
	bld.Reserve(len(rows))
	vb.Reserve(len(rows) * width)

	for i, row := range rows {
		if len(row.Vector) != width {
			return nil, nil, quiver.NewShapeError("vector", fmt.Sprintf("snapshot row %d has %d elements, expected %d", i, len(row.Vector), width))
		}
		ids[i] = row.ID
		bld.Append(true)
		vb.AppendValues(row.Vector, nil)
	}

	metrics.ScanDurationSeconds.WithLabelValues("parquet").Observe(time.Since(start).Seconds())
	return ids, bld.NewArray().(*array.FixedSizeList), nil
}

// WriteSnapshot materializes column and writes it to path. Row ids are
// the dataset row ordinals, so a snapshot loaded back preserves the
// correspondence between index keys and rows.
func (d *Dataset) WriteSnapshot(ctx context.Context, column, path string) error {
	vecs, err := d.MaterializeColumn(ctx, column)
	if err != nil {
		return err
	}
	defer vecs.Release()

	ids := make([]uint64, vecs.Len())
	for i := range ids {
		ids[i] = uint64(i)
	}
	if err := WriteSnapshotFile(path, ids, vecs); err != nil {
		return err
	}

	d.Logger.Info().
		Str("dataset", d.Name).
		Str("column", column).
		Str("path", path).
		Int("rows", vecs.Len()).
		Msg("snapshot written")
	return nil
}
