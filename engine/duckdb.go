package engine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	duckdb "github.com/marcboeker/go-duckdb"

	"github.com/23skdu/quiver"
	"github.com/23skdu/quiver/internal/metrics"
	"github.com/23skdu/quiver/vector"
)

// QuerySnapshot runs a SQL query against a Parquet snapshot through an
// in-memory DuckDB instance. The snapshot is exposed as the relation
// "snapshot". Results stream back over DuckDB's Arrow interface.
// The caller must call cleanup once the reader is drained.
func QuerySnapshot(ctx context.Context, path, query string) (array.RecordReader, func(), error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, nil, fmt.Errorf("opening duckdb: %w", err)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("opening duckdb connection: %w", err)
	}

	// The Arrow interface hangs off the raw driver connection, not the
	// database/sql wrapper.
	var ar *duckdb.Arrow
	err = conn.Raw(func(c any) error {
		dc, ok := c.(driver.Conn)
		if !ok {
			return fmt.Errorf("not a duckdb driver connection")
		}
		var err error
		ar, err = duckdb.NewArrowFromConn(dc)
		return err
	})
	if err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, nil, fmt.Errorf("initializing arrow interface: %w", err)
	}

	createView := fmt.Sprintf("CREATE VIEW snapshot AS SELECT * FROM read_parquet('%s')",
		strings.ReplaceAll(path, "'", "''"))
	if _, err := conn.ExecContext(ctx, createView); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, nil, fmt.Errorf("creating snapshot view for %s: %w", path, err)
	}

	rdr, err := ar.QueryContext(ctx, query)
	if err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, nil, fmt.Errorf("snapshot query failed: %w", err)
	}

	cleanup := func() {
		rdr.Release()
		_ = conn.Close()
		_ = db.Close()
	}
	return rdr, cleanup, nil
}

// OpenSnapshot reads a whole Parquet snapshot through DuckDB and returns
// its record batches. Every batch is retained; the caller must Release
// each one.
func OpenSnapshot(ctx context.Context, path string) ([]arrow.RecordBatch, error) {
	start := time.Now()
	rdr, cleanup, err := QuerySnapshot(ctx, path, "SELECT * FROM snapshot")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var batches []arrow.RecordBatch
	for rdr.Next() {
		rec := rdr.RecordBatch()
		rec.Retain()
		batches = append(batches, rec)
	}
	if err := rdr.Err(); err != nil {
		for _, rec := range batches {
			rec.Release()
		}
		return nil, fmt.Errorf("draining snapshot %s: %w", path, err)
	}
	metrics.ScanDurationSeconds.WithLabelValues("duckdb").Observe(time.Since(start).Seconds())
	return batches, nil
}

// LoadSnapshot appends the rows of a Parquet snapshot to the dataset.
// The dataset schema must be the snapshot pair: an "id" column and the
// named vector column. DuckDB hands list columns back variable-width, so
// the vector column is re-coerced to the canonical fixed width before
// appending.
func (d *Dataset) LoadSnapshot(ctx context.Context, column, path string) error {
	width, err := d.columnWidth(column)
	if err != nil {
		return err
	}

	batches, err := OpenSnapshot(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		for _, rec := range batches {
			rec.Release()
		}
	}()

	for _, rec := range batches {
		coerced, err := d.coerceSnapshotBatch(rec, column, width)
		if err != nil {
			return err
		}
		err = d.AppendBatch(coerced)
		coerced.Release()
		if err != nil {
			return err
		}
	}

	d.Logger.Info().
		Str("dataset", d.Name).
		Str("path", path).
		Int("batches", len(batches)).
		Msg("snapshot loaded")
	return nil
}

// coerceSnapshotBatch rebuilds one DuckDB result batch against the
// dataset schema. Snapshots always store the pair as "id" and "vector";
// column names the dataset field the vectors land in.
func (d *Dataset) coerceSnapshotBatch(rec arrow.RecordBatch, column string, width int) (arrow.RecordBatch, error) {
	idCol, err := recordColumn(rec, "id")
	if err != nil {
		return nil, err
	}
	vecCol, err := recordColumn(rec, "vector")
	if err != nil {
		return nil, err
	}

	ids, ok := idCol.(*array.Uint64)
	if !ok {
		return nil, quiver.NewTypeMismatchError(arrow.PrimitiveTypes.Uint64.String(), idCol.DataType().String())
	}
	vecs, err := coerceVectorList(d.mem, vecCol, width)
	if err != nil {
		return nil, err
	}
	defer vecs.Release()

	cols := make([]arrow.Array, len(d.Schema.Fields()))
	for i, field := range d.Schema.Fields() {
		switch field.Name {
		case "id":
			cols[i] = ids
		case column:
			if _, ok := field.Type.(*arrow.FixedSizeListType); !ok {
				return nil, quiver.NewTypeMismatchError("fixed size list column", field.Type.String())
			}
			cols[i] = vecs
		default:
			return nil, quiver.NewInvalidArgumentError("schema",
				fmt.Sprintf("column %q has no counterpart in the snapshot", field.Name))
		}
	}
	return array.NewRecordBatch(d.Schema, cols, int64(ids.Len())), nil
}

// coerceVectorList converts a variable-width float32 list array into the
// canonical fixed width form, checking every row against the expected
// width. FixedSizeList input goes straight through the normalizer.
func coerceVectorList(mem memory.Allocator, col arrow.Array, width int) (*array.FixedSizeList, error) {
	if fsl, ok := col.(*array.FixedSizeList); ok {
		return vector.ToFixedSizeList(mem, fsl)
	}

	lst, ok := col.(*array.List)
	if !ok {
		return nil, quiver.NewUnsupportedTypeError(fmt.Sprintf("%T", col))
	}
	values, ok := lst.ListValues().(*array.Float32)
	if !ok {
		return nil, quiver.NewTypeMismatchError(arrow.PrimitiveTypes.Float32.String(),
			lst.ListValues().DataType().String())
	}

	bld := array.NewFixedSizeListBuilder(mem, int32(width), arrow.PrimitiveTypes.Float32)
	defer bld.Release()
	vb := bld.ValueBuilder().(*array.Float32Builder)
	vb.Reserve(lst.Len() * width)

	raw := values.Float32Values()
	for i := 0; i < lst.Len(); i++ {
		beg, end := lst.ValueOffsets(i)
		if int(end-beg) != width {
			return nil, quiver.NewShapeError("vector",
				fmt.Sprintf("snapshot row %d has %d elements, expected %d", i, end-beg, width))
		}
		bld.Append(true)
		vb.AppendValues(raw[beg:end], nil)
	}
	return bld.NewArray().(*array.FixedSizeList), nil
}
