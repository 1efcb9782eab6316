package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/quiver/vector"
)

func TestSnapshotFileRoundTrip(t *testing.T) {
	mem := memory.NewGoAllocator()
	rows := [][]float32{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	vecs := buildVectors(t, mem, rows)
	defer vecs.Release()
	ids := []uint64{100, 200, 300}

	path := filepath.Join(t.TempDir(), "snap.parquet")
	require.NoError(t, WriteSnapshotFile(path, ids, vecs))

	gotIDs, gotVecs, err := ReadSnapshotFile(path, mem)
	require.NoError(t, err)
	defer gotVecs.Release()

	assert.Equal(t, ids, gotIDs)
	assert.Equal(t, vector.Flatten(vecs), vector.Flatten(gotVecs))
}

func TestWriteSnapshotFileChecksIDs(t *testing.T) {
	mem := memory.NewGoAllocator()
	vecs := buildVectors(t, mem, [][]float32{{1, 2}})
	defer vecs.Release()

	path := filepath.Join(t.TempDir(), "snap.parquet")
	assert.Error(t, WriteSnapshotFile(path, []uint64{1, 2}, vecs))
	assert.Error(t, WriteSnapshotFile(path, nil, nil))
}

func TestWriteSnapshotFileLeavesNoPartialFile(t *testing.T) {
	mem := memory.NewGoAllocator()
	vecs := buildVectors(t, mem, [][]float32{{1, 2}})
	defer vecs.Release()

	dir := t.TempDir()
	path := filepath.Join(dir, "snap.parquet")
	require.NoError(t, WriteSnapshotFile(path, []uint64{1}, vecs))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "snap.parquet", entries[0].Name())
}

func TestReadSnapshotFileMissing(t *testing.T) {
	_, _, err := ReadSnapshotFile(filepath.Join(t.TempDir(), "absent.parquet"), nil)
	assert.Error(t, err)
}

func TestDatasetWriteSnapshot(t *testing.T) {
	ds := newTestDataset(t, 2)
	appendRows(t, ds, 0, [][]float32{{1, 2}, {3, 4}})
	appendRows(t, ds, 2, [][]float32{{5, 6}})

	path := filepath.Join(t.TempDir(), "ds.parquet")
	require.NoError(t, ds.WriteSnapshot(context.Background(), "vec", path))

	ids, vecs, err := ReadSnapshotFile(path, memory.NewGoAllocator())
	require.NoError(t, err)
	defer vecs.Release()

	assert.Equal(t, []uint64{0, 1, 2}, ids)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, vector.Flatten(vecs))
}

func TestSnapshotLargeBatch(t *testing.T) {
	mem := memory.NewGoAllocator()
	n := snapshotChunkRows + 100
	rows := make([][]float32, n)
	ids := make([]uint64, n)
	for i := range rows {
		rows[i] = []float32{float32(i), float32(i) * 0.5}
		ids[i] = uint64(i)
	}
	vecs := buildVectors(t, mem, rows)
	defer vecs.Release()

	path := filepath.Join(t.TempDir(), "big.parquet")
	require.NoError(t, WriteSnapshotFile(path, ids, vecs))

	gotIDs, gotVecs, err := ReadSnapshotFile(path, mem)
	require.NoError(t, err)
	defer gotVecs.Release()
	assert.Equal(t, n, gotVecs.Len())
	assert.Equal(t, ids, gotIDs)
}
