package vector

import (
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/quiver"
)

func buildListArray(t *testing.T, mem memory.Allocator, dim int, rows [][]float32) *array.FixedSizeList {
	t.Helper()
	bld := array.NewFixedSizeListBuilder(mem, int32(dim), arrow.PrimitiveTypes.Float32)
	defer bld.Release()
	vb := bld.ValueBuilder().(*array.Float32Builder)
	for _, row := range rows {
		require.Len(t, row, dim)
		bld.Append(true)
		vb.AppendValues(row, nil)
	}
	return bld.NewArray().(*array.FixedSizeList)
}

func TestToFixedSizeListPassthrough(t *testing.T) {
	mem := memory.NewGoAllocator()
	rows := [][]float32{{1, 2, 3}, {4, 5, 6}}
	arr := buildListArray(t, mem, 3, rows)
	defer arr.Release()

	got, err := ToFixedSizeList(mem, arr)
	require.NoError(t, err)
	defer got.Release()

	// The canonical form is returned without any copy.
	assert.Same(t, arr, got)
	assert.Equal(t, 3, Width(got))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, Flatten(got))
}

func TestToFixedSizeListEmpty(t *testing.T) {
	mem := memory.NewGoAllocator()
	arr := buildListArray(t, mem, 4, nil)
	defer arr.Release()

	got, err := ToFixedSizeList(mem, arr)
	require.NoError(t, err)
	defer got.Release()
	assert.Equal(t, 0, got.Len())
	assert.Equal(t, 4, Width(got))
}

func TestToFixedSizeListRejectsFloat64List(t *testing.T) {
	mem := memory.NewGoAllocator()
	bld := array.NewFixedSizeListBuilder(mem, 2, arrow.PrimitiveTypes.Float64)
	defer bld.Release()
	vb := bld.ValueBuilder().(*array.Float64Builder)
	bld.Append(true)
	vb.AppendValues([]float64{1, 2}, nil)
	arr := bld.NewArray().(*array.FixedSizeList)
	defer arr.Release()

	_, err := ToFixedSizeList(mem, arr)
	require.Error(t, err)
	var mismatch *quiver.ErrTypeMismatch
	require.True(t, errors.As(err, &mismatch))
	assert.Contains(t, err.Error(), "float32")
}

func TestToFixedSizeListFromTensorArray(t *testing.T) {
	mem := memory.NewGoAllocator()
	storage := buildListArray(t, mem, 3, [][]float32{{1, 2, 3}, {4, 5, 6}})
	defer storage.Release()

	tensors, err := NewVectorTensorArray(storage)
	require.NoError(t, err)
	defer tensors.Release()
	assert.Equal(t, []int64{3}, tensors.Shape())

	got, err := ToFixedSizeList(mem, tensors)
	require.NoError(t, err)
	defer got.Release()

	// The tensor array's list storage is handed back, values untouched.
	assert.Same(t, storage.Data().Children()[0], got.Data().Children()[0])
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, Flatten(got))
}

func TestToFixedSizeListRejectsHigherRankTensorArray(t *testing.T) {
	mem := memory.NewGoAllocator()
	storage := buildListArray(t, mem, 4, [][]float32{{1, 2, 3, 4}})
	defer storage.Release()

	typ, err := NewTensorType(arrow.PrimitiveTypes.Float32, []int64{2, 2})
	require.NoError(t, err)
	tensors, err := NewTensorArray(typ, storage)
	require.NoError(t, err)
	defer tensors.Release()

	_, err = ToFixedSizeList(mem, tensors)
	require.Error(t, err)
	var shape *quiver.ErrShape
	require.True(t, errors.As(err, &shape))
	assert.Contains(t, err.Error(), "rank")
}

func TestToFixedSizeListFromDenseTensor(t *testing.T) {
	mem := memory.NewGoAllocator()
	rows := [][]float32{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	mat, err := MatrixTensor(mem, rows)
	require.NoError(t, err)
	defer mat.Release()
	require.True(t, mat.IsRowMajor())

	got, err := ToFixedSizeList(mem, mat)
	require.NoError(t, err)
	defer got.Release()

	assert.Equal(t, 3, got.Len())
	assert.Equal(t, 3, Width(got))
	flat := Flatten(got)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, flat)
	// Row-major contiguous tensors are rewrapped, not copied.
	assert.Same(t, &mat.Float32Values()[0], &flat[0])
}

func TestToFixedSizeListColMajorTensor(t *testing.T) {
	mem := memory.NewGoAllocator()
	// Column-major layout of [[1 2 3] [4 5 6]]: strides are in bytes.
	bld := array.NewFloat32Builder(mem)
	defer bld.Release()
	bld.AppendValues([]float32{1, 4, 2, 5, 3, 6}, nil)
	values := bld.NewFloat32Array()
	defer values.Release()

	mat := tensor.NewFloat32(values.Data(), []int64{2, 3}, []int64{4, 8}, nil)
	defer mat.Release()
	require.False(t, mat.IsRowMajor())
	require.Equal(t, float32(2), mat.Value([]int64{0, 1}))

	got, err := ToFixedSizeList(mem, mat)
	require.NoError(t, err)
	defer got.Release()
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, Flatten(got))
}

func TestToFixedSizeListRejectsRank3Tensor(t *testing.T) {
	mem := memory.NewGoAllocator()
	bld := array.NewFloat32Builder(mem)
	defer bld.Release()
	bld.AppendValues(make([]float32, 8), nil)
	values := bld.NewFloat32Array()
	defer values.Release()

	cube := tensor.NewFloat32(values.Data(), []int64{2, 2, 2}, nil, nil)
	defer cube.Release()

	_, err := ToFixedSizeList(mem, cube)
	require.Error(t, err)
	var shape *quiver.ErrShape
	require.True(t, errors.As(err, &shape))
	assert.Contains(t, err.Error(), "rank 2")
}

func TestToFixedSizeListRejectsFloat64Tensor(t *testing.T) {
	mem := memory.NewGoAllocator()
	bld := array.NewFloat64Builder(mem)
	defer bld.Release()
	bld.AppendValues([]float64{1, 2, 3, 4, 5, 6}, nil)
	values := bld.NewFloat64Array()
	defer values.Release()

	mat := tensor.NewFloat64(values.Data(), []int64{2, 3}, nil, nil)
	defer mat.Release()

	_, err := ToFixedSizeList(mem, mat)
	require.Error(t, err)
	var mismatch *quiver.ErrTypeMismatch
	require.True(t, errors.As(err, &mismatch))
}

func TestToFixedSizeListUnsupportedInput(t *testing.T) {
	mem := memory.NewGoAllocator()
	bld := array.NewFloat32Builder(mem)
	defer bld.Release()
	bld.AppendValues([]float32{1, 2, 3}, nil)
	plain := bld.NewFloat32Array()
	defer plain.Release()

	for _, input := range []any{plain, 42, "vectors", nil} {
		_, err := ToFixedSizeList(mem, input)
		require.Error(t, err)
		var unsupported *quiver.ErrUnsupportedType
		require.True(t, errors.As(err, &unsupported), "input %T", input)
		assert.Contains(t, err.Error(), "fixed size list")
	}
}

func TestFlattenSlicedArray(t *testing.T) {
	mem := memory.NewGoAllocator()
	arr := buildListArray(t, mem, 2, [][]float32{{0, 1}, {2, 3}, {4, 5}, {6, 7}})
	defer arr.Release()

	sliced := array.NewSlice(arr, 1, 3).(*array.FixedSizeList)
	defer sliced.Release()

	assert.Equal(t, []float32{2, 3, 4, 5}, Flatten(sliced))
	assert.Equal(t, []float32{4, 5}, Row(sliced, 1))
}

func TestTensorTypeSerializeRoundTrip(t *testing.T) {
	typ, err := NewTensorType(arrow.PrimitiveTypes.Float32, []int64{3, 4})
	require.NoError(t, err)

	assert.Equal(t, `{"shape":[3,4]}`, typ.Serialize())
	assert.Equal(t, "arrow.fixed_shape_tensor", typ.ExtensionName())

	storage := arrow.FixedSizeListOf(12, arrow.PrimitiveTypes.Float32)
	decoded, err := typ.Deserialize(storage, typ.Serialize())
	require.NoError(t, err)
	assert.True(t, typ.ExtensionEquals(decoded))

	_, err = typ.Deserialize(arrow.FixedSizeListOf(7, arrow.PrimitiveTypes.Float32), typ.Serialize())
	assert.Error(t, err)

	_, err = typ.Deserialize(storage, "not json")
	assert.Error(t, err)
}

func TestNewTensorArrayStorageMismatch(t *testing.T) {
	mem := memory.NewGoAllocator()
	storage := buildListArray(t, mem, 3, [][]float32{{1, 2, 3}})
	defer storage.Release()

	typ, err := NewTensorType(arrow.PrimitiveTypes.Float32, []int64{4})
	require.NoError(t, err)

	_, err = NewTensorArray(typ, storage)
	require.Error(t, err)
	var mismatch *quiver.ErrTypeMismatch
	assert.True(t, errors.As(err, &mismatch))
}

func TestMatrixTensorRaggedRows(t *testing.T) {
	mem := memory.NewGoAllocator()

	_, err := MatrixTensor(mem, [][]float32{{1, 2}, {3}})
	require.Error(t, err)
	var shape *quiver.ErrShape
	assert.True(t, errors.As(err, &shape))

	_, err = MatrixTensor(mem, nil)
	require.Error(t, err)
	var invalid *quiver.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid))
}
