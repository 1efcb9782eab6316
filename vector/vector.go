// Package vector normalizes caller-supplied vector data into the canonical
// Arrow form used throughout quiver: a FixedSizeList of float32 where each
// list entry is one vector. It also owns the distance metric vocabulary and
// the fixed shape tensor extension type.
package vector

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/tensor"

	"github.com/23skdu/quiver"
)

// ToFixedSizeList coerces data into a float32 FixedSizeList array, the
// canonical layout for vector columns. Accepted inputs:
//
//   - *array.FixedSizeList: returned as is after an element type check.
//   - *TensorArray: unwrapped to its list storage if each row is rank 1.
//   - tensor.Interface: a rank-2 float32 tensor, flattened row-major so
//     that row i becomes list entry i.
//
// The returned array is retained; callers own a reference and must Release
// it. Values are never copied on the FixedSizeList and tensor array paths,
// and the dense tensor path reuses the tensor's buffer when it is row-major
// contiguous.
func ToFixedSizeList(mem memory.Allocator, data any) (*array.FixedSizeList, error) {
	switch v := data.(type) {
	case *array.FixedSizeList:
		return fromListArray(v)
	case *TensorArray:
		return fromTensorArray(mem, v)
	case tensor.Interface:
		return fromDenseTensor(mem, v)
	default:
		return nil, quiver.NewUnsupportedTypeError(fmt.Sprintf("%T", data))
	}
}

func fromListArray(arr *array.FixedSizeList) (*array.FixedSizeList, error) {
	dt := arr.DataType().(*arrow.FixedSizeListType)
	if dt.Elem().ID() != arrow.FLOAT32 {
		return nil, quiver.NewTypeMismatchError(arrow.PrimitiveTypes.Float32.String(), dt.Elem().String())
	}
	arr.Retain()
	return arr, nil
}

func fromTensorArray(mem memory.Allocator, arr *TensorArray) (*array.FixedSizeList, error) {
	typ := arr.TensorType()
	if typ.NumDims() != 1 {
		return nil, quiver.NewShapeError("tensor",
			fmt.Sprintf("each row must be rank 1, got rank %d", typ.NumDims()))
	}
	return ToFixedSizeList(mem, arr.ListStorage())
}

func fromDenseTensor(mem memory.Allocator, t tensor.Interface) (*array.FixedSizeList, error) {
	if t.NumDims() != 2 {
		return nil, quiver.NewShapeError("matrix",
			fmt.Sprintf("must be rank 2, got rank %d", t.NumDims()))
	}
	ft, ok := t.(*tensor.Float32)
	if !ok {
		return nil, quiver.NewTypeMismatchError(arrow.PrimitiveTypes.Float32.String(), t.DataType().String())
	}

	shape := ft.Shape()
	rows, cols := shape[0], shape[1]
	listType := arrow.FixedSizeListOf(int32(cols), arrow.PrimitiveTypes.Float32)

	if ft.IsRowMajor() && ft.IsContiguous() {
		// The tensor's values are already laid out exactly like the list
		// child, so rewrap the buffer instead of copying.
		values := ft.Float32Values()
		buf := memory.NewBufferBytes(arrow.Float32Traits.CastToBytes(values))
		childData := array.NewData(arrow.PrimitiveTypes.Float32, int(rows*cols),
			[]*memory.Buffer{nil, buf}, nil, 0, 0)
		defer childData.Release()
		listData := array.NewData(listType, int(rows),
			[]*memory.Buffer{nil}, []arrow.ArrayData{childData}, 0, 0)
		defer listData.Release()
		return array.NewFixedSizeListData(listData), nil
	}

	// Transposed or strided layouts are walked element by element.
	bld := array.NewFixedSizeListBuilder(mem, int32(cols), arrow.PrimitiveTypes.Float32)
	defer bld.Release()
	vb := bld.ValueBuilder().(*array.Float32Builder)
	vb.Reserve(int(rows * cols))
	for i := int64(0); i < rows; i++ {
		bld.Append(true)
		for j := int64(0); j < cols; j++ {
			vb.UnsafeAppend(ft.Value([]int64{i, j}))
		}
	}
	return bld.NewArray().(*array.FixedSizeList), nil
}

// MatrixTensor builds a rank-2 row-major float32 tensor from rows, one
// vector per row. All rows must have the same length.
func MatrixTensor(mem memory.Allocator, rows [][]float32) (*tensor.Float32, error) {
	if len(rows) == 0 {
		return nil, quiver.NewInvalidArgumentError("rows", "cannot infer dimension from an empty matrix")
	}
	dim := len(rows[0])

	bld := array.NewFloat32Builder(mem)
	defer bld.Release()
	bld.Reserve(len(rows) * dim)
	for i, row := range rows {
		if len(row) != dim {
			return nil, quiver.NewShapeError("matrix",
				fmt.Sprintf("row %d has %d elements, expected %d", i, len(row), dim))
		}
		bld.AppendValues(row, nil)
	}
	arr := bld.NewFloat32Array()
	defer arr.Release()

	return tensor.NewFloat32(arr.Data(), []int64{int64(len(rows)), int64(dim)}, nil, nil), nil
}

// Width returns the per-row dimension of a fixed size list array.
func Width(arr *array.FixedSizeList) int {
	return int(arr.DataType().(*arrow.FixedSizeListType).Len())
}

// Flatten returns the float32 values backing arr as one flat slice, row
// after row. The slice aliases the array's buffer and stays valid only
// while arr is retained.
func Flatten(arr *array.FixedSizeList) []float32 {
	width := Width(arr)
	values := array.NewFloat32Data(arr.Data().Children()[0])
	defer values.Release()
	start := arr.Data().Offset() * width
	return values.Float32Values()[start : start+arr.Len()*width]
}

// Row returns vector i of arr without copying. The slice aliases the
// array's buffer and stays valid only while arr is retained.
func Row(arr *array.FixedSizeList, i int) []float32 {
	width := Width(arr)
	flat := Flatten(arr)
	return flat[i*width : (i+1)*width]
}
