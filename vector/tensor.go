package vector

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/23skdu/quiver"
)

// TensorExtensionName is the canonical Arrow extension name for fixed shape
// tensors. The storage is a FixedSizeList whose width is the product of the
// per-row shape, with the shape carried as JSON metadata.
const TensorExtensionName = "arrow.fixed_shape_tensor"

type tensorMetadata struct {
	Shape []int64 `json:"shape"`
}

// TensorType is the fixed shape tensor extension type. Each row holds one
// tensor of the given shape; a rank-1 shape makes the array equivalent to
// its FixedSizeList storage.
type TensorType struct {
	arrow.ExtensionBase

	shape []int64
}

// NewTensorType creates a fixed shape tensor type with the given element
// type and per-row shape.
func NewTensorType(elem arrow.DataType, shape []int64) (*TensorType, error) {
	if len(shape) == 0 {
		return nil, quiver.NewShapeError("tensor", "shape must have at least one dimension")
	}
	size := int64(1)
	for _, s := range shape {
		if s < 0 {
			return nil, quiver.NewShapeError("tensor", fmt.Sprintf("negative dimension %d", s))
		}
		size *= s
	}

	return &TensorType{
		ExtensionBase: arrow.ExtensionBase{
			Storage: arrow.FixedSizeListOf(int32(size), elem),
		},
		shape: slices.Clone(shape),
	}, nil
}

// Shape returns the per-row tensor shape. Callers must not modify it.
func (t *TensorType) Shape() []int64 { return t.shape }

// NumDims returns the rank of each row's tensor.
func (t *TensorType) NumDims() int { return len(t.shape) }

// Elem returns the tensor element type.
func (t *TensorType) Elem() arrow.DataType {
	return t.Storage.(*arrow.FixedSizeListType).Elem()
}

func (t *TensorType) String() string {
	return fmt.Sprintf("fixed_shape_tensor[value_type=%s, shape=%v]", t.Elem(), t.shape)
}

// ExtensionName implements arrow.ExtensionType.
func (*TensorType) ExtensionName() string { return TensorExtensionName }

// ArrayType implements arrow.ExtensionType.
func (*TensorType) ArrayType() reflect.Type { return reflect.TypeOf(TensorArray{}) }

// ExtensionEquals implements arrow.ExtensionType.
func (t *TensorType) ExtensionEquals(other arrow.ExtensionType) bool {
	o, ok := other.(*TensorType)
	if !ok {
		return false
	}
	return arrow.TypeEqual(t.Storage, o.Storage) && slices.Equal(t.shape, o.shape)
}

// Serialize implements arrow.ExtensionType.
func (t *TensorType) Serialize() string {
	data, err := json.Marshal(tensorMetadata{Shape: t.shape})
	if err != nil {
		panic(fmt.Sprintf("vector: serializing tensor metadata: %v", err))
	}
	return string(data)
}

// Deserialize implements arrow.ExtensionType.
func (*TensorType) Deserialize(storage arrow.DataType, data string) (arrow.ExtensionType, error) {
	var md tensorMetadata
	if err := json.Unmarshal([]byte(data), &md); err != nil {
		return nil, fmt.Errorf("vector: parsing tensor metadata %q: %w", data, err)
	}
	fsl, ok := storage.(*arrow.FixedSizeListType)
	if !ok {
		return nil, quiver.NewTypeMismatchError("fixed size list storage", storage.String())
	}
	typ, err := NewTensorType(fsl.Elem(), md.Shape)
	if err != nil {
		return nil, err
	}
	if !arrow.TypeEqual(typ.Storage, storage) {
		return nil, quiver.NewShapeError("tensor",
			fmt.Sprintf("shape %v does not fit storage width %d", md.Shape, fsl.Len()))
	}
	return typ, nil
}

// TensorArray is an array of fixed shape tensors backed by FixedSizeList
// storage.
type TensorArray struct {
	array.ExtensionArrayBase
}

// TensorType returns the array's extension type.
func (a *TensorArray) TensorType() *TensorType {
	return a.ExtensionType().(*TensorType)
}

// Shape returns the per-row tensor shape.
func (a *TensorArray) Shape() []int64 {
	return a.TensorType().Shape()
}

// ListStorage returns the underlying FixedSizeList storage.
func (a *TensorArray) ListStorage() *array.FixedSizeList {
	return a.Storage().(*array.FixedSizeList)
}

// NewTensorArray wraps a FixedSizeList storage array in a fixed shape tensor
// array of the given type. The storage is retained.
func NewTensorArray(typ *TensorType, storage *array.FixedSizeList) (*TensorArray, error) {
	if !arrow.TypeEqual(typ.Storage, storage.DataType()) {
		return nil, quiver.NewTypeMismatchError(typ.Storage.String(), storage.DataType().String())
	}
	return array.NewExtensionArrayWithStorage(typ, storage).(*TensorArray), nil
}

// NewVectorTensorArray wraps a float32 FixedSizeList in the rank-1 tensor
// form, the shape indexing layers exchange vector columns in.
func NewVectorTensorArray(storage *array.FixedSizeList) (*TensorArray, error) {
	dt, ok := storage.DataType().(*arrow.FixedSizeListType)
	if !ok {
		return nil, quiver.NewTypeMismatchError("fixed size list", storage.DataType().String())
	}
	typ, err := NewTensorType(dt.Elem(), []int64{int64(dt.Len())})
	if err != nil {
		return nil, err
	}
	return NewTensorArray(typ, storage)
}

func init() {
	// Best effort: the canonical name may already be registered by another
	// component in the process.
	typ, err := NewTensorType(arrow.PrimitiveTypes.Float32, []int64{1})
	if err == nil {
		_ = arrow.RegisterExtensionType(typ)
	}
}
