// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a host (CPU) representation of a multidimensional array.
//
// A Tensor is defined by its Shape (a dtype and its axes' dimensions) and its content, stored as a flat Go slice
// of the dtype's Go type (e.g. []float32 for dtypes.Float32).
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromBytes(shape Shape, data []byte): creates a Tensor with a copy of the raw bytes, as stored in checkpoints.
//
// Values that live elsewhere (e.g. on an accelerator) implement Materializer: they can produce a host copy
// on request. See OnDevice.
package tensors

import (
	"reflect"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/trainstate/pkg/core/dtypes"
	"github.com/gomlx/trainstate/pkg/support/xslices"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is a host-resident multidimensional array.
//
// It is not safe for concurrent mutation.
type Tensor struct {
	shape Shape

	// flat holds a slice of the Go type of shape.DType, with shape.Size() elements.
	flat any
}

// Materializer is anything that can produce a host copy of a tensor value.
type Materializer interface {
	// Shape of the value, available without transferring data.
	Shape() Shape

	// Local returns a new host Tensor with a copy of the value.
	Local() (*Tensor, error)
}

// Assert *Tensor is a Materializer.
var _ Materializer = (*Tensor)(nil)

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
//
// It panics if you provide an invalid shape.
func FromShape(shape Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	size := shape.Size()
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size)
	return &Tensor{shape: shape.Clone(), flat: flatV.Interface()}
}

// FromScalar creates a local tensor with the given scalar.
// The `DType` is inferred from the value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a local tensor with the given dimensions, filled with the
// given scalar value replicated everywhere.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	shape := MakeShape(dtypes.FromGenericsType[T](), dimensions...)
	data := make([]T, shape.Size())
	xslices.FillSlice(data, value)
	return FromFlatDataAndDimensions(data, dimensions...)
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in `data`.
// The data is copied to the Tensor.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := MakeShape(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	if len(data) == 0 {
		return t
	}
	var dummy T
	if _, isInt := any(dummy).(int); isInt {
		// The underlying tensor data could be int32 or int64 depending on the platform: copy the bytes.
		dataAsBytes := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), uintptr(len(data))*unsafe.Sizeof(dummy))
		t.MutableBytes(func(tensorData []byte) { copy(tensorData, dataAsBytes) })
		return t
	}
	copy(t.flat.([]T), data)
	return t
}

// FromBytes creates a tensor with the given shape, and a copy of the raw data, in native byte order.
//
// It returns an error if the data length doesn't match the shape's memory size.
func FromBytes(shape Shape, data []byte) (*Tensor, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("tensors.FromBytes: invalid shape %s", shape)
	}
	if uintptr(len(data)) != shape.Memory() {
		return nil, errors.Errorf("tensors.FromBytes: shape %s requires %d bytes, got %d",
			shape, shape.Memory(), len(data))
	}
	t := FromShape(shape)
	t.MutableBytes(func(tensorData []byte) { copy(tensorData, data) })
	return t, nil
}

// Shape returns the tensor shape. The returned value shouldn't be modified.
func (t *Tensor) Shape() Shape { return t.shape }

// DType returns the tensor's dtype.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Dimensions returns a copy of the tensor's dimensions.
func (t *Tensor) Dimensions() []int { return t.shape.Clone().Dimensions }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used by the flat data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// ConstFlatData calls accessFn with the flat data slice, typed as the Go type of the dtype (e.g. []float32).
// It shouldn't be modified.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	accessFn(t.flat)
}

// MutableFlatData calls accessFn with the flat data of the tensor, which can be modified in place.
//
// It returns an error if T doesn't match the tensor's dtype.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	flat, ok := t.flat.([]T)
	if !ok {
		var dummy T
		return errors.Errorf("MutableFlatData[%T]: tensor has dtype %s, Go type %T", dummy, t.shape.DType, t.flat)
	}
	accessFn(flat)
	return nil
}

// CopyFlatData returns a copy of the flat data of the tensor.
//
// It panics if T doesn't match the tensor's dtype.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		var dummy T
		exceptions.Panicf("CopyFlatData[%T]: tensor has dtype %s, Go type %T", dummy, t.shape.DType, t.flat)
	}
	return append([]T(nil), flat...)
}

// ToScalar returns the first element of the tensor, usually used on scalars.
//
// It panics if T doesn't match the tensor's dtype, or if it is empty.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	return CopyFlatData[T](t)[0]
}

// ConstBytes calls accessFn with the data as a bytes slice, in native byte order.
// It shouldn't be modified. Zero-sized tensors yield an empty slice.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) {
	accessFn(t.bytes())
}

// MutableBytes calls accessFn with the data as a bytes slice that can be modified in place.
func (t *Tensor) MutableBytes(accessFn func(data []byte)) {
	accessFn(t.bytes())
}

func (t *Tensor) bytes() []byte {
	flatV := reflect.ValueOf(t.flat)
	if flatV.Len() == 0 {
		return []byte{}
	}
	element0 := flatV.Index(0)
	flatValuesPtr := element0.Addr().UnsafePointer()
	sizeBytes := uintptr(flatV.Len()) * element0.Type().Size()
	return unsafe.Slice((*byte)(flatValuesPtr), sizeBytes)
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := FromShape(t.shape)
	reflect.Copy(reflect.ValueOf(clone.flat), reflect.ValueOf(t.flat))
	return clone
}

// Local implements Materializer, it returns a clone of the tensor.
func (t *Tensor) Local() (*Tensor, error) {
	return t.Clone(), nil
}

// Equal checks weather t == otherTensor.
// If they are the same pointer, they are considered equal.
// If the shapes are different, it returns false.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	if t == otherTensor {
		return true
	}
	if t == nil || otherTensor == nil || !t.shape.Equal(otherTensor.shape) {
		return false
	}
	return xslices.SlicesInDelta(t.flat, otherTensor.flat, 0)
}

// InDelta checks weather Abs(t - otherTensor) <= delta for every element.
// If the shapes are different, it returns false.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	if t == otherTensor {
		return true
	}
	if t == nil || otherTensor == nil || !t.shape.Equal(otherTensor.shape) {
		return false
	}
	if t.shape.DType == dtypes.Float16 {
		// float16.Float16 is stored as uint16 bits: compare as float32.
		return xslices.SlicesInDelta(float16ToFloat32(t.flat), float16ToFloat32(otherTensor.flat), delta)
	}
	return xslices.SlicesInDelta(t.flat, otherTensor.flat, delta)
}

func float16ToFloat32(flat any) []float32 {
	return xslices.Map(flat.([]float16.Float16), func(v float16.Float16) float32 { return v.Float32() })
}
