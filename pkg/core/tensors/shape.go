// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/trainstate/pkg/core/dtypes"
)

// Shape of a tensor: its DType and the dimensions of each axis.
// A scalar has no dimensions (rank 0).
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// MakeShape returns a Shape with the given dtype and dimensions.
//
// It panics if the dtype is invalid or any dimension is negative.
func MakeShape(dtype dtypes.DType, dimensions ...int) Shape {
	if !dtype.IsValid() {
		exceptions.Panicf("MakeShape(%s, %v): invalid dtype", dtype, dimensions)
	}
	for axis, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("MakeShape(%s, %v): negative dimension %d for axis %d", dtype, dimensions, dim, axis)
		}
	}
	return Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
}

// Ok returns whether the shape has a valid dtype and non-negative dimensions.
func (s Shape) Ok() bool {
	if !s.DType.IsValid() {
		return false
	}
	for _, dim := range s.Dimensions {
		if dim < 0 {
			return false
		}
	}
	return true
}

// Rank returns the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// Size returns the number of elements: the product of the dimensions, 1 for a scalar.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes used to store the flat values.
func (s Shape) Memory() uintptr {
	return uintptr(s.Size()) * uintptr(s.DType.Size())
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(other Shape) bool {
	return s.DType == other.DType && slices.Equal(s.Dimensions, other.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// String implements fmt.Stringer, e.g. "(Float32)[3 2]" or "(Int64)" for scalars.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		parts[ii] = fmt.Sprint(dim)
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}
