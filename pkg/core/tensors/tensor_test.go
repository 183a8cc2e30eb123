// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"strconv"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/trainstate/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.Equal(t, dtypes.Float32, tensor.DType())
	assert.Equal(t, []int{2, 3}, tensor.Dimensions())
	assert.Equal(t, 6, tensor.Size())
	assert.Equal(t, uintptr(24), tensor.Memory())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, CopyFlatData[float32](tensor))

	// Go int maps to the platform's int dtype.
	tensor = FromFlatDataAndDimensions([]int{7, 8}, 2)
	if strconv.IntSize == 64 {
		assert.Equal(t, []int64{7, 8}, CopyFlatData[int64](tensor))
	} else {
		assert.Equal(t, []int32{7, 8}, CopyFlatData[int32](tensor))
	}

	err := exceptions.TryCatch[error](func() { FromFlatDataAndDimensions([]float32{1, 2}, 3) })
	require.Error(t, err)
}

func TestScalar(t *testing.T) {
	tensor := FromScalar(float64(3.5))
	assert.Equal(t, 0, tensor.Rank())
	assert.Equal(t, 1, tensor.Size())
	assert.Equal(t, 3.5, ToScalar[float64](tensor))
	assert.Equal(t, "(Float64): [3.5]", tensor.String())

	tensor = FromScalarAndDimensions(int32(2), 2, 2)
	assert.Equal(t, []int32{2, 2, 2, 2}, CopyFlatData[int32](tensor))
}

func TestBytes(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]uint16{1, 0x0100}, 2)
	var data []byte
	tensor.ConstBytes(func(b []byte) { data = append(data, b...) })
	require.Len(t, data, 4)

	restored, err := FromBytes(tensor.Shape(), data)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(restored))

	_, err = FromBytes(tensor.Shape(), data[:3])
	require.Error(t, err)

	empty := FromShape(MakeShape(dtypes.Float32, 0, 3))
	empty.ConstBytes(func(b []byte) { assert.Empty(t, b) })
	assert.Equal(t, "(Float32)[0 3]", empty.String())
}

func TestCloneEqualInDelta(t *testing.T) {
	a := FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)
	b := a.Clone()
	assert.True(t, a.Equal(b))
	require.NoError(t, MutableFlatData(b, func(flat []float32) { flat[0] = 1.001 }))
	assert.False(t, a.Equal(b))
	assert.True(t, a.InDelta(b, 0.01))
	assert.Equal(t, float32(1), CopyFlatData[float32](a)[0], "clone must not share data")

	// Different shapes are never equal.
	assert.False(t, a.Equal(FromFlatDataAndDimensions([]float32{1, 2, 3}, 1, 3)))

	h0 := FromFlatDataAndDimensions([]float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(2)}, 2)
	h1 := FromFlatDataAndDimensions([]float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(2.001)}, 2)
	assert.True(t, h0.InDelta(h1, 0.01))

	require.Error(t, MutableFlatData(a, func(flat []float64) {}))
}

func TestOnDevice(t *testing.T) {
	host := FromFlatDataAndDimensions([]float32{1, 2}, 2)
	onDevice := ToDevice(host, "cuda:0")
	assert.Equal(t, "cuda:0", onDevice.Device())
	assert.True(t, host.Shape().Equal(onDevice.Shape()))
	assert.Equal(t, 0, onDevice.Transfers())

	local, err := onDevice.Local()
	require.NoError(t, err)
	assert.True(t, host.Equal(local))
	assert.Equal(t, 1, onDevice.Transfers())

	require.NoError(t, onDevice.Update(FromFlatDataAndDimensions([]float32{3, 4}, 2)))
	require.Error(t, onDevice.Update(FromFlatDataAndDimensions([]float32{3}, 1)))
	local, err = onDevice.Local()
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, CopyFlatData[float32](local))

	onDevice.Finalize()
	_, err = onDevice.Local()
	require.Error(t, err)
}
