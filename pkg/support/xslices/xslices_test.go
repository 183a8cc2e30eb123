// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapAndCount(t *testing.T) {
	in := []int{10, 5, 5, 20}
	assert.Equal(t, []float64{5, 2.5, 2.5, 10}, Map(in, func(v int) float64 { return float64(v) / 2 }))
	assert.Equal(t, 2, Count(in, 5))
	assert.Zero(t, Count(in, 7))
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(map[string]int{"c": 1, "a": 2, "b": 3}))
}

func TestFillSlice(t *testing.T) {
	s := make([]float32, 7)
	FillSlice(s, 3)
	assert.Equal(t, []float32{3, 3, 3, 3, 3, 3, 3}, s)
}

func TestSlicesInDelta(t *testing.T) {
	assert.True(t, SlicesInDelta([]float32{1, 2}, []float32{1.001, 2}, 0.01))
	assert.False(t, SlicesInDelta([]float32{1, 2}, []float32{1.1, 2}, 0.01))
	assert.False(t, SlicesInDelta([]float32{1, 2}, []float64{1, 2}, 0.01))
	assert.False(t, SlicesInDelta([]int32{1}, []int32{2}, 0))
	assert.True(t, SlicesInDelta([]bool{true}, []bool{true}, 0))
}
