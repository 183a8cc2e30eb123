// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package random

import (
	"math/rand/v2"

	"github.com/gomlx/trainstate/pkg/core/dtypes"
	"github.com/gomlx/trainstate/pkg/core/tensors"
	"gonum.org/v1/gonum/stat/distuv"
)

// ArraySource is the numeric-array generator: a ChaCha8 source with helpers to draw whole arrays
// (and tensors) from gonum distributions.
type ArraySource struct {
	*rand.ChaCha8
}

// NewArraySource creates an ArraySource with the given seed.
func NewArraySource(seed [32]byte) *ArraySource {
	return &ArraySource{ChaCha8: rand.NewChaCha8(seed)}
}

// Normal draws n values from a normal distribution with the given mean and standard deviation.
func (a *ArraySource) Normal(n int, mean, stddev float64) []float64 {
	return a.draw(n, distuv.Normal{Mu: mean, Sigma: stddev, Src: a.ChaCha8})
}

// Uniform draws n values uniformly from [low, high).
func (a *ArraySource) Uniform(n int, low, high float64) []float64 {
	return a.draw(n, distuv.Uniform{Min: low, Max: high, Src: a.ChaCha8})
}

func (a *ArraySource) draw(n int, dist distuv.Rander) []float64 {
	values := make([]float64, n)
	for ii := range values {
		values[ii] = dist.Rand()
	}
	return values
}

// NormalTensor returns a float32 tensor with the given dimensions, with values drawn from a normal distribution
// with mean 0 and the given standard deviation. Used for weight initialization.
func (a *ArraySource) NormalTensor(stddev float64, dimensions ...int) *tensors.Tensor {
	shape := tensors.MakeShape(dtypes.Float32, dimensions...)
	values := a.Normal(shape.Size(), 0, stddev)
	flat := make([]float32, len(values))
	for ii, v := range values {
		flat[ii] = float32(v)
	}
	return tensors.FromFlatDataAndDimensions(flat, dimensions...)
}
