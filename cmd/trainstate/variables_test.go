// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/gomlx/trainstate/pkg/core/tensors"
	"github.com/gomlx/trainstate/pkg/ml/checkpoints"
	"github.com/gomlx/trainstate/pkg/ml/model"
	"github.com/gomlx/trainstate/pkg/ml/random"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// saveTestWeights saves a network with a float matrix, a float16 bias and an int counter.
func saveTestWeights(t *testing.T, dir string) string {
	store := must.M1(checkpoints.NewWeightStore(dir))
	net := model.NewParams().
		Add("dense/w", tensors.FromScalarAndDimensions(float64(1), 100, 100)).
		Add("dense/b", tensors.FromScalarAndDimensions(float32(2), 10)).
		Add("counter", tensors.FromScalarAndDimensions(int64(3), 1))
	return must.M1(store.Save(net, "G", checkpoints.AtStep(10), ""))
}

func TestPerturbVars(t *testing.T) {
	path := saveTestWeights(t, t.TempDir())
	const perturbAmount = 0.1
	n, err := PerturbVars(path, perturbAmount, random.NewGenerators(1))
	require.NoError(t, err)
	assert.Equal(t, 2, n, "only float variables are perturbed")

	weights := must.M1(checkpoints.ReadWeights(path))
	values, ok := floatValues(weights.Get("dense/w"))
	require.True(t, ok)
	var lowerCount, higherCount int
	for _, v := range values {
		require.Greater(t, v, 1.0-perturbAmount)
		require.Less(t, v, 1.0+perturbAmount)
		if v < 1.0 {
			lowerCount++
		} else if v > 1.0 {
			higherCount++
		}
	}
	totalCount := len(values)
	// At least 99% of the values must have changed.
	require.Greater(t, lowerCount+higherCount, 99*totalCount/100)
	// The difference of values moving up and down < 10%.
	diffCount := lowerCount - higherCount
	if diffCount < 0 {
		diffCount = -diffCount
	}
	require.Less(t, diffCount, 10*totalCount/100)
	assert.Equal(t, []int64{3}, tensors.CopyFlatData[int64](weights.Get("counter")))
}

func TestDeleteVars(t *testing.T) {
	path := saveTestWeights(t, t.TempDir())
	n, err := DeleteVars(path, "dense/", "missing")
	require.NoError(t, err)
	assert.Zero(t, n, "scopes match whole path components")

	n, err = DeleteVars(path, "dense", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	weights := must.M1(checkpoints.ReadWeights(path))
	assert.Equal(t, []string{"counter"}, weights.Names())
	meta := must.M1(checkpoints.ReadMetadata(path))
	assert.Equal(t, "G", meta.Label)
	assert.Equal(t, "10", meta.Iteration)
}

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"a/b/1.state"}, MinimalUniquePaths("a/b/1.state"))
	assert.Equal(t, []string{"1.state", "2.state"}, MinimalUniquePaths("a/b/1.state", "a/b/2.state"))
	assert.Equal(t, []string{"x...1.state", "y...2.state"}, MinimalUniquePaths("x/b/1.state", "y/b/2.state"))
	assert.Equal(t, []string{"x", "y"}, MinimalUniquePaths("x/b/1.state", "y/b/1.state"))
}
