// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"testing"

	"github.com/gomlx/trainstate/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLayer struct {
	W, B *Variable
}

type testModel struct {
	Layers  []*testLayer
	Heads   map[string]*Variable
	Ignored int
}

func newTestModel() *testModel {
	return &testModel{
		Layers: []*testLayer{
			{W: NewVariable(tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)),
				B: NewVariable(tensors.FromFlatDataAndDimensions([]float32{0, 1}, 2))},
		},
		Heads: map[string]*Variable{
			"z": NewVariable(tensors.FromScalar(int32(7))),
			"a": NewVariable(tensors.ToDevice(tensors.FromScalar(float64(0.5)), "cuda:0")),
		},
	}
}

func TestIterVariables(t *testing.T) {
	var paths []string
	for pv, err := range IterVariables(newTestModel()) {
		require.NoError(t, err)
		paths = append(paths, pv.Path)
	}
	assert.Equal(t, []string{"Layers[0].W", "Layers[0].B", "Heads[a]", "Heads[z]"}, paths)

	type byValue struct{ V Variable }
	for _, err := range IterVariables(&byValue{}) {
		require.Error(t, err)
	}
}

func TestStructNetwork(t *testing.T) {
	m := newTestModel()
	net := must.M1(FromStruct(m))
	assert.Equal(t, 4+2+1+1, ParameterCount(net))

	weights, err := Materialize(net)
	require.NoError(t, err)
	assert.Equal(t, []string{"Layers[0].W", "Layers[0].B", "Heads[a]", "Heads[z]"}, weights.Names())
	assert.Equal(t, 1, m.Heads["a"].Value().(*tensors.OnDevice).Transfers())

	// Materialized weights are copies: changing them doesn't affect the model.
	require.NoError(t, tensors.MutableFlatData(weights.Get("Layers[0].B"), func(flat []float32) { flat[0] = 10 }))
	local := must.M1(m.Layers[0].B.Value().Local())
	assert.Equal(t, []float32{0, 1}, tensors.CopyFlatData[float32](local))

	// Setting a device parameter keeps it on device.
	require.NoError(t, net.SetParameter("Heads[a]", tensors.FromScalar(float64(2))))
	onDevice := m.Heads["a"].Value().(*tensors.OnDevice)
	assert.Equal(t, 2.0, tensors.ToScalar[float64](must.M1(onDevice.Local())))

	require.Error(t, net.SetParameter("Heads[a]", tensors.FromScalar(float32(2))))
	require.Error(t, net.SetParameter("missing", tensors.FromScalar(float32(2))))
}

func TestParams(t *testing.T) {
	p := NewParams().
		Add("w", tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)).
		Add("b", tensors.FromScalar(float32(0)))
	weights := must.M1(Materialize(p))
	assert.Equal(t, 2, weights.Len())
	assert.Equal(t, uintptr(12), weights.Memory())

	require.NoError(t, p.SetParameter("b", tensors.FromScalar(float32(3))))
	assert.Equal(t, float32(3), tensors.ToScalar[float32](must.M1(p.Get("b").Local())))
	require.Error(t, p.SetParameter("b", tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)))

	other := must.M1(Materialize(p))
	assert.False(t, weights.Equal(other))
	require.NoError(t, weights.Set("b", tensors.FromScalar(float32(3))))
	assert.True(t, weights.Equal(other))

	var names []string
	for name := range weights.All() {
		names = append(names, name)
	}
	assert.Equal(t, []string{"w", "b"}, names)
}
