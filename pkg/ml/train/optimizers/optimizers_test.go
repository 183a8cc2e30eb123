// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/gomlx/trainstate/pkg/core/tensors"
	"github.com/gomlx/trainstate/pkg/ml/model"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNet(values ...float32) *model.Params {
	return model.NewParams().Add("w", tensors.FromFlatDataAndDimensions(values, len(values)))
}

func gradsOf(values ...float32) *model.Weights {
	w := model.NewWeights()
	must.M(w.Set("w", tensors.FromFlatDataAndDimensions(values, len(values))))
	return w
}

func paramValues(net *model.Params) []float32 {
	return tensors.CopyFlatData[float32](must.M1(net.Get("w").Local()))
}

func TestSGD(t *testing.T) {
	net := newNet(1, 2)
	opt := New(net, SGD().LearningRate(0.5))
	assert.Equal(t, "sgd", opt.Name())
	require.NoError(t, opt.Update(gradsOf(1, -2)))
	assert.Equal(t, []float32{0.5, 3}, paramValues(net))
	assert.Empty(t, must.M1(opt.StateDict()).Slots, "no momentum, no slots")

	// With momentum: buf1 = g, buf2 = mu*buf1 + g.
	net = newNet(0)
	opt = New(net, SGD().LearningRate(1).Momentum(0.5))
	require.NoError(t, opt.Update(gradsOf(1)))
	require.NoError(t, opt.Update(gradsOf(1)))
	assert.InDelta(t, -2.5, paramValues(net)[0], 1e-6)
	state := must.M1(opt.StateDict())
	assert.Equal(t, []string{"w/momentum_buffer"}, state.SlotNames())
	assert.Equal(t, int64(2), state.Step)
}

func TestAdam(t *testing.T) {
	net := newNet(1)
	opt := New(net, Adam().LearningRate(0.1))
	require.NoError(t, opt.Update(gradsOf(4)))
	// First Adam step moves each parameter by ~lr in the direction opposite to the gradient.
	assert.InDelta(t, 0.9, paramValues(net)[0], 1e-5)
	state := must.M1(opt.StateDict())
	assert.Equal(t, []string{"w/exp_avg", "w/exp_avg_sq"}, state.SlotNames())
	assert.Equal(t, "adam", state.Kind())

	opt.ClearState()
	assert.Equal(t, int64(0), opt.Step())
	assert.Empty(t, must.M1(opt.StateDict()).Slots)
	assert.Equal(t, []float64{0.1}, opt.LearningRates())
}

func TestStateDictRoundTrip(t *testing.T) {
	net := newNet(1, 2, 3)
	opt := New(net, Adam().LearningRate(0.01).Betas(0.8, 0.99))
	for range 3 {
		require.NoError(t, opt.Update(gradsOf(0.1, -0.2, 0.3)))
	}
	require.NoError(t, opt.SetLearningRates([]float64{0.005}))
	state := must.M1(opt.StateDict())

	// JSON carries the configuration polymorphically; slots travel separately.
	data, err := json.Marshal(state)
	require.NoError(t, err)
	var decoded State
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "adam", decoded.Kind())
	decoded.Slots = state.Slots

	net2 := newNet(1, 2, 3)
	opt2 := New(net2, Adam())
	require.NoError(t, opt2.LoadStateDict(&decoded))
	assert.Equal(t, []float64{0.005}, opt2.LearningRates())
	assert.Equal(t, int64(3), opt2.Step())
	assert.Equal(t, 0.8, opt2.Config().(*AdamConfig).Beta1)

	// Both continue identically.
	require.NoError(t, net2.SetParameter("w", must.M1(net.Get("w").Local())))
	require.NoError(t, opt.Update(gradsOf(1, 1, 1)))
	require.NoError(t, opt2.Update(gradsOf(1, 1, 1)))
	assert.Equal(t, paramValues(net), paramValues(net2))

	// The state is a copy: further updates don't change it.
	before := tensors.CopyFlatData[float64](state.Slots["w/exp_avg"])
	require.NoError(t, opt.Update(gradsOf(1, 1, 1)))
	assert.Equal(t, before, tensors.CopyFlatData[float64](state.Slots["w/exp_avg"]))
}

func TestLoadStateDictErrors(t *testing.T) {
	sgd := New(newNet(1), SGD())
	adamState := must.M1(New(newNet(1), Adam()).StateDict())
	require.Error(t, sgd.LoadStateDict(adamState))
	require.Error(t, sgd.LoadStateDict(nil))
	require.Error(t, sgd.SetLearningRates([]float64{1, 2}))

	_, err := ByName(newNet(1), "lion", 0.1)
	require.Error(t, err)
	opt, err := ByName(newNet(1), "adam", 0.2)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2}, opt.LearningRates())
	assert.False(t, math.IsNaN(opt.LearningRates()[0]))
}
