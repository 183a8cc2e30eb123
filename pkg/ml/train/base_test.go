// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/trainstate/pkg/core/tensors"
	"github.com/gomlx/trainstate/pkg/ml/checkpoints"
	"github.com/gomlx/trainstate/pkg/ml/model"
	"github.com/gomlx/trainstate/pkg/ml/random"
	"github.com/gomlx/trainstate/pkg/ml/train/optimizers"
	"github.com/gomlx/trainstate/pkg/ml/train/options"
	"github.com/gomlx/trainstate/pkg/ml/train/schedulers"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

// newTestOptions returns training options with paths in a temporary directory: SGD with lr=0.1 and a
// MultiStepLR scheduler halving the rate at steps 2 and 4.
func newTestOptions(t *testing.T) *options.Options {
	dir := t.TempDir()
	return &options.Options{
		Name:    "test",
		IsTrain: true,
		Path: options.Paths{
			Models:        filepath.Join(dir, "models"),
			TrainingState: filepath.Join(dir, "training_state"),
		},
		Train: &options.Train{
			Optimizer:  "sgd",
			LR:         ptr(0.1),
			LRScheme:   schedulers.KindMultiStepLR,
			LRSteps:    []int{2, 4},
			LRGamma:    ptr(0.5),
			ClearState: nil,
		},
	}
}

func newTestNet(values ...float32) *model.Params {
	return model.NewParams().Add("w", tensors.FromFlatDataAndDimensions(values, len(values)))
}

// newTestBase returns a base with one network "G" and its optimizer.
func newTestBase(t *testing.T, opts *options.Options, seed uint64) (*Base, *model.Params, *optimizers.Optimizer) {
	base := must.M1(NewBase(opts, random.NewGenerators(seed)))
	net := newTestNet(1, -2, 3)
	require.NoError(t, base.RegisterNetwork("G", net))
	opt, sched, err := base.NewOptimizer("G")
	require.NoError(t, err)
	require.NotNil(t, sched)
	return base, net, opt
}

func TestNewBase(t *testing.T) {
	_, err := NewBase(nil, nil)
	require.Error(t, err)

	opts := newTestOptions(t)
	opts.Path.TrainingState = ""
	_, err = NewBase(opts, nil)
	require.Error(t, err, "training requires both paths")

	opts = &options.Options{Name: "inference"}
	base := must.M1(NewBase(opts, nil))
	assert.Equal(t, DeviceCPU, base.Device())
	assert.False(t, base.IsTrain())
	assert.Nil(t, base.WeightStore())
	assert.Nil(t, base.StateStore())
	_, err = base.SaveTrainingState(0, 0, false)
	require.Error(t, err)

	opts = newTestOptions(t)
	opts.GPUIDs = []int{0}
	opts.NumericStackVersion = "1.1.0"
	base = must.M1(NewBase(opts, nil))
	assert.Equal(t, DeviceCUDA, base.Device())
	assert.Equal(t, schedulers.AccessorLR, base.Registry().RateAccessor())
	assert.Equal(t, opts.Path.Models, base.WeightStore().Dir())
}

func TestRegisterNetworkAndOptimizer(t *testing.T) {
	base, _, opt := newTestBase(t, newTestOptions(t), 1)
	assert.Equal(t, "sgd", opt.Name())
	assert.Equal(t, 1, base.Registry().Len())
	assert.Equal(t, 0.1, must.M1(base.CurrentRate()))
	assert.Equal(t, []string{"G"}, base.NetworkLabels())

	require.Error(t, base.RegisterNetwork("G", newTestNet(0)), "duplicate label")
	require.Error(t, base.RegisterNetwork("a/b", newTestNet(0)))
	require.Error(t, base.RegisterNetwork("D", nil))
	_, _, err := base.NewOptimizer("D")
	require.Error(t, err)

	// Without lr_scheme there is no scheduler.
	opts := newTestOptions(t)
	opts.Train.LRScheme = ""
	opts.Train.Optimizer = ""
	base = must.M1(NewBase(opts, nil))
	require.NoError(t, base.RegisterNetwork("G", newTestNet(1)))
	opt, sched, err := base.NewOptimizer("G")
	require.NoError(t, err)
	assert.Nil(t, sched)
	assert.Equal(t, DefaultOptimizer, opt.Name())
	_, err = base.CurrentRate()
	require.True(t, errors.Is(err, schedulers.ErrNoSchedulers))

	opts.Train.LR = nil
	base = must.M1(NewBase(opts, nil))
	require.NoError(t, base.RegisterNetwork("G", newTestNet(1)))
	_, _, err = base.NewOptimizer("G")
	require.Error(t, err)
}

func TestBaseWeights(t *testing.T) {
	opts := newTestOptions(t)
	base, _, _ := newTestBase(t, opts, 1)
	path := must.M1(base.SaveWeights("G", checkpoints.AtStep(10), ""))
	assert.Equal(t, filepath.Join(opts.Path.Models, "10_G.pth"), path)

	other := newTestNet(0, 0, 0)
	require.NoError(t, base.RegisterNetwork("H", other))
	require.NoError(t, base.LoadWeights(path, "H", true))
	assert.Equal(t, []float32{1, -2, 3}, tensors.CopyFlatData[float32](must.M1(other.Get("w").Local())))

	small := newTestNet(0)
	require.NoError(t, base.RegisterNetwork("S", small))
	err := base.LoadWeights(path, "S", false)
	require.True(t, errors.Is(err, checkpoints.ErrShapeOrKeyMismatch))

	_, err = base.SaveWeights("missing", checkpoints.Backup, "")
	require.Error(t, err)
}

func TestBaseResumeTraining(t *testing.T) {
	opts := newTestOptions(t)
	base, net, opt := newTestBase(t, opts, 7)
	loop := NewLoop(base, quadraticStep(net, opt))
	must.M1(loop.RunSteps(3))
	path := must.M1(base.SaveTrainingState(0, 3, false))

	resumedBase, resumedNet, resumedOpt := newTestBase(t, opts, 99)
	state := must.M1(resumedBase.LoadTrainingState(path))
	require.NoError(t, resumedBase.ResumeTraining(state))
	require.NoError(t, resumedNet.SetParameter("w", must.M1(net.Get("w").Local())))
	assert.Equal(t, must.M1(base.CurrentRate()), must.M1(resumedBase.CurrentRate()))
	assert.Equal(t, must.M1(base.Generators().Capture()), must.M1(resumedBase.Generators().Capture()))

	resumedLoop := NewLoop(resumedBase, quadraticStep(resumedNet, resumedOpt))
	resumedLoop.SetLoopStep(int(state.Iteration))
	must.M1(loop.RunSteps(3))
	must.M1(resumedLoop.RunSteps(3))
	assert.Equal(t, 6, resumedLoop.LoopStep)
	assert.True(t, must.M1(net.Get("w").Local()).Equal(must.M1(resumedNet.Get("w").Local())))
	assert.Equal(t, 0.025, must.M1(resumedBase.CurrentRate()))

	// A base with a different number of optimizers can't resume.
	mismatched := must.M1(NewBase(opts, nil))
	err := mismatched.ResumeTraining(state)
	require.True(t, errors.Is(err, checkpoints.ErrStateShapeMismatch))
}

func TestBaseReconcileSchedulers(t *testing.T) {
	opts := newTestOptions(t)
	base, _, _ := newTestBase(t, opts, 1)

	// Nothing changed.
	changes := must.M1(base.ReconcileSchedulers(nil))
	assert.Empty(t, changes)

	updated := *opts.Train
	updated.LRSteps = []int{3, 3}
	updated.LRGamma = ptr(0.25)
	changes = must.M1(base.ReconcileSchedulers(&updated))
	require.Len(t, changes, 2)
	assert.Same(t, &updated, base.Options().Train)
	sched := base.Registry().Schedulers()[0].(*schedulers.MultiStepLR)
	assert.True(t, sched.Milestones().Equal(schedulers.MultisetOf(3, 3)))
	assert.Equal(t, 0.25, sched.Gamma())

	invalid := updated
	invalid.LRSteps = []int{5, 1}
	_, err := base.ReconcileSchedulers(&invalid)
	require.True(t, errors.Is(err, schedulers.ErrInvalidScheduleConfig))
	assert.Same(t, &updated, base.Options().Train, "invalid options are not kept")
}

func TestNetworkDescription(t *testing.T) {
	base := must.M1(NewBase(&options.Options{}, nil))
	net := model.NewParams().
		Add("dense/w", tensors.FromScalarAndDimensions(float32(0), 100, 20)).
		Add("dense/b", tensors.FromScalarAndDimensions(float32(0), 20))
	require.NoError(t, base.RegisterNetwork("G", net))
	description, count, err := base.NetworkDescription("G")
	require.NoError(t, err)
	assert.Equal(t, 2020, count)
	assert.Contains(t, description, "2,020 values")
	assert.Contains(t, description, "dense/w")
	_, _, err = base.NetworkDescription("D")
	require.Error(t, err)
}
