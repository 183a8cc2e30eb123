// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/gomlx/trainstate/pkg/core/tensors"
	"github.com/gomlx/trainstate/pkg/ml/checkpoints"
	"github.com/gomlx/trainstate/pkg/ml/model"
	"github.com/gomlx/trainstate/pkg/ml/random"
	"github.com/gomlx/trainstate/pkg/ml/train"
	"github.com/gomlx/trainstate/pkg/ml/train/optimizers"
	"github.com/gomlx/trainstate/pkg/ml/train/options"
	"github.com/gomlx/trainstate/pkg/support/xslices"
	"github.com/gomlx/trainstate/ui/commandline"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// DemoNetwork is the label of the network trained by the demo.
const DemoNetwork = "G"

// demoConfig holds the flags of the demo subcommand.
type demoConfig struct {
	ConfigPath string
	Settings   string
	Steps      int
	SaveEvery  int
	BatchSize  int
	Seed       uint64
	Watch      bool
	Progress   bool
}

// linearModel is y = x·W + B.
type linearModel struct {
	W *model.Variable
	B *model.Variable
}

// regression fits a linearModel to a fixed random target, with inputs drawn from the array generator.
type regression struct {
	model      *linearModel
	opt        *optimizers.Optimizer
	target     *mat.VecDense
	targetBias float64
	rng        *random.ArraySource
	batchSize  int
}

func toFloat64(v float32) float64 { return float64(v) }
func toFloat32(v float64) float32 { return float32(v) }

func newRegression(base *train.Base, inputDim, batchSize int) (*regression, error) {
	rng := base.Generators().Array
	// The target is derived from a generator of its own, so it is the same when resuming.
	targetRng := random.NewGenerators(0).Array
	lm := &linearModel{
		W: model.NewVariable(rng.NormalTensor(0.5, inputDim)),
		B: model.NewVariable(tensors.FromScalarAndDimensions(float32(0), 1)),
	}
	net, err := model.FromStruct(lm)
	if err != nil {
		return nil, err
	}
	if err = base.RegisterNetwork(DemoNetwork, net); err != nil {
		return nil, err
	}
	opt, _, err := base.NewOptimizer(DemoNetwork)
	if err != nil {
		return nil, err
	}
	return &regression{
		model:      lm,
		opt:        opt,
		target:     mat.NewVecDense(inputDim, targetRng.Normal(inputDim, 0, 1)),
		targetBias: targetRng.Normal(1, 0, 1)[0],
		rng:        rng,
		batchSize:  batchSize,
	}, nil
}

func (r *regression) values(v *model.Variable) ([]float64, error) {
	t, err := v.Value().Local()
	if err != nil {
		return nil, err
	}
	return xslices.Map(tensors.CopyFlatData[float32](t), toFloat64), nil
}

// Step implements train.StepFn: one gradient step on a batch of the mean squared error / 2.
func (r *regression) Step(_ *train.Loop) (float64, error) {
	wValues, err := r.values(r.model.W)
	if err != nil {
		return 0, err
	}
	bValues, err := r.values(r.model.B)
	if err != nil {
		return 0, err
	}
	inputDim := r.target.Len()
	batch := float64(r.batchSize)
	x := mat.NewDense(r.batchSize, inputDim, r.rng.Normal(r.batchSize*inputDim, 0, 1))

	// residual = x·(W-target) + (B-targetBias)
	var deltaW, residual, gradW mat.VecDense
	deltaW.SubVec(mat.NewVecDense(inputDim, wValues), r.target)
	residual.MulVec(x, &deltaW)
	deltaB := bValues[0] - r.targetBias
	for ii := range r.batchSize {
		residual.SetVec(ii, residual.AtVec(ii)+deltaB)
	}
	loss := 0.5 * mat.Dot(&residual, &residual) / batch

	gradW.MulVec(x.T(), &residual)
	gradW.ScaleVec(1/batch, &gradW)
	gradB := mat.Sum(&residual) / batch

	grads := model.NewWeights()
	if err = grads.Set("W", tensors.FromFlatDataAndDimensions(xslices.Map(gradW.RawVector().Data, toFloat32), inputDim)); err != nil {
		return 0, err
	}
	if err = grads.Set("B", tensors.FromFlatDataAndDimensions([]float32{float32(gradB)}, 1)); err != nil {
		return 0, err
	}
	return loss, r.opt.Update(grads)
}

// loadOptions reads the options file and applies the settings.
func loadOptions(path, settings string) (*options.Options, error) {
	opts, err := options.Load(path)
	if err != nil {
		return nil, err
	}
	if settings != "" {
		keys, err := options.ApplySettings(opts, settings)
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("settings applied to %v", keys)
	}
	return opts, opts.Validate()
}

// resume restores the latest training state and the matching weights, if any. It returns whether it resumed.
func resume(base *train.Base, loop *train.Loop) (bool, error) {
	states := base.StateStore()
	if states == nil {
		return false, nil
	}
	statePath, found, err := states.Latest()
	if err != nil || !found {
		return false, err
	}
	state, err := base.LoadTrainingState(statePath)
	if err != nil {
		return false, err
	}
	if err = base.ResumeTraining(state); err != nil {
		return false, err
	}
	it := checkpoints.AtStep(state.Iteration)
	if statePath == states.Path(0, true) {
		it = checkpoints.Backup
	}
	weightsPath := base.WeightStore().Path(DemoNetwork, it, base.Options().Name)
	if _, err = os.Stat(weightsPath); err == nil {
		if err = base.LoadWeights(weightsPath, DemoNetwork, true); err != nil {
			return false, err
		}
	} else {
		klog.Warningf("no weights found for the training state %q (tried %q): training continues from fresh weights",
			statePath, weightsPath)
	}
	loop.SetLoopStep(int(state.Iteration))
	loop.Epoch = state.Epoch
	return true, nil
}

// watchOptions feeds the train section of every valid reload of the options file to the returned channel, until
// ctx is done.
func watchOptions(ctx context.Context, cfg *demoConfig) <-chan *options.Train {
	updates := make(chan *options.Train, 16)
	go func() {
		err := options.Watch(ctx, cfg.ConfigPath, func(opts *options.Options, err error) {
			if err != nil {
				return
			}
			if cfg.Settings != "" {
				if _, err = options.ApplySettings(opts, cfg.Settings); err != nil {
					klog.Errorf("ignoring reloaded options: %+v", err)
					return
				}
			}
			select {
			case updates <- opts.Train:
			default:
				klog.Warningf("dropped reloaded options of %q: too many pending updates", cfg.ConfigPath)
			}
		})
		if err != nil {
			klog.Errorf("stopped watching %q: %+v", cfg.ConfigPath, err)
		}
	}()
	return updates
}

// runDemo trains a linear regression with the schedulers and checkpoints configured in the options file.
// It returns the loss of the last step.
func runDemo(w io.Writer, cfg *demoConfig) (float64, error) {
	if cfg.ConfigPath == "" {
		return 0, errors.New("demo requires -config")
	}
	opts, err := loadOptions(cfg.ConfigPath, cfg.Settings)
	if err != nil {
		return 0, err
	}
	base, err := train.NewBase(opts, random.NewGenerators(cfg.Seed))
	if err != nil {
		return 0, err
	}
	const inputDim = 8
	reg, err := newRegression(base, inputDim, cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if err = commandline.ReportNetworks(w, base); err != nil {
		return 0, err
	}

	loop := train.NewLoop(base, reg.Step)
	resumed, err := resume(base, loop)
	if err != nil {
		return 0, err
	}
	if resumed {
		fmt.Fprintf(w, "Resumed %s at step %d\n", base, loop.LoopStep)
	}
	if cfg.SaveEvery > 0 && base.IsTrain() {
		train.CheckpointEveryNSteps(loop, cfg.SaveEvery)
	}
	if cfg.Watch {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		train.ApplyTrainOptions(loop, watchOptions(ctx, cfg))
	}
	if cfg.Progress {
		commandline.AttachProgressBar(loop)
	}

	loss, err := loop.RunSteps(cfg.Steps)
	if err != nil {
		return 0, err
	}
	if rate, err := base.CurrentRate(); err == nil {
		fmt.Fprintf(w, "Step %d: loss=%.4g, learning rate=%.4g\n", loop.LoopStep, loss, rate)
	} else {
		fmt.Fprintf(w, "Step %d: loss=%.4g\n", loop.LoopStep, loss)
	}
	return loss, nil
}
