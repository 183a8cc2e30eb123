// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train holds the training driver's base: the Base object, which owns the networks, optimizers and
// learning-rate schedulers of a run and persists them, and Loop, a host-side training loop with hooks.
//
// A typical driver:
//
//	opts := must.M1(options.Load("run.yml"))
//	base := must.M1(train.NewBase(opts, random.NewGenerators(seed)))
//	must.M(base.RegisterNetwork("G", net))
//	must.M1(base.NewOptimizer("G"))
//	if path, found := must.M2(base.StateStore().Latest()); found {
//		state := must.M1(base.LoadTrainingState(path))
//		must.M(base.ResumeTraining(state))
//	}
//	loop := train.NewLoop(base, trainStepFn)
//	train.CheckpointEveryNSteps(loop, 1000)
//	_, err := loop.RunSteps(100_000)
package train

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/trainstate/pkg/ml/checkpoints"
	"github.com/gomlx/trainstate/pkg/ml/model"
	"github.com/gomlx/trainstate/pkg/ml/random"
	"github.com/gomlx/trainstate/pkg/ml/train/optimizers"
	"github.com/gomlx/trainstate/pkg/ml/train/options"
	"github.com/gomlx/trainstate/pkg/ml/train/schedulers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device names returned by Base.Device.
const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// DefaultOptimizer is used by Base.NewOptimizer if train.optimizer is not set.
const DefaultOptimizer = "adam"

// Base owns the state of a training run.
//
// It is not safe for concurrent use: options reloaded concurrently (see options.Watch) should be handed to
// the goroutine running the training loop, which then calls ReconcileSchedulers.
type Base struct {
	opts       *options.Options
	generators *random.Generators
	registry   *schedulers.Registry

	weights *checkpoints.WeightStore
	states  *checkpoints.StateStore

	networks      map[string]model.Network
	networkLabels []string
}

// NewBase creates the base of a run configured by opts. generators may be nil, in which case training states
// are saved without random state.
//
// The stores are created for the configured paths (path.models and path.training_state), creating the
// directories if needed. Either may be left empty if not training, and the corresponding methods fail.
func NewBase(opts *options.Options, generators *random.Generators, storeOptions ...checkpoints.StoreOption) (*Base, error) {
	if opts == nil {
		return nil, errors.New("train.NewBase: nil options")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	var registryOptions []schedulers.RegistryOption
	if opts.NumericStackVersion != "" {
		registryOptions = append(registryOptions, schedulers.WithStackVersion(opts.NumericStackVersion))
	}
	registry, err := schedulers.NewRegistry(registryOptions...)
	if err != nil {
		return nil, err
	}
	b := &Base{
		opts:       opts,
		generators: generators,
		registry:   registry,
		networks:   make(map[string]model.Network),
	}
	if opts.Path.Models != "" {
		if b.weights, err = checkpoints.NewWeightStore(opts.Path.Models, storeOptions...); err != nil {
			return nil, err
		}
	}
	if opts.Path.TrainingState != "" {
		if b.states, err = checkpoints.NewStateStore(opts.Path.TrainingState, storeOptions...); err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("train.Base %q: device %s, schedulers stack %s", opts.Name, b.Device(), registry.StackVersion())
	return b, nil
}

// String implements fmt.Stringer.
func (b *Base) String() string {
	return fmt.Sprintf("train.Base(%q)", b.opts.Name)
}

// Options returns the current options. The train section is updated by ReconcileSchedulers.
func (b *Base) Options() *options.Options { return b.opts }

// IsTrain returns whether the run is configured for training.
func (b *Base) IsTrain() bool { return b.opts.IsTrain }

// Generators of the run. It may be nil.
func (b *Base) Generators() *random.Generators { return b.generators }

// Registry of optimizers and schedulers.
func (b *Base) Registry() *schedulers.Registry { return b.registry }

// WeightStore returns the store of network weights, or nil if path.models is not configured.
func (b *Base) WeightStore() *checkpoints.WeightStore { return b.weights }

// StateStore returns the store of training states, or nil if path.training_state is not configured.
func (b *Base) StateStore() *checkpoints.StateStore { return b.states }

// Device where the run computes: DeviceCUDA if any gpu_ids are configured, DeviceCPU otherwise.
func (b *Base) Device() string {
	if len(b.opts.GPUIDs) > 0 {
		return DeviceCUDA
	}
	return DeviceCPU
}

// RegisterNetwork registers a network under a label, used to name its weight artifacts.
func (b *Base) RegisterNetwork(label string, net model.Network) error {
	if label == "" || strings.ContainsAny(label, `/\`) {
		return errors.Errorf("%s: invalid network label %q", b, label)
	}
	if net == nil {
		return errors.Errorf("%s: nil network for label %q", b, label)
	}
	if _, found := b.networks[label]; found {
		return errors.Errorf("%s: network %q already registered", b, label)
	}
	b.networks[label] = net
	b.networkLabels = append(b.networkLabels, label)
	return nil
}

// Network returns the network registered under label, or nil.
func (b *Base) Network(label string) model.Network { return b.networks[label] }

// NetworkLabels returns the labels of the registered networks, in registration order.
func (b *Base) NetworkLabels() []string {
	return append([]string(nil), b.networkLabels...)
}

func (b *Base) network(label string) (model.Network, error) {
	net, found := b.networks[label]
	if !found {
		return nil, errors.Errorf("%s: unknown network %q", b, label)
	}
	return net, nil
}

// AddOptimizer registers an optimizer and its scheduler (which may be nil).
// Optimizers and schedulers are saved and resumed by position, so they must be added in the same order
// in every run.
func (b *Base) AddOptimizer(opt optimizers.Interface, sched schedulers.Scheduler) error {
	return b.registry.Add(opt, sched)
}

// NewOptimizer creates an optimizer for the parameters of the network labeled label, and its scheduler,
// as configured by the train section of the options (train.optimizer, train.lr and train.lr_scheme), and
// registers them. The scheduler is nil if train.lr_scheme is not set.
func (b *Base) NewOptimizer(label string) (*optimizers.Optimizer, schedulers.Scheduler, error) {
	net, err := b.network(label)
	if err != nil {
		return nil, nil, err
	}
	trainOpts := b.opts.Train
	if trainOpts == nil || trainOpts.LR == nil {
		return nil, nil, errors.Errorf("%s: train.lr is required to create an optimizer", b)
	}
	name := trainOpts.Optimizer
	if name == "" {
		name = DefaultOptimizer
	}
	opt, err := optimizers.ByName(net, name, *trainOpts.LR)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "%s: network %q", b, label)
	}
	var sched schedulers.Scheduler
	if trainOpts.LRScheme != "" {
		config, err := trainOpts.SchedulerConfig()
		if err != nil {
			return nil, nil, err
		}
		if sched, err = schedulers.New(opt, config); err != nil {
			return nil, nil, errors.WithMessagef(err, "%s: scheduler for network %q", b, label)
		}
	}
	if err = b.AddOptimizer(opt, sched); err != nil {
		return nil, nil, err
	}
	return opt, sched, nil
}

// SaveWeights saves the weights of the network labeled label. runName is an optional prefix of the file name.
// It returns the path written.
func (b *Base) SaveWeights(label string, it checkpoints.Iteration, runName string) (string, error) {
	if b.weights == nil {
		return "", errors.Errorf("%s: path.models not configured", b)
	}
	net, err := b.network(label)
	if err != nil {
		return "", err
	}
	return b.weights.Save(net, label, it, runName)
}

// LoadWeights loads the weights artifact at path into the network labeled label.
// See checkpoints.WeightStore.Load for the meaning of strict.
func (b *Base) LoadWeights(path, label string, strict bool) error {
	net, err := b.network(label)
	if err != nil {
		return err
	}
	weights, err := checkpoints.ReadWeights(path)
	if err != nil {
		return err
	}
	if err = checkpoints.LoadWeights(weights, net, strict); err != nil {
		return errors.WithMessagef(err, "%s: failed to load %q into network %q", b, path, label)
	}
	return nil
}

// SaveTrainingState saves the state of all optimizers, schedulers and random generators.
// If backup is set, it is saved in the backup slot, otherwise it's named after iteration.
// It returns the path written.
func (b *Base) SaveTrainingState(epoch int, iteration int64, backup bool) (string, error) {
	if b.states == nil {
		return "", errors.Errorf("%s: path.training_state not configured", b)
	}
	return b.states.Save(epoch, iteration, backup, b.registry, b.generators)
}

// LoadTrainingState reads the training state at path, without applying it. See ResumeTraining.
func (b *Base) LoadTrainingState(path string) (*checkpoints.TrainingState, error) {
	if b.states == nil {
		return nil, errors.Errorf("%s: path.training_state not configured", b)
	}
	return b.states.Read(path)
}

// ResumeTraining restores optimizers, schedulers and random generators from state.
// See checkpoints.Resume.
func (b *Base) ResumeTraining(state *checkpoints.TrainingState) error {
	if err := checkpoints.Resume(state, b.registry, b.generators); err != nil {
		return errors.WithMessagef(err, "%s: failed to resume training", b)
	}
	klog.Infof("resumed training from epoch %d, iteration %d", state.Epoch, state.Iteration)
	return nil
}

// ReconcileSchedulers updates the live schedulers to match trainOpts (see Registry.Reconcile), and on success
// makes trainOpts the current train section of the options. If trainOpts is nil the current train section is
// used.
func (b *Base) ReconcileSchedulers(trainOpts *options.Train) ([]schedulers.Change, error) {
	if trainOpts == nil {
		trainOpts = b.opts.Train
	}
	changes, err := b.registry.Reconcile(trainOpts.Desired())
	if err != nil {
		return nil, err
	}
	if trainOpts != nil {
		b.opts.Train = trainOpts
	}
	return changes, nil
}

// AdvanceSchedulers steps all schedulers by one.
func (b *Base) AdvanceSchedulers() error { return b.registry.Advance() }

// CurrentRate returns the current learning rate of the first parameter group of the first scheduler.
func (b *Base) CurrentRate() (float64, error) { return b.registry.CurrentRate() }

// NetworkDescription returns a description of the network labeled label, listing its parameters and shapes,
// and its total number of parameter values.
func (b *Base) NetworkDescription(label string) (description string, count int, err error) {
	net, err := b.network(label)
	if err != nil {
		return "", 0, err
	}
	var sb strings.Builder
	count = model.ParameterCount(net)
	params := net.Parameters()
	fmt.Fprintf(&sb, "Network %q: %d parameters, %s values\n", label, len(params), humanize.Comma(int64(count)))
	for _, p := range params {
		if p.Value == nil {
			fmt.Fprintf(&sb, "  %s: <nil>\n", p.Name)
			continue
		}
		fmt.Fprintf(&sb, "  %s: %s\n", p.Name, p.Value.Shape())
	}
	return sb.String(), count, nil
}
