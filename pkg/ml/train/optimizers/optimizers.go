// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements host-side optimizers over a model.Network, whose complete state
// (hyperparameters, learning rates, step counter and per-parameter slots) can be captured with
// StateDict and restored with LoadStateDict.
//
// They all implement optimizers.Interface, which is what learning-rate schedulers and the
// training state store work with.
package optimizers

import (
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/trainstate/pkg/core/dtypes"
	"github.com/gomlx/trainstate/pkg/core/tensors"
	"github.com/gomlx/trainstate/pkg/ml/model"
	"github.com/gomlx/trainstate/pkg/support/polymorphicjson"
	"github.com/gomlx/trainstate/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Interface implemented by optimizers, as seen by schedulers and checkpoints.
type Interface interface {
	// Name of the optimizer algorithm, e.g. "sgd" or "adam".
	Name() string

	// LearningRates returns the current learning rate of each parameter group.
	LearningRates() []float64

	// SetLearningRates sets the learning rate of each parameter group.
	SetLearningRates(lrs []float64) error

	// StateDict returns a deep copy of the optimizer state.
	StateDict() (*State, error)

	// LoadStateDict replaces the optimizer state with a copy of the given one.
	// The configuration kind must match the optimizer's.
	LoadStateDict(state *State) error

	// ClearState drops the accumulated state (step counter and slots), keeping configuration and learning rates.
	ClearState()
}

// ConfigInterfaceName is the interface name used to serialize optimizer configurations.
const ConfigInterfaceName = "optimizers.Config"

// Config is the hyperparameter configuration of an optimizer algorithm. It is serialized polymorphically
// in the training state, see polymorphicjson.
type Config interface {
	polymorphicjson.JSONIdentifiable

	// BaseLearningRate is the configured learning rate before any scheduling.
	BaseLearningRate() float64

	// clone returns a copy of the configuration.
	clone() Config

	// update applies one step to a parameter, given its gradient and slots (created on demand, zero initialized).
	// step is the 1-based step count.
	update(lr float64, step int64, param, grad []float64, slots func(name string) []float64)
}

// State is the complete state of an optimizer.
type State struct {
	Config        polymorphicjson.Wrapper[Config] `json:"config"`
	Step          int64                           `json:"step"`
	LearningRates []float64                       `json:"lrs"`

	// Slots hold per-parameter accumulators, keyed "{parameter}/{slot}". They are stored in the tensor
	// section of the training state, not in JSON.
	Slots map[string]*tensors.Tensor `json:"-"`
}

// Kind returns the configuration type name (e.g. "adam"), or "" if there is no configuration.
func (s *State) Kind() string {
	if s == nil || any(s.Config.Value) == nil {
		return ""
	}
	name, _ := s.Config.Value.JSONTags()
	return name
}

// SlotNames returns the sorted slot keys.
func (s *State) SlotNames() []string {
	return xslices.SortedKeys(s.Slots)
}

// Optimizer applies a Config's update rule to the parameters of a model.Network.
// It implements Interface.
//
// There is one parameter group for the whole network.
type Optimizer struct {
	net    model.Network
	config Config
	lrs    []float64
	step   int64
	slots  map[string]*tensors.Tensor
}

var _ Interface = (*Optimizer)(nil)

// New creates an optimizer of the network's parameters with the given configuration.
func New(net model.Network, config Config) *Optimizer {
	if any(config) == nil {
		exceptions.Panicf("optimizers.New: nil configuration")
	}
	return &Optimizer{
		net:    net,
		config: config.clone(),
		lrs:    []float64{config.BaseLearningRate()},
		slots:  make(map[string]*tensors.Tensor),
	}
}

var (
	// KnownOptimizers maps optimizer names to their default configurations.
	KnownOptimizers = map[string]func(lr float64) Config{
		"sgd":  func(lr float64) Config { return SGD().LearningRate(lr) },
		"adam": func(lr float64) Config { return Adam().LearningRate(lr) },
	}
)

// ByName creates an optimizer from its name with the default configuration and the given learning rate.
func ByName(net model.Network, name string, lr float64) (*Optimizer, error) {
	configFn, found := KnownOptimizers[name]
	if !found {
		return nil, errors.Errorf("unknown optimizer %q, valid values are %q", name,
			slices.Sorted(maps.Keys(KnownOptimizers)))
	}
	return New(net, configFn(lr)), nil
}

// Name implements Interface.
func (o *Optimizer) Name() string {
	name, _ := o.config.JSONTags()
	return name
}

// Config returns a copy of the optimizer's configuration.
func (o *Optimizer) Config() Config { return o.config.clone() }

// Step returns the number of updates applied since creation or the last ClearState.
func (o *Optimizer) Step() int64 { return o.step }

// LearningRates implements Interface.
func (o *Optimizer) LearningRates() []float64 { return slices.Clone(o.lrs) }

// SetLearningRates implements Interface.
func (o *Optimizer) SetLearningRates(lrs []float64) error {
	if len(lrs) != len(o.lrs) {
		return errors.Errorf("optimizer %q has %d parameter groups, got %d learning rates", o.Name(), len(o.lrs), len(lrs))
	}
	copy(o.lrs, lrs)
	return nil
}

// ClearState implements Interface.
func (o *Optimizer) ClearState() {
	o.step = 0
	clear(o.slots)
}

// StateDict implements Interface.
func (o *Optimizer) StateDict() (*State, error) {
	state := &State{
		Config:        polymorphicjson.Wrap(o.config.clone()),
		Step:          o.step,
		LearningRates: slices.Clone(o.lrs),
		Slots:         make(map[string]*tensors.Tensor, len(o.slots)),
	}
	for key, slot := range o.slots {
		state.Slots[key] = slot.Clone()
	}
	return state, nil
}

// LoadStateDict implements Interface.
func (o *Optimizer) LoadStateDict(state *State) error {
	if state == nil {
		return errors.New("LoadStateDict: nil state")
	}
	if state.Kind() != o.Name() {
		return errors.Errorf("LoadStateDict: state of optimizer %q cannot be loaded into optimizer %q", state.Kind(), o.Name())
	}
	if len(state.LearningRates) != len(o.lrs) {
		return errors.Errorf("LoadStateDict: state has %d learning rates, optimizer %q has %d parameter groups",
			len(state.LearningRates), o.Name(), len(o.lrs))
	}
	o.config = state.Config.Value.clone()
	o.step = state.Step
	o.lrs = slices.Clone(state.LearningRates)
	o.slots = make(map[string]*tensors.Tensor, len(state.Slots))
	for key, slot := range state.Slots {
		o.slots[key] = slot.Clone()
	}
	return nil
}

// Update applies one optimization step with the given gradients, keyed by parameter name.
// Parameters without a gradient are left untouched. Only float parameters are supported.
func (o *Optimizer) Update(grads *model.Weights) error {
	o.step++
	lr := o.lrs[0]
	for _, p := range o.net.Parameters() {
		grad := grads.Get(p.Name)
		if grad == nil {
			continue
		}
		value, err := p.Value.Local()
		if err != nil {
			return errors.WithMessagef(err, "optimizer %q failed to read parameter %q", o.Name(), p.Name)
		}
		if !value.Shape().Equal(grad.Shape()) {
			return errors.Errorf("optimizer %q: gradient shape %s doesn't match parameter %q shape %s",
				o.Name(), grad.Shape(), p.Name, value.Shape())
		}
		paramFlat, err := toFloat64(value)
		if err != nil {
			return errors.WithMessagef(err, "parameter %q", p.Name)
		}
		gradFlat, err := toFloat64(grad)
		if err != nil {
			return errors.WithMessagef(err, "gradient of %q", p.Name)
		}
		o.config.update(lr, o.step, paramFlat, gradFlat, func(slotName string) []float64 {
			return o.slot(p.Name+"/"+slotName, value.Dimensions())
		})
		if err = o.net.SetParameter(p.Name, fromFloat64(paramFlat, value.Shape())); err != nil {
			return err
		}
	}
	return nil
}

// slot returns the flat data of the slot with the given key, creating it if needed.
func (o *Optimizer) slot(key string, dimensions []int) []float64 {
	t, found := o.slots[key]
	if !found {
		t = tensors.FromShape(tensors.MakeShape(dtypes.Float64, dimensions...))
		o.slots[key] = t
	}
	var flat []float64
	_ = tensors.MutableFlatData(t, func(f []float64) { flat = f })
	return flat
}

func toFloat64(t *tensors.Tensor) ([]float64, error) {
	switch t.DType() {
	case dtypes.Float64:
		return tensors.CopyFlatData[float64](t), nil
	case dtypes.Float32:
		return xslices.Map(tensors.CopyFlatData[float32](t), func(v float32) float64 { return float64(v) }), nil
	}
	return nil, errors.Errorf("optimizers only support Float32 and Float64 values, got %s", t.DType())
}

func fromFloat64(flat []float64, shape tensors.Shape) *tensors.Tensor {
	if shape.DType == dtypes.Float32 {
		return tensors.FromFlatDataAndDimensions(xslices.Map(flat, func(v float64) float32 { return float32(v) }),
			shape.Dimensions...)
	}
	return tensors.FromFlatDataAndDimensions(flat, shape.Dimensions...)
}
