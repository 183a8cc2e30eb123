// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the Network abstraction used by the checkpoint stores: an ordered collection
// of named learnable parameters, whose values may live on host or on an accelerator.
//
// It provides:
//
//   - Network: the interface checkpoints read parameters from and write parameters to.
//   - Params: a simple ordered, in-memory Network.
//   - Variable and FromStruct: a Network view over any user struct holding *Variable fields, found by
//     walking the struct in a deterministic order (see IterVariables).
//   - Weights: an ordered mapping of parameter names to host tensors, the unit persisted by a weight checkpoint.
//
// Example:
//
//	myModel := &struct{
//		Encoder struct{ W, B *model.Variable }
//	}{}
//	myModel.Encoder.W = model.NewVariable(tensors.FromScalarAndDimensions(float32(0), 3, 3))
//	myModel.Encoder.B = model.NewVariable(tensors.FromScalarAndDimensions(float32(0), 3))
//	net := must.M1(model.FromStruct(myModel)) // Parameters "Encoder.W" and "Encoder.B".
package model

import (
	"github.com/gomlx/trainstate/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Parameter is one named learnable value of a network.
type Parameter struct {
	Name  string
	Value tensors.Materializer
}

// Network is the collaborator whose parameters are persisted by a weight checkpoint.
type Network interface {
	// Parameters returns the parameters in a deterministic order.
	Parameters() []Parameter

	// SetParameter replaces the value of the named parameter with the given host tensor.
	// Implementations should return an error for unknown names.
	SetParameter(name string, value *tensors.Tensor) error
}

// Materialize copies every parameter of the network to host memory, and returns them as Weights,
// in the network's order.
//
// The returned tensors are never shared with the network.
func Materialize(net Network) (*Weights, error) {
	params := net.Parameters()
	weights := NewWeights()
	for _, p := range params {
		if p.Value == nil {
			return nil, errors.Errorf("parameter %q has no value", p.Name)
		}
		local, err := p.Value.Local()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to materialize parameter %q to host", p.Name)
		}
		if err = weights.Set(p.Name, local); err != nil {
			return nil, err
		}
	}
	return weights, nil
}

// ParameterCount returns the total number of scalar values in the network's parameters.
func ParameterCount(net Network) int {
	var count int
	for _, p := range net.Parameters() {
		if p.Value != nil {
			count += p.Value.Shape().Size()
		}
	}
	return count
}

// setValue updates holder with a copy of value: on-device values are updated in place (keeping them on device),
// others are replaced by the given host tensor.
func setValue(holder *tensors.Materializer, name string, value *tensors.Tensor) error {
	if onDevice, ok := (*holder).(*tensors.OnDevice); ok {
		return errors.WithMessagef(onDevice.Update(value), "failed to set parameter %q", name)
	}
	if *holder != nil && !(*holder).Shape().Equal(value.Shape()) {
		return errors.Errorf("failed to set parameter %q: shape %s doesn't match current shape %s",
			name, value.Shape(), (*holder).Shape())
	}
	*holder = value.Clone()
	return nil
}
